// Package main is the entry point for apexctl, a thin inspection and
// ops CLI against the same on-disk SQLite store the apexd daemon uses.
// It is not a REPL and has no agent-dispatch logic of its own — every
// subcommand is a direct call into internal/store or internal/facade.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/apexorch/apex/internal/logger"
	"github.com/apexorch/apex/internal/store"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	projectPath := os.Getenv("APEX_PROJECT_PATH")
	if projectPath == "" {
		projectPath = "."
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "submit":
		err = runSubmit(projectPath, args)
	case "list":
		err = runList(projectPath, args)
	case "pause":
		err = runPause(projectPath, args)
	case "resume":
		err = runResume(projectPath, args)
	case "cancel":
		err = runCancel(projectPath, args)
	default:
		usage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "apexctl: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage: apexctl <submit|list|pause|resume|cancel> [flags]

  submit  -desc TEXT -workflow NAME -project PATH [-priority P] [-autonomy A] [-branch B]
  list    [-status S[,S...]]
  pause   -id ID [-reason manual|user_request]
  resume  -id ID
  cancel  -id ID`)
}

func openStore(projectPath string) (*store.Store, error) {
	dbPath := filepath.Join(projectPath, ".apex", "apex.db")
	return store.Open(dbPath, logger.Default())
}

func runSubmit(projectPath string, args []string) error {
	fs := flag.NewFlagSet("submit", flag.ExitOnError)
	desc := fs.String("desc", "", "task description")
	acceptance := fs.String("acceptance", "", "acceptance criteria")
	workflowName := fs.String("workflow", "standard", "workflow name")
	project := fs.String("project", projectPath, "project path")
	branch := fs.String("branch", "", "branch name")
	priority := fs.String("priority", "normal", "urgent|high|normal|low")
	autonomy := fs.String("autonomy", "autonomous", "autonomous|interactive")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(projectPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	id, err := st.CreateTask(context.Background(), store.CreateTaskSpec{
		Description: *desc,
		Acceptance:  *acceptance,
		Workflow:    *workflowName,
		Autonomy:    store.Autonomy(*autonomy),
		Priority:    store.Priority(*priority),
		ProjectPath: *project,
		BranchName:  *branch,
	})
	if err != nil {
		return err
	}
	fmt.Println(id)
	return nil
}

func runList(projectPath string, args []string) error {
	fs := flag.NewFlagSet("list", flag.ExitOnError)
	status := fs.String("status", "", "comma-separated status filter")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(projectPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	var pred store.ListPredicate
	if *status != "" {
		for _, s := range strings.Split(*status, ",") {
			pred.Statuses = append(pred.Statuses, store.Status(strings.TrimSpace(s)))
		}
	}

	tasks, err := st.ListTasks(context.Background(), pred)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 2, 2, ' ', 0)
	defer func() { _ = w.Flush() }()
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tWORKFLOW\tSTAGE")
	for _, t := range tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.ID, t.Status, t.Priority, t.Workflow, t.CurrentStage)
	}
	return nil
}

func runPause(projectPath string, args []string) error {
	fs := flag.NewFlagSet("pause", flag.ExitOnError)
	id := fs.String("id", "", "task id")
	reason := fs.String("reason", "manual", "manual|user_request")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(projectPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	r := store.PauseReason(*reason)
	now := time.Now()
	return st.UpdateTask(context.Background(), *id, store.TaskPatch{
		Status:      statusPtr(store.StatusPaused),
		PausedAt:    timePtr(&now),
		PauseReason: reasonPtr(&r),
	})
}

func runResume(projectPath string, args []string) error {
	fs := flag.NewFlagSet("resume", flag.ExitOnError)
	id := fs.String("id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(projectPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return st.UpdateTask(context.Background(), *id, store.TaskPatch{
		Status:      statusPtr(store.StatusRunning),
		PausedAt:    timePtr(nil),
		PauseReason: reasonPtr(nil),
	})
}

func runCancel(projectPath string, args []string) error {
	fs := flag.NewFlagSet("cancel", flag.ExitOnError)
	id := fs.String("id", "", "task id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return fmt.Errorf("-id is required")
	}

	st, err := openStore(projectPath)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	return st.UpdateTask(context.Background(), *id, store.TaskPatch{Status: statusPtr(store.StatusCancelled)})
}

func statusPtr(s store.Status) *store.Status { return &s }

func timePtr(t *time.Time) **time.Time { return &t }

func reasonPtr(r *store.PauseReason) **store.PauseReason { return &r }
