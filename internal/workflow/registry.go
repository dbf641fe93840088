// Package workflow resolves workflow names to ordered stage plans. The
// registry is immutable at runtime: definitions load once through LoadDir
// at startup and are never mutated afterward.
package workflow

import (
	"fmt"
	"io/fs"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/apexorch/apex/internal/apperrors"
)

// Stage is one element of a workflow: the agent invoked and an optional
// parallel-group tag. Stages sharing a non-empty Group execute concurrently.
type Stage struct {
	Name  string `yaml:"name"`
	Agent string `yaml:"agent"`
	Group string `yaml:"group,omitempty"`
}

// Definition is a workflow's ordered list of stages.
type Definition struct {
	Name   string  `yaml:"name"`
	Stages []Stage `yaml:"stages"`
}

// Block is a maximal run of consecutive stages sharing a parallel group
// (or a single non-parallel stage). A workflow Plan is a sequence of Blocks.
type Block struct {
	Stages   []Stage
	Parallel bool
}

// Plan is the resolved, ordered stage plan for a workflow.
type Plan struct {
	WorkflowName string
	Blocks       []Block
}

// Registry resolves workflow name to Plan. Safe for concurrent reads once
// LoadDir has completed; LoadDir itself is not safe to call concurrently with reads.
type Registry struct {
	defs map[string]Definition
}

// NewRegistry returns a Registry seeded with the built-in catalogue.
func NewRegistry() *Registry {
	r := &Registry{defs: map[string]Definition{}}
	for _, d := range builtinCatalogue() {
		r.defs[d.Name] = d
	}
	return r
}

// LoadDir loads every *.yaml/*.yml file under dir as a workflow Definition,
// overriding any built-in of the same name. A zero-value dir is a no-op,
// leaving only the built-in catalogue.
func (r *Registry) LoadDir(dirFS fs.FS, dir string) error {
	if dir == "" {
		return nil
	}
	entries, err := fs.ReadDir(dirFS, dir)
	if err != nil {
		return apperrors.Validation("workflowsPath", err.Error())
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		ext := filepath.Ext(entry.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := fs.ReadFile(dirFS, filepath.Join(dir, entry.Name()))
		if err != nil {
			return apperrors.Validation("workflowsPath", err.Error())
		}
		var def Definition
		if err := yaml.Unmarshal(data, &def); err != nil {
			return apperrors.Validation("workflowsPath", fmt.Sprintf("%s: %v", entry.Name(), err))
		}
		if def.Name == "" {
			return apperrors.Validation("workflowsPath", fmt.Sprintf("%s: workflow name must not be empty", entry.Name()))
		}
		r.defs[def.Name] = def
	}
	return nil
}

// Resolve returns the ordered stage Plan for name, or an apperrors
// validation error (KindValidation) naming the unknown workflow.
func (r *Registry) Resolve(name string) (*Plan, error) {
	def, ok := r.defs[name]
	if !ok {
		return nil, apperrors.Validation("workflow", fmt.Sprintf("unknown workflow %q", name))
	}
	return compile(def), nil
}

func compile(def Definition) *Plan {
	plan := &Plan{WorkflowName: def.Name}
	i := 0
	for i < len(def.Stages) {
		stage := def.Stages[i]
		if stage.Group == "" {
			plan.Blocks = append(plan.Blocks, Block{Stages: []Stage{stage}, Parallel: false})
			i++
			continue
		}
		group := []Stage{stage}
		j := i + 1
		for j < len(def.Stages) && def.Stages[j].Group == stage.Group {
			group = append(group, def.Stages[j])
			j++
		}
		plan.Blocks = append(plan.Blocks, Block{Stages: group, Parallel: true})
		i = j
	}
	return plan
}

func builtinCatalogue() []Definition {
	return []Definition{
		{
			Name: "standard",
			Stages: []Stage{
				{Name: "plan", Agent: "planner"},
				{Name: "architect", Agent: "architect"},
				{Name: "develop", Agent: "developer"},
				{Name: "test", Agent: "tester"},
				{Name: "review", Agent: "reviewer"},
			},
		},
		{
			Name: "hotfix",
			Stages: []Stage{
				{Name: "develop", Agent: "developer"},
				{Name: "test", Agent: "tester"},
			},
		},
		{
			Name: "review-only",
			Stages: []Stage{
				{Name: "review", Agent: "reviewer"},
			},
		},
	}
}
