package workflow

import (
	"testing"
	"testing/fstest"

	"github.com/stretchr/testify/require"
)

func TestResolveBuiltinWorkflow(t *testing.T) {
	r := NewRegistry()
	plan, err := r.Resolve("standard")
	require.NoError(t, err)
	require.Len(t, plan.Blocks, 5)
	require.False(t, plan.Blocks[0].Parallel)
}

func TestResolveUnknownWorkflow(t *testing.T) {
	r := NewRegistry()
	_, err := r.Resolve("does-not-exist")
	require.Error(t, err)
}

func TestCompileGroupsParallelStages(t *testing.T) {
	def := Definition{
		Name: "fanout",
		Stages: []Stage{
			{Name: "plan", Agent: "planner"},
			{Name: "unit-tests", Agent: "tester", Group: "verify"},
			{Name: "lint", Agent: "linter", Group: "verify"},
			{Name: "review", Agent: "reviewer"},
		},
	}
	plan := compile(def)
	require.Len(t, plan.Blocks, 3)
	require.False(t, plan.Blocks[0].Parallel)
	require.True(t, plan.Blocks[1].Parallel)
	require.Len(t, plan.Blocks[1].Stages, 2)
	require.False(t, plan.Blocks[2].Parallel)
}

func TestLoadDirOverridesBuiltin(t *testing.T) {
	fsys := fstest.MapFS{
		"workflows/standard.yaml": &fstest.MapFile{Data: []byte(`
name: standard
stages:
  - name: develop
    agent: developer
`)},
	}
	r := NewRegistry()
	require.NoError(t, r.LoadDir(fsys, "workflows"))
	plan, err := r.Resolve("standard")
	require.NoError(t, err)
	require.Len(t, plan.Blocks, 1)
}
