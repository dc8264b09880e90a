package models

import (
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestModels_Load_WheelsPipeline(t *testing.T) {
	t.Parallel()

	p, err := Load("testdata/build-wheels.yml")
	require.NoError(t, err)

	assert.Equal(t, "wheels", p.Name)
	require.Len(t, p.Blocks, 3)

	arm := p.Block("Wheels: Linux arm64")
	require.NotNil(t, arm)
	require.NotNil(t, arm.Run)
	assert.Equal(t, "tag =~ '.*'", arm.Run.When)
	assert.Empty(t, arm.Dependencies)

	machine, ok := p.MachineFor(arm)
	require.True(t, ok)
	assert.Equal(t, "linux-arm64", machine.Type)

	source := p.Block("Source package verification")
	require.NotNil(t, source)
	assert.Nil(t, source.Run)

	require.NotNil(t, p.GlobalJobConfig)
	assert.Contains(t, p.GlobalJobConfig.EnvVars, EnvVar{Name: "LIBRDKAFKA_VERSION", Value: "v2.3.0"})

	require.Len(t, arm.Task.Jobs, 1)
	build := arm.Task.Jobs[0]
	require.Len(t, build.Artifacts, 1)
	step := build.Artifacts[0]
	assert.Equal(t, "wheelhouse", step.Push)
	assert.Equal(t, "wheelhouse-linux-arm64", step.Name())
	assert.Equal(t, ScopeWorkflow, step.EffectiveScope())

	require.NotNil(t, p.FailFast)
	require.NotNil(t, p.FailFast.Stop)
	assert.Equal(t, "branch != 'master'", p.FailFast.Stop.When)
}

func TestModels_MachineFor_PipelineFallback(t *testing.T) {
	t.Parallel()

	p := &Pipeline{
		Agent:  &Agent{Machine: Machine{Type: "linux-x64"}},
		Blocks: []Block{{Name: "build"}},
	}
	machine, ok := p.MachineFor(&p.Blocks[0])
	require.True(t, ok)
	assert.Equal(t, "linux-x64", machine.Type)

	p.Agent = nil
	_, ok = p.MachineFor(&p.Blocks[0])
	assert.False(t, ok)
}

func TestModels_Parse_RejectsUnknownFields(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader("name: p\nblcoks: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found in type")
}

func TestModels_Parse_Empty(t *testing.T) {
	t.Parallel()

	_, err := Parse(strings.NewReader(""))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "empty pipeline definition")
}

func TestModels_Load_MissingFile(t *testing.T) {
	t.Parallel()

	_, err := Load("testdata/does-not-exist.yml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "could not open pipeline file")
}

func TestModels_MergeEnv(t *testing.T) {
	t.Parallel()

	global := []EnvVar{{Name: "LIBRDKAFKA_VERSION", Value: "v2.3.0"}, {Name: "OS_NAME", Value: "linux"}}
	task := []EnvVar{{Name: "ARCH", Value: "arm64"}, {Name: "OS_NAME", Value: "linux-musl"}}
	job := []EnvVar{{Name: "ARCH", Value: "x64"}}

	got := MergeEnv(global, task, job)
	want := []EnvVar{
		{Name: "LIBRDKAFKA_VERSION", Value: "v2.3.0"},
		{Name: "OS_NAME", Value: "linux-musl"},
		{Name: "ARCH", Value: "x64"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("merged env mismatch (-want +got):\n%s", diff)
	}

	assert.Equal(t, []string{
		"LIBRDKAFKA_VERSION=v2.3.0",
		"OS_NAME=linux-musl",
		"ARCH=x64",
	}, EnvStrings(got))
}

func TestModels_TimeLimit_Duration(t *testing.T) {
	t.Parallel()

	var unset *TimeLimit
	assert.Equal(t, DefaultTimeLimit, unset.Duration(DefaultTimeLimit))
	assert.Equal(t, DefaultTimeLimit, (&TimeLimit{}).Duration(DefaultTimeLimit))
	assert.Equal(t, 90*time.Minute, (&TimeLimit{Hours: 1, Minutes: 30}).Duration(DefaultTimeLimit))
	assert.Equal(t, 10*time.Minute, (&TimeLimit{Minutes: 10}).Duration(DefaultTimeLimit))
}

func TestModels_Epilogue_For(t *testing.T) {
	t.Parallel()

	e := &Epilogue{
		Always: &CommandList{Commands: []string{"echo done"}},
		OnPass: &CommandList{Commands: []string{"echo ok"}},
		OnFail: &CommandList{Commands: []string{"echo bad"}},
	}
	assert.Equal(t, []string{"echo done", "echo ok"}, e.For(true))
	assert.Equal(t, []string{"echo done", "echo bad"}, e.For(false))

	var unset *Epilogue
	assert.Nil(t, unset.For(true))
}

func TestModels_ArtifactStep_Name(t *testing.T) {
	t.Parallel()

	assert.Equal(t, "wheelhouse", ArtifactStep{Push: "wheelhouse"}.Name())
	assert.Equal(t, "renamed", ArtifactStep{Push: "wheelhouse", Destination: "renamed"}.Name())
	assert.Equal(t, "wheelhouse", ArtifactStep{Pull: "wheelhouse", Destination: "local/dir"}.Name())

	assert.Equal(t, "wheelhouse", ArtifactStep{Push: "wheelhouse", Destination: "renamed"}.LocalPath())
	assert.Equal(t, "local/dir", ArtifactStep{Pull: "wheelhouse", Destination: "local/dir"}.LocalPath())
	assert.Equal(t, "wheelhouse", ArtifactStep{Pull: "wheelhouse"}.LocalPath())

	assert.Equal(t, ScopeJob, ArtifactStep{Scope: "job"}.EffectiveScope())
	assert.Equal(t, ScopeWorkflow, ArtifactStep{}.EffectiveScope())
}
