package scheduler

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gantryci/gantry/pkg/condition"
	"github.com/gantryci/gantry/pkg/events"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/runner"
)

type fakeRunner struct {
	id  string
	run func(ctx context.Context) error
}

func (f *fakeRunner) ID() string { return f.id }

func (f *fakeRunner) Run(ctx context.Context) error {
	if f.run == nil {
		return nil
	}
	return f.run(ctx)
}

// runnerRecorder hands out fake runners and captures the specs the
// scheduler built for each job.
type runnerRecorder struct {
	mu    sync.Mutex
	specs []JobSpec
	byJob map[string]func(ctx context.Context) error
}

func (r *runnerRecorder) factory(spec JobSpec) runner.Runner {
	r.mu.Lock()
	r.specs = append(r.specs, spec)
	r.mu.Unlock()
	return &fakeRunner{id: spec.Job.Name, run: r.byJob[spec.Job.Name]}
}

func (r *runnerRecorder) spec(job string) (JobSpec, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, spec := range r.specs {
		if spec.Job.Name == job {
			return spec, true
		}
	}
	return JobSpec{}, false
}

func (r *runnerRecorder) jobNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.specs))
	for _, spec := range r.specs {
		names = append(names, spec.Job.Name)
	}
	return names
}

type recordingSink struct {
	mu     sync.Mutex
	events []events.Event
}

func (s *recordingSink) Publish(_ context.Context, ev events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
}

func (s *recordingSink) Close(context.Context) error { return nil }

func (s *recordingSink) kinds() []events.Kind {
	s.mu.Lock()
	defer s.mu.Unlock()
	kinds := make([]events.Kind, 0, len(s.events))
	for _, ev := range s.events {
		kinds = append(kinds, ev.Kind)
	}
	return kinds
}

func discardLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func testBlock(name string, deps []string, jobNames ...string) models.Block {
	jobs := make([]models.Job, 0, len(jobNames))
	for _, jn := range jobNames {
		jobs = append(jobs, models.Job{Name: jn, Commands: []string{"true"}})
	}
	return models.Block{Name: name, Dependencies: deps, Task: models.Task{Jobs: jobs}}
}

func testPipeline(blocks ...models.Block) *models.Pipeline {
	return &models.Pipeline{Version: "v1.0", Name: "wheels", Blocks: blocks}
}

func TestScheduler_Run_AllBlocksPass(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{}
	sink := &recordingSink{}
	clock := clockwork.NewFakeClock()

	s := New(Options{
		Logger:    discardLogger(),
		Clock:     clock,
		Events:    sink,
		Stdout:    io.Discard,
		NewRunner: rec.factory,
	})

	p := testPipeline(
		testBlock("lint", nil, "vet"),
		testBlock("build", nil, "compile"),
	)
	report, err := s.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, ResultPassed, report.Result)
	assert.NotEmpty(t, report.RunID)
	assert.Equal(t, "wheels", report.Pipeline)
	assert.Equal(t, clock.Now(), report.StartedAt)
	assert.Equal(t, clock.Now(), report.FinishedAt)

	require.Len(t, report.Blocks, 2)
	assert.Equal(t, "lint", report.Blocks[0].Name)
	assert.Equal(t, "build", report.Blocks[1].Name)
	for _, b := range report.Blocks {
		assert.Equal(t, ResultPassed, b.Result)
		require.Len(t, b.Jobs, 1)
		assert.Equal(t, ResultPassed, b.Jobs[0].Result)
	}
	assert.ElementsMatch(t, []string{"vet", "compile"}, rec.jobNames())
}

func TestScheduler_Run_EventSequenceForSingleJob(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{}
	sink := &recordingSink{}
	s := New(Options{Logger: discardLogger(), Events: sink, Stdout: io.Discard, NewRunner: rec.factory})

	_, err := s.Run(context.Background(), testPipeline(testBlock("only", nil, "job")))
	require.NoError(t, err)

	assert.Equal(t, []events.Kind{
		events.KindRunStarted,
		events.KindBlockStarted,
		events.KindJobStarted,
		events.KindJobFinished,
		events.KindBlockFinished,
		events.KindRunFinished,
	}, sink.kinds())
}

func TestScheduler_Run_SpecCarriesMergedEnvAndCommands(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{}
	s := New(Options{
		Logger:    discardLogger(),
		Stdout:    io.Discard,
		NewRunner: rec.factory,
		Env:       []models.EnvVar{{Name: "LIBRDKAFKA_VERSION", Value: "v2.4.0"}},
		Condition: condition.Context{Tag: "v2.4.0", Branch: "master"},
	})

	p := testPipeline(models.Block{
		Name: "wheels-x64",
		Task: models.Task{
			Prologue: &models.CommandList{Commands: []string{"uname -a"}},
			EnvVars:  []models.EnvVar{{Name: "ARCH", Value: "x64"}},
			Jobs: []models.Job{{
				Name:     "build",
				Commands: []string{"tools/wheels/build-wheels.sh \"$LIBRDKAFKA_VERSION\" wheelhouse"},
				EnvVars:  []models.EnvVar{{Name: "CIBW_ARCHS", Value: "x86_64"}},
			}},
		},
	})
	p.GlobalJobConfig = &models.GlobalJobConfig{
		EnvVars:  []models.EnvVar{{Name: "LIBRDKAFKA_VERSION", Value: "v2.3.0"}},
		Prologue: &models.CommandList{Commands: []string{"echo start"}},
		Epilogue: &models.Epilogue{
			Always: &models.CommandList{Commands: []string{"echo always"}},
			OnFail: &models.CommandList{Commands: []string{"echo failed"}},
		},
	}

	report, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	require.Equal(t, ResultPassed, report.Result)

	spec, ok := rec.spec("build")
	require.True(t, ok)

	// command line value wins over global_job_config, declaration order stays
	assert.Equal(t, []models.EnvVar{
		{Name: "LIBRDKAFKA_VERSION", Value: "v2.4.0"},
		{Name: "ARCH", Value: "x64"},
		{Name: "CIBW_ARCHS", Value: "x86_64"},
	}, spec.Env)

	assert.Equal(t, []string{
		"echo start",
		"uname -a",
		"tools/wheels/build-wheels.sh \"$LIBRDKAFKA_VERSION\" wheelhouse",
	}, spec.Commands)

	assert.Equal(t, []string{"echo always"}, spec.EpiloguePass)
	assert.Equal(t, []string{"echo always", "echo failed"}, spec.EpilogueFail)

	assert.Contains(t, spec.SystemEnv, "GANTRY_BLOCK_NAME=wheels-x64")
	assert.Contains(t, spec.SystemEnv, "GANTRY_JOB_NAME=build")
	assert.Contains(t, spec.SystemEnv, "GANTRY_GIT_TAG=v2.4.0")
	assert.Contains(t, spec.SystemEnv, "GANTRY_GIT_BRANCH=master")
}

func TestScheduler_Run_ConditionGatesBlocks(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{}
	s := New(Options{
		Logger:    discardLogger(),
		Stdout:    io.Discard,
		NewRunner: rec.factory,
		Condition: condition.Context{Branch: "feature-x"},
	})

	gatedA := testBlock("wheels-arm64", nil, "build-arm64")
	gatedA.Run = &models.RunCondition{When: "tag =~ '.*'"}
	gatedB := testBlock("wheels-x64", nil, "build-x64")
	gatedB.Run = &models.RunCondition{When: "tag =~ '.*'"}
	verify := testBlock("source-verification", nil, "build-and-docs")
	dependent := testBlock("publish", []string{"wheels-arm64"}, "publish-job")

	report, err := s.Run(context.Background(), testPipeline(gatedA, gatedB, verify, dependent))
	require.NoError(t, err)

	assert.Equal(t, ResultPassed, report.Result)
	assert.Equal(t, ResultSkipped, report.Block("wheels-arm64").Result)
	assert.Equal(t, `run condition "tag =~ '.*'" not met`, report.Block("wheels-arm64").Reason)
	assert.Equal(t, ResultSkipped, report.Block("wheels-x64").Result)
	assert.Equal(t, ResultPassed, report.Block("source-verification").Result)

	// a skipped dependency counts as satisfied
	assert.Equal(t, ResultPassed, report.Block("publish").Result)

	assert.ElementsMatch(t, []string{"build-and-docs", "publish-job"}, rec.jobNames())
}

func TestScheduler_Run_TagRunExecutesGatedBlocks(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{}
	s := New(Options{
		Logger:    discardLogger(),
		Stdout:    io.Discard,
		NewRunner: rec.factory,
		Condition: condition.Context{Tag: "v2.3.0"},
	})

	gated := testBlock("wheels-arm64", nil, "build-arm64")
	gated.Run = &models.RunCondition{When: "tag =~ '.*'"}

	report, err := s.Run(context.Background(), testPipeline(gated))
	require.NoError(t, err)
	assert.Equal(t, ResultPassed, report.Result)
	assert.Equal(t, ResultPassed, report.Block("wheels-arm64").Result)
	assert.ElementsMatch(t, []string{"build-arm64"}, rec.jobNames())
}

func TestScheduler_Run_FailureCancelsDependents(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{byJob: map[string]func(ctx context.Context) error{
		"broken": func(context.Context) error { return errors.New("job broken failed with exit code 2") },
	}}
	s := New(Options{Logger: discardLogger(), Stdout: io.Discard, NewRunner: rec.factory})

	p := testPipeline(
		testBlock("compile", nil, "broken"),
		testBlock("test", []string{"compile"}, "unit"),
		testBlock("package", []string{"test"}, "tarball"),
	)
	report, err := s.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, report.Result)
	assert.Equal(t, ResultFailed, report.Block("compile").Result)
	assert.Equal(t, ResultCanceled, report.Block("test").Result)
	assert.Equal(t, `dependency "compile" did not pass`, report.Block("test").Reason)
	assert.Equal(t, ResultCanceled, report.Block("package").Result)
	assert.Equal(t, `dependency "test" did not pass`, report.Block("package").Reason)

	// only the failed block's job ever ran
	assert.ElementsMatch(t, []string{"broken"}, rec.jobNames())

	require.Len(t, report.Block("compile").Jobs, 1)
	assert.Equal(t, ResultFailed, report.Block("compile").Jobs[0].Result)
	assert.Contains(t, report.Block("compile").Jobs[0].Reason, "exit code 2")
}

func TestScheduler_Run_FailFastStopInterruptsRunningJobs(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{byJob: map[string]func(ctx context.Context) error{
		"broken": func(context.Context) error { return errors.New("boom") },
		"slow": func(ctx context.Context) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(10 * time.Second):
				return nil
			}
		},
	}}
	s := New(Options{
		Logger:    discardLogger(),
		Stdout:    io.Discard,
		NewRunner: rec.factory,
		Condition: condition.Context{Branch: "feature-x"},
	})

	p := testPipeline(
		testBlock("fast", nil, "broken"),
		testBlock("long", nil, "slow"),
		testBlock("queued", []string{"long"}, "later"),
	)
	p.FailFast = &models.FailFast{Stop: &models.RunCondition{When: "branch != 'master'"}}

	start := time.Now()
	report, err := s.Run(context.Background(), p)
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second, "stop must interrupt the slow job")

	assert.Equal(t, ResultFailed, report.Result)
	assert.Equal(t, ResultFailed, report.Block("fast").Result)
	assert.Equal(t, ResultStopped, report.Block("long").Result)
	require.Len(t, report.Block("long").Jobs, 1)
	assert.Equal(t, ResultStopped, report.Block("long").Jobs[0].Result)
	assert.Equal(t, "stopped by fail_fast", report.Block("long").Jobs[0].Reason)
	assert.Equal(t, ResultCanceled, report.Block("queued").Result)
}

func TestScheduler_Run_FailFastCancelLeavesRunningJobsAlone(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	rec := &runnerRecorder{byJob: map[string]func(ctx context.Context) error{
		"broken": func(context.Context) error {
			defer close(release)
			return errors.New("boom")
		},
		"slow": func(ctx context.Context) error {
			// keep running until the failure has been observed
			<-release
			time.Sleep(50 * time.Millisecond)
			return nil
		},
	}}
	s := New(Options{
		Logger:    discardLogger(),
		Stdout:    io.Discard,
		NewRunner: rec.factory,
		Condition: condition.Context{Branch: "feature-x"},
	})

	p := testPipeline(
		testBlock("fast", nil, "broken"),
		testBlock("long", nil, "slow"),
		testBlock("queued", []string{"long"}, "later"),
	)
	p.FailFast = &models.FailFast{Cancel: &models.RunCondition{When: "branch != 'master'"}}

	report, err := s.Run(context.Background(), p)
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, report.Result)
	assert.Equal(t, ResultFailed, report.Block("fast").Result)
	assert.Equal(t, ResultPassed, report.Block("long").Result, "cancel must not interrupt running jobs")
	assert.Equal(t, ResultCanceled, report.Block("queued").Result)
	assert.Equal(t, "canceled by fail_fast", report.Block("queued").Reason)
}

func TestScheduler_Run_ParallelJobsAggregateIntoBlockResult(t *testing.T) {
	t.Parallel()

	rec := &runnerRecorder{byJob: map[string]func(ctx context.Context) error{
		"py39": func(context.Context) error { return errors.New("exit code 1") },
	}}
	s := New(Options{Logger: discardLogger(), Stdout: io.Discard, NewRunner: rec.factory})

	report, err := s.Run(context.Background(), testPipeline(
		testBlock("matrix", nil, "py39", "py310", "py311"),
	))
	require.NoError(t, err)

	assert.Equal(t, ResultFailed, report.Result)
	block := report.Block("matrix")
	assert.Equal(t, ResultFailed, block.Result)
	require.Len(t, block.Jobs, 3)

	// siblings of the failed job still ran to completion
	assert.ElementsMatch(t, []string{"py39", "py310", "py311"}, rec.jobNames())
	passed := 0
	for _, j := range block.Jobs {
		if j.Result == ResultPassed {
			passed++
		}
	}
	assert.Equal(t, 2, passed)
}

func TestScheduler_Run_RejectsInvalidPipeline(t *testing.T) {
	t.Parallel()

	s := New(Options{Logger: discardLogger(), Stdout: io.Discard, NewRunner: (&runnerRecorder{}).factory})

	p := testPipeline(
		testBlock("dup", nil, "a"),
		testBlock("dup", nil, "b"),
	)
	report, err := s.Run(context.Background(), p)
	require.Error(t, err)
	assert.Nil(t, report)
	assert.Contains(t, err.Error(), "invalid pipeline")
}

func TestScheduler_StopReason(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancelCause(context.Background())
	cancel(errFailFastStop)
	assert.Equal(t, "stopped by fail_fast", stopReason(ctx))

	tctx, tcancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer tcancel()
	<-tctx.Done()
	assert.Equal(t, "time limit exceeded", stopReason(tctx))
}

func TestScheduler_Report_WriteJSON(t *testing.T) {
	t.Parallel()

	rep := &Report{
		RunID:    "run-1",
		Pipeline: "wheels",
		Result:   ResultPassed,
		Blocks:   []BlockReport{{Name: "b", Result: ResultPassed}},
	}
	var buf bytes.Buffer
	require.NoError(t, rep.WriteJSON(&buf))
	assert.Contains(t, buf.String(), `"run_id": "run-1"`)
	assert.Contains(t, buf.String(), `"result": "passed"`)
}
