// Package scheduler turns a parsed pipeline into an executed run. It orders
// blocks by their dependencies, fans each block's jobs out to agent runners
// and aggregates the outcomes into a run report.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/condition"
	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/events"
	"github.com/gantryci/gantry/pkg/metrics"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/runner"
	"github.com/gantryci/gantry/pkg/utils"
)

var tracer = otel.Tracer("github.com/gantryci/gantry/pkg/scheduler")

var errFailFastStop = errors.New("stopped by fail_fast")

// JobSpec is everything needed to execute one job on an agent.
type JobSpec struct {
	Block        string
	Job          models.Job
	Agent        config.AgentConfig
	Env          []models.EnvVar
	SystemEnv    []string
	Commands     []string
	EpiloguePass []string
	EpilogueFail []string
	Stdout       io.Writer
	Stderr       io.Writer
}

// Options configure a scheduler. Zero values get sensible defaults, only
// Artifacts is required when pipelines declare artifact steps.
type Options struct {
	Logger    *slog.Logger
	Clock     clockwork.Clock
	Registry  *runner.Registry
	Artifacts *artifacts.Manager
	Events    events.Sink

	// RunID identifies the run in reports, events and artifact keys. Empty
	// means a fresh UUID. Callers that scope artifact storage to the run
	// must pass the same ID to the artifact manager.
	RunID string

	// Condition is the git context run and skip conditions evaluate
	// against.
	Condition condition.Context
	// Env is appended after all pipeline declared variables, so command
	// line overrides win.
	Env []models.EnvVar

	// Stdout receives interleaved job output, one color per job.
	Stdout   io.Writer
	SrcDir   string
	BuildDir string

	ShowImagePull     bool
	MountDockerSocket bool
	RegistryUser      string
	RegistryPass      string

	// NewRunner overrides how job specs become runners. Tests use it, the
	// default builds shell and docker runners from the resolved agent.
	NewRunner func(JobSpec) runner.Runner
}

type Scheduler struct {
	opts      Options
	newRunner func(JobSpec) runner.Runner
}

func New(opts Options) *Scheduler {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Events == nil {
		opts.Events = events.NopSink{}
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if opts.SrcDir == "" {
		opts.SrcDir = "."
	}
	if opts.BuildDir == "" {
		opts.BuildDir = runner.DefaultBuildDir
	}
	if opts.Registry == nil {
		opts.Registry = runner.NewRegistry(nil)
	}

	s := &Scheduler{opts: opts, newRunner: opts.NewRunner}
	if s.newRunner == nil {
		s.newRunner = s.buildRunner
	}
	return s
}

// Run validates and executes the pipeline. The returned error covers
// invalid pipelines only, execution outcomes are reported in the Report.
func (s *Scheduler) Run(ctx context.Context, p *models.Pipeline) (*Report, error) {
	if err := models.Validate(p); err != nil {
		return nil, fmt.Errorf("invalid pipeline: %w", err)
	}

	runID := s.opts.RunID
	if runID == "" {
		runID = uuid.NewString()
	}
	log := s.opts.Logger.With("run_id", runID, "pipeline", p.Name)

	ctx, cancel := context.WithTimeout(ctx, p.ExecutionTimeLimit.Duration(models.DefaultTimeLimit))
	defer cancel()

	ctx, span := tracer.Start(ctx, "pipeline.run", trace.WithAttributes(
		attribute.String("pipeline.name", p.Name),
		attribute.String("run.id", runID),
	))
	defer span.End()

	report := &Report{RunID: runID, Pipeline: p.Name, StartedAt: s.now()}
	log.Info("run started", "blocks", len(p.Blocks))
	s.opts.Events.Publish(ctx, events.Event{
		RunID: runID, Kind: events.KindRunStarted, Pipeline: p.Name, At: report.StartedAt,
	})

	report.Blocks = s.runBlocks(ctx, log, runID, p)
	report.FinishedAt = s.now()
	report.Result = runResult(report.Blocks)

	if report.Result != ResultPassed {
		span.SetStatus(codes.Error, string(report.Result))
	}
	metrics.RunsTotal.WithLabelValues(string(report.Result)).Inc()
	s.opts.Events.Publish(context.WithoutCancel(ctx), events.Event{
		RunID: runID, Kind: events.KindRunFinished, Pipeline: p.Name,
		Result: string(report.Result), At: report.FinishedAt,
	})
	log.Info("run finished", "result", report.Result,
		"duration", report.FinishedAt.Sub(report.StartedAt))

	return report, nil
}

type blockOutcome struct {
	name   string
	report BlockReport
}

// runBlocks drives the dependency graph. Blocks start as soon as all their
// dependencies settled, blocks whose dependencies did not pass are canceled
// and a fail_fast policy stops running work or cancels queued work after
// the first failure.
func (s *Scheduler) runBlocks(ctx context.Context, log *slog.Logger, runID string, p *models.Pipeline) []BlockReport {
	done := make(map[string]BlockReport, len(p.Blocks))
	running := make(map[string]bool)
	results := make(chan blockOutcome)

	stopOnFail, cancelOnFail := s.failFastPolicy(p)
	cancelQueued := false

	runCtx, stopRun := context.WithCancelCause(ctx)
	defer stopRun(nil)

	for {
		progressed := true
		for progressed {
			progressed = false
			for i := range p.Blocks {
				b := &p.Blocks[i]
				if running[b.Name] {
					continue
				}
				if _, settled := done[b.Name]; settled {
					continue
				}
				if !depsSettled(b, done) {
					continue
				}
				progressed = true

				if reason, skip := s.shouldSkip(b); skip {
					rep := BlockReport{Name: b.Name, Result: ResultSkipped, Reason: reason}
					done[b.Name] = rep
					s.settleBlock(ctx, log, runID, p, rep)
					continue
				}
				if dep := blockingDep(b, done); dep != "" {
					rep := BlockReport{Name: b.Name, Result: ResultCanceled,
						Reason: fmt.Sprintf("dependency %q did not pass", dep)}
					done[b.Name] = rep
					s.settleBlock(ctx, log, runID, p, rep)
					continue
				}
				if cancelQueued {
					rep := BlockReport{Name: b.Name, Result: ResultCanceled,
						Reason: "canceled by fail_fast"}
					done[b.Name] = rep
					s.settleBlock(ctx, log, runID, p, rep)
					continue
				}

				running[b.Name] = true
				log.Info("block started", "block", b.Name)
				s.opts.Events.Publish(ctx, events.Event{
					RunID: runID, Kind: events.KindBlockStarted, Pipeline: p.Name,
					Block: b.Name, At: s.now(),
				})
				go func() {
					results <- blockOutcome{name: b.Name, report: s.runBlock(runCtx, log, runID, p, b)}
				}()
			}
		}

		if len(running) == 0 {
			break
		}

		res := <-results
		delete(running, res.name)
		done[res.name] = res.report
		s.settleBlock(ctx, log, runID, p, res.report)

		if res.report.Result == ResultFailed {
			if stopOnFail {
				stopRun(errFailFastStop)
				cancelQueued = true
			} else if cancelOnFail {
				cancelQueued = true
			}
		}
	}

	reports := make([]BlockReport, 0, len(p.Blocks))
	for i := range p.Blocks {
		rep, ok := done[p.Blocks[i].Name]
		if !ok {
			rep = BlockReport{Name: p.Blocks[i].Name, Result: ResultSkipped, Reason: "not reached"}
		}
		reports = append(reports, rep)
	}
	return reports
}

// runBlock fans the block's jobs out in parallel and waits for all of
// them. Jobs run to completion even when a sibling fails, the block result
// is aggregated from the job reports.
func (s *Scheduler) runBlock(ctx context.Context, log *slog.Logger, runID string, p *models.Pipeline, b *models.Block) BlockReport {
	ctx, span := tracer.Start(ctx, "block.run", trace.WithAttributes(
		attribute.String("block.name", b.Name),
	))
	defer span.End()

	machine, _ := p.MachineFor(b)
	agent := s.opts.Registry.Resolve(machine)

	jobs := make([]JobReport, len(b.Task.Jobs))
	g := new(errgroup.Group)
	for i := range b.Task.Jobs {
		g.Go(func() error {
			jobs[i] = s.runJob(ctx, log, runID, p, b, b.Task.Jobs[i], agent)
			return nil
		})
	}
	_ = g.Wait()

	rep := BlockReport{Name: b.Name, Result: ResultPassed, Jobs: jobs}
	for _, j := range jobs {
		switch j.Result {
		case ResultFailed:
			rep.Result = ResultFailed
		case ResultStopped:
			if rep.Result != ResultFailed {
				rep.Result = ResultStopped
			}
		}
	}
	if rep.Result != ResultPassed {
		span.SetStatus(codes.Error, string(rep.Result))
	}
	return rep
}

func (s *Scheduler) runJob(ctx context.Context, log *slog.Logger, runID string, p *models.Pipeline, b *models.Block, job models.Job, agent config.AgentConfig) JobReport {
	ctx, span := tracer.Start(ctx, "job.run", trace.WithAttributes(
		attribute.String("block.name", b.Name),
		attribute.String("job.name", job.Name),
	))
	defer span.End()

	if limit := job.ExecutionTimeLimit.Duration(0); limit > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, limit)
		defer cancel()
	}

	cw := utils.NewColorWriter(job.Name, s.opts.Stdout)
	defer cw.Flush()

	r := s.newRunner(JobSpec{
		Block:        b.Name,
		Job:          job,
		Agent:        agent,
		Env:          s.jobEnv(p, b, job),
		SystemEnv:    s.systemEnv(runID, b, job),
		Commands:     jobCommands(p, b, job),
		EpiloguePass: jobEpilogue(p, b, true),
		EpilogueFail: jobEpilogue(p, b, false),
		Stdout:       cw,
		Stderr:       cw,
	})

	started := s.now()
	log.Info("job started", "block", b.Name, "job", job.Name, "agent", agent.Kind)
	s.opts.Events.Publish(ctx, events.Event{
		RunID: runID, Kind: events.KindJobStarted, Pipeline: p.Name,
		Block: b.Name, Job: job.Name, At: started,
	})
	metrics.RunningJobs.Inc()

	err := r.Run(ctx)

	metrics.RunningJobs.Dec()
	finished := s.now()
	metrics.JobDuration.Observe(finished.Sub(started).Seconds())

	rep := JobReport{Name: job.Name, Result: ResultPassed, StartedAt: started, FinishedAt: finished}
	if err != nil {
		rep.Result = ResultFailed
		rep.Reason = err.Error()
		if ctx.Err() != nil {
			rep.Result = ResultStopped
			rep.Reason = stopReason(ctx)
		}
		span.RecordError(err)
		span.SetStatus(codes.Error, string(rep.Result))
		log.Error("job failed", "block", b.Name, "job", job.Name,
			"result", rep.Result, "error", err)
	} else {
		log.Info("job passed", "block", b.Name, "job", job.Name,
			"duration", finished.Sub(started))
	}
	metrics.JobsTotal.WithLabelValues(string(rep.Result)).Inc()
	s.opts.Events.Publish(context.WithoutCancel(ctx), events.Event{
		RunID: runID, Kind: events.KindJobFinished, Pipeline: p.Name,
		Block: b.Name, Job: job.Name, Result: string(rep.Result), At: finished,
	})
	return rep
}

func (s *Scheduler) buildRunner(spec JobSpec) runner.Runner {
	logOpts := runner.LogOptions{
		ShowImagePull: s.opts.ShowImagePull,
		Stdout:        spec.Stdout,
		Stderr:        spec.Stderr,
	}
	if spec.Agent.Kind == config.KindDocker {
		return runner.NewDockerRunner(spec.Job.Name, s.opts.Artifacts, logOpts).
			WithImage(spec.Agent.Image).
			WithPlatform(spec.Agent.Platform).
			WithSrc(s.opts.SrcDir).
			WithBuildDir(s.opts.BuildDir).
			WithEnv(spec.Env).
			WithSystemEnv(spec.SystemEnv).
			WithCommands(spec.Commands).
			WithEpilogue(spec.EpiloguePass, spec.EpilogueFail).
			WithArtifacts(spec.Job.Artifacts).
			WithRegistryAuth(s.opts.RegistryUser, s.opts.RegistryPass).
			WithDockerSocket(s.opts.MountDockerSocket)
	}
	return runner.NewShellRunner(spec.Job.Name, s.opts.Artifacts, logOpts).
		WithSrc(s.opts.SrcDir).
		WithBuildDir(s.opts.BuildDir).
		WithEnv(spec.Env).
		WithSystemEnv(spec.SystemEnv).
		WithCommands(spec.Commands).
		WithEpilogue(spec.EpiloguePass, spec.EpilogueFail).
		WithArtifacts(spec.Job.Artifacts)
}

func (s *Scheduler) settleBlock(ctx context.Context, log *slog.Logger, runID string, p *models.Pipeline, rep BlockReport) {
	metrics.BlocksTotal.WithLabelValues(string(rep.Result)).Inc()
	s.opts.Events.Publish(context.WithoutCancel(ctx), events.Event{
		RunID: runID, Kind: events.KindBlockFinished, Pipeline: p.Name,
		Block: rep.Name, Result: string(rep.Result), At: s.now(),
	})
	if rep.Reason != "" {
		log.Info("block finished", "block", rep.Name, "result", rep.Result, "reason", rep.Reason)
		return
	}
	log.Info("block finished", "block", rep.Name, "result", rep.Result)
}

// shouldSkip evaluates the block's run and skip conditions against the git
// context. Condition validity is checked up front by models.Validate, so
// evaluation errors cannot occur here.
func (s *Scheduler) shouldSkip(b *models.Block) (string, bool) {
	if b.Run != nil {
		ok, err := condition.Evaluate(b.Run.When, s.opts.Condition)
		if err == nil && !ok {
			return fmt.Sprintf("run condition %q not met", b.Run.When), true
		}
	}
	if b.Skip != nil {
		ok, err := condition.Evaluate(b.Skip.When, s.opts.Condition)
		if err == nil && ok {
			return fmt.Sprintf("skip condition %q met", b.Skip.When), true
		}
	}
	return "", false
}

func (s *Scheduler) failFastPolicy(p *models.Pipeline) (stop, cancel bool) {
	ff := p.FailFast
	if ff == nil {
		return false, false
	}
	if ff.Stop != nil {
		stop, _ = condition.Evaluate(ff.Stop.When, s.opts.Condition)
	}
	if ff.Cancel != nil {
		cancel, _ = condition.Evaluate(ff.Cancel.When, s.opts.Condition)
	}
	return stop, cancel
}

func (s *Scheduler) jobEnv(p *models.Pipeline, b *models.Block, job models.Job) []models.EnvVar {
	return models.MergeEnv(globalConfig(p).EnvVars, b.Task.EnvVars, job.EnvVars, s.opts.Env)
}

func (s *Scheduler) systemEnv(runID string, b *models.Block, job models.Job) []string {
	env := []string{
		"GANTRY_RUN_ID=" + runID,
		"GANTRY_BLOCK_NAME=" + b.Name,
		"GANTRY_JOB_NAME=" + job.Name,
	}
	if c := s.opts.Condition; c.Branch != "" {
		env = append(env, "GANTRY_GIT_BRANCH="+c.Branch)
	}
	if c := s.opts.Condition; c.Tag != "" {
		env = append(env, "GANTRY_GIT_TAG="+c.Tag)
	}
	if c := s.opts.Condition; c.PullRequest != "" {
		env = append(env, "GANTRY_PULL_REQUEST="+c.PullRequest)
	}
	return env
}

func (s *Scheduler) now() time.Time { return s.opts.Clock.Now() }

// jobCommands prepends the global and task prologues to the job's own
// commands, all of which run in one fail fast shell.
func jobCommands(p *models.Pipeline, b *models.Block, job models.Job) []string {
	var cmds []string
	cmds = append(cmds, globalConfig(p).Prologue.Strings()...)
	cmds = append(cmds, b.Task.Prologue.Strings()...)
	cmds = append(cmds, job.Commands...)
	return cmds
}

func jobEpilogue(p *models.Pipeline, b *models.Block, passed bool) []string {
	var cmds []string
	cmds = append(cmds, globalConfig(p).Epilogue.For(passed)...)
	cmds = append(cmds, b.Task.Epilogue.For(passed)...)
	return cmds
}

func globalConfig(p *models.Pipeline) *models.GlobalJobConfig {
	if p.GlobalJobConfig == nil {
		return &models.GlobalJobConfig{}
	}
	return p.GlobalJobConfig
}

func depsSettled(b *models.Block, done map[string]BlockReport) bool {
	for _, dep := range b.Dependencies {
		if _, ok := done[dep]; !ok {
			return false
		}
	}
	return true
}

// blockingDep returns the first dependency that finished without passing.
// Skipped dependencies count as satisfied.
func blockingDep(b *models.Block, done map[string]BlockReport) string {
	for _, dep := range b.Dependencies {
		switch done[dep].Result {
		case ResultFailed, ResultStopped, ResultCanceled:
			return dep
		}
	}
	return ""
}

func stopReason(ctx context.Context) string {
	cause := context.Cause(ctx)
	switch {
	case errors.Is(cause, errFailFastStop):
		return "stopped by fail_fast"
	case errors.Is(cause, context.DeadlineExceeded):
		return "time limit exceeded"
	default:
		return "stopped"
	}
}

func runResult(blocks []BlockReport) Result {
	result := ResultPassed
	for _, b := range blocks {
		switch b.Result {
		case ResultFailed:
			return ResultFailed
		case ResultStopped, ResultCanceled:
			result = ResultStopped
		}
	}
	return result
}
