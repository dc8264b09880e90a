package runner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/google/uuid"
	"github.com/gosimple/slug"
)

// ShellRunner executes a job directly on the host with /bin/sh. The job
// runs inside a staged copy of the project source, never in the checkout
// itself.
type ShellRunner struct {
	name            string
	id              string
	src             string
	buildDir        string
	env             []models.EnvVar
	systemEnv       []string
	commands        []string
	epiloguePass    []string
	epilogueFail    []string
	artifactSteps   []models.ArtifactStep
	artifactManager *artifacts.Manager
	logOptions      LogOptions
	workspace       string
}

func NewShellRunner(name string, artifactManager *artifacts.Manager, logOptions LogOptions) *ShellRunner {
	if logOptions.Stdout == nil {
		logOptions.Stdout = os.Stdout
	}
	if logOptions.Stderr == nil {
		logOptions.Stderr = os.Stderr
	}
	return &ShellRunner{
		name:            name,
		id:              slug.Make(name + uuid.NewString()),
		src:             ".",
		buildDir:        DefaultBuildDir,
		artifactManager: artifactManager,
		logOptions:      logOptions,
	}
}

func (s *ShellRunner) WithSrc(src string) *ShellRunner {
	s.src = filepath.Clean(src)
	return s
}

func (s *ShellRunner) WithBuildDir(dir string) *ShellRunner {
	s.buildDir = dir
	return s
}

// WithEnv sets the pipeline environment exported at the top of the job
// script, in declaration order.
func (s *ShellRunner) WithEnv(vars []models.EnvVar) *ShellRunner {
	s.env = vars
	return s
}

// WithSystemEnv sets engine provided KEY=VALUE pairs passed through the
// process environment, GANTRY_RUN_ID and friends.
func (s *ShellRunner) WithSystemEnv(env []string) *ShellRunner {
	s.systemEnv = env
	return s
}

func (s *ShellRunner) WithCommands(commands []string) *ShellRunner {
	s.commands = commands
	return s
}

// WithEpilogue sets the commands that run after the main script, one list
// per outcome.
func (s *ShellRunner) WithEpilogue(onPass, onFail []string) *ShellRunner {
	s.epiloguePass = onPass
	s.epilogueFail = onFail
	return s
}

func (s *ShellRunner) WithArtifacts(steps []models.ArtifactStep) *ShellRunner {
	s.artifactSteps = steps
	return s
}

func (s *ShellRunner) ID() string { return s.id }

// Workspace returns the staged directory the job ran in. Empty until Run
// stages it.
func (s *ShellRunner) Workspace() string { return s.workspace }

func (s *ShellRunner) Run(ctx context.Context) error {
	ws, err := stageWorkspace(s.src, s.buildDir, s.id, s.name)
	if err != nil {
		return err
	}
	s.workspace = ws

	if err := pullArtifactSteps(ctx, s.artifactManager, s.id, s.name, s.workspace, s.artifactSteps); err != nil {
		return err
	}

	runErr := s.runScript(ctx)
	s.runEpilogue(ctx, runErr == nil)
	if runErr != nil {
		return runErr
	}

	return pushArtifactSteps(ctx, s.artifactManager, s.id, s.name, s.workspace, s.artifactSteps)
}

func (s *ShellRunner) runScript(ctx context.Context) error {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-ec", script(s.env, s.commands))
	cmd.Dir = s.workspace
	cmd.Env = append(os.Environ(), s.jobEnv()...)
	cmd.Stdout = s.logOptions.Stdout
	cmd.Stderr = s.logOptions.Stderr

	err := cmd.Run()
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return fmt.Errorf("job %s stopped: %w", s.name, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return fmt.Errorf("job %s failed with exit code %d", s.name, exitErr.ExitCode())
	}
	return fmt.Errorf("unable to run job %s: %w", s.name, err)
}

// runEpilogue runs the outcome's epilogue commands in a fresh shell with
// the same exported environment. Epilogue failures are reported on the job
// output and do not change the job result, and a stopped job still gets
// its epilogue.
func (s *ShellRunner) runEpilogue(ctx context.Context, passed bool) {
	commands := s.epiloguePass
	if !passed {
		commands = s.epilogueFail
	}
	if len(commands) == 0 {
		return
	}

	cmd := exec.CommandContext(context.WithoutCancel(ctx), "/bin/sh", "-c", script(s.env, commands))
	cmd.Dir = s.workspace
	cmd.Env = append(os.Environ(), s.jobEnv()...)
	cmd.Stdout = s.logOptions.Stdout
	cmd.Stderr = s.logOptions.Stderr
	if err := cmd.Run(); err != nil {
		fmt.Fprintf(s.logOptions.Stderr, "epilogue for job %s: %v\n", s.name, err)
	}
}

func (s *ShellRunner) jobEnv() []string {
	return append(append([]string{}, s.systemEnv...), WorkspaceEnv+"="+s.workspace)
}
