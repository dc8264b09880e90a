// Package runner executes pipeline jobs on agents. A shell runner executes
// jobs directly on the host, a docker runner executes them inside
// containers. Both stage the project source into a private workspace, pull
// declared artifacts before the job script starts and push declared
// artifacts after it passes.
package runner

import (
	"context"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/gantryci/gantry/pkg/artifacts"
	"github.com/gantryci/gantry/pkg/config"
	"github.com/gantryci/gantry/pkg/metrics"
	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/utils"
)

const (
	// DefaultBuildDir holds per run state, workspaces included, under the
	// project root.
	DefaultBuildDir = ".gantry"
	// ContainerWorkDir is where the workspace is mounted inside job
	// containers.
	ContainerWorkDir = "/workspace"
	// WorkspaceEnv names the variable that points a job at its workspace.
	WorkspaceEnv = "GANTRY_WORKSPACE"
)

// LogOptions control where job output goes.
type LogOptions struct {
	ShowImagePull bool
	Stdout        io.Writer
	Stderr        io.Writer
}

// Runner executes a single job to completion. Run returns an error when the
// job fails, a non zero exit code included.
type Runner interface {
	ID() string
	Run(ctx context.Context) error
}

// Registry maps machine types from pipeline definitions to configured
// agents.
type Registry struct {
	agents map[string]config.AgentConfig
}

func NewRegistry(agents map[string]config.AgentConfig) *Registry {
	return &Registry{agents: agents}
}

// Resolve returns the agent definition for a machine declaration. An
// os_image on the machine overrides the configured container image.
// Machine types without a configured agent resolve to a shell agent so
// pipelines run locally without any configuration.
func (r *Registry) Resolve(m models.Machine) config.AgentConfig {
	agent, ok := r.agents[m.Type]
	if !ok {
		return config.AgentConfig{Kind: config.KindShell}
	}
	if m.OSImage != "" {
		agent.Image = m.OSImage
	}
	return agent
}

// script joins the export preamble and the commands into a single fail fast
// shell program. The first failing command aborts the job.
func script(env []models.EnvVar, commands []string) string {
	lines := append(exportLines(env), commands...)
	return strings.Join(lines, "\n")
}

// exportLines turns pipeline environment variables into export statements
// prepended to the job script. Values go through double quotes so that
// references like ${GANTRY_WORKSPACE} expand inside the job shell, in
// declaration order.
func exportLines(vars []models.EnvVar) []string {
	lines := make([]string, 0, len(vars))
	for _, v := range vars {
		lines = append(lines, fmt.Sprintf("export %s=\"%s\"", v.Name, escapeEnvValue(v.Value)))
	}
	return lines
}

var envValueEscaper = strings.NewReplacer(`\`, `\\`, `"`, `\"`, "`", "\\`")

func escapeEnvValue(s string) string {
	return envValueEscaper.Replace(s)
}

// stageWorkspace copies src into a fresh workspace under buildDir and
// returns its absolute path. buildDir itself is never copied, so staging
// out of the project root does not pick up earlier workspaces.
func stageWorkspace(src, buildDir, id, jobName string) (string, error) {
	if err := utils.EnsureDir(buildDir); err != nil {
		return "", fmt.Errorf("unable to create build directory for job %s: %w", jobName, err)
	}
	ws, err := filepath.Abs(filepath.Join(buildDir, "src-"+id))
	if err != nil {
		return "", fmt.Errorf("unable to resolve workspace for job %s: %w", jobName, err)
	}
	if err := utils.TarCopy(src, ws, buildDir); err != nil {
		return "", fmt.Errorf("unable to stage sources for job %s: %w", jobName, err)
	}
	return ws, nil
}

// pullArtifactSteps fetches every pull step into the workspace before the
// job script starts.
func pullArtifactSteps(ctx context.Context, mgr *artifacts.Manager, jobID, jobName, workspace string, steps []models.ArtifactStep) error {
	for _, step := range steps {
		if step.Pull == "" {
			continue
		}
		meta, err := mgr.Pull(ctx, jobID, step, workspace)
		if err != nil {
			return fmt.Errorf("unable to pull artifact %s for job %s: %w", step.Name(), jobName, err)
		}
		metrics.ArtifactBytes.WithLabelValues("pull").Add(float64(meta.Size))
	}
	return nil
}

// pushArtifactSteps uploads every push step from the workspace. Callers
// invoke it only after the job passed.
func pushArtifactSteps(ctx context.Context, mgr *artifacts.Manager, jobID, jobName, workspace string, steps []models.ArtifactStep) error {
	for _, step := range steps {
		if step.Push == "" {
			continue
		}
		meta, err := mgr.Push(ctx, jobID, step, workspace)
		if err != nil {
			return fmt.Errorf("unable to push artifact %s for job %s: %w", step.Name(), jobName, err)
		}
		metrics.ArtifactBytes.WithLabelValues("push").Add(float64(meta.Size))
	}
	return nil
}
