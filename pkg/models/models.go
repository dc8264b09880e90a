// Package models defines the pipeline document model, parsing and linting.
package models

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultTimeLimit bounds pipelines and jobs that declare no
// execution_time_limit of their own.
const DefaultTimeLimit = time.Hour

// Artifact scopes. Workflow is the default: artifacts shared between the
// blocks of a single run.
const (
	ScopeJob      = "job"
	ScopeWorkflow = "workflow"
	ScopeProject  = "project"
)

// Pipeline is the root of a pipeline definition file.
type Pipeline struct {
	Version            string           `yaml:"version"`
	Name               string           `yaml:"name" validate:"required"`
	Agent              *Agent           `yaml:"agent"`
	ExecutionTimeLimit *TimeLimit       `yaml:"execution_time_limit"`
	FailFast           *FailFast        `yaml:"fail_fast"`
	GlobalJobConfig    *GlobalJobConfig `yaml:"global_job_config"`
	Blocks             []Block          `yaml:"blocks" validate:"required,min=1,dive"`
}

// Agent selects the machine a pipeline or task runs on.
type Agent struct {
	Machine Machine `yaml:"machine"`
}

// Machine names an agent type from the runner configuration. OSImage
// optionally overrides the image of a docker agent.
type Machine struct {
	Type    string `yaml:"type" validate:"required"`
	OSImage string `yaml:"os_image"`
}

// TimeLimit bounds the execution of a pipeline or a single job.
type TimeLimit struct {
	Hours   int `yaml:"hours" validate:"min=0"`
	Minutes int `yaml:"minutes" validate:"min=0"`
}

// Duration returns the configured limit, or fallback when t is nil or zero.
func (t *TimeLimit) Duration(fallback time.Duration) time.Duration {
	if t == nil {
		return fallback
	}
	d := time.Duration(t.Hours)*time.Hour + time.Duration(t.Minutes)*time.Minute
	if d <= 0 {
		return fallback
	}
	return d
}

// FailFast controls the rest of the run after a job fails: stop kills
// running jobs, cancel only keeps queued blocks from starting.
type FailFast struct {
	Stop   *RunCondition `yaml:"stop"`
	Cancel *RunCondition `yaml:"cancel"`
}

// RunCondition wraps a trigger condition expression.
type RunCondition struct {
	When string `yaml:"when" validate:"required"`
}

// GlobalJobConfig applies to every task in the pipeline.
type GlobalJobConfig struct {
	EnvVars  []EnvVar     `yaml:"env_vars" validate:"dive"`
	Prologue *CommandList `yaml:"prologue"`
	Epilogue *Epilogue    `yaml:"epilogue"`
}

type CommandList struct {
	Commands []string `yaml:"commands"`
}

// Strings returns the command list, nil safe.
func (c *CommandList) Strings() []string {
	if c == nil {
		return nil
	}
	return c.Commands
}

// Epilogue commands run after a job's main commands: always regardless of
// the outcome, on_pass and on_fail depending on it.
type Epilogue struct {
	Always *CommandList `yaml:"always"`
	OnPass *CommandList `yaml:"on_pass"`
	OnFail *CommandList `yaml:"on_fail"`
}

// For returns the epilogue commands for the given outcome, always first.
func (e *Epilogue) For(passed bool) []string {
	if e == nil {
		return nil
	}
	var cmds []string
	cmds = append(cmds, e.Always.Strings()...)
	if passed {
		cmds = append(cmds, e.OnPass.Strings()...)
	} else {
		cmds = append(cmds, e.OnFail.Strings()...)
	}
	return cmds
}

// EnvVar is a single environment variable. Values are passed to the job
// shell verbatim, ${...} references are expanded there and not by the
// engine.
type EnvVar struct {
	Name  string `yaml:"name" validate:"required"`
	Value string `yaml:"value"`
}

// Block groups jobs that run in parallel once the block's dependencies have
// finished. A block with an unsatisfied run condition is skipped together
// with everything that depends on it.
type Block struct {
	Name         string        `yaml:"name" validate:"required"`
	Dependencies []string      `yaml:"dependencies"`
	Run          *RunCondition `yaml:"run"`
	Skip         *RunCondition `yaml:"skip"`
	Task         Task          `yaml:"task"`
}

// Task holds the jobs of a block plus their shared agent and environment.
type Task struct {
	Agent    *Agent       `yaml:"agent"`
	EnvVars  []EnvVar     `yaml:"env_vars" validate:"dive"`
	Prologue *CommandList `yaml:"prologue"`
	Epilogue *Epilogue    `yaml:"epilogue"`
	Jobs     []Job        `yaml:"jobs" validate:"required,min=1,dive"`
}

// Job is an ordered list of shell commands. Commands run in one shell with
// fail-fast semantics: the first non-zero exit fails the job.
type Job struct {
	Name               string         `yaml:"name" validate:"required"`
	Commands           []string       `yaml:"commands" validate:"required,min=1"`
	EnvVars            []EnvVar       `yaml:"env_vars" validate:"dive"`
	ExecutionTimeLimit *TimeLimit     `yaml:"execution_time_limit"`
	Artifacts          []ArtifactStep `yaml:"artifacts" validate:"dive"`
}

// ArtifactStep declares an artifact transfer around a job: pulls run before
// the first command, pushes after the last one succeeded. Exactly one of
// Push and Pull must be set.
type ArtifactStep struct {
	Push        string `yaml:"push"`
	Pull        string `yaml:"pull"`
	Destination string `yaml:"destination"`
	Scope       string `yaml:"scope"`
}

// Name resolves the stored artifact name of a step. For pushes the
// destination renames the stored artifact, pulls always look up the pulled
// name.
func (s ArtifactStep) Name() string {
	if s.Pull != "" {
		return s.Pull
	}
	if s.Destination != "" {
		return s.Destination
	}
	return s.Push
}

// LocalPath resolves the workspace path of a step: the source for pushes,
// the download target for pulls where the destination renames locally.
func (s ArtifactStep) LocalPath() string {
	if s.Push != "" {
		return s.Push
	}
	if s.Destination != "" {
		return s.Destination
	}
	return s.Pull
}

// EffectiveScope resolves the scope of a step, defaulting to workflow.
func (s ArtifactStep) EffectiveScope() string {
	if s.Scope == "" {
		return ScopeWorkflow
	}
	return s.Scope
}

// Parse decodes a pipeline document. Unknown fields are rejected so typos
// fail loudly instead of being dropped.
func Parse(r io.Reader) (*Pipeline, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var p Pipeline
	if err := dec.Decode(&p); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, errors.New("empty pipeline definition")
		}
		return nil, fmt.Errorf("could not parse pipeline: %w", err)
	}
	return &p, nil
}

// Load reads and parses the pipeline definition at path.
func Load(path string) (*Pipeline, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("could not open pipeline file: %w", err)
	}
	defer f.Close()
	p, err := Parse(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return p, nil
}

// Block returns the named block, or nil.
func (p *Pipeline) Block(name string) *Block {
	for i := range p.Blocks {
		if p.Blocks[i].Name == name {
			return &p.Blocks[i]
		}
	}
	return nil
}

// MachineFor resolves the effective machine of a block, the task agent
// taking precedence over the pipeline agent.
func (p *Pipeline) MachineFor(b *Block) (Machine, bool) {
	if b.Task.Agent != nil {
		return b.Task.Agent.Machine, true
	}
	if p.Agent != nil {
		return p.Agent.Machine, true
	}
	return Machine{}, false
}

// MergeEnv flattens env var layers into one list. Later layers win over
// earlier ones, order of first appearance stays stable.
func MergeEnv(layers ...[]EnvVar) []EnvVar {
	index := make(map[string]int)
	var merged []EnvVar
	for _, layer := range layers {
		for _, v := range layer {
			if i, ok := index[v.Name]; ok {
				merged[i].Value = v.Value
				continue
			}
			index[v.Name] = len(merged)
			merged = append(merged, v)
		}
	}
	return merged
}

// EnvStrings renders env vars in the KEY=VALUE form expected by exec and
// the Docker API.
func EnvStrings(vars []EnvVar) []string {
	out := make([]string, 0, len(vars))
	for _, v := range vars {
		out = append(out, v.Name+"="+v.Value)
	}
	return out
}
