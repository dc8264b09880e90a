// Package artifacts stores and retrieves build outputs across jobs, runs
// and projects.
package artifacts

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"strings"
	"time"

	"github.com/gosimple/slug"
)

// ErrNotFound is returned when no artifact exists under a key.
var ErrNotFound = errors.New("artifacts: not found")

// Scope determines how long and how widely an artifact is shared.
type Scope string

const (
	// ScopeJob artifacts belong to a single job instance.
	ScopeJob Scope = "job"
	// ScopeWorkflow artifacts are shared between the blocks of one run.
	ScopeWorkflow Scope = "workflow"
	// ScopeProject artifacts persist across runs of a project.
	ScopeProject Scope = "project"
)

// ParseScope maps the scope string from a pipeline definition, defaulting
// to workflow.
func ParseScope(s string) (Scope, error) {
	switch s {
	case "", string(ScopeWorkflow):
		return ScopeWorkflow, nil
	case string(ScopeJob):
		return ScopeJob, nil
	case string(ScopeProject):
		return ScopeProject, nil
	}
	return "", fmt.Errorf("unknown artifact scope %q", s)
}

// Ref addresses an artifact in a store. The identifying fields depend on
// the scope: JobID for job artifacts, RunID for workflow artifacts and
// Project for project ones.
type Ref struct {
	Scope   Scope
	Project string
	RunID   string
	JobID   string
	Name    string
}

// Prefix returns the scope directory of the ref, e.g. workflows/<run-id>.
func (r Ref) Prefix() (string, error) {
	switch r.Scope {
	case ScopeJob:
		if r.JobID == "" {
			return "", errors.New("job scoped artifacts need a job id")
		}
		return "jobs/" + r.JobID, nil
	case ScopeWorkflow:
		if r.RunID == "" {
			return "", errors.New("workflow scoped artifacts need a run id")
		}
		return "workflows/" + r.RunID, nil
	case ScopeProject:
		if r.Project == "" {
			return "", errors.New("project scoped artifacts need a project name")
		}
		return "projects/" + slug.Make(r.Project), nil
	}
	return "", fmt.Errorf("unknown artifact scope %q", r.Scope)
}

// Key returns the full storage key of the ref. Names escaping the scope
// directory are rejected.
func (r Ref) Key() (string, error) {
	prefix, err := r.Prefix()
	if err != nil {
		return "", err
	}
	if r.Name == "" {
		return "", errors.New("artifact name cannot be empty")
	}
	name := path.Clean(strings.TrimPrefix(r.Name, "/"))
	if name == "." || name == ".." || strings.HasPrefix(name, "../") {
		return "", fmt.Errorf("invalid artifact name %q", r.Name)
	}
	return prefix + "/" + name, nil
}

// Meta describes a stored artifact. Dir marks artifacts that were pushed
// as a directory and stored as a tar.gz.
type Meta struct {
	Name     string    `json:"name"`
	Key      string    `json:"key"`
	Size     int64     `json:"size"`
	MD5      string    `json:"md5,omitempty"`
	Dir      bool      `json:"dir"`
	PushedAt time.Time `json:"pushed_at"`
}

// Store is an artifact backend. Push replaces any artifact already stored
// under the same key, Pull and Delete return ErrNotFound for unknown keys
// and List enumerates everything under the ref's scope prefix.
type Store interface {
	Push(ctx context.Context, ref Ref, r io.Reader, dir bool) (Meta, error)
	Pull(ctx context.Context, ref Ref) (io.ReadCloser, Meta, error)
	List(ctx context.Context, ref Ref) ([]Meta, error)
	Delete(ctx context.Context, ref Ref) error
}
