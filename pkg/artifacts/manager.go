package artifacts

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/gantryci/gantry/pkg/models"
	"github.com/gantryci/gantry/pkg/utils"
)

// Manager resolves artifact steps from pipeline definitions against a
// store. Directories are compressed to tar.gz before pushing and unpacked
// again after pulling.
type Manager struct {
	store   Store
	project string
	runID   string
	tempDir string
	log     *slog.Logger
}

// NewManager scopes a store to one project and run. tempDir holds staging
// files and should be on the same filesystem as the job workspaces.
func NewManager(store Store, project, runID, tempDir string, log *slog.Logger) *Manager {
	return &Manager{store: store, project: project, runID: runID, tempDir: tempDir, log: log}
}

// Store returns the underlying artifact backend.
func (m *Manager) Store() Store { return m.store }

// Push uploads the step's local path from workdir.
func (m *Manager) Push(ctx context.Context, jobID string, step models.ArtifactStep, workdir string) (Meta, error) {
	ref, err := m.ref(jobID, step)
	if err != nil {
		return Meta{}, err
	}
	src := filepath.Join(workdir, filepath.FromSlash(step.LocalPath()))
	info, err := os.Stat(src)
	if err != nil {
		return Meta{}, fmt.Errorf("artifact path %q not found in workspace: %w", step.LocalPath(), err)
	}

	if info.IsDir() {
		tmp, err := os.CreateTemp(m.tempDir, "artifact-*.tar.gz")
		if err != nil {
			return Meta{}, fmt.Errorf("could not create staging archive: %w", err)
		}
		tmp.Close()
		defer os.Remove(tmp.Name())

		if err := utils.Compress(src, tmp.Name()); err != nil {
			return Meta{}, err
		}
		f, err := os.Open(tmp.Name())
		if err != nil {
			return Meta{}, err
		}
		defer f.Close()
		return m.store.Push(ctx, ref, f, true)
	}

	f, err := os.Open(src)
	if err != nil {
		return Meta{}, err
	}
	defer f.Close()
	return m.store.Push(ctx, ref, f, false)
}

// Pull downloads the step's artifact into workdir and returns its stored
// metadata. Directory artifacts are unpacked in place of the local path,
// replacing anything already there.
func (m *Manager) Pull(ctx context.Context, jobID string, step models.ArtifactStep, workdir string) (Meta, error) {
	ref, err := m.ref(jobID, step)
	if err != nil {
		return Meta{}, err
	}
	rc, meta, err := m.store.Pull(ctx, ref)
	if err != nil {
		return Meta{}, err
	}
	defer rc.Close()

	target := filepath.Join(workdir, filepath.FromSlash(step.LocalPath()))
	if err := utils.EnsureDir(filepath.Dir(target)); err != nil {
		return Meta{}, err
	}

	if meta.Dir {
		// the archive unpacks into a single root named after the pushed dir
		staging, err := os.MkdirTemp(m.tempDir, "artifact-*")
		if err != nil {
			return Meta{}, fmt.Errorf("could not create staging dir: %w", err)
		}
		defer os.RemoveAll(staging)

		if err := utils.DecompressStream(rc, staging); err != nil {
			return Meta{}, err
		}
		entries, err := os.ReadDir(staging)
		if err != nil {
			return Meta{}, err
		}
		if len(entries) != 1 {
			return Meta{}, fmt.Errorf("artifact %s: unexpected archive layout", meta.Key)
		}
		if err := os.RemoveAll(target); err != nil {
			return Meta{}, err
		}
		if err := os.Rename(filepath.Join(staging, entries[0].Name()), target); err != nil {
			return Meta{}, err
		}
		return meta, nil
	}

	f, err := os.Create(target)
	if err != nil {
		return Meta{}, fmt.Errorf("could not write artifact to %s: %w", target, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, rc); err != nil {
		return Meta{}, fmt.Errorf("could not write artifact to %s: %w", target, err)
	}
	return meta, nil
}

func (m *Manager) ref(jobID string, step models.ArtifactStep) (Ref, error) {
	scope, err := ParseScope(step.Scope)
	if err != nil {
		return Ref{}, err
	}
	return Ref{
		Scope:   scope,
		Project: m.project,
		RunID:   m.runID,
		JobID:   jobID,
		Name:    step.Name(),
	}, nil
}
