package artifacts

import (
	"context"
	"crypto/md5"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gantryci/gantry/pkg/store"
	"github.com/gantryci/gantry/pkg/utils"
)

// FSStore keeps artifacts on the local filesystem under a root directory,
// with a JSON index file holding the metadata.
type FSStore struct {
	root  string
	index *store.FileStore[Meta]
	log   *slog.Logger
}

// NewFSStore opens or creates the artifact directory at root.
func NewFSStore(root string, log *slog.Logger) (*FSStore, error) {
	if err := utils.EnsureDir(root); err != nil {
		return nil, fmt.Errorf("could not create artifact dir: %w", err)
	}
	index, err := store.NewFileStore[Meta](filepath.Join(root, "index.json"))
	if err != nil {
		return nil, err
	}
	return &FSStore{root: root, index: index, log: log}, nil
}

func (s *FSStore) Push(ctx context.Context, ref Ref, r io.Reader, dir bool) (Meta, error) {
	key, err := ref.Key()
	if err != nil {
		return Meta{}, err
	}
	target := filepath.Join(s.root, filepath.FromSlash(key))
	if err := utils.EnsureDir(filepath.Dir(target)); err != nil {
		return Meta{}, err
	}
	f, err := os.Create(target)
	if err != nil {
		return Meta{}, fmt.Errorf("could not store artifact %s: %w", key, err)
	}
	defer f.Close()

	hash := md5.New()
	size, err := io.Copy(f, io.TeeReader(r, hash))
	if err != nil {
		return Meta{}, fmt.Errorf("could not store artifact %s: %w", key, err)
	}

	meta := Meta{
		Name:     ref.Name,
		Key:      key,
		Size:     size,
		MD5:      base64.StdEncoding.EncodeToString(hash.Sum(nil)),
		Dir:      dir,
		PushedAt: time.Now().UTC(),
	}
	if err := s.upsert(key, meta); err != nil {
		return Meta{}, err
	}
	s.log.Debug("stored artifact", "key", key, "bytes", size)
	return meta, nil
}

func (s *FSStore) Pull(ctx context.Context, ref Ref) (io.ReadCloser, Meta, error) {
	key, err := ref.Key()
	if err != nil {
		return nil, Meta{}, err
	}
	meta, err := s.index.Get(key)
	if errors.Is(err, store.ErrKeyDoesntExist) {
		return nil, Meta{}, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	if err != nil {
		return nil, Meta{}, err
	}
	f, err := os.Open(filepath.Join(s.root, filepath.FromSlash(key)))
	if err != nil {
		return nil, Meta{}, fmt.Errorf("could not open artifact %s: %w", key, err)
	}
	return f, meta, nil
}

func (s *FSStore) List(ctx context.Context, ref Ref) ([]Meta, error) {
	prefix, err := ref.Prefix()
	if err != nil {
		return nil, err
	}
	var metas []Meta
	for _, key := range s.index.Keys() {
		if !strings.HasPrefix(key, prefix+"/") {
			continue
		}
		meta, err := s.index.Get(key)
		if err != nil {
			continue
		}
		metas = append(metas, meta)
	}
	return metas, nil
}

func (s *FSStore) Delete(ctx context.Context, ref Ref) error {
	key, err := ref.Key()
	if err != nil {
		return err
	}
	if err := s.index.Delete(key); err != nil {
		if errors.Is(err, store.ErrKeyDoesntExist) {
			return fmt.Errorf("%w: %s", ErrNotFound, key)
		}
		return err
	}
	return os.Remove(filepath.Join(s.root, filepath.FromSlash(key)))
}

func (s *FSStore) upsert(key string, meta Meta) error {
	err := s.index.Set(key, meta)
	if errors.Is(err, store.ErrKeyExists) {
		return s.index.Update(key, meta)
	}
	return err
}
