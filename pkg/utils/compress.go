package utils

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Compress writes a .tar.gz of the file or directory at src to outputPath.
// Entries are stored relative to the parent of src, so the archive unpacks
// into a single root named after src. Directories listed in exclude are
// skipped entirely.
func Compress(src, outputPath string, exclude ...string) error {
	out, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("could not create archive: %w", err)
	}
	defer out.Close()

	gzw := gzip.NewWriter(out)
	defer gzw.Close()

	tw := tar.NewWriter(gzw)
	defer tw.Close()

	src = filepath.Clean(src)
	base := filepath.Dir(src)

	skip := make(map[string]bool, len(exclude))
	for _, e := range exclude {
		abs, err := filepath.Abs(e)
		if err != nil {
			return fmt.Errorf("could not resolve excluded path %s: %w", e, err)
		}
		skip[abs] = true
	}

	err = filepath.Walk(src, func(path string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			abs, err := filepath.Abs(path)
			if err != nil {
				return err
			}
			if skip[abs] {
				return filepath.SkipDir
			}
		}
		if !info.Mode().IsRegular() && !info.IsDir() {
			return nil
		}
		header, err := tar.FileInfoHeader(info, path)
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(base, path)
		if err != nil {
			return err
		}
		header.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(header); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		data, err := os.Open(path)
		if err != nil {
			return err
		}
		defer data.Close()
		_, err = io.Copy(tw, data)
		return err
	})
	if err != nil {
		return fmt.Errorf("could not archive %s: %w", src, err)
	}
	return nil
}

// Decompress unpacks the .tar.gz archive at tarPath under baseDir. Entries
// escaping baseDir are rejected.
func Decompress(tarPath, baseDir string) error {
	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("could not open archive: %w", err)
	}
	defer f.Close()
	return DecompressStream(f, baseDir)
}

// DecompressStream unpacks a gzipped tar stream under baseDir.
func DecompressStream(r io.Reader, baseDir string) error {
	gzr, err := gzip.NewReader(r)
	if err != nil {
		return fmt.Errorf("could not read archive: %w", err)
	}
	defer gzr.Close()

	tr := tar.NewReader(gzr)
	for {
		header, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("could not read archive: %w", err)
		}

		target, err := secureJoin(baseDir, header.Name)
		if err != nil {
			return err
		}
		switch header.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, fs.FileMode(header.Mode).Perm()|0o700); err != nil {
				return err
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return err
			}
			if err := extractFile(target, tr, fs.FileMode(header.Mode).Perm()); err != nil {
				return err
			}
		}
	}
}

// TarCopy copies src to dst through a tar roundtrip, preserving file modes
// and structure. tempDir holds the intermediate archive and staging area
// and should be on the same filesystem as dst. Excluded directories are not
// copied; tempDir is always excluded so a tempDir nested under src cannot
// feed the archive back into itself.
func TarCopy(src, dst, tempDir string, exclude ...string) error {
	f, err := os.CreateTemp(tempDir, "tarcopy-*.tar.gz")
	if err != nil {
		return fmt.Errorf("could not create temp archive: %w", err)
	}
	f.Close()
	defer os.Remove(f.Name())

	if tempDir != "" {
		exclude = append(exclude, tempDir)
	}
	if err := Compress(src, f.Name(), exclude...); err != nil {
		return err
	}

	staging, err := os.MkdirTemp(tempDir, "tarcopy-*")
	if err != nil {
		return fmt.Errorf("could not create staging dir: %w", err)
	}
	defer os.RemoveAll(staging)

	if err := Decompress(f.Name(), staging); err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(filepath.Join(staging, filepath.Base(filepath.Clean(src))), dst)
}

func extractFile(target string, r io.Reader, mode fs.FileMode) error {
	if mode == 0 {
		mode = 0o644
	}
	f, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(f, r)
	return err
}

func secureJoin(baseDir, name string) (string, error) {
	target := filepath.Join(baseDir, filepath.FromSlash(name))
	rel, err := filepath.Rel(baseDir, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(os.PathSeparator)) {
		return "", fmt.Errorf("archive entry %q escapes %s", name, baseDir)
	}
	return target, nil
}
