// Package logfs stores logfile content on an afero filesystem, one file per
// logfile.
package logfs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path"
	"sync"

	"github.com/spf13/afero"

	"github.com/narvanalabs/buildmaster/internal/history"
)

// Store implements history.LogStore.
type Store struct {
	fs     afero.Fs
	logger *slog.Logger

	// mu serializes all filesystem access.
	mu     sync.Mutex
	closed bool
}

// New creates a store rooted at dir on base. Filenames are slash separated
// paths relative to dir.
func New(base afero.Fs, dir string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if dir != "" {
		if err := base.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("creating log directory: %w", err)
		}
		base = afero.NewBasePathFs(base, dir)
	}
	return &Store{fs: base, logger: logger}, nil
}

// NewMemory creates a store backed by an in-memory filesystem.
func NewMemory() *Store {
	s, _ := New(afero.NewMemMapFs(), "", nil)
	return s
}

// NewOS creates a store under dir on the local disk.
func NewOS(dir string, logger *slog.Logger) (*Store, error) {
	return New(afero.NewOsFs(), dir, logger)
}

func (s *Store) name(filename string) (string, error) {
	clean := path.Clean("/" + filename)
	if clean == "/" || clean != "/"+filename {
		return "", fmt.Errorf("%w: logfile name %q", history.ErrInvalidKey, filename)
	}
	return clean, nil
}

func (s *Store) check() error {
	if s.closed {
		return history.ErrClosed
	}
	return nil
}

// Create implements history.LogStore.
func (s *Store) Create(ctx context.Context, filename string) error {
	name, err := s.name(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if err := s.fs.MkdirAll(path.Dir(name), 0o755); err != nil {
		return fmt.Errorf("creating logfile directory: %w", err)
	}
	f, err := s.fs.OpenFile(name, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return fmt.Errorf("%w: logfile %s", history.ErrKeyConflict, filename)
		}
		return fmt.Errorf("creating logfile %s: %w", filename, err)
	}
	return f.Close()
}

// Append implements history.LogStore.
func (s *Store) Append(ctx context.Context, filename string, p []byte) error {
	name, err := s.name(filename)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	f, err := s.fs.OpenFile(name, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: logfile %s", history.ErrNotFound, filename)
		}
		return fmt.Errorf("opening logfile %s: %w", filename, err)
	}
	if _, err := f.Write(p); err != nil {
		f.Close()
		return fmt.Errorf("writing logfile %s: %w", filename, err)
	}
	return f.Close()
}

// Open implements history.LogStore.
func (s *Store) Open(ctx context.Context, filename string) (io.ReadCloser, error) {
	name, err := s.name(filename)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return nil, err
	}

	f, err := s.fs.Open(name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: logfile %s", history.ErrNotFound, filename)
		}
		return nil, fmt.Errorf("opening logfile %s: %w", filename, err)
	}
	return f, nil
}

// Remove implements history.LogStore.
func (s *Store) Remove(ctx context.Context, filename string) error {
	name, err := s.name(filename)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return err
	}

	if err := s.fs.Remove(name); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("removing logfile %s: %w", filename, err)
	}
	s.pruneDirs(path.Dir(name))
	return nil
}

// pruneDirs removes now-empty parent directories.
func (s *Store) pruneDirs(dir string) {
	for dir != "/" && dir != "." {
		empty, err := afero.IsEmpty(s.fs, dir)
		if err != nil || !empty {
			return
		}
		if err := s.fs.Remove(dir); err != nil {
			s.logger.Debug("failed to prune log directory", "dir", dir, "error", err)
			return
		}
		dir = path.Dir(dir)
	}
}

// Close implements history.LogStore.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Usage returns the total size in bytes of all stored logfiles.
func (s *Store) Usage(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(); err != nil {
		return 0, err
	}

	var total int64
	err := afero.Walk(s.fs, "/", func(_ string, info fs.FileInfo, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		if info.Mode().IsRegular() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("measuring log storage: %w", err)
	}
	return total, nil
}
