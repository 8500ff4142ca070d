package source

import (
	"context"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/crypto/blake2b"
)

// DirBackend versions a directory tree by hashing its names, modes and file
// contents. It watches the tree with fsnotify so edits are picked up without
// waiting for the next poll.
type DirBackend struct {
	Root       string
	Repository string
	// Ignore lists base names skipped while hashing and watching, e.g. ".git".
	Ignore []string
	Logger *slog.Logger
}

// Current implements Backend.
func (b *DirBackend) Current(ctx context.Context) (Stamp, error) {
	info, err := os.Stat(b.Root)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrRepositoryUnavailable, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", ErrRepositoryUnavailable, b.Root)
	}

	digest, err := b.hashTree(ctx)
	if err != nil {
		return nil, err
	}

	repo := b.Repository
	if repo == "" {
		repo = b.Root
	}
	return NewRevision(repo, digest), nil
}

func (b *DirBackend) ignored(name string) bool {
	for _, ig := range b.Ignore {
		if ig == name {
			return true
		}
	}
	return false
}

func (b *DirBackend) hashTree(ctx context.Context) (string, error) {
	h, err := blake2b.New256(nil)
	if err != nil {
		return "", fmt.Errorf("creating hasher: %w", err)
	}

	writeField := func(p []byte) {
		var n [8]byte
		binary.BigEndian.PutUint64(n[:], uint64(len(p)))
		h.Write(n[:])
		h.Write(p)
	}

	err = filepath.WalkDir(b.Root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if path != b.Root && b.ignored(d.Name()) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(b.Root, path)
		if err != nil {
			return err
		}
		writeField([]byte(filepath.ToSlash(rel)))
		writeField([]byte(d.Type().String()))

		if !d.Type().IsRegular() {
			if d.Type()&fs.ModeSymlink != 0 {
				target, err := os.Readlink(path)
				if err != nil {
					return err
				}
				writeField([]byte(target))
			}
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return err
		}
		var size [8]byte
		binary.BigEndian.PutUint64(size[:], uint64(info.Size()))
		h.Write(size[:])

		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(h, f)
		return err
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return "", err
		}
		return "", fmt.Errorf("%w: hashing %s: %w", ErrRepositoryUnavailable, b.Root, err)
	}

	return hex.EncodeToString(h.Sum(nil)), nil
}

// Watch implements Watcher.
func (b *DirBackend) Watch(ctx context.Context, notify func()) error {
	logger := b.Logger
	if logger == nil {
		logger = slog.Default()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := b.addTree(watcher, b.Root); err != nil {
		return fmt.Errorf("watching %s: %w", b.Root, err)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if b.ignored(filepath.Base(event.Name)) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := b.addTree(watcher, event.Name); err != nil {
						logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
					}
				}
			}
			notify()
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("directory watcher error", "root", b.Root, "error", err)
		}
	}
}

func (b *DirBackend) addTree(watcher *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != b.Root && b.ignored(d.Name()) {
			return filepath.SkipDir
		}
		return watcher.Add(path)
	})
}
