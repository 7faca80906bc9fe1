package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
)

const lockRetryDelay = 25 * time.Millisecond

// LocalStorage reads and writes ledger files under a base directory.
type LocalStorage struct {
	baseDir string
}

// NewLocalStorage ensures the base directory exists and returns a handle.
func NewLocalStorage(baseDir string) (*LocalStorage, error) {
	if baseDir == "" {
		baseDir = "."
	}
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &LocalStorage{baseDir: baseDir}, nil
}

// WriteAtomic replaces the file contents through a temp file and rename so
// readers never observe a half-written file.
func (s *LocalStorage) WriteAtomic(filename string, data []byte) error {
	path := s.resolve(filename)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("prepare data directory: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpName, 0o644); err != nil {
		cleanup()
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", filepath.Base(path), err)
	}
	return nil
}

// Append adds data to the end of the file, creating it when missing.
func (s *LocalStorage) Append(filename string, data []byte) error {
	path := s.resolve(filename)
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open %s for append: %w", filepath.Base(path), err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		return fmt.Errorf("append %s: %w", filepath.Base(path), err)
	}
	if err := file.Sync(); err != nil {
		_ = file.Close()
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	return file.Close()
}

// ReadFile returns the full file contents.
func (s *LocalStorage) ReadFile(filename string) ([]byte, error) {
	data, err := os.ReadFile(s.resolve(filename))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", filepath.Base(filename), err)
	}
	return data, nil
}

// CopyTo streams the stored file into w.
func (s *LocalStorage) CopyTo(filename string, w io.Writer) error {
	file, err := os.Open(s.resolve(filename))
	if err != nil {
		return fmt.Errorf("open %s: %w", filepath.Base(filename), err)
	}
	defer file.Close() //nolint:errcheck
	if _, err := io.Copy(w, file); err != nil {
		return fmt.Errorf("copy %s: %w", filepath.Base(filename), err)
	}
	return nil
}

// Stat returns file info, with ok=false when the file does not exist.
func (s *LocalStorage) Stat(filename string) (os.FileInfo, bool, error) {
	info, err := os.Stat(s.resolve(filename))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("stat %s: %w", filepath.Base(filename), err)
	}
	return info, true, nil
}

// Path exposes the resolved path of a stored file.
func (s *LocalStorage) Path(filename string) string {
	return s.resolve(filename)
}

func (s *LocalStorage) resolve(filename string) string {
	if filepath.IsAbs(filename) {
		return filename
	}
	return filepath.Join(s.baseDir, filename)
}

// FileLock is an advisory lock on a sidecar ".lock" file, shared by every
// process that opens the same ledger files. Inside one process a RWMutex
// orders holders; shared holders reference-count the single flock handle,
// which is taken by the first reader and released by the last.
type FileLock struct {
	lock    *flock.Flock
	timeout time.Duration

	rw      sync.RWMutex
	readers int
	readMu  sync.Mutex
}

// Lock returns the advisory lock guarding filename.
func (s *LocalStorage) Lock(filename string, timeout time.Duration) *FileLock {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &FileLock{
		lock:    flock.New(s.resolve(filename) + ".lock"),
		timeout: timeout,
	}
}

// Exclusive takes the write lock, waiting at most the configured timeout.
func (l *FileLock) Exclusive(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := waitFor(ctx, l.rw.TryLock); err != nil {
		return nil, l.wrap(err)
	}
	if err := l.take(ctx, l.lock.TryLockContext); err != nil {
		l.rw.Unlock()
		return nil, err
	}
	return func() {
		_ = l.lock.Unlock()
		l.rw.Unlock()
	}, nil
}

// Shared takes the read lock, waiting at most the configured timeout.
// Readers in the same process proceed concurrently.
func (l *FileLock) Shared(ctx context.Context) (func(), error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()
	if err := waitFor(ctx, l.rw.TryRLock); err != nil {
		return nil, l.wrap(err)
	}

	l.readMu.Lock()
	if l.readers == 0 {
		if err := l.take(ctx, l.lock.TryRLockContext); err != nil {
			l.readMu.Unlock()
			l.rw.RUnlock()
			return nil, err
		}
	}
	l.readers++
	l.readMu.Unlock()

	return func() {
		l.readMu.Lock()
		l.readers--
		if l.readers == 0 {
			_ = l.lock.Unlock()
		}
		l.readMu.Unlock()
		l.rw.RUnlock()
	}, nil
}

func (l *FileLock) take(ctx context.Context, try func(context.Context, time.Duration) (bool, error)) error {
	ok, err := try(ctx, lockRetryDelay)
	if err == nil && !ok {
		err = errors.New("lock busy")
	}
	if err != nil {
		return l.wrap(err)
	}
	return nil
}

func (l *FileLock) wrap(err error) error {
	return fmt.Errorf("acquire %s: %w", filepath.Base(l.lock.Path()), err)
}

// waitFor polls try until it succeeds or ctx is done.
func waitFor(ctx context.Context, try func() bool) error {
	if try() {
		return nil
	}
	ticker := time.NewTicker(lockRetryDelay)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if try() {
				return nil
			}
		}
	}
}
