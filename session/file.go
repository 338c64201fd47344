package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/agentloom/agentloom/types"
)

const (
	sessionFile  = "session.json"
	patternFile  = "state.json"
	snapshotFile = "spec.yaml"
	lockFile     = ".lock"

	lockPollInterval = 10 * time.Millisecond
)

// FileRepository stores one directory per session under a root directory:
//
//	<root>/<id>/session.json  metadata + variables + runtime + usage
//	<root>/<id>/state.json    pattern-specific state
//	<root>/<id>/spec.yaml     one-time snapshot of the specification
//	<root>/<id>/.lock         exclusive advisory lock, present while held
//
// Writes go through a temp file followed by rename, so a crash mid-write
// never leaves a torn record behind.
type FileRepository struct {
	root        string
	lockTimeout time.Duration
	lockTTL     time.Duration
	logger      *zap.Logger
}

// FileOption configures a FileRepository.
type FileOption func(*FileRepository)

// WithLockTimeout bounds lock acquisition. Default 5s.
func WithLockTimeout(d time.Duration) FileOption {
	return func(r *FileRepository) { r.lockTimeout = d }
}

// WithLockTTL sets the age after which an abandoned lock file (from a
// crashed process) is broken. Default 1 minute; zero disables breaking.
func WithLockTTL(d time.Duration) FileOption {
	return func(r *FileRepository) { r.lockTTL = d }
}

// WithLogger sets the repository logger.
func WithLogger(logger *zap.Logger) FileOption {
	return func(r *FileRepository) { r.logger = logger }
}

// NewFileRepository creates a file-backed session repository rooted at dir.
func NewFileRepository(dir string, opts ...FileOption) *FileRepository {
	r := &FileRepository{
		root:        dir,
		lockTimeout: 5 * time.Second,
		lockTTL:     time.Minute,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(zap.String("component", "file_repository"))
	return r
}

func (r *FileRepository) dir(id string) string {
	return filepath.Join(r.root, id)
}

// Create implements Repository.
func (r *FileRepository) Create(ctx context.Context, state *State, specSnapshot []byte) error {
	id := state.Metadata.ID
	if err := ValidateID(id); err != nil {
		return err
	}

	dir := r.dir(id)
	if _, err := os.Stat(dir); err == nil {
		return types.NewErrorf(types.ErrSessionExists, "session %q already exists", id)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating session directory: %w", err)
	}

	release, err := r.acquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	if len(specSnapshot) > 0 {
		if err := writeFileAtomic(filepath.Join(dir, snapshotFile), specSnapshot); err != nil {
			return fmt.Errorf("writing spec snapshot: %w", err)
		}
	}
	return r.writeLocked(state)
}

// Save implements Repository.
func (r *FileRepository) Save(ctx context.Context, state *State) error {
	id := state.Metadata.ID
	if err := ValidateID(id); err != nil {
		return err
	}
	if _, err := os.Stat(r.dir(id)); err != nil {
		return types.NewErrorf(types.ErrSessionNotFound, "session %q not found", id)
	}

	release, err := r.acquireLock(ctx, id)
	if err != nil {
		return err
	}
	defer release()

	return r.writeLocked(state)
}

func (r *FileRepository) writeLocked(state *State) error {
	sessionRec, patternRec, err := EncodeState(state)
	if err != nil {
		return err
	}
	dir := r.dir(state.Metadata.ID)
	if err := writeFileAtomic(filepath.Join(dir, sessionFile), sessionRec); err != nil {
		return fmt.Errorf("writing session record: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(dir, patternFile), patternRec); err != nil {
		return fmt.Errorf("writing pattern state: %w", err)
	}
	return nil
}

// Load implements Repository.
func (r *FileRepository) Load(ctx context.Context, id string) (*State, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}

	sessionRec, err := os.ReadFile(filepath.Join(r.dir(id), sessionFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewErrorf(types.ErrSessionNotFound, "session %q not found", id)
		}
		return nil, fmt.Errorf("reading session record: %w", err)
	}
	patternRec, err := os.ReadFile(filepath.Join(r.dir(id), patternFile))
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("reading pattern state: %w", err)
	}
	return DecodeState(sessionRec, patternRec)
}

// LoadSnapshot implements Repository.
func (r *FileRepository) LoadSnapshot(ctx context.Context, id string) ([]byte, error) {
	if err := ValidateID(id); err != nil {
		return nil, err
	}
	raw, err := os.ReadFile(filepath.Join(r.dir(id), snapshotFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, types.NewErrorf(types.ErrSessionNotFound,
				"session %q has no spec snapshot", id)
		}
		return nil, fmt.Errorf("reading spec snapshot: %w", err)
	}
	return raw, nil
}

// Exists implements Repository.
func (r *FileRepository) Exists(ctx context.Context, id string) (bool, error) {
	if err := ValidateID(id); err != nil {
		return false, err
	}
	_, err := os.Stat(filepath.Join(r.dir(id), sessionFile))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// List implements Repository.
func (r *FileRepository) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(r.root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("listing sessions: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() && idPattern.MatchString(e.Name()) {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// acquireLock takes the per-session exclusive lock, polling until the
// configured timeout. Lock files older than the TTL are treated as
// abandoned by a crashed process and broken.
func (r *FileRepository) acquireLock(ctx context.Context, id string) (func(), error) {
	path := filepath.Join(r.dir(id), lockFile)
	deadline := time.Now().Add(r.lockTimeout)

	for {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o644)
		if err == nil {
			fmt.Fprintf(f, "%d %s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339Nano))
			f.Close()
			return func() {
				if rmErr := os.Remove(path); rmErr != nil && !os.IsNotExist(rmErr) {
					r.logger.Warn("releasing session lock failed",
						zap.String("session_id", id),
						zap.Error(rmErr),
					)
				}
			}, nil
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("acquiring session lock: %w", err)
		}

		if r.lockTTL > 0 {
			if fi, statErr := os.Stat(path); statErr == nil && time.Since(fi.ModTime()) > r.lockTTL {
				r.logger.Warn("breaking stale session lock",
					zap.String("session_id", id),
					zap.Duration("age", time.Since(fi.ModTime())),
				)
				_ = os.Remove(path)
				continue
			}
		}

		if time.Now().After(deadline) {
			return nil, types.NewErrorf(types.ErrLockTimeout,
				"session %q lock not acquired within %s", id, r.lockTimeout)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lockPollInterval):
		}
	}
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it into place.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}
