// Package store persists cycle snapshots with crash-safe file semantics:
// write-to-temp, fsync, atomic rename, plus a best-effort backup copy.
package store

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"github.com/quantfu/ibot/internal/domain"
	"github.com/quantfu/ibot/pkg/retrier"
	"go.uber.org/zap"
)

var (
	// ErrNoState means neither the primary nor the backup file yielded a
	// valid snapshot. Callers must re-derive ground truth from the broker,
	// never invent a plausible default.
	ErrNoState = errors.New("no prior state")

	// ErrPersistence means a save could not be committed. The in-memory
	// state is at risk until a save succeeds; automation on the affected
	// instrument must halt and an urgent alert must be raised.
	ErrPersistence = errors.New("persistence failure")
)

const (
	saveAttempts   = 3
	fileMode       = 0o644
	dirPermissions = 0o755
)

// FileStore owns the primary and backup state files of one instrument.
// A single running instance is assumed to own both files exclusively.
type FileStore struct {
	primary string
	backup  string
	temp    string
	retr    *retrier.Retrier
	l       *zap.Logger
}

// NewFileStore creates the state directory if needed and returns a store for
// the given instrument symbol.
func NewFileStore(dir, symbol string, l *zap.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, dirPermissions); err != nil {
		return nil, errors.Wrapf(err, "failed to ensure state directory %s", dir)
	}
	return &FileStore{
		primary: filepath.Join(dir, "state_"+symbol+".json"),
		backup:  filepath.Join(dir, "state_"+symbol+".backup.json"),
		temp:    filepath.Join(dir, "state_"+symbol+".tmp.json"),
		retr: retrier.New(
			retrier.WithAttempts(saveAttempts),
			retrier.WithInitialDelay(100*time.Millisecond),
			retrier.WithMaxDelay(time.Second),
		),
		l: l,
	}, nil
}

// Save commits the snapshot atomically: temp write, fsync, rename over the
// primary. The rename is retried a bounded number of times; if every attempt
// fails the returned error wraps ErrPersistence and the caller must treat the
// in-memory state as at risk. After a successful commit the primary is copied
// over the backup, best effort.
func (s *FileStore) Save(ctx context.Context, snap *domain.Snapshot) error {
	snap.Version = domain.SchemaVersion
	snap.SavedAt = time.Now()

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return errors.Wrap(ErrPersistence, err.Error())
	}

	if err := s.retr.Do(ctx, func(context.Context) error {
		return s.commit(data)
	}); err != nil {
		os.Remove(s.temp)
		s.l.Error("state save failed after retries",
			zap.String("path", s.primary),
			zap.Error(err))
		return errors.Wrapf(ErrPersistence, "commit %s: %v", s.primary, err)
	}

	if err := copyFile(s.primary, s.backup); err != nil {
		// backup is a recovery aid, never a reason to fail the commit
		s.l.Warn("backup copy failed", zap.String("path", s.backup), zap.Error(err))
	}
	return nil
}

func (s *FileStore) commit(data []byte) error {
	f, err := os.OpenFile(s.temp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return errors.Wrap(err, "open temp state file")
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return errors.Wrap(err, "write temp state file")
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return errors.Wrap(err, "fsync temp state file")
	}
	if err := f.Close(); err != nil {
		return errors.Wrap(err, "close temp state file")
	}
	return errors.Wrap(os.Rename(s.temp, s.primary), "rename temp over primary")
}

// Load reads the primary file and validates it against the snapshot schema.
// On any read or validation failure it falls back to the backup; a snapshot
// recovered from the backup regenerates the primary. When both files are
// unavailable or invalid, Load returns ErrNoState.
func (s *FileStore) Load(ctx context.Context) (*domain.Snapshot, error) {
	snap, primaryErr := s.read(s.primary)
	if primaryErr == nil {
		return snap, nil
	}
	if !os.IsNotExist(errors.Cause(primaryErr)) {
		s.l.Warn("primary state file unusable, trying backup",
			zap.String("path", s.primary),
			zap.Error(primaryErr))
	}

	snap, backupErr := s.read(s.backup)
	if backupErr != nil {
		if os.IsNotExist(errors.Cause(primaryErr)) && os.IsNotExist(errors.Cause(backupErr)) {
			return nil, ErrNoState
		}
		s.l.Warn("backup state file unusable",
			zap.String("path", s.backup),
			zap.Error(backupErr))
		return nil, errors.Wrapf(ErrNoState, "primary: %v; backup: %v", primaryErr, backupErr)
	}

	s.l.Info("state recovered from backup, regenerating primary",
		zap.String("backup", s.backup))
	if err := s.Save(ctx, snap); err != nil {
		s.l.Error("failed to regenerate primary from backup", zap.Error(err))
	}
	return snap, nil
}

func (s *FileStore) read(path string) (*domain.Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var snap domain.Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, errors.Wrapf(err, "unmarshal %s", path)
	}
	if err := snap.Validate(); err != nil {
		return nil, errors.Wrapf(err, "validate %s", path)
	}
	return &snap, nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, fileMode)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
