package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ekaya-inc/purview-connector/pkg/models"
)

const fileSuffix = ".checkpoint.json"

// FileStore keeps one JSON document per source in a directory.
// Writes go through a temp file and rename, so a crash never leaves a torn checkpoint.
type FileStore struct {
	fs     afero.Fs
	dir    string
	logger *zap.Logger

	mu sync.Mutex
}

// NewFileStore creates a store rooted at dir. The directory is created on first commit.
func NewFileStore(fsys afero.Fs, dir string, logger *zap.Logger) *FileStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{fs: fsys, dir: dir, logger: logger.Named("checkpoint")}
}

func (s *FileStore) path(sourceID string) string {
	return filepath.Join(s.dir, url.PathEscape(sourceID)+fileSuffix)
}

func (s *FileStore) read(path string) (*models.Checkpoint, error) {
	data, err := afero.ReadFile(s.fs, path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read checkpoint: %w", err)
	}

	var cp models.Checkpoint
	if err := json.Unmarshal(data, &cp); err != nil {
		return nil, fmt.Errorf("parse checkpoint %s: %w", path, err)
	}
	return &cp, nil
}

// Load returns the stored watermark, or nil when none exists.
func (s *FileStore) Load(ctx context.Context, sourceID string) (*time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp, err := s.read(s.path(sourceID))
	if err != nil || cp == nil {
		return nil, err
	}
	ts := cp.LastScanTimestamp
	return &ts, nil
}

// Commit stores ts as the watermark unless a later one is already stored.
func (s *FileStore) Commit(ctx context.Context, sourceID string, ts time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ts = normalize(ts)
	path := s.path(sourceID)
	current, err := s.read(path)
	if err != nil {
		return err
	}
	if current != nil && ts.Before(current.LastScanTimestamp) {
		s.logger.Warn("Ignoring checkpoint older than stored watermark",
			zap.String("source_id", sourceID),
			zap.Time("stored", current.LastScanTimestamp),
			zap.Time("offered", ts))
		return nil
	}

	if err := s.fs.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}

	data, err := json.MarshalIndent(models.Checkpoint{SourceID: sourceID, LastScanTimestamp: ts}, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal checkpoint: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := afero.WriteFile(s.fs, tmpPath, data, 0o644); err != nil {
		return fmt.Errorf("write checkpoint temp: %w", err)
	}
	if err := s.fs.Rename(tmpPath, path); err != nil {
		_ = s.fs.Remove(tmpPath)
		return fmt.Errorf("rename checkpoint: %w", err)
	}

	s.logger.Debug("Checkpoint committed",
		zap.String("source_id", sourceID),
		zap.Time("last_scan_timestamp", ts))
	return nil
}

// Reset removes the watermark so the next run performs a full scan.
func (s *FileStore) Reset(ctx context.Context, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.fs.Remove(s.path(sourceID)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("remove checkpoint: %w", err)
	}
	return nil
}

// List returns every stored checkpoint ordered by source id.
func (s *FileStore) List(ctx context.Context) ([]models.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entries, err := afero.ReadDir(s.fs, s.dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}

	var out []models.Checkpoint
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), fileSuffix) {
			continue
		}
		cp, err := s.read(filepath.Join(s.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, *cp)
		}
	}
	slices.SortFunc(out, func(a, b models.Checkpoint) int {
		return strings.Compare(a.SourceID, b.SourceID)
	})
	return out, nil
}
