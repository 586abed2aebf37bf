package watermark

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"veracodecsv/services/veracode"
)

// DefaultFile is the watermark file name used when none is configured.
const DefaultFile = "processed_builds.txt"

type fileEntry struct {
	PolicyUpdatedDate string `json:"policy_updated_date"`
}

// FileStore keeps watermarks in a JSON document of the form
// {"<app_id>": {"<build_id>": {"policy_updated_date": "<timestamp>"}}}.
type FileStore struct {
	path  string
	marks marks
}

// NewFileStore returns a store backed by path. Call Load before use.
func NewFileStore(path string) *FileStore {
	if path == "" {
		path = DefaultFile
	}
	return &FileStore{path: path}
}

// Path returns the backing file path.
func (s *FileStore) Path() string { return s.path }

// Load reads the backing file. A missing file is an empty store.
func (s *FileStore) Load(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		s.marks.replace(map[string]map[string]string{})
		return nil
	}
	if err != nil {
		return &veracode.StorageError{Op: "load", Err: err}
	}

	var doc map[string]map[string]fileEntry
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &doc); err != nil {
			return &veracode.StorageError{Op: "load", Err: fmt.Errorf("decode %s: %w", s.path, err)}
		}
	}
	data := make(map[string]map[string]string, len(doc))
	for appID, builds := range doc {
		inner := make(map[string]string, len(builds))
		for buildID, entry := range builds {
			inner[buildID] = entry.PolicyUpdatedDate
		}
		data[appID] = inner
	}
	s.marks.replace(data)
	return nil
}

// ShouldExport reports whether candidate is newer than the stored watermark.
func (s *FileStore) ShouldExport(appID, buildID string, candidate time.Time) (bool, error) {
	return s.marks.shouldExport(appID, buildID, candidate)
}

// RecordSuccess stores candidate and rewrites the file.
func (s *FileStore) RecordSuccess(ctx context.Context, appID, buildID string, candidate time.Time) error {
	data, undo := s.marks.set(appID, buildID, candidate)
	if err := s.write(ctx, data); err != nil {
		undo()
		return err
	}
	return nil
}

// Snapshot returns the parsed watermarks.
func (s *FileStore) Snapshot() map[string]map[string]time.Time {
	return s.marks.snapshot()
}

// Reset removes the watermarks of appID, or all of them when appID is empty.
func (s *FileStore) Reset(ctx context.Context, appID string) error {
	data, undo := s.marks.reset(appID)
	if err := s.write(ctx, data); err != nil {
		undo()
		return err
	}
	return nil
}

func (s *FileStore) write(ctx context.Context, data map[string]map[string]string) error {
	if err := ctx.Err(); err != nil {
		return &veracode.StorageError{Op: "save", Err: err}
	}
	doc := make(map[string]map[string]fileEntry, len(data))
	for appID, builds := range data {
		inner := make(map[string]fileEntry, len(builds))
		for buildID, raw := range builds {
			inner[buildID] = fileEntry{PolicyUpdatedDate: raw}
		}
		doc[appID] = inner
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return &veracode.StorageError{Op: "save", Err: err}
	}
	if err := writeAtomic(s.path, payload); err != nil {
		return &veracode.StorageError{Op: "save", Err: err}
	}
	return nil
}

func writeAtomic(path string, payload []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create watermark dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
