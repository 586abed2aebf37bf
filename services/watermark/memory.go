package watermark

import (
	"context"
	"time"
)

// MemoryStore keeps watermarks in process memory only.
type MemoryStore struct {
	marks marks
}

// NewMemoryStore returns a store seeded with the given entries, keyed by app
// then build id.
func NewMemoryStore(seed map[string]map[string]time.Time) *MemoryStore {
	s := &MemoryStore{}
	data := map[string]map[string]string{}
	for appID, builds := range seed {
		data[appID] = map[string]string{}
		for buildID, ts := range builds {
			data[appID][buildID] = encode(ts)
		}
	}
	s.marks.replace(data)
	return s
}

func (s *MemoryStore) Load(ctx context.Context) error { return ctx.Err() }

func (s *MemoryStore) ShouldExport(appID, buildID string, candidate time.Time) (bool, error) {
	return s.marks.shouldExport(appID, buildID, candidate)
}

func (s *MemoryStore) RecordSuccess(ctx context.Context, appID, buildID string, candidate time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.marks.set(appID, buildID, candidate)
	return nil
}

func (s *MemoryStore) Snapshot() map[string]map[string]time.Time { return s.marks.snapshot() }

func (s *MemoryStore) Reset(ctx context.Context, appID string) error {
	s.marks.reset(appID)
	return ctx.Err()
}

// SetRaw stores an unparsed value, as a hand-edited file might contain.
func (s *MemoryStore) SetRaw(appID, buildID, raw string) {
	s.marks.mu.Lock()
	defer s.marks.mu.Unlock()
	if s.marks.data[appID] == nil {
		s.marks.data[appID] = map[string]string{}
	}
	s.marks.data[appID][buildID] = raw
}
