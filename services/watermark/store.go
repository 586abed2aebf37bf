package watermark

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"veracodecsv/services/veracode"
)

// Store persists the last exported policy-updated timestamp per build.
type Store interface {
	Load(ctx context.Context) error
	ShouldExport(appID, buildID string, candidate time.Time) (bool, error)
	RecordSuccess(ctx context.Context, appID, buildID string, candidate time.Time) error
	Snapshot() map[string]map[string]time.Time
	Reset(ctx context.Context, appID string) error
}

// Record is one watermark entry as listed by Entries.
type Record struct {
	AppID   string
	BuildID string
	Updated time.Time
}

// Entries flattens a snapshot into records ordered by app then build id.
func Entries(snapshot map[string]map[string]time.Time) []Record {
	var out []Record
	for appID, builds := range snapshot {
		for buildID, ts := range builds {
			out = append(out, Record{AppID: appID, BuildID: buildID, Updated: ts})
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AppID != out[j].AppID {
			return out[i].AppID < out[j].AppID
		}
		return out[i].BuildID < out[j].BuildID
	})
	return out
}

// marks is the in-memory mapping shared by every backend. Values are kept as
// the persisted strings so a corrupt entry only fails the build it belongs to.
type marks struct {
	mu   sync.Mutex
	data map[string]map[string]string
}

func (m *marks) replace(data map[string]map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = data
}

func (m *marks) shouldExport(appID, buildID string, candidate time.Time) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[appID][buildID]
	m.mu.Unlock()
	if !ok {
		return true, nil
	}
	stored, err := veracode.NormalizeTimestamp(raw)
	if err != nil {
		return false, &veracode.StorageError{Op: "parse", Err: fmt.Errorf("app %s build %s: %w", appID, buildID, err)}
	}
	return candidate.UTC().After(stored), nil
}

// set stores candidate and returns a copy of the full mapping for persisting,
// along with a function that restores the previous value.
func (m *marks) set(appID, buildID string, candidate time.Time) (map[string]map[string]string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.data == nil {
		m.data = map[string]map[string]string{}
	}
	builds, ok := m.data[appID]
	if !ok {
		builds = map[string]string{}
		m.data[appID] = builds
	}
	prev, hadPrev := builds[buildID]
	builds[buildID] = encode(candidate)

	undo := func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if hadPrev {
			m.data[appID][buildID] = prev
			return
		}
		delete(m.data[appID], buildID)
		if len(m.data[appID]) == 0 {
			delete(m.data, appID)
		}
	}
	return m.copyLocked(), undo
}

// reset drops appID (or everything when empty) and returns the remaining
// mapping, along with a function that restores what was dropped.
func (m *marks) reset(appID string) (map[string]map[string]string, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var undo func()
	if appID == "" {
		prev := m.data
		m.data = map[string]map[string]string{}
		undo = func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.data = prev
		}
	} else {
		prev, hadPrev := m.data[appID]
		delete(m.data, appID)
		undo = func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			if hadPrev {
				if m.data == nil {
					m.data = map[string]map[string]string{}
				}
				m.data[appID] = prev
			}
		}
	}
	return m.copyLocked(), undo
}

func (m *marks) snapshot() map[string]map[string]time.Time {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]map[string]time.Time, len(m.data))
	for appID, builds := range m.data {
		for buildID, raw := range builds {
			ts, err := veracode.NormalizeTimestamp(raw)
			if err != nil {
				continue
			}
			if out[appID] == nil {
				out[appID] = map[string]time.Time{}
			}
			out[appID][buildID] = ts
		}
	}
	return out
}

func (m *marks) copyLocked() map[string]map[string]string {
	out := make(map[string]map[string]string, len(m.data))
	for appID, builds := range m.data {
		inner := make(map[string]string, len(builds))
		for buildID, raw := range builds {
			inner[buildID] = raw
		}
		out[appID] = inner
	}
	return out
}

func encode(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}
