package deploy

import (
	"context"
	"sync"
	"time"
)

// Record is one project's ledger entry. Created implicitly in StateIdle the
// first time the project is evaluated; overwritten on each transition,
// never deleted.
type Record struct {
	ProjectID string
	State     State
	UpdatedAt time.Time
	// LastError holds the failure message when State is StateFailed.
	LastError string
}

// Store persists per-project deployment state. Apply must be an atomic
// check-and-set against the current state: two concurrent requests must
// never both observe idle and both proceed.
type Store interface {
	// Get returns the project's record, defaulting to StateIdle for a
	// project with no deployment history.
	Get(ctx context.Context, projectID string) (Record, error)

	// Apply transitions the project per the table in Next, atomically.
	// Returns the resulting record, or ErrConflict / a transition error
	// with the state left untouched.
	Apply(ctx context.Context, projectID string, ev Event, lastError string) (Record, error)
}

// Ready reports whether the project admits a new deployment request.
func Ready(ctx context.Context, s Store, projectID string) (bool, error) {
	rec, err := s.Get(ctx, projectID)
	if err != nil {
		return false, err
	}
	return !rec.State.Blocking(), nil
}

// MemoryStore is the in-process Store. The mutex makes Apply a compare-and-
// swap; suitable for a single-node deployment and for tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]Record)}
}

func (m *MemoryStore) Get(_ context.Context, projectID string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.get(projectID), nil
}

func (m *MemoryStore) Apply(_ context.Context, projectID string, ev Event, lastError string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := m.get(projectID)
	next, err := Next(rec.State, ev)
	if err != nil {
		return rec, err
	}

	rec.State = next
	rec.UpdatedAt = time.Now()
	rec.LastError = ""
	if next == StateFailed {
		rec.LastError = lastError
	}
	m.records[projectID] = rec
	return rec, nil
}

func (m *MemoryStore) get(projectID string) Record {
	if rec, ok := m.records[projectID]; ok {
		return rec
	}
	return Record{ProjectID: projectID, State: StateIdle}
}
