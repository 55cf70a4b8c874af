package playback

import (
	"errors"
	"sort"
	"sync"
	"time"
)

// Repository defines the concurrency-safe contract for tracking live
// playback sessions.
type Repository interface {
	// Add records a new session. Adding an ID that is already present
	// returns ErrSessionExists.
	Add(rec *SessionRecord) error

	// Get returns the session record for id.
	Get(id SessionID) (*SessionRecord, bool)

	// Remove deletes and returns the record for id. The caller owns its
	// teardown.
	Remove(id SessionID) (*SessionRecord, bool)

	// List returns every record ordered by creation time.
	List() []*SessionRecord

	// ActiveSessionCount returns the number of tracked sessions.
	// Used for metrics.
	ActiveSessionCount() int
}

var (
	// ErrSessionNotFound is returned for operations on an unknown session.
	ErrSessionNotFound = errors.New("session not found")

	// ErrSessionExists is returned when adding a duplicate session ID.
	ErrSessionExists = errors.New("session already exists")
)

// InMemoryRepository is a concurrency-safe implementation of Repository.
// It uses a Store for persistence; by default that is an InMemoryStore.
type InMemoryRepository struct {
	mu    sync.RWMutex
	store Store
}

// NewInMemoryRepository constructs a new repository with a default in-memory store.
func NewInMemoryRepository() *InMemoryRepository {
	return NewInMemoryRepositoryWithStore(NewInMemoryStore())
}

// NewInMemoryRepositoryWithStore constructs a repository that uses the given Store.
func NewInMemoryRepositoryWithStore(store Store) *InMemoryRepository {
	return &InMemoryRepository{store: store}
}

// Add implements Repository.Add.
func (r *InMemoryRepository) Add(rec *SessionRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.store.GetSession(rec.ID); exists {
		return ErrSessionExists
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	r.store.SetSession(rec)
	return nil
}

// Get implements Repository.Get.
func (r *InMemoryRepository) Get(id SessionID) (*SessionRecord, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.GetSession(id)
}

// Remove implements Repository.Remove.
func (r *InMemoryRepository) Remove(id SessionID) (*SessionRecord, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	rec, exists := r.store.GetSession(id)
	if !exists {
		return nil, false
	}
	r.store.DeleteSession(id)
	return rec, true
}

// List implements Repository.List.
func (r *InMemoryRepository) List() []*SessionRecord {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := r.store.ListSessionIDs()
	out := make([]*SessionRecord, 0, len(ids))
	for _, id := range ids {
		if rec, ok := r.store.GetSession(id); ok {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// ActiveSessionCount implements Repository.ActiveSessionCount.
func (r *InMemoryRepository) ActiveSessionCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.store.ListSessionIDs())
}
