package playlist

import (
	"strings"
	"sync"

	"github.com/google/uuid"
)

// HandlePrefix marks synthetic manifest handles.
const HandlePrefix = "blob:"

// Registry holds normalized manifests under ephemeral synthetic handles that
// a runtime can load like a URL. Nothing is persisted.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]string)}
}

// Register stores manifest and returns its handle.
func (r *Registry) Register(manifest string) string {
	handle := HandlePrefix + uuid.NewString()
	r.mu.Lock()
	r.entries[handle] = manifest
	r.mu.Unlock()
	return handle
}

// Open returns the manifest for handle. The prefix may be omitted.
func (r *Registry) Open(handle string) (string, bool) {
	if !strings.HasPrefix(handle, HandlePrefix) {
		handle = HandlePrefix + handle
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.entries[handle]
	return m, ok
}

// Revoke releases handle. Revoking an unknown handle is a no-op.
func (r *Registry) Revoke(handle string) {
	r.mu.Lock()
	delete(r.entries, handle)
	r.mu.Unlock()
}

// Len returns the number of live handles.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
