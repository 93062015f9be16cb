// Package registry tracks which devices are currently reachable.
package registry

import (
	"sort"
	"sync"

	"github.com/DCsunset/clip-share/internal/protocol"
)

// Handle pushes outbound messages into a session without exposing its
// internals. Implementations must be safe to call concurrently and must
// never block on network I/O.
type Handle interface {
	Push(msg protocol.Message) error
	Close()
}

// Entry is one online device. At most one live entry exists per identity.
type Entry struct {
	Identity  string
	Name      string
	SessionID string
	Handle    Handle
}

// Device returns the wire representation of the entry.
func (e Entry) Device() protocol.Device {
	return protocol.Device{DeviceID: e.Identity, Name: e.Name}
}

// Registry is the process-wide map from identity to its active session.
type Registry struct {
	mu      sync.RWMutex
	devices map[string]Entry
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{devices: make(map[string]Entry)}
}

// Register inserts the entry, displacing any previous session for the same
// identity (newest wins). The displaced entry is returned so the caller
// can close it outside the lock.
func (r *Registry) Register(entry Entry) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	prev, existed := r.devices[entry.Identity]
	r.devices[entry.Identity] = entry
	return prev, existed
}

// RemoveIfCurrent removes the identity only if the registered session still
// matches sessionID. A delayed disconnect of a session that has already
// been displaced must not tear down its replacement.
func (r *Registry) RemoveIfCurrent(identity, sessionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.devices[identity]
	if !ok || cur.SessionID != sessionID {
		return false
	}
	delete(r.devices, identity)
	return true
}

// Get fetches the entry for an identity.
func (r *Registry) Get(identity string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	entry, ok := r.devices[identity]
	return entry, ok
}

// Snapshot returns all online devices ordered by identity. The snapshot is
// stable for the duration of the call only.
func (r *Registry) Snapshot() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Entry, 0, len(r.devices))
	for _, entry := range r.devices {
		out = append(out, entry)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Identity < out[j].Identity })
	return out
}

// Len reports the number of online devices.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.devices)
}
