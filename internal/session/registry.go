package session

import "sync"

// Registry is the process-wide table of authenticated sessions, keyed by
// device_id. It is the single source of truth for "who is connected" and
// enforces at most one live socket per device_id.
type Registry interface {
	// Register stores s under s.DeviceID. If a session already occupies
	// that slot, it is atomically replaced and returned as displaced —
	// callers are expected to Close it with code 4409.
	Register(s *Session) (displaced *Session)
	// Lookup returns the session currently registered for deviceID, if
	// any. Not linearizable with concurrent broadcasts — a stale hit that
	// later fails to send is expected and handled by the caller.
	Lookup(deviceID string) (*Session, bool)
	// Unregister removes sessionID's slot, but only if it still holds
	// sessionID — a no-op if the slot was since displaced.
	Unregister(deviceID, sessionID string)
	// BroadcastTargets returns every registered session except the one
	// with excludeSessionID.
	BroadcastTargets(excludeSessionID string) []*Session
	// Count returns the number of registered sessions.
	Count() int
}

type memoryRegistry struct {
	mu   sync.Mutex
	byID map[string]*Session // device_id -> session
}

// NewMemoryRegistry returns an in-memory Registry guarded by a single
// mutex. Lookups and mutations are both cheap (hash + pointer copy) and
// the pack's comparable stores (kibshh's device.Store, attestation
// registry) use the same shape: an interface with one mutex-guarded map
// implementation.
func NewMemoryRegistry() Registry {
	return &memoryRegistry{byID: make(map[string]*Session)}
}

func (r *memoryRegistry) Register(s *Session) *Session {
	r.mu.Lock()
	defer r.mu.Unlock()

	old, existed := r.byID[s.DeviceID]
	r.byID[s.DeviceID] = s
	if existed {
		return old
	}
	return nil
}

func (r *memoryRegistry) Lookup(deviceID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.byID[deviceID]
	return s, ok
}

func (r *memoryRegistry) Unregister(deviceID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.byID[deviceID]; ok && cur.ID == sessionID {
		delete(r.byID, deviceID)
	}
}

func (r *memoryRegistry) BroadcastTargets(excludeSessionID string) []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byID))
	for _, s := range r.byID {
		if s.ID != excludeSessionID {
			out = append(out, s)
		}
	}
	return out
}

func (r *memoryRegistry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// FindDesktop returns the currently registered desktop session, if any.
// Used by the pairing conduit, which always has exactly one destination:
// the household's single desktop.
func FindDesktop(r Registry) (*Session, bool) {
	mr, ok := r.(*memoryRegistry)
	if !ok {
		return findDesktopGeneric(r)
	}
	mr.mu.Lock()
	defer mr.mu.Unlock()
	for _, s := range mr.byID {
		if s.Role == RoleDesktop {
			return s, true
		}
	}
	return nil, false
}

// findDesktopGeneric supports Registry implementations other than the
// built-in memory one (e.g. a test double) by scanning BroadcastTargets.
func findDesktopGeneric(r Registry) (*Session, bool) {
	for _, s := range r.BroadcastTargets("") {
		if s.Role == RoleDesktop {
			return s, true
		}
	}
	return nil, false
}
