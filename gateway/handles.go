package gateway

import (
	"sync"
	"sync/atomic"

	"github.com/chazu/confvm/service"
)

// handle is a host-side reference to a service.
type handle struct {
	svc *service.Service
	gw  *Gateway
}

// HandleStore maps opaque integer ids to services. Id 0 is never issued,
// so hosts can use it as "no handle".
type HandleStore struct {
	mu      sync.RWMutex
	handles map[uint64]*handle
	nextID  atomic.Uint64
}

// NewHandleStore creates an empty handle store.
func NewHandleStore() *HandleStore {
	return &HandleStore{handles: make(map[uint64]*handle)}
}

// Create registers svc and returns its id.
func (s *HandleStore) Create(svc *service.Service) uint64 {
	id := s.nextID.Add(1)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.handles[id] = &handle{svc: svc, gw: New(svc)}
	log.Debugf("created handle %d", id)
	return id
}

// Lookup returns the service behind id.
func (s *HandleStore) Lookup(id uint64) (*service.Service, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	return h.svc, true
}

// Gateway returns the call gateway of the service behind id.
func (s *HandleStore) Gateway(id uint64) (*Gateway, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handles[id]
	if !ok {
		return nil, false
	}
	return h.gw, true
}

// Release removes id. It reports whether the id was live; releasing an
// unknown or already released id is a no-op.
func (s *HandleStore) Release(id uint64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handles[id]; !ok {
		return false
	}
	delete(s.handles, id)
	log.Debugf("released handle %d", id)
	return true
}

// Len returns the number of live handles.
func (s *HandleStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.handles)
}
