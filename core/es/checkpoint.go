package es

import "sync"

// CpStore persists a consumer's processing progress as the global sequence
// of the last handled event. Get returns ErrCheckpointNotFound before the
// first Set.
type CpStore interface {
	Get() (lastSeq uint64, err error)
	Set(lastSeq uint64) error
}

type InMemCpStore struct {
	mu  sync.RWMutex
	v   uint64
	set bool
}

func NewInMemCpStore() *InMemCpStore {
	return &InMemCpStore{}
}

func (s *InMemCpStore) Get() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.set {
		return 0, ErrCheckpointNotFound
	}
	return s.v, nil
}

func (s *InMemCpStore) Set(v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	s.set = true
	return nil
}

var _ CpStore = (*InMemCpStore)(nil)
