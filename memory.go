package sqlsession

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryStore is a Store kept in process memory. It is meant for tests and
// single-process development setups; records do not survive a restart.
type MemoryStore struct {
	mu              sync.RWMutex
	records         map[string]memoryRecord
	maxPayloadBytes int
	closed          bool

	// now is the store's clock. It plays the role of the database server
	// clock and can be replaced in tests.
	now func() time.Time
}

type memoryRecord struct {
	payload []byte
	last    time.Time
}

// NewMemoryStore creates an empty in-memory store. maxPayloadBytes of 0 means
// unlimited.
func NewMemoryStore(maxPayloadBytes int) *MemoryStore {
	return &MemoryStore{
		records:         make(map[string]memoryRecord),
		maxPayloadBytes: maxPayloadBytes,
		now:             time.Now,
	}
}

func (s *MemoryStore) EnsureSchema(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

func (s *MemoryStore) Fetch(ctx context.Context, id string) ([]byte, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrStoreClosed
	}

	rec, ok := s.records[id]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), rec.payload...), true, nil
}

func (s *MemoryStore) Upsert(ctx context.Context, id string, payload []byte) error {
	if s.maxPayloadBytes > 0 && len(payload) > s.maxPayloadBytes {
		return ErrPayloadTooLarge
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := s.now()
	if rec, ok := s.records[id]; ok && rec.last.After(now) {
		now = rec.last
	}
	s.records[id] = memoryRecord{
		payload: append([]byte(nil), payload...),
		last:    now,
	}
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}
	delete(s.records, id)
	return nil
}

func (s *MemoryStore) Touch(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	rec, ok := s.records[id]
	if !ok {
		return nil
	}
	if now := s.now(); now.After(rec.last) {
		rec.last = now
		s.records[id] = rec
	}
	return nil
}

func (s *MemoryStore) SweepExpired(ctx context.Context, maxLifetime time.Duration) error {
	if maxLifetime < 0 {
		return fmt.Errorf("negative session max lifetime %s", maxLifetime)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	cutoff := s.now().Add(-maxLifetime)
	for id, rec := range s.records {
		if rec.last.Before(cutoff) {
			delete(s.records, id)
		}
	}
	return nil
}

func (s *MemoryStore) Exists(ctx context.Context, id string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return false, ErrStoreClosed
	}
	_, ok := s.records[id]
	return ok, nil
}

// Len returns the number of stored records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.records = nil
	return nil
}
