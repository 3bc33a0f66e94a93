package sqlsession

import (
	"bytes"
	"context"
	"encoding/gob"
	"fmt"
	"strconv"
	"sync"
	"time"
)

// Session is the attribute map of one request's session. It is only
// serialized into the payload the SaveHandler stores; the handler never looks
// inside.
//
// Values are encoded with encoding/gob, so custom types stored in a session
// must be registered with gob.Register.
type Session struct {
	// ID is the session identifier sent in the cookie.
	ID string

	mu        sync.Mutex
	values    map[string]any
	isNew     bool
	dirty     bool
	destroyed bool
}

func newSession(id string, values map[string]any, isNew bool) *Session {
	if values == nil {
		values = make(map[string]any)
	}
	return &Session{ID: id, values: values, isNew: isNew}
}

// IsNew reports whether the session was created by the current request.
func (s *Session) IsNew() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.isNew
}

// Get returns the value stored under key.
func (s *Session) Get(key string) (any, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	return v, ok
}

// GetDefault returns the value stored under key, or def when it is absent.
func (s *Session) GetDefault(key string, def any) any {
	if v, ok := s.Get(key); ok {
		return v
	}
	return def
}

// Has reports whether key is set.
func (s *Session) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Set stores value under key.
func (s *Session) Set(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	s.dirty = true
}

// Delete removes key and reports whether it was set.
func (s *Session) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.values[key]; !ok {
		return false
	}
	delete(s.values, key)
	s.dirty = true
	return true
}

// Take returns the value under key and removes it, or def when it is absent.
// Useful for flash messages.
func (s *Session) Take(key string, def any) any {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.values[key]
	if !ok {
		return def
	}
	delete(s.values, key)
	s.dirty = true
	return v
}

// Inc adds step to the integer stored under key and returns the result. A
// missing or non-numeric value counts as 0.
func (s *Session) Inc(key string, step int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := toInt(s.values[key]) + step
	s.values[key] = n
	s.dirty = true
	return n
}

// Dec subtracts step from the integer stored under key and returns the result.
func (s *Session) Dec(key string, step int) int {
	return s.Inc(key, -step)
}

// Len returns the number of stored values.
func (s *Session) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.values)
}

// Clear removes all values from the session.
// This is useful for securely wiping session data from memory.
func (s *Session) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.values) > 0 {
		s.dirty = true
	}
	clear(s.values)
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int8:
		return int(n)
	case int16:
		return int(n)
	case int32:
		return int(n)
	case int64:
		return int(n)
	case uint:
		return int(n)
	case uint8:
		return int(n)
	case uint16:
		return int(n)
	case uint32:
		return int(n)
	case uint64:
		return int(n)
	case float32:
		return int(n)
	case float64:
		return int(n)
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0
		}
		return i
	case bool:
		if n {
			return 1
		}
	}
	return 0
}

// encodeValues gob-encodes the session values into a pooled buffer. The
// caller must hand the buffer back with PutBuffer once the bytes are stored.
// It returns a nil buffer for an empty session, which is stored as an empty
// payload.
func (s *Session) encodeValues() (*bytes.Buffer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.values) == 0 {
		return nil, nil
	}

	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	if err := gob.NewEncoder(buf).Encode(s.values); err != nil {
		PutBuffer(buf)
		return nil, fmt.Errorf("failed to encode session data: %w", err)
	}
	return buf, nil
}

func decodeValues(data []byte) (map[string]any, error) {
	values := make(map[string]any)
	if len(data) == 0 {
		return values, nil
	}

	reader := readerPool.Get().(*bytes.Reader)
	reader.Reset(data)
	defer func() {
		reader.Reset(nil)
		readerPool.Put(reader)
	}()

	if err := gob.NewDecoder(reader).Decode(&values); err != nil {
		return nil, fmt.Errorf("failed to decode session data: %w", err)
	}
	return values, nil
}

type sessionContextKey struct{}

// FromContext returns the session attached by Manager.Middleware, or nil.
func FromContext(ctx context.Context) *Session {
	s, _ := ctx.Value(sessionContextKey{}).(*Session)
	return s
}

func withSession(ctx context.Context, s *Session) context.Context {
	return context.WithValue(ctx, sessionContextKey{}, s)
}

func init() {
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(time.Time{})
}
