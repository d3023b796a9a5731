// Package storage persists the session's tokens and identity snapshot
// across application reloads. The Store is deliberately
// failure-tolerant: the session coordinator must keep functioning with
// in-memory-only state when persistent storage is unavailable, so no
// backend fault ever propagates to a caller.
package storage

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

// Keys owned by the session domain. ClearAll removes exactly these.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyUser         = "user"
	KeyLoggedInAt   = "logged_in_at"
)

func ownedKeys() []string {
	return []string{KeyAccessToken, KeyRefreshToken, KeyUser, KeyLoggedInAt}
}

// Backend is the raw key-value store underneath a Store. Implementations
// may fail (quota exceeded, disabled storage, serialization failure);
// the Store absorbs those failures.
type Backend interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Store wraps a Backend so that every operation degrades to a
// no-op/empty result on failure. Failures are logged at warn level and
// never returned.
type Store struct {
	backend Backend
	log     zerolog.Logger
}

// New creates a Store over the given backend. A nil backend yields a
// Store whose reads are empty and whose writes are no-ops.
func New(backend Backend, log zerolog.Logger) *Store {
	return &Store{backend: backend, log: log}
}

// Get returns the value for key, or "" when absent or on any backend
// fault.
func (s *Store) Get(key string) string {
	if s.backend == nil {
		return ""
	}
	value, err := s.backend.Get(key)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("storage read failed, treating as absent")
		return ""
	}
	return value
}

// Set stores value under key. Backend faults are absorbed.
func (s *Store) Set(key, value string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Set(key, value); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("storage write failed, continuing with in-memory state")
	}
}

// Remove deletes key. Backend faults are absorbed.
func (s *Store) Remove(key string) {
	if s.backend == nil {
		return
	}
	if err := s.backend.Remove(key); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("storage remove failed")
	}
}

// ClearAll removes every key owned by the session domain.
func (s *Store) ClearAll() {
	for _, key := range ownedKeys() {
		s.Remove(key)
	}
}

// GetJSON reads key and unmarshals it into out. It returns false when
// the key is absent or the stored value does not parse.
func (s *Store) GetJSON(key string, out any) bool {
	raw := s.Get(key)
	if raw == "" {
		return false
	}
	if err := json.Unmarshal([]byte(raw), out); err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("stored value is not valid JSON, treating as absent")
		return false
	}
	return true
}

// SetJSON marshals v and stores it under key. Marshal and backend
// faults are absorbed.
func (s *Store) SetJSON(key string, v any) {
	raw, err := json.Marshal(v)
	if err != nil {
		s.log.Warn().Err(err).Str("key", key).Msg("storage serialization failed, skipping write")
		return
	}
	s.Set(key, string(raw))
}
