// Package state is the group state store: a bounded LRU cache of live
// group states written back to persistent rows a little at a time.
package state

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/dokzlo13/milightd/internal/bulb"
	"github.com/dokzlo13/milightd/internal/clock"
)

// Rows is the persistence the store writes back to.
type Rows interface {
	Get(id bulb.ID) (payload []byte, version int64, err error)
	Set(id bulb.ID, payload []byte) error
}

// Store caches group states. It is owned by the scheduler loop and is not
// safe for concurrent use. Pointers returned by Get stay valid until the
// group is evicted; callers re-read instead of holding them across passes.
type Store struct {
	cache         *lru.Cache[bulb.ID, *bulb.State]
	rows          Rows
	clock         clock.Clock
	flushInterval time.Duration
	lastFlush     time.Time

	warn rate.Sometimes
}

// New creates a store holding at most capacity groups. rows may be nil for
// a memory-only store.
func New(capacity int, rows Rows, flushInterval time.Duration, clk clock.Clock) (*Store, error) {
	s := &Store{
		rows:          rows,
		clock:         clk,
		flushInterval: flushInterval,
		lastFlush:     clk.Now(),
		warn:          rate.Sometimes{Interval: 30 * time.Second},
	}

	cache, err := lru.NewWithEvict[bulb.ID, *bulb.State](capacity, s.onEvict)
	if err != nil {
		return nil, fmt.Errorf("create state cache: %w", err)
	}
	s.cache = cache
	return s, nil
}

// Get returns the live state of id, loading it from rows on a cache miss.
// It returns nil when the group is unknown.
func (s *Store) Get(id bulb.ID) *bulb.State {
	if st, ok := s.cache.Get(id); ok {
		return st
	}
	if s.rows == nil {
		return nil
	}

	payload, _, err := s.rows.Get(id)
	if err != nil {
		s.warn.Do(func() {
			log.Warn().Err(err).Str("group", id.String()).Msg("Failed to load group state")
		})
		return nil
	}
	if payload == nil {
		return nil
	}

	st := bulb.NewState()
	if err := json.Unmarshal(payload, st); err != nil {
		log.Warn().Err(err).Str("group", id.String()).Msg("Discarding unreadable stored group state")
		return nil
	}
	s.cache.Add(id, st)
	return st
}

// GetOrCreate returns the state of id, creating an empty one if needed.
func (s *Store) GetOrCreate(id bulb.ID) *bulb.State {
	if st := s.Get(id); st != nil {
		return st
	}
	st := bulb.NewState()
	s.cache.Add(id, st)
	return st
}

// Set replaces the state of id.
func (s *Store) Set(id bulb.ID, st *bulb.State) {
	s.cache.Add(id, st)
}

// Patch applies delta to id and returns every identity whose state changed.
// A group 0 delta addresses the whole device, so it is also applied to each
// cached group of the same device and remote type.
func (s *Store) Patch(id bulb.ID, delta bulb.Values) []bulb.ID {
	var changed []bulb.ID

	if id.GroupID == 0 {
		for _, key := range s.cache.Keys() {
			if key.GroupID == 0 || key.DeviceID != id.DeviceID || key.Type != id.Type {
				continue
			}
			if st, ok := s.cache.Peek(key); ok && st.Patch(delta) {
				changed = append(changed, key)
			}
		}
	}

	if s.GetOrCreate(id).Patch(delta) {
		changed = append(changed, id)
	}
	return changed
}

// Len returns the number of cached groups.
func (s *Store) Len() int {
	return s.cache.Len()
}

// LimitedFlush writes back at most one dirty group per flush interval,
// oldest first.
func (s *Store) LimitedFlush() {
	if s.rows == nil || !clock.Due(s.clock, s.lastFlush, s.flushInterval) {
		return
	}
	s.lastFlush = s.clock.Now()

	for _, id := range s.cache.Keys() {
		st, ok := s.cache.Peek(id)
		if !ok || !st.IsPersistDirty() {
			continue
		}
		if err := s.persist(id, st); err != nil {
			s.warn.Do(func() {
				log.Warn().Err(err).Str("group", id.String()).Msg("Failed to persist group state")
			})
		}
		return
	}
}

// Flush writes back every dirty group.
func (s *Store) Flush() error {
	if s.rows == nil {
		return nil
	}
	var firstErr error
	for _, id := range s.cache.Keys() {
		st, ok := s.cache.Peek(id)
		if !ok || !st.IsPersistDirty() {
			continue
		}
		if err := s.persist(id, st); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	s.lastFlush = s.clock.Now()
	return firstErr
}

func (s *Store) persist(id bulb.ID, st *bulb.State) error {
	payload, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("encode group state %s: %w", id, err)
	}
	if err := s.rows.Set(id, payload); err != nil {
		return fmt.Errorf("store group state %s: %w", id, err)
	}
	st.ClearPersistDirty()
	return nil
}

func (s *Store) onEvict(id bulb.ID, st *bulb.State) {
	if s.rows == nil || !st.IsPersistDirty() {
		return
	}
	if err := s.persist(id, st); err != nil {
		log.Warn().Err(err).Str("group", id.String()).Msg("Lost unflushed state of evicted group")
	}
}
