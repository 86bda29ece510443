package logic

import (
	"sort"
	"sync"
	"time"
)

// Store is the authoritative set of customer records. All access goes through
// its methods, each of which runs under a single mutex.
type Store struct {
	mu      sync.Mutex
	records map[string]*CustomerRecord
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{records: make(map[string]*CustomerRecord)}
}

// Start inserts a record for id, or re-arms an existing one: the activation
// clock is reset and stop, manifest and cooldown state are cleared.
//
// A start that is not newer than the existing record's started_at is a late
// or duplicate delivery and is ignored. Start reports whether it was applied.
func (s *Store) Start(id string, now time.Time, info Info) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r, ok := s.records[id]; ok && !now.After(r.StartedAt) {
		return false
	}
	s.records[id] = &CustomerRecord{
		ID:        id,
		Info:      info,
		StartedAt: now,
	}
	return true
}

// Stop marks the record for id as stopped. It reports whether a record was
// found; a stop for an unknown id is a no-op.
func (s *Store) Stop(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return false
	}
	r.Stopped = true
	r.StoppedAt = now
	return true
}

// Snapshot returns value copies of every record, ordered by start time then id.
func (s *Store) Snapshot(now time.Time) []CustomerRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// Len returns the number of records held, in any state.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// Counts breaks the store contents down by state at now.
func (s *Store) Counts(now time.Time, activeTime time.Duration) Counts {
	s.mu.Lock()
	defer s.mu.Unlock()
	c := Counts{Total: len(s.records)}
	for _, r := range s.records {
		switch {
		case r.Stopped:
			c.Stopped++
		case r.InCooldown():
			c.Cooldown++
		case r.Age(now) > activeTime:
			c.Stale++
		default:
			c.Active++
		}
	}
	return c
}

// Remove deletes the record for id.
func (s *Store) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.remove(id)
}

// MarkCooldown moves a previously manifested record into cooldown.
func (s *Store) MarkCooldown(id string, now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markCooldown(id, now)
}

// ReleaseCooldown takes a record out of cooldown, making it eligible again.
func (s *Store) ReleaseCooldown(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.releaseCooldown(id)
}

// MarkManifested records that id appeared in a manifest.
func (s *Store) MarkManifested(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markManifested(id)
}

// The lower-case mutators below expect s.mu to be held.

func (s *Store) snapshotLocked() []CustomerRecord {
	out := make([]CustomerRecord, 0, len(s.records))
	for _, r := range s.records {
		c := *r
		if r.CooldownSince != nil {
			since := *r.CooldownSince
			c.CooldownSince = &since
		}
		out = append(out, c)
	}
	sortByStart(out)
	return out
}

func (s *Store) remove(id string) {
	delete(s.records, id)
}

func (s *Store) markCooldown(id string, now time.Time) bool {
	r, ok := s.records[id]
	// Only manifested, live records may cool down.
	if !ok || !r.EverManifested || r.Stopped || r.CooldownSince != nil {
		return false
	}
	since := now
	r.CooldownSince = &since
	return true
}

func (s *Store) releaseCooldown(id string) bool {
	r, ok := s.records[id]
	if !ok || r.CooldownSince == nil {
		return false
	}
	r.CooldownSince = nil
	return true
}

func (s *Store) markManifested(id string) {
	if r, ok := s.records[id]; ok {
		r.EverManifested = true
	}
}

// sortByStart orders records oldest start first, ties broken by id.
func sortByStart(rs []CustomerRecord) {
	sort.Slice(rs, func(i, j int) bool {
		if !rs[i].StartedAt.Equal(rs[j].StartedAt) {
			return rs[i].StartedAt.Before(rs[j].StartedAt)
		}
		return rs[i].ID < rs[j].ID
	})
}

// sortByCooldown orders records longest in cooldown first, ties broken by id.
func sortByCooldown(rs []CustomerRecord) {
	sort.Slice(rs, func(i, j int) bool {
		a, b := rs[i].CooldownSince, rs[j].CooldownSince
		if !a.Equal(*b) {
			return a.Before(*b)
		}
		return rs[i].ID < rs[j].ID
	})
}
