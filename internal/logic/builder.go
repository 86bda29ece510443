package logic

import "time"

// Builder produces manifests from a Store and drives cooldown promotion.
// A single Build runs entirely inside the store's critical section, so
// ingestion either fully precedes or fully follows a cycle.
type Builder struct {
	store   *Store
	sweeper *Sweeper
}

// NewBuilder creates a Builder over store with the given tuning.
func NewBuilder(store *Store, cfg Config) *Builder {
	return &Builder{
		store:   store,
		sweeper: NewSweeper(store, cfg),
	}
}

// Sweeper returns the sweeper the builder runs before every cycle, so callers
// can also sweep on a shorter cadence between builds.
func (b *Builder) Sweeper() *Sweeper {
	return b.sweeper
}

// Config returns the tuning currently in effect.
func (b *Builder) Config() Config {
	b.store.mu.Lock()
	defer b.store.mu.Unlock()
	return b.sweeper.cfg
}

// SetConfig replaces the tuning used by subsequent cycles.
func (b *Builder) SetConfig(cfg Config) {
	b.sweeper.SetConfig(cfg)
}

// Build runs one manifest cycle at now and returns the manifest to publish.
//
// Candidates are live, non-cooldown records within their active time. When
// there are more candidates than the manifest size, previously manifested
// candidates are moved into cooldown oldest first. If that is not enough,
// the remaining candidates are cut to the oldest ManifestSize and the rest are
// removed from the store. Every reported record is marked as manifested.
func (b *Builder) Build(now time.Time) Manifest {
	s := b.store
	s.mu.Lock()
	defer s.mu.Unlock()

	cfg := b.sweeper.cfg
	m := Manifest{
		GeneratedAt: now,
		Sweep:       b.sweeper.sweepLocked(now),
	}

	var candidates []CustomerRecord
	for _, r := range s.snapshotLocked() {
		if r.Stopped || r.InCooldown() || r.Age(now) > cfg.ActiveTime {
			continue
		}
		candidates = append(candidates, r)
	}

	if len(candidates) > cfg.ManifestSize {
		// candidates is already oldest first, so the demotion order falls out
		// of a single pass.
		excess := len(candidates) - cfg.ManifestSize
		demoted := make(map[string]bool, excess)
		for _, r := range candidates {
			if len(demoted) == excess {
				break
			}
			if r.EverManifested && s.markCooldown(r.ID, now) {
				demoted[r.ID] = true
			}
		}
		if len(demoted) > 0 {
			kept := candidates[:0]
			for _, r := range candidates {
				if !demoted[r.ID] {
					kept = append(kept, r)
				}
			}
			candidates = kept
		}
		m.Demoted = len(demoted)
	}

	if len(candidates) > cfg.ManifestSize {
		for _, r := range candidates[cfg.ManifestSize:] {
			s.remove(r.ID)
		}
		m.Truncated = len(candidates) - cfg.ManifestSize
		candidates = candidates[:cfg.ManifestSize]
	}

	for i := range candidates {
		s.markManifested(candidates[i].ID)
		candidates[i].EverManifested = true
	}
	m.Records = candidates
	return m
}
