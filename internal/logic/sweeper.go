package logic

import "time"

// Sweeper applies the removal and cooldown-transition rules to a Store.
type Sweeper struct {
	store *Store
	// cfg is guarded by store.mu.
	cfg Config
}

// NewSweeper creates a Sweeper for the given store.
func NewSweeper(store *Store, cfg Config) *Sweeper {
	return &Sweeper{store: store, cfg: cfg}
}

// Sweep runs one housekeeping pass at now.
func (sw *Sweeper) Sweep(now time.Time) SweepResult {
	sw.store.mu.Lock()
	defer sw.store.mu.Unlock()
	return sw.sweepLocked(now)
}

// SetConfig replaces the tuning used by subsequent sweeps.
func (sw *Sweeper) SetConfig(cfg Config) {
	sw.store.mu.Lock()
	sw.cfg = cfg
	sw.store.mu.Unlock()
}

// sweepLocked applies, in order: stop removal, active-time expiry, cooldown
// expiry and early cooldown release. Records in cooldown are exempt from
// active-time expiry. Caller holds store.mu.
func (sw *Sweeper) sweepLocked(now time.Time) SweepResult {
	var res SweepResult
	s := sw.store

	for id, r := range s.records {
		switch {
		case r.Stopped:
			s.remove(id)
			res.Stopped++
		case r.CooldownSince == nil && r.Age(now) > sw.cfg.ActiveTime:
			s.remove(id)
			res.Expired++
		case r.CooldownSince != nil && now.Sub(*r.CooldownSince) >= sw.cfg.CooldownTime:
			// The customer must start again to become active.
			s.remove(id)
			res.CooldownExpired++
		}
	}

	// Only records with part of their active window left are worth
	// releasing; anything else would expire at the next sweep.
	eligible := 0
	var cooling []CustomerRecord
	for _, r := range s.records {
		switch {
		case r.CooldownSince == nil:
			eligible++
		case r.Age(now) < sw.cfg.ActiveTime:
			cooling = append(cooling, *r)
		}
	}
	if eligible >= sw.cfg.ManifestSize || len(cooling) == 0 {
		return res
	}

	sortByCooldown(cooling)
	for _, r := range cooling {
		if eligible >= sw.cfg.ManifestSize {
			break
		}
		if s.releaseCooldown(r.ID) {
			eligible++
			res.Released++
		}
	}
	return res
}
