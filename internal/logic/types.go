// Package logic contains the pure record store, eviction sweeper and manifest
// builder for active customer tracking.
// This package has NO external dependencies (no MQTT, HTTP, OS, or time.Sleep).
// Time is always injectable via time.Time parameters.
package logic

import (
	"errors"
	"time"
)

// Info is the customer metadata carried by a start event.
type Info struct {
	IPAddr      string
	Region      string
	GUID        string
	Description string
}

// CustomerRecord is the state held for one customer, keyed by phone number.
type CustomerRecord struct {
	ID        string
	Info      Info
	StartedAt time.Time
	// Stopped is set once a stop has been processed for the current activation.
	Stopped   bool
	StoppedAt time.Time
	// EverManifested is set once the record has appeared in a manifest since
	// its last start.
	EverManifested bool
	// CooldownSince is nil unless the record is in cooldown.
	CooldownSince *time.Time
}

// InCooldown reports whether the record is currently in cooldown.
func (r CustomerRecord) InCooldown() bool {
	return r.CooldownSince != nil
}

// Age returns the time since the most recent start.
func (r CustomerRecord) Age(now time.Time) time.Duration {
	return now.Sub(r.StartedAt)
}

// Config holds the engine tuning parameters.
type Config struct {
	ActiveTime   time.Duration
	CooldownTime time.Duration
	RefreshTime  time.Duration
	ManifestSize int
}

// Validate rejects values the engine cannot run with. Poorly tuned but
// workable values (e.g. CooldownTime < RefreshTime) are accepted.
func (c Config) Validate() error {
	var errs []error
	if c.ActiveTime <= 0 {
		errs = append(errs, errors.New("active time must be positive"))
	}
	if c.CooldownTime <= 0 {
		errs = append(errs, errors.New("cooldown time must be positive"))
	}
	if c.RefreshTime <= 0 {
		errs = append(errs, errors.New("refresh time must be positive"))
	}
	if c.ManifestSize <= 0 {
		errs = append(errs, errors.New("manifest size must be positive"))
	}
	return errors.Join(errs...)
}

// Hazards returns human-readable warnings about tuning that is valid but
// likely to misbehave.
func (c Config) Hazards() []string {
	var out []string
	if c.CooldownTime < c.RefreshTime {
		out = append(out, "cooldown time is shorter than refresh time; demoted customers will oscillate")
	}
	if c.ActiveTime < c.RefreshTime {
		out = append(out, "active time is shorter than refresh time; customers may expire before ever being manifested")
	}
	return out
}

// SweepResult counts the records affected by one sweep.
type SweepResult struct {
	Stopped         int
	Expired         int
	CooldownExpired int
	Released        int
}

// Removed returns the total number of records removed by the sweep.
func (r SweepResult) Removed() int {
	return r.Stopped + r.Expired + r.CooldownExpired
}

// Manifest is the bounded, ordered set of customers produced by one cycle.
// It replaces any previous manifest.
type Manifest struct {
	GeneratedAt time.Time
	Records     []CustomerRecord
	// Demoted is the number of records moved into cooldown this cycle.
	Demoted int
	// Truncated is the number of never-manifested records dropped this cycle.
	Truncated int
	Sweep     SweepResult
}

// IDs returns the customer identifiers in manifest order.
func (m Manifest) IDs() []string {
	ids := make([]string, len(m.Records))
	for i, r := range m.Records {
		ids[i] = r.ID
	}
	return ids
}

// Len returns the number of records in the manifest.
func (m Manifest) Len() int {
	return len(m.Records)
}

// Counts is a breakdown of the store contents at an instant.
type Counts struct {
	Total    int
	Active   int
	Cooldown int
	Stopped  int
	// Stale records are neither stopped nor in cooldown but past their
	// active time; they go at the next sweep.
	Stale int
}

// HeartbeatData contains information for a heartbeat event.
type HeartbeatData struct {
	Timestamp time.Time
	Uptime    time.Duration
}
