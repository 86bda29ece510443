// Package status provides a thread-safe status tracker for the mpi daemon.
// It is read by HTTP handlers, the metrics endpoint and system events.
package status

import (
	"sync"
	"time"

	"github.com/sweeney/mpi/internal/logic"
)

// Config contains daemon configuration for display.
type Config struct {
	ActiveTime    time.Duration
	CooldownTime  time.Duration
	RefreshTime   time.Duration
	SweepTime     time.Duration
	HeartbeatTime time.Duration
	ManifestSize  int
	Broker        string
	EventTopic    string
	ManifestTopic string
	HTTPAddr      string
}

// Counters are monotonic totals since startup.
type Counters struct {
	Starts        int
	Stops         int
	UnknownStops  int // stops for ids not in the store
	Rejected      int // events that failed to decode
	Manifests     int // manifests successfully published
	PublishErrors int
	Demoted       int
	Truncated     int
	Expired       int // removed by active-time or cooldown expiry
}

// LastManifest describes the most recently built manifest.
type LastManifest struct {
	ID     string
	At     time.Time
	Phones []string
	Err    string // publish error, empty on success
}

// Snapshot is a point-in-time view of daemon state.
// It is a value type and safe to use after the lock is released.
type Snapshot struct {
	StartTime     time.Time
	Now           time.Time
	MQTTConnected bool
	Config        Config
	Counters      Counters
	Store         logic.Counts
	Last          *LastManifest
}

// Uptime returns the duration since the daemon started.
func (s Snapshot) Uptime() time.Duration {
	return s.Now.Sub(s.StartTime)
}

// Tracker holds mutable daemon state behind an RWMutex.
type Tracker struct {
	mu   sync.RWMutex
	snap Snapshot
}

// NewTracker creates a Tracker with the given start time and config.
func NewTracker(startTime time.Time, cfg Config) *Tracker {
	return &Tracker{
		snap: Snapshot{
			StartTime: startTime,
			Config:    cfg,
		},
	}
}

// SetConfig replaces the displayed config after a reload.
func (t *Tracker) SetConfig(cfg Config) {
	t.mu.Lock()
	t.snap.Config = cfg
	t.mu.Unlock()
}

// RecordStart counts an applied start event.
func (t *Tracker) RecordStart() {
	t.mu.Lock()
	t.snap.Counters.Starts++
	t.mu.Unlock()
}

// RecordStop counts an applied stop event. found is false when the id was
// not in the store.
func (t *Tracker) RecordStop(found bool) {
	t.mu.Lock()
	t.snap.Counters.Stops++
	if !found {
		t.snap.Counters.UnknownStops++
	}
	t.mu.Unlock()
}

// RecordRejected counts an inbound event that failed validation.
// Safe to call from the MQTT callback goroutine.
func (t *Tracker) RecordRejected() {
	t.mu.Lock()
	t.snap.Counters.Rejected++
	t.mu.Unlock()
}

// RecordSweep adds the expiry removals from a sweep.
func (t *Tracker) RecordSweep(res logic.SweepResult) {
	t.mu.Lock()
	t.snap.Counters.Expired += res.Expired + res.CooldownExpired
	t.mu.Unlock()
}

// RecordManifest stores the outcome of one manifest cycle. publishErr is the
// error from the publish adapter, if any.
func (t *Tracker) RecordManifest(id string, m logic.Manifest, publishErr error) {
	last := &LastManifest{ID: id, At: m.GeneratedAt, Phones: m.IDs()}

	t.mu.Lock()
	defer t.mu.Unlock()
	c := &t.snap.Counters
	c.Demoted += m.Demoted
	c.Truncated += m.Truncated
	c.Expired += m.Sweep.Expired + m.Sweep.CooldownExpired
	if publishErr != nil {
		c.PublishErrors++
		last.Err = publishErr.Error()
	} else {
		c.Manifests++
	}
	t.snap.Last = last
}

// SetStoreCounts updates the store gauges.
func (t *Tracker) SetStoreCounts(c logic.Counts) {
	t.mu.Lock()
	t.snap.Store = c
	t.mu.Unlock()
}

// SetMQTTConnected sets the MQTT connection status.
func (t *Tracker) SetMQTTConnected(connected bool) {
	t.mu.Lock()
	t.snap.MQTTConnected = connected
	t.mu.Unlock()
}

// Snapshot returns a point-in-time copy of the daemon state.
// The Now field is set to the current time at the moment of the call.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	s := t.snap
	if s.Last != nil {
		last := *s.Last
		last.Phones = append([]string(nil), s.Last.Phones...)
		s.Last = &last
	}
	t.mu.RUnlock()
	s.Now = time.Now()
	return s
}
