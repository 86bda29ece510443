package status

import (
	"encoding/json"
	"time"
)

// StatusJSON is the top-level JSON envelope for status output.
type StatusJSON struct {
	Status StatusInner `json:"status"`
}

// StatusInner contains the status details.
type StatusInner struct {
	Event         string        `json:"event,omitempty"`
	Reason        string        `json:"reason,omitempty"`
	UptimeSeconds int64         `json:"uptime_seconds"`
	StartTime     string        `json:"start_time"`
	Timestamp     string        `json:"timestamp"`
	MQTT          MQTTStatus    `json:"mqtt"`
	Store         StoreJSON     `json:"store"`
	Counters      CountersJSON  `json:"counters"`
	Manifest      *ManifestJSON `json:"last_manifest,omitempty"`
	Config        ConfigJSON    `json:"config"`
}

// MQTTStatus reports MQTT connection state.
type MQTTStatus struct {
	Connected bool   `json:"connected"`
	Broker    string `json:"broker"`
}

// StoreJSON is the JSON representation of the store gauges.
type StoreJSON struct {
	Total    int `json:"total"`
	Active   int `json:"active"`
	Cooldown int `json:"cooldown"`
	Stopped  int `json:"stopped"`
	Stale    int `json:"stale"`
}

// CountersJSON is the JSON representation of the event and manifest totals.
type CountersJSON struct {
	Starts        int `json:"starts"`
	Stops         int `json:"stops"`
	UnknownStops  int `json:"unknown_stops"`
	Rejected      int `json:"rejected"`
	Manifests     int `json:"manifests"`
	PublishErrors int `json:"publish_errors"`
	Demoted       int `json:"demoted"`
	Truncated     int `json:"truncated"`
	Expired       int `json:"expired"`
}

// ManifestJSON describes the last manifest.
type ManifestJSON struct {
	ID      string   `json:"id"`
	At      string   `json:"at"`
	Records int      `json:"records"`
	Phones  []string `json:"phones"`
	Error   string   `json:"error,omitempty"`
}

// ConfigJSON is the JSON representation of daemon config.
type ConfigJSON struct {
	ActiveTime    int64  `json:"active_time"`
	ManifestSize  int    `json:"manifest_size"`
	CooldownTime  int64  `json:"cooldown_time"`
	RefreshTime   int64  `json:"refresh_time"`
	SweepTime     int64  `json:"sweep_time"`
	HeartbeatTime int64  `json:"heartbeat_time"`
	Broker        string `json:"broker"`
	EventTopic    string `json:"event_topic"`
	ManifestTopic string `json:"manifest_topic"`
	HTTPAddr      string `json:"http_addr,omitempty"`
}

func secs(d time.Duration) int64 {
	return int64(d / time.Second)
}

func buildInner(snap Snapshot) StatusInner {
	inner := StatusInner{
		UptimeSeconds: int64(snap.Uptime().Truncate(time.Second).Seconds()),
		StartTime:     snap.StartTime.UTC().Format(time.RFC3339),
		Timestamp:     snap.Now.UTC().Format(time.RFC3339),
		MQTT:          MQTTStatus{Connected: snap.MQTTConnected, Broker: snap.Config.Broker},
		Store: StoreJSON{
			Total:    snap.Store.Total,
			Active:   snap.Store.Active,
			Cooldown: snap.Store.Cooldown,
			Stopped:  snap.Store.Stopped,
			Stale:    snap.Store.Stale,
		},
		Counters: CountersJSON(snap.Counters),
		Config: ConfigJSON{
			ActiveTime:    secs(snap.Config.ActiveTime),
			ManifestSize:  snap.Config.ManifestSize,
			CooldownTime:  secs(snap.Config.CooldownTime),
			RefreshTime:   secs(snap.Config.RefreshTime),
			SweepTime:     secs(snap.Config.SweepTime),
			HeartbeatTime: secs(snap.Config.HeartbeatTime),
			Broker:        snap.Config.Broker,
			EventTopic:    snap.Config.EventTopic,
			ManifestTopic: snap.Config.ManifestTopic,
			HTTPAddr:      snap.Config.HTTPAddr,
		},
	}
	if last := snap.Last; last != nil {
		phones := last.Phones
		if phones == nil {
			phones = []string{}
		}
		inner.Manifest = &ManifestJSON{
			ID:      last.ID,
			At:      last.At.UTC().Format(time.RFC3339),
			Records: len(phones),
			Phones:  phones,
			Error:   last.Err,
		}
	}
	return inner
}

// FormatJSON returns the JSON status for the web endpoint (no event/reason).
func FormatJSON(snap Snapshot) []byte {
	data, _ := json.MarshalIndent(StatusJSON{Status: buildInner(snap)}, "", "  ")
	return data
}

// FormatStatusEvent returns the JSON status for an MQTT system event.
func FormatStatusEvent(snap Snapshot, event, reason string) []byte {
	inner := buildInner(snap)
	inner.Event = event
	inner.Reason = reason

	data, _ := json.Marshal(StatusJSON{Status: inner})
	return data
}
