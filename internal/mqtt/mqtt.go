// Package mqtt connects the customer engine to an MQTT broker. It decodes
// inbound start/stop events and publishes manifests and system lifecycle
// events, with a fake for testing.
package mqtt

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sweeney/mpi/internal/logic"
)

// Source identifies this service in outbound payloads.
const Source = "mpi"

// UnknownDescription replaces an empty customer description.
const UnknownDescription = "UNKNOWN"

// EventType is the kind of inbound customer event, taken from the last
// level of the topic it arrived on.
type EventType string

const (
	EventStart EventType = "start"
	EventStop  EventType = "stop"
)

var (
	// ErrUnknownEventType is returned for topics that are neither start nor stop.
	ErrUnknownEventType = errors.New("unknown event type")

	// ErrMissingField is returned when a required payload field is empty.
	ErrMissingField = errors.New("missing required field")
)

// Event is a decoded, validated customer event.
type Event struct {
	Type      EventType
	Phone     string
	Info      logic.Info
	Timestamp time.Time
}

// EventPayload is the JSON body of an inbound customer event.
type EventPayload struct {
	Phone       string `json:"phone"`
	IPAddr      string `json:"ip_addr"`
	Region      string `json:"region"`
	GUID        string `json:"guid"`
	Description string `json:"description"`
	Timestamp   string `json:"timestamp"`
}

// DecodeEvent validates an inbound message. The event type is the last
// level of topic. Start events need phone, ip_addr, region, guid and
// timestamp; stop events need only phone and timestamp.
func DecodeEvent(topic string, payload []byte) (Event, error) {
	typ := EventType(strings.ToLower(topic[strings.LastIndex(topic, "/")+1:]))
	if typ != EventStart && typ != EventStop {
		return Event{}, fmt.Errorf("%w: %q", ErrUnknownEventType, typ)
	}

	var p EventPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return Event{}, fmt.Errorf("decode %s payload: %w", typ, err)
	}

	required := map[string]string{"phone": p.Phone, "timestamp": p.Timestamp}
	if typ == EventStart {
		required["ip_addr"] = p.IPAddr
		required["region"] = p.Region
		required["guid"] = p.GUID
	}
	// Report in a fixed order so errors are stable.
	for _, name := range []string{"phone", "ip_addr", "region", "guid", "timestamp"} {
		if v, ok := required[name]; ok && strings.TrimSpace(v) == "" {
			return Event{}, fmt.Errorf("%s event: %w: %s", typ, ErrMissingField, name)
		}
	}

	ts, err := time.Parse(time.RFC3339, p.Timestamp)
	if err != nil {
		return Event{}, fmt.Errorf("%s event: bad timestamp %q: %w", typ, p.Timestamp, err)
	}

	desc := p.Description
	if desc == "" {
		desc = UnknownDescription
	}

	return Event{
		Type:  typ,
		Phone: p.Phone,
		Info: logic.Info{
			IPAddr:      p.IPAddr,
			Region:      p.Region,
			GUID:        p.GUID,
			Description: desc,
		},
		Timestamp: ts,
	}, nil
}

// Publisher publishes manifests and system events.
type Publisher interface {
	// PublishManifest sends one manifest. A failure is reported, never retried.
	PublishManifest(msg ManifestMessage) error

	// PublishSystem sends a system lifecycle event to the broker.
	PublishSystem(event SystemEvent) error

	// Close disconnects from the broker.
	Close() error
}

// Subscriber delivers decoded customer events.
type Subscriber interface {
	// Events returns the channel of decoded events. It is never closed.
	Events() <-chan Event

	// Unsubscribe stops delivery of new events.
	Unsubscribe() error
}

// ConnectionStatus reports whether the MQTT connection is active.
type ConnectionStatus interface {
	IsConnected() bool
}

// ManifestMessage is one manifest ready for publishing.
type ManifestMessage struct {
	ID          string
	PublishedAt time.Time
	Customers   []logic.CustomerRecord
}

// NewManifestMessage wraps a built manifest with a fresh id so consumers can
// detect gaps and duplicates.
func NewManifestMessage(m logic.Manifest) ManifestMessage {
	return ManifestMessage{
		ID:          uuid.NewString(),
		PublishedAt: m.GeneratedAt,
		Customers:   m.Records,
	}
}

// Phones returns the customer ids in manifest order.
func (m ManifestMessage) Phones() []string {
	out := make([]string, len(m.Customers))
	for i, c := range m.Customers {
		out[i] = c.ID
	}
	return out
}

// ManifestPayload is the JSON envelope for a published manifest.
type ManifestPayload struct {
	Manifest ManifestInner `json:"manifest"`
}

// ManifestInner contains the manifest details.
type ManifestInner struct {
	ID          string            `json:"id"`
	Source      string            `json:"source"`
	PublishedAt string            `json:"published_at"`
	Records     int               `json:"records"`
	Customers   []CustomerPayload `json:"customers"`
}

// CustomerPayload is one customer entry in a manifest.
type CustomerPayload struct {
	Phone       string `json:"phone"`
	IPAddr      string `json:"ip_addr"`
	Region      string `json:"region"`
	GUID        string `json:"guid"`
	Description string `json:"description"`
	StartedAt   string `json:"started_at"`
}

// FormatManifestPayload creates the JSON payload for a manifest. An empty
// manifest has an empty customers array, not null.
func FormatManifestPayload(msg ManifestMessage) ([]byte, error) {
	customers := make([]CustomerPayload, 0, len(msg.Customers))
	for _, c := range msg.Customers {
		customers = append(customers, CustomerPayload{
			Phone:       c.ID,
			IPAddr:      c.Info.IPAddr,
			Region:      c.Info.Region,
			GUID:        c.Info.GUID,
			Description: c.Info.Description,
			StartedAt:   c.StartedAt.UTC().Format(time.RFC3339),
		})
	}
	return json.Marshal(ManifestPayload{
		Manifest: ManifestInner{
			ID:          msg.ID,
			Source:      Source,
			PublishedAt: msg.PublishedAt.UTC().Format(time.RFC3339),
			Records:     len(customers),
			Customers:   customers,
		},
	})
}

// System event names.
const (
	SystemStartup     = "STARTUP"
	SystemShutdown    = "SHUTDOWN"
	SystemHeartbeat   = "HEARTBEAT"
	SystemReconnected = "RECONNECTED"
)

// SystemEvent represents a system lifecycle event (e.g., startup, shutdown, heartbeat).
type SystemEvent struct {
	Timestamp  time.Time
	Event      string // e.g., "STARTUP", "SHUTDOWN", "HEARTBEAT"
	Reason     string // e.g., "SIGTERM", "SIGINT" (shutdown only)
	RawPayload []byte // Pre-formatted JSON payload; if set, FormatSystemPayload returns it directly
	Retained   bool   // Whether the message should be retained by the broker
}

// SystemPayload represents the MQTT message payload for system events.
// Used for simple events (LWT, RECONNECTED) that don't carry a full status snapshot.
type SystemPayload struct {
	System SystemPayloadInner `json:"system"`
}

// SystemPayloadInner contains the system event details.
type SystemPayloadInner struct {
	Timestamp string `json:"timestamp"`
	Event     string `json:"event"`
	Reason    string `json:"reason,omitempty"`
}

// FormatSystemPayload creates the JSON payload for a system event.
// If event.RawPayload is set, it is returned directly (used for full status snapshots).
func FormatSystemPayload(event SystemEvent) ([]byte, error) {
	if event.RawPayload != nil {
		return event.RawPayload, nil
	}

	payload := SystemPayload{
		System: SystemPayloadInner{
			Timestamp: event.Timestamp.UTC().Format(time.RFC3339),
			Event:     event.Event,
			Reason:    event.Reason,
		},
	}
	return json.Marshal(payload)
}
