package mqtt

import "sync"

// FakeClient records published messages for test assertions and lets tests
// inject customer events. It is safe for concurrent use.
type FakeClient struct {
	mu sync.Mutex

	manifests        []ManifestMessage
	manifestPayloads [][]byte
	systemEvents     []SystemEvent
	systemPayloads   [][]byte

	publishManifestErr error
	publishSystemErr   error

	events       chan Event
	unsubscribed bool
	closed       bool
	connected    bool
}

// NewFakeClient creates a connected FakeClient for testing.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		events:    make(chan Event, eventBufSize),
		connected: true,
	}
}

// Inject queues ev as if it had arrived from the broker.
func (f *FakeClient) Inject(ev Event) {
	f.events <- ev
}

// Events returns the channel of injected events.
func (f *FakeClient) Events() <-chan Event {
	return f.events
}

// Unsubscribe records the call.
func (f *FakeClient) Unsubscribe() error {
	f.mu.Lock()
	f.unsubscribed = true
	f.mu.Unlock()
	return nil
}

// PublishManifest records the manifest unless an error is injected.
func (f *FakeClient) PublishManifest(msg ManifestMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishManifestErr != nil {
		return f.publishManifestErr
	}
	payload, err := FormatManifestPayload(msg)
	if err != nil {
		return err
	}
	f.manifests = append(f.manifests, msg)
	f.manifestPayloads = append(f.manifestPayloads, payload)
	return nil
}

// PublishSystem records the system event unless an error is injected.
func (f *FakeClient) PublishSystem(event SystemEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.publishSystemErr != nil {
		return f.publishSystemErr
	}
	payload, err := FormatSystemPayload(event)
	if err != nil {
		return err
	}
	f.systemEvents = append(f.systemEvents, event)
	f.systemPayloads = append(f.systemPayloads, payload)
	return nil
}

// Close marks the client as closed.
func (f *FakeClient) Close() error {
	f.mu.Lock()
	f.closed = true
	f.mu.Unlock()
	return nil
}

// IsConnected reports the fake connection state.
func (f *FakeClient) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

// SetConnected changes the fake connection state.
func (f *FakeClient) SetConnected(v bool) {
	f.mu.Lock()
	f.connected = v
	f.mu.Unlock()
}

// SetPublishManifestError makes PublishManifest fail with err (nil clears it).
func (f *FakeClient) SetPublishManifestError(err error) {
	f.mu.Lock()
	f.publishManifestErr = err
	f.mu.Unlock()
}

// SetPublishSystemError makes PublishSystem fail with err (nil clears it).
func (f *FakeClient) SetPublishSystemError(err error) {
	f.mu.Lock()
	f.publishSystemErr = err
	f.mu.Unlock()
}

// Manifests returns a copy of the published manifests.
func (f *FakeClient) Manifests() []ManifestMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ManifestMessage(nil), f.manifests...)
}

// ManifestPayloads returns a copy of the published manifest payloads.
func (f *FakeClient) ManifestPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.manifestPayloads...)
}

// SystemEvents returns a copy of the published system events.
func (f *FakeClient) SystemEvents() []SystemEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]SystemEvent(nil), f.systemEvents...)
}

// SystemPayloads returns a copy of the published system payloads.
func (f *FakeClient) SystemPayloads() [][]byte {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]byte(nil), f.systemPayloads...)
}

// Unsubscribed reports whether Unsubscribe was called.
func (f *FakeClient) Unsubscribed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unsubscribed
}

// Closed reports whether Close was called.
func (f *FakeClient) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// Reset clears recorded messages and injected errors.
func (f *FakeClient) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.manifests = nil
	f.manifestPayloads = nil
	f.systemEvents = nil
	f.systemPayloads = nil
	f.publishManifestErr = nil
	f.publishSystemErr = nil
	f.unsubscribed = false
	f.closed = false
	f.connected = true
}
