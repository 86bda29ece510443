package mqtt

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
)

// doneToken is an already-completed paho token.
type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type published struct {
	topic    string
	qos      byte
	retained bool
	payload  []byte
}

// stubClient implements the parts of paho.Client the RealClient uses.
type stubClient struct {
	paho.Client

	mu         sync.Mutex
	open       bool
	publishErr error
	published  []published
	subscribed map[string]paho.MessageHandler
	unsubbed   []string
}

func newStubClient(open bool) *stubClient {
	return &stubClient{open: open, subscribed: make(map[string]paho.MessageHandler)}
}

func (s *stubClient) IsConnectionOpen() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.open
}

func (s *stubClient) setOpen(v bool) {
	s.mu.Lock()
	s.open = v
	s.mu.Unlock()
}

func (s *stubClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return doneToken{err: s.publishErr}
	}
	s.published = append(s.published, published{topic, qos, retained, payload.([]byte)})
	return doneToken{}
}

func (s *stubClient) Subscribe(topic string, qos byte, cb paho.MessageHandler) paho.Token {
	s.mu.Lock()
	s.subscribed[topic] = cb
	s.mu.Unlock()
	return doneToken{}
}

func (s *stubClient) Unsubscribe(topics ...string) paho.Token {
	s.mu.Lock()
	s.unsubbed = append(s.unsubbed, topics...)
	s.mu.Unlock()
	return doneToken{}
}

func (s *stubClient) Disconnect(uint) {}

type stubMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m stubMessage) Topic() string   { return m.topic }
func (m stubMessage) Payload() []byte { return m.payload }

func testOptions() Options {
	return Options{
		EventTopic:    "mpi/customer/+",
		ManifestTopic: "mpi/manifest",
		SystemTopic:   "mpi/system",
		QoS:           1,
	}
}

func systemEventName(t *testing.T, payload []byte) string {
	t.Helper()
	var p SystemPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		t.Fatalf("invalid system payload: %v", err)
	}
	return p.System.Event
}

func TestRealClientPublishManifest(t *testing.T) {
	stub := newStubClient(true)
	c := newRealClient(stub, testOptions())

	if err := c.PublishManifest(NewManifestMessage(testManifest())); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.published) != 1 {
		t.Fatalf("expected 1 publish, got %d", len(stub.published))
	}
	p := stub.published[0]
	if p.topic != "mpi/manifest" || p.qos != 1 || p.retained {
		t.Errorf("unexpected publish: topic=%s qos=%d retained=%v", p.topic, p.qos, p.retained)
	}
}

func TestRealClientManifestNotBufferedWhenDisconnected(t *testing.T) {
	stub := newStubClient(false)
	c := newRealClient(stub, testOptions())

	err := c.PublishManifest(NewManifestMessage(testManifest()))
	if !errors.Is(err, ErrNotConnected) {
		t.Errorf("got %v, want ErrNotConnected", err)
	}
	if c.Buffered() != 0 {
		t.Errorf("manifest was buffered: %d", c.Buffered())
	}
}

func TestRealClientPublishError(t *testing.T) {
	stub := newStubClient(true)
	stub.publishErr = errors.New("not authorised")
	c := newRealClient(stub, testOptions())

	if err := c.PublishManifest(NewManifestMessage(testManifest())); err == nil {
		t.Error("expected error")
	}
}

func TestRealClientBuffersSystemEventsUntilConnect(t *testing.T) {
	stub := newStubClient(false)
	c := newRealClient(stub, testOptions())

	ts := time.Date(2026, 2, 3, 1, 0, 0, 0, time.UTC)
	for _, name := range []string{SystemStartup, SystemHeartbeat} {
		if err := c.PublishSystem(SystemEvent{Timestamp: ts, Event: name, Retained: name == SystemStartup}); err != nil {
			t.Fatalf("buffered publish returned error: %v", err)
		}
	}
	if c.Buffered() != 2 {
		t.Fatalf("Buffered: got %d, want 2", c.Buffered())
	}
	if len(stub.published) != 0 {
		t.Fatalf("published while disconnected: %d", len(stub.published))
	}

	stub.setOpen(true)
	c.onConnect(stub)

	if _, ok := stub.subscribed["mpi/customer/+"]; !ok {
		t.Error("event topic not subscribed on connect")
	}
	if c.Buffered() != 0 {
		t.Errorf("buffer not drained: %d", c.Buffered())
	}
	// First connect replays in order and does not announce a reconnect.
	if len(stub.published) != 2 {
		t.Fatalf("expected 2 replayed events, got %d", len(stub.published))
	}
	if got := systemEventName(t, stub.published[0].payload); got != SystemStartup {
		t.Errorf("first replay: got %s, want STARTUP", got)
	}
	if !stub.published[0].retained {
		t.Error("retained flag lost in replay")
	}
	if got := systemEventName(t, stub.published[1].payload); got != SystemHeartbeat {
		t.Errorf("second replay: got %s, want HEARTBEAT", got)
	}
}

func TestRealClientAnnouncesReconnect(t *testing.T) {
	stub := newStubClient(true)
	c := newRealClient(stub, testOptions())

	c.onConnect(stub)
	if len(stub.published) != 0 {
		t.Fatalf("first connect published %d events", len(stub.published))
	}

	c.onConnect(stub)
	if len(stub.published) != 1 {
		t.Fatalf("expected RECONNECTED, got %d publishes", len(stub.published))
	}
	if got := systemEventName(t, stub.published[0].payload); got != SystemReconnected {
		t.Errorf("got %s, want RECONNECTED", got)
	}
	if stub.published[0].topic != "mpi/system" {
		t.Errorf("topic: got %s", stub.published[0].topic)
	}
}

func TestRealClientDeliversDecodedEvents(t *testing.T) {
	stub := newStubClient(true)
	var rejected []string
	opts := testOptions()
	opts.OnReject = func(topic string, err error) { rejected = append(rejected, topic) }
	c := newRealClient(stub, opts)
	c.onConnect(stub)

	handler := stub.subscribed["mpi/customer/+"]
	handler(stub, stubMessage{topic: "mpi/customer/start", payload: []byte(startBody)})
	handler(stub, stubMessage{topic: "mpi/customer/pause", payload: []byte(startBody)})
	handler(stub, stubMessage{topic: "mpi/customer/stop", payload: []byte(`{}`)})

	select {
	case ev := <-c.Events():
		if ev.Type != EventStart || ev.Phone != "07700900001" {
			t.Errorf("unexpected event: %+v", ev)
		}
	default:
		t.Fatal("decoded event not delivered")
	}
	select {
	case ev := <-c.Events():
		t.Errorf("rejected message delivered: %+v", ev)
	default:
	}
	if len(rejected) != 2 {
		t.Errorf("rejected: got %v, want 2 topics", rejected)
	}
}

func TestRealClientCloseUnblocksHandler(t *testing.T) {
	stub := newStubClient(true)
	c := newRealClient(stub, testOptions())
	for i := 0; i < eventBufSize; i++ {
		c.handleMessage("mpi/customer/start", []byte(startBody))
	}

	done := make(chan struct{})
	go func() {
		c.handleMessage("mpi/customer/start", []byte(startBody))
		close(done)
	}()

	c.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked after Close")
	}
}

func TestRealClientClampsFutureTimestamps(t *testing.T) {
	received := time.Date(2026, 2, 2, 22, 18, 0, 0, time.UTC)
	tests := []struct {
		name string
		ts   string
		want time.Time
	}{
		{"past kept", "2026-02-02T22:17:00Z", time.Date(2026, 2, 2, 22, 17, 0, 0, time.UTC)},
		{"receipt time kept", "2026-02-02T22:18:00Z", received},
		{"future clamped", "2026-02-03T09:00:00Z", received},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newRealClient(newStubClient(true), testOptions())
			c.now = func() time.Time { return received }

			body := `{"phone":"07700900001","ip_addr":"10.0.0.1","region":"north","guid":"g-1","timestamp":"` + tt.ts + `"}`
			c.handleMessage("mpi/customer/start", []byte(body))

			ev := <-c.Events()
			if !ev.Timestamp.Equal(tt.want) {
				t.Errorf("Timestamp: got %v, want %v", ev.Timestamp, tt.want)
			}
		})
	}
}

func TestRealClientCountsFullQueue(t *testing.T) {
	c := newRealClient(newStubClient(true), testOptions())
	for i := 0; i < eventBufSize; i++ {
		c.handleMessage("mpi/customer/start", []byte(startBody))
	}
	if c.Stalls() != 0 {
		t.Fatalf("Stalls: got %d before the queue was full", c.Stalls())
	}

	done := make(chan struct{})
	go func() {
		c.handleMessage("mpi/customer/start", []byte(startBody))
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for c.Stalls() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("full queue was not recorded")
		}
		time.Sleep(time.Millisecond)
	}

	// Freeing one slot lets the blocked delivery through.
	<-c.Events()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler still blocked after a slot was freed")
	}
	if got := len(c.Events()); got != eventBufSize {
		t.Errorf("queued: got %d, want %d", got, eventBufSize)
	}
}

func TestRealClientUnsubscribe(t *testing.T) {
	stub := newStubClient(true)
	c := newRealClient(stub, testOptions())
	if err := c.Unsubscribe(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(stub.unsubbed) != 1 || stub.unsubbed[0] != "mpi/customer/+" {
		t.Errorf("unsubscribed: got %v", stub.unsubbed)
	}

	stub.setOpen(false)
	if err := c.Unsubscribe(); err != nil {
		t.Errorf("Unsubscribe while disconnected: %v", err)
	}
}
