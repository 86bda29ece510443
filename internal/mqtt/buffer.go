package mqtt

import "log/slog"

// bufferedMsg stores a serialized system event for replay after reconnection.
type bufferedMsg struct {
	topic    string
	payload  []byte
	qos      byte
	retained bool
}

// ringBuffer is a fixed-capacity FIFO that holds system events while the
// broker is unreachable. When full the oldest event is dropped. Not safe for
// concurrent use; RealClient guards it with its mutex.
type ringBuffer struct {
	buf     []bufferedMsg
	head    int // next write position
	count   int
	dropped int // events overwritten since the last drain
}

func newRingBuffer(capacity int) *ringBuffer {
	return &ringBuffer{buf: make([]bufferedMsg, capacity)}
}

func (r *ringBuffer) push(msg bufferedMsg) {
	r.buf[r.head] = msg
	r.head = (r.head + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
		return
	}
	// Full: the write above replaced the oldest entry.
	if r.dropped == 0 {
		slog.Warn("mqtt: system event buffer full, dropping oldest", "capacity", len(r.buf))
	}
	r.dropped++
}

// drainAll returns buffered events oldest first and empties the buffer.
func (r *ringBuffer) drainAll() []bufferedMsg {
	if r.count == 0 {
		return nil
	}

	out := make([]bufferedMsg, r.count)
	start := (r.head - r.count + len(r.buf)) % len(r.buf)
	for i := range out {
		out[i] = r.buf[(start+i)%len(r.buf)]
	}

	if r.dropped > 0 {
		slog.Warn("mqtt: system events lost while disconnected", "dropped", r.dropped)
	}
	r.count, r.head, r.dropped = 0, 0, 0
	return out
}

func (r *ringBuffer) len() int {
	return r.count
}
