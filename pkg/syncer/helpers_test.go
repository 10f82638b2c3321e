package syncer

import (
	"context"
	"errors"
	"sync"
)

// fakeStream is an in-memory Stream. Messages the reactor sends appear on
// out; messages pushed to in are returned by Recv.
type fakeStream struct {
	in     chan *Message
	out    chan *Message
	broken chan struct{}
	closed chan struct{}

	breakOnce, closeOnce sync.Once
}

var errConnReset = errors.New("connection reset by peer")

func newFakeStream(outBuf int) *fakeStream {
	return &fakeStream{
		in:     make(chan *Message, 16),
		out:    make(chan *Message, outBuf),
		broken: make(chan struct{}),
		closed: make(chan struct{}),
	}
}

func (s *fakeStream) Send(ctx context.Context, msg *Message) error {
	select {
	case s.out <- msg:
		return nil
	case <-s.broken:
		return errConnReset
	case <-s.closed:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *fakeStream) Recv(ctx context.Context) (*Message, error) {
	select {
	case msg := <-s.in:
		return msg, nil
	case <-s.broken:
		return nil, errConnReset
	case <-s.closed:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Close() error {
	s.closeOnce.Do(func() { close(s.closed) })
	return nil
}

// fail simulates a transport error on both directions.
func (s *fakeStream) fail() {
	s.breakOnce.Do(func() { close(s.broken) })
}

func (s *fakeStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

type recordingHandler struct {
	mu       sync.Mutex
	received []*Message
	removed  []Session
}

func (h *recordingHandler) OnMessageReceived(msg *Message, _ Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.received = append(h.received, msg)
}

func (h *recordingHandler) RemoveSession(s Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removed = append(h.removed, s)
}

func (h *recordingHandler) receivedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.received)
}

func (h *recordingHandler) removedCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.removed)
}

// mockSession records what the Syncer pushes to it.
type mockSession struct {
	id     NodeID
	reject bool

	mu           sync.Mutex
	pushed       []*Message
	disconnected int
}

func newMockSession(id NodeID) *mockSession {
	return &mockSession{id: id}
}

func (m *mockSession) RemoteNodeID() NodeID { return m.id }

func (m *mockSession) PushToSendingQueue(msg *Message) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.reject {
		return false
	}
	m.pushed = append(m.pushed, msg)
	return true
}

func (m *mockSession) Disconnect() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.disconnected++
}

func (m *mockSession) pushes() []*Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*Message(nil), m.pushed...)
}

func (m *mockSession) disconnects() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.disconnected
}

// scriptedReporter returns its script one entry per call, then nil.
type scriptedReporter struct {
	mu     sync.Mutex
	script []*Message
	calls  []int64
}

func (r *scriptedReporter) CreateSyncMessage(current int64, _ MessageType) *Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, current)
	if len(r.script) == 0 {
		return nil
	}
	msg := r.script[0]
	r.script = r.script[1:]
	return msg
}

type collectingReceiver struct {
	mu   sync.Mutex
	msgs []*Message
}

func (c *collectingReceiver) ConsumeSyncMessage(msg *Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.msgs = append(c.msgs, msg)
}

func (c *collectingReceiver) all() []*Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]*Message(nil), c.msgs...)
}
