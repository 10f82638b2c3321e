package syncer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
)

// SessionState is the lifecycle of a Reactor.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateActive
	StateDraining
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateActive:
		return "active"
	case StateDraining:
		return "draining"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Stats are cumulative per-session counters.
type Stats struct {
	Pushed    uint64 // accepted into the send queue
	Coalesced uint64 // pushes that replaced a queued message
	Rejected  uint64 // pushes refused (state, echo, or not newer)
	Sent      uint64 // messages written to the stream
	Received  uint64 // inbound messages accepted
	Stale     uint64 // inbound messages dropped as stale
}

// Reactor drives one bidirectional stream to a peer. It owns the send queue
// and the per-peer version tables; the Syncer only talks to it through
// PushToSendingQueue and Disconnect.
type Reactor struct {
	local   NodeID
	remote  NodeID
	stream  Stream
	handler SessionHandler
	log     *zap.Logger

	mu       sync.Mutex
	state    SessionState
	queue    *sendQueue
	sent     *VersionTable // what this peer has been given
	received *VersionTable // what this peer has given us
	err      error
	cancel   context.CancelFunc

	// deliverMu is held while a callback into handler is running. Once muted
	// is set no further callbacks are made.
	deliverMu sync.Mutex
	muted     bool

	wake      chan struct{}
	done      chan struct{}
	closeOnce sync.Once

	pushed, coalesced, rejected atomic.Uint64
	sentN, receivedN, stale     atomic.Uint64
}

var _ Session = (*Reactor)(nil)

// NewReactor wraps a handshaken stream. The reactor stays in StateConnecting
// until Start is called.
func NewReactor(local, remote NodeID, stream Stream, handler SessionHandler, log *zap.Logger) *Reactor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Reactor{
		local:    local,
		remote:   remote,
		stream:   stream,
		handler:  handler,
		log:      log.With(zap.String("peer", string(remote))),
		state:    StateConnecting,
		queue:    newSendQueue(),
		sent:     NewVersionTable(),
		received: NewVersionTable(),
		wake:     make(chan struct{}, 1),
		done:     make(chan struct{}),
	}
}

func (r *Reactor) RemoteNodeID() NodeID { return r.remote }

func (r *Reactor) State() SessionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Done is closed once the reactor reaches StateClosed.
func (r *Reactor) Done() <-chan struct{} { return r.done }

// Err returns the reason the session closed; nil after a clean drain.
func (r *Reactor) Err() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *Reactor) QueueLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.queue.len()
}

func (r *Reactor) Stats() Stats {
	return Stats{
		Pushed:    r.pushed.Load(),
		Coalesced: r.coalesced.Load(),
		Rejected:  r.rejected.Load(),
		Sent:      r.sentN.Load(),
		Received:  r.receivedN.Load(),
		Stale:     r.stale.Load(),
	}
}

// Start moves the reactor to StateActive and launches its read and write
// loops. The loops stop when ctx is cancelled or the session closes.
func (r *Reactor) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.state != StateConnecting {
		st := r.state
		r.mu.Unlock()
		return fmt.Errorf("start session %s: state is %s", r.remote, st)
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.state = StateActive
	r.mu.Unlock()

	go r.readLoop(ctx)
	go r.writeLoop(ctx)
	return nil
}

// PushToSendingQueue enqueues msg for this peer. It never blocks. It returns
// false when the session is not active, when msg originated at the peer
// itself, or when the peer was already given this version or a newer one.
// A message still queued for the same key is replaced in place.
func (r *Reactor) PushToSendingQueue(msg *Message) bool {
	if msg == nil {
		r.rejected.Add(1)
		return false
	}
	if msg.NodeID == r.remote {
		r.reject(msg)
		return false
	}

	r.mu.Lock()
	if r.state != StateActive || !r.sent.Observe(msg.Key(), msg.Version) {
		r.mu.Unlock()
		r.reject(msg)
		return false
	}
	coalesced := r.queue.push(msg)
	r.mu.Unlock()

	r.pushed.Add(1)
	if coalesced {
		r.coalesced.Add(1)
		telemetry.SyncCoalesced.Inc()
	}
	r.signal()
	return true
}

// ConsumeSyncMessage handles one inbound message. Stale messages are dropped
// and counted. Accepted messages are recorded as known by the peer, so they
// are never queued back to it, and handed to the handler.
func (r *Reactor) ConsumeSyncMessage(msg *Message) bool {
	if msg == nil {
		return false
	}
	k := msg.Key()

	r.mu.Lock()
	if r.state != StateActive {
		r.mu.Unlock()
		return false
	}
	if !r.received.Observe(k, msg.Version) {
		r.mu.Unlock()
		r.stale.Add(1)
		telemetry.SyncDropped.WithLabelValues(telemetry.DropStale, msg.ComponentID.String()).Inc()
		return false
	}
	r.sent.Raise(k, msg.Version)
	r.mu.Unlock()

	r.receivedN.Add(1)
	telemetry.SyncMessages.WithLabelValues("received", msg.ComponentID.String()).Inc()
	r.deliver(msg)
	return true
}

// Disconnect stops the session. An active session stops accepting pushes and
// flushes what is queued before closing; a session that never started closes
// at once. Disconnect is idempotent. Once it returns the handler receives no
// more OnMessageReceived calls, so it must not be called from inside one.
func (r *Reactor) Disconnect() {
	r.mu.Lock()
	st := r.state
	if st == StateActive {
		r.state = StateDraining
	}
	r.mu.Unlock()

	switch st {
	case StateConnecting:
		r.shutdown(errNotStarted)
	case StateActive:
		r.log.Debug("draining session")
		r.mute()
		r.signal()
	default:
		r.mute()
	}
}

// Close tears the session down immediately, discarding queued messages.
func (r *Reactor) Close() {
	r.shutdown(ErrSessionClosed)
}

func (r *Reactor) reject(msg *Message) {
	r.rejected.Add(1)
	telemetry.SyncDropped.WithLabelValues(telemetry.DropRejected, msg.ComponentID.String()).Inc()
}

func (r *Reactor) signal() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *Reactor) mute() {
	r.deliverMu.Lock()
	r.muted = true
	r.deliverMu.Unlock()
}

func (r *Reactor) deliver(msg *Message) {
	r.deliverMu.Lock()
	defer r.deliverMu.Unlock()
	if r.muted {
		return
	}
	r.handler.OnMessageReceived(msg, r)
}

// next pops the next queued message. ok is false when the queue is empty.
func (r *Reactor) next() (msg *Message, st SessionState, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	msg, ok = r.queue.pop()
	return msg, r.state, ok
}

func (r *Reactor) writeLoop(ctx context.Context) {
	for {
		msg, st, ok := r.next()
		if st == StateClosed {
			return
		}
		if !ok {
			if st == StateDraining {
				r.shutdown(nil)
				return
			}
			select {
			case <-r.wake:
				continue
			case <-ctx.Done():
				r.shutdown(ctx.Err())
				return
			}
		}
		// Send may block on transport backpressure; pushes keep coalescing
		// into the queue meanwhile.
		if err := r.stream.Send(ctx, msg); err != nil {
			r.shutdown(fmt.Errorf("send: %w", err))
			return
		}
		r.sentN.Add(1)
		telemetry.SyncMessages.WithLabelValues("sent", msg.ComponentID.String()).Inc()
	}
}

func (r *Reactor) readLoop(ctx context.Context) {
	for {
		msg, err := r.stream.Recv(ctx)
		if err != nil {
			if r.State() != StateClosed {
				r.shutdown(fmt.Errorf("recv: %w", err))
			}
			return
		}
		r.ConsumeSyncMessage(msg)
	}
}

// shutdown moves the session to StateClosed exactly once, releases the queue
// and tables, closes the stream and tells the handler.
func (r *Reactor) shutdown(reason error) {
	r.closeOnce.Do(func() {
		r.mu.Lock()
		prev := r.state
		r.state = StateClosed
		r.err = reason
		dropped := r.queue.len()
		r.queue.reset()
		r.sent.Reset()
		r.received.Reset()
		cancel := r.cancel
		r.mu.Unlock()

		r.mute()
		if cancel != nil {
			cancel()
		}
		if err := r.stream.Close(); err != nil && !errors.Is(err, ErrStreamClosed) {
			r.log.Debug("close stream", zap.Error(err))
		}
		close(r.done)

		fields := []zap.Field{zap.Stringer("from", prev), zap.Int("dropped", dropped)}
		switch {
		case reason == nil:
			r.log.Info("session closed", fields...)
		case errors.Is(reason, io.EOF), errors.Is(reason, context.Canceled), errors.Is(reason, ErrSessionClosed):
			r.log.Info("session closed", append(fields, zap.Error(reason))...)
		default:
			r.log.Warn("session failed", append(fields, zap.Error(reason))...)
		}
		r.handler.RemoveSession(r)
	})
}
