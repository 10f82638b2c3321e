package syncer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/internal/telemetry"
)

// Syncer is the node-level orchestrator. It owns the sessions, the
// authoritative version table and the reporter/receiver registries, and is the
// only caller of reporter and receiver bodies.
type Syncer struct {
	local NodeID
	log   *zap.Logger

	mu        sync.Mutex
	sessions  map[NodeID]Session
	reporters [NumComponents]Reporter
	receivers [NumComponents]Receiver

	// stateMu serialises check, record and apply so a receiver never sees
	// an older version of a key after a newer one.
	stateMu  sync.Mutex
	versions *VersionTable
	latest   map[Key]*Message
}

var _ SessionHandler = (*Syncer)(nil)

type Option func(*Syncer)

func WithLogger(l *zap.Logger) Option {
	return func(s *Syncer) {
		if l != nil {
			s.log = l
		}
	}
}

func New(local NodeID, opts ...Option) *Syncer {
	s := &Syncer{
		local:    local,
		log:      zap.NewNop(),
		sessions: make(map[NodeID]Session),
		versions: NewVersionTable(),
		latest:   make(map[Key]*Message),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.With(zap.String("node", string(local)))
	return s
}

func (s *Syncer) LocalNodeID() NodeID { return s.local }

// IsLocal reports whether id is this node. Local keys are only ever produced
// by polling reporters, never accepted from a stream.
func (s *Syncer) IsLocal(id NodeID) bool { return id == s.local }

// Register installs the reporter and receiver for a component. Either may be
// nil. A component without a receiver drops remote state for it.
func (s *Syncer) Register(c ComponentID, rep Reporter, recv Receiver) error {
	if !c.Valid() {
		return fmt.Errorf("register %s: unknown component", c)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reporters[c] = rep
	s.receivers[c] = recv
	return nil
}

// Tick polls every reporter once and fans new local state out to all
// sessions. It returns the number of messages queued.
func (s *Syncer) Tick() int {
	start := time.Now()
	defer func() { telemetry.SyncTickDuration.Observe(time.Since(start).Seconds()) }()

	queued := 0
	for c := ComponentID(0); c < NumComponents; c++ {
		queued += s.broadcast(c)
	}
	return queued
}

// Broadcast polls a single component's reporter outside the regular tick.
func (s *Syncer) Broadcast(c ComponentID) int {
	if !c.Valid() {
		return 0
	}
	return s.broadcast(c)
}

func (s *Syncer) broadcast(c ComponentID) int {
	s.mu.Lock()
	rep := s.reporters[c]
	s.mu.Unlock()
	if rep == nil {
		return 0
	}

	k := Key{NodeID: s.local, ComponentID: c}
	s.stateMu.Lock()
	current, _ := s.versions.Get(k)
	s.stateMu.Unlock()

	msg := rep.CreateSyncMessage(current, Update)
	if msg == nil {
		return 0
	}
	if msg.NodeID != s.local || msg.ComponentID != c {
		s.log.Warn("reporter produced a foreign message",
			zap.Stringer("component", c), zap.Stringer("msg", msg))
		telemetry.SyncDropped.WithLabelValues(telemetry.DropInvalid, c.String()).Inc()
		return 0
	}

	s.stateMu.Lock()
	if !s.versions.Observe(k, msg.Version) {
		s.stateMu.Unlock()
		s.log.Debug("reporter version not newer",
			zap.Stringer("component", c), zap.Int64("version", msg.Version), zap.Int64("current", current))
		telemetry.SyncDropped.WithLabelValues(telemetry.DropStale, c.String()).Inc()
		return 0
	}
	s.latest[k] = msg
	s.stateMu.Unlock()

	return s.fanOut(msg, nil)
}

// OnMessageReceived applies a message accepted by one of the sessions and
// relays it to every other session.
//
// Receivers are called with the state lock held and must not call back into
// the Syncer.
func (s *Syncer) OnMessageReceived(msg *Message, from Session) {
	comp := msg.ComponentID.String()
	if s.IsLocal(msg.NodeID) {
		telemetry.SyncDropped.WithLabelValues(telemetry.DropOwnOrigin, comp).Inc()
		return
	}
	if !msg.ComponentID.Valid() {
		s.log.Debug("dropping message for unknown component", zap.Stringer("msg", msg))
		telemetry.SyncDropped.WithLabelValues(telemetry.DropUnknownComponent, comp).Inc()
		return
	}

	s.mu.Lock()
	recv := s.receivers[msg.ComponentID]
	s.mu.Unlock()
	if recv == nil {
		s.log.Debug("no receiver registered", zap.Stringer("msg", msg))
		telemetry.SyncDropped.WithLabelValues(telemetry.DropUnknownComponent, comp).Inc()
		return
	}

	k := msg.Key()
	s.stateMu.Lock()
	if !s.versions.Observe(k, msg.Version) {
		s.stateMu.Unlock()
		telemetry.SyncDropped.WithLabelValues(telemetry.DropStale, comp).Inc()
		return
	}
	s.latest[k] = msg
	recv.ConsumeSyncMessage(msg)
	s.stateMu.Unlock()

	if n := s.fanOut(msg, from); n > 0 {
		telemetry.SyncRelayed.WithLabelValues(comp).Add(float64(n))
	}
}

// fanOut pushes msg to every registered session except skip. Rejections are
// expected (peers mid-teardown, peers that already have the version).
func (s *Syncer) fanOut(msg *Message, skip Session) int {
	targets := s.snapshotSessions()
	queued := 0
	for _, sess := range targets {
		if sess == skip {
			continue
		}
		if sess.PushToSendingQueue(msg) {
			queued++
		}
	}
	return queued
}

func (s *Syncer) snapshotSessions() []Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	return out
}

// AddSession registers sess, replacing any older session to the same peer,
// and replays the current view to it as snapshots.
func (s *Syncer) AddSession(sess Session) {
	id := sess.RemoteNodeID()

	s.mu.Lock()
	old := s.sessions[id]
	s.sessions[id] = sess
	n := len(s.sessions)
	s.mu.Unlock()

	telemetry.SyncSessions.Set(float64(n))
	if old != nil && old != sess {
		s.log.Info("replacing session", zap.String("peer", string(id)))
		old.Disconnect()
	}

	replayed := 0
	for _, msg := range s.View() {
		if sess.PushToSendingQueue(msg.AsSnapshot()) {
			replayed++
		}
	}
	s.log.Info("session added", zap.String("peer", string(id)), zap.Int("replayed", replayed))
}

// RemoveSession unregisters sess and disconnects it. It is idempotent and
// safe to call while a relay is iterating the sessions.
func (s *Syncer) RemoveSession(sess Session) {
	id := sess.RemoteNodeID()

	s.mu.Lock()
	cur, ok := s.sessions[id]
	removed := ok && cur == sess
	if removed {
		delete(s.sessions, id)
	}
	n := len(s.sessions)
	s.mu.Unlock()

	if removed {
		telemetry.SyncSessions.Set(float64(n))
		s.log.Info("session removed", zap.String("peer", string(id)))
	}
	sess.Disconnect()
}

// Connect wraps a handshaken stream to remote in a Reactor, starts it and
// registers it.
func (s *Syncer) Connect(ctx context.Context, remote NodeID, stream Stream) (*Reactor, error) {
	if remote == "" {
		return nil, errors.New("connect: empty remote node id")
	}
	if s.IsLocal(remote) {
		return nil, fmt.Errorf("connect: refusing session to self (%s)", remote)
	}
	r := NewReactor(s.local, remote, stream, s, s.log)
	if err := r.Start(ctx); err != nil {
		return nil, fmt.Errorf("connect %s: %w", remote, err)
	}
	s.AddSession(r)

	// The stream may have failed before registration finished.
	select {
	case <-r.Done():
		s.RemoveSession(r)
	default:
	}
	return r, nil
}

// Disconnect drains and removes the session to id, if any.
func (s *Syncer) Disconnect(id NodeID) bool {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if !ok {
		return false
	}
	s.RemoveSession(sess)
	return true
}

// Forget drops everything known about a remote node: its versions and the
// latest messages that are replayed to new sessions. A later message from
// the node is accepted as new. Forgetting the local node is a no-op.
func (s *Syncer) Forget(id NodeID) int {
	if s.IsLocal(id) {
		return 0
	}
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	n := 0
	for c := ComponentID(0); c < NumComponents; c++ {
		k := Key{NodeID: id, ComponentID: c}
		if _, ok := s.versions.Get(k); ok {
			s.versions.Delete(k)
			n++
		}
		delete(s.latest, k)
	}
	return n
}

// Sessions returns the remote ids of all registered sessions, sorted.
func (s *Syncer) Sessions() []NodeID {
	s.mu.Lock()
	out := make([]NodeID, 0, len(s.sessions))
	for id := range s.sessions {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Versions returns a copy of the authoritative version table.
func (s *Syncer) Versions() map[Key]int64 {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.versions.Snapshot()
}

// View returns the latest known message per key, ordered by node then
// component.
func (s *Syncer) View() []*Message {
	s.stateMu.Lock()
	out := make([]*Message, 0, len(s.latest))
	for _, msg := range s.latest {
		out = append(out, msg)
	}
	s.stateMu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].ComponentID < out[j].ComponentID
	})
	return out
}

// Run calls Tick every interval until ctx is done.
func (s *Syncer) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("run: tick interval must be positive, got %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			s.Tick()
		}
	}
}

// Stop disconnects every session.
func (s *Syncer) Stop() {
	for _, sess := range s.snapshotSessions() {
		s.RemoveSession(sess)
	}
}
