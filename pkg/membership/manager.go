// Package membership turns discovery snapshots into sync sessions. Every
// node places all members on a single-replica ring and links to its next
// few successors; since the successor relation is one cycle the overlay
// stays connected whatever the fanout.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ryandielhenn/zephyrsync/pkg/ring"
	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

// DialFunc opens a handshaken stream to addr and returns the id the peer
// announced.
type DialFunc func(ctx context.Context, addr string) (syncer.NodeID, syncer.Stream, error)

// QUICDialer adapts a QUIC transport to DialFunc.
func QUICDialer(t *transport.QUICTransport) DialFunc {
	return func(ctx context.Context, addr string) (syncer.NodeID, syncer.Stream, error) {
		id, s, err := t.Dial(ctx, addr)
		if err != nil {
			return "", nil, err
		}
		return id, s, nil
	}
}

// Sessions is the part of the syncer the manager drives.
type Sessions interface {
	LocalNodeID() syncer.NodeID
	Connect(ctx context.Context, remote syncer.NodeID, stream syncer.Stream) (*syncer.Reactor, error)
	Disconnect(id syncer.NodeID) bool
	Sessions() []syncer.NodeID
}

type Config struct {
	Fanout      int
	DialTimeout time.Duration
	// DialEvery and DialBurst pace dials to any single peer.
	DialEvery time.Duration
	DialBurst int
}

func (c Config) withDefaults() Config {
	if c.Fanout <= 0 {
		c.Fanout = 2
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.DialEvery < 0 {
		c.DialEvery = 0
	} else if c.DialEvery == 0 {
		c.DialEvery = time.Second
	}
	if c.DialBurst <= 0 {
		c.DialBurst = 1
	}
	return c
}

type Manager struct {
	self     syncer.NodeID
	sessions Sessions
	dial     DialFunc
	cfg      Config
	log      *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu        sync.Mutex
	ring      *ring.HashRing
	peers     map[string]string
	neighbors map[syncer.NodeID]bool
	limiters  map[syncer.NodeID]*rate.Limiter
	dialing   map[syncer.NodeID]bool
	onDepart  func(syncer.NodeID)
}

func New(sessions Sessions, dial DialFunc, cfg Config, log *zap.Logger) *Manager {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		self:      sessions.LocalNodeID(),
		sessions:  sessions,
		dial:      dial,
		cfg:       cfg.withDefaults(),
		log:       log.Named("membership"),
		ctx:       ctx,
		cancel:    cancel,
		ring:      ring.New(1, nil),
		peers:     make(map[string]string),
		neighbors: make(map[syncer.NodeID]bool),
		limiters:  make(map[syncer.NodeID]*rate.Limiter),
		dialing:   make(map[syncer.NodeID]bool),
	}
}

// OnDepart sets fn to be called with every member that drops out of the
// member set, after its session has been released. Call it before the first
// Update.
func (m *Manager) OnDepart(fn func(syncer.NodeID)) {
	m.mu.Lock()
	m.onDepart = fn
	m.mu.Unlock()
}

// Update replaces the member set. It has the discovery.PeersFunc shape.
func (m *Manager) Update(peers map[string]string) {
	m.mu.Lock()
	var departed []syncer.NodeID
	for id := range m.peers {
		if _, ok := peers[id]; !ok && id != string(m.self) {
			departed = append(departed, syncer.NodeID(id))
		}
	}
	onDepart := m.onDepart
	m.ring.Clear()
	m.ring.Add(string(m.self), peers[string(m.self)])
	for id, addr := range peers {
		m.ring.Add(id, addr)
	}
	m.peers = peers
	m.neighbors = m.computeNeighbors()
	for id := range m.limiters {
		if _, ok := peers[string(id)]; !ok {
			delete(m.limiters, id)
		}
	}
	m.mu.Unlock()

	m.log.Debug("membership updated", zap.Int("members", len(peers)), zap.Int("neighbors", len(m.Neighbors())))
	m.Reconcile()

	sort.Slice(departed, func(i, j int) bool { return departed[i] < departed[j] })
	for _, id := range departed {
		m.log.Info("member departed", zap.String("peer", string(id)))
		if onDepart != nil {
			onDepart(id)
		}
	}
}

// computeNeighbors returns every node that selects self or is selected by
// it; callers hold mu.
func (m *Manager) computeNeighbors() map[syncer.NodeID]bool {
	out := make(map[syncer.NodeID]bool)
	for _, id := range m.ring.Successors(string(m.self), m.cfg.Fanout) {
		out[syncer.NodeID(id)] = true
	}
	for id := range m.ring.Nodes() {
		if id == string(m.self) {
			continue
		}
		for _, s := range m.ring.Successors(id, m.cfg.Fanout) {
			if s == string(m.self) {
				out[syncer.NodeID(id)] = true
				break
			}
		}
	}
	return out
}

// Neighbors returns the peers this node keeps sessions with, sorted.
func (m *Manager) Neighbors() []syncer.NodeID {
	m.mu.Lock()
	out := make([]syncer.NodeID, 0, len(m.neighbors))
	for id := range m.neighbors {
		out = append(out, id)
	}
	m.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// owns reports whether this node dials the link to peer. Each link is
// dialed by its lower id so two neighbors never race to connect.
func (m *Manager) owns(peer syncer.NodeID) bool {
	return m.self < peer
}

// Reconcile drops sessions to nodes that are no longer neighbors and dials
// neighbors this node owns but is not connected to.
func (m *Manager) Reconcile() {
	connected := make(map[syncer.NodeID]bool)
	for _, id := range m.sessions.Sessions() {
		connected[id] = true
	}

	m.mu.Lock()
	var drop []syncer.NodeID
	for id := range connected {
		if !m.neighbors[id] {
			drop = append(drop, id)
		}
	}
	type target struct {
		id   syncer.NodeID
		addr string
	}
	var dial []target
	for id := range m.neighbors {
		if connected[id] || m.dialing[id] || !m.owns(id) {
			continue
		}
		addr := m.peers[string(id)]
		if addr == "" {
			continue
		}
		if !m.limiter(id).Allow() {
			continue
		}
		m.dialing[id] = true
		dial = append(dial, target{id, addr})
	}
	m.mu.Unlock()

	for _, id := range drop {
		m.log.Info("dropping session to non-neighbor", zap.String("peer", string(id)))
		m.sessions.Disconnect(id)
	}
	for _, t := range dial {
		m.wg.Add(1)
		go m.connect(t.id, t.addr)
	}
}

// limiter returns the dial limiter for id; callers hold mu.
func (m *Manager) limiter(id syncer.NodeID) *rate.Limiter {
	l, ok := m.limiters[id]
	if !ok {
		every := rate.Inf
		if m.cfg.DialEvery > 0 {
			every = rate.Every(m.cfg.DialEvery)
		}
		l = rate.NewLimiter(every, m.cfg.DialBurst)
		m.limiters[id] = l
	}
	return l
}

func (m *Manager) connect(id syncer.NodeID, addr string) {
	defer m.wg.Done()
	defer func() {
		m.mu.Lock()
		delete(m.dialing, id)
		m.mu.Unlock()
	}()

	if err := m.connectOnce(id, addr); err != nil {
		m.log.Warn("dial failed", zap.String("peer", string(id)), zap.String("addr", addr), zap.Error(err))
	}
}

func (m *Manager) connectOnce(id syncer.NodeID, addr string) error {
	ctx, cancel := context.WithTimeout(m.ctx, m.cfg.DialTimeout)
	remote, stream, err := m.dial(ctx, addr)
	cancel()
	if err != nil {
		return err
	}
	if remote != id {
		_ = stream.Close()
		return fmt.Errorf("peer at %s is %s, want %s", addr, remote, id)
	}
	// Sessions outlive the dial; they end through the syncer.
	if _, err := m.sessions.Connect(context.Background(), remote, stream); err != nil {
		_ = stream.Close()
		return err
	}
	m.log.Info("connected", zap.String("peer", string(id)), zap.String("addr", addr))
	return nil
}

// Run reconciles every interval until ctx is done, which retries failed
// dials and reconnects lost sessions.
func (m *Manager) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return fmt.Errorf("membership: reconcile interval must be positive, got %s", interval)
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			m.Reconcile()
		}
	}
}

// Close aborts pending dials and waits for them to finish.
func (m *Manager) Close() {
	m.cancel()
	m.wg.Wait()
}
