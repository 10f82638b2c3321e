package discovery

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/memberlist"
	"go.uber.org/zap"
)

type GossipConfig struct {
	NodeID   string
	BindAddr string
	BindPort int
	// SyncAddr is published in node metadata so peers dial the sync
	// listener rather than the gossip port.
	SyncAddr string
	Seeds    []string
}

// Gossip tracks membership through a memberlist pool.
type Gossip struct {
	ml  *memberlist.Memberlist
	log *zap.Logger

	mu    sync.Mutex
	peers map[string]string
	fn    PeersFunc

	notify chan struct{}
	stop   chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

func NewGossip(cfg GossipConfig, log *zap.Logger) (*Gossip, error) {
	if log == nil {
		log = zap.NewNop()
	}
	g := &Gossip{
		log:    log.Named("memberlist"),
		peers:  make(map[string]string),
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
	}

	mc := memberlist.DefaultLANConfig()
	mc.Name = cfg.NodeID
	mc.BindAddr = cfg.BindAddr
	mc.BindPort = cfg.BindPort
	mc.AdvertisePort = cfg.BindPort
	mc.Delegate = &metaDelegate{meta: []byte(cfg.SyncAddr)}
	mc.Events = &eventDelegate{g: g}
	mc.LogOutput = &zapWriter{log: g.log}

	g.wg.Add(1)
	go g.deliverLoop()

	ml, err := memberlist.Create(mc)
	if err != nil {
		g.Shutdown()
		return nil, fmt.Errorf("create memberlist: %w", err)
	}
	g.ml = ml

	if len(cfg.Seeds) > 0 {
		n, err := ml.Join(cfg.Seeds)
		if err != nil {
			g.Shutdown()
			return nil, fmt.Errorf("join seeds: %w", err)
		}
		g.log.Info("joined cluster", zap.Strings("seeds", cfg.Seeds), zap.Int("contacted", n))
	} else {
		g.log.Info("started gossip pool without seeds")
	}
	return g, nil
}

// OnChange sets the callback for peer snapshots and delivers the current
// one.
func (g *Gossip) OnChange(fn PeersFunc) {
	g.mu.Lock()
	g.fn = fn
	g.mu.Unlock()
	g.kick()
}

// Peers returns the current id -> sync address snapshot, self included.
func (g *Gossip) Peers() map[string]string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return copyPeers(g.peers)
}

// Addr is the gossip address other nodes use as a seed.
func (g *Gossip) Addr() string {
	n := g.ml.LocalNode()
	return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

func (g *Gossip) Leave(timeout time.Duration) error {
	if g.ml == nil {
		return nil
	}
	return g.ml.Leave(timeout)
}

func (g *Gossip) Shutdown() error {
	var err error
	g.once.Do(func() {
		close(g.stop)
		g.wg.Wait()
		if g.ml != nil {
			err = g.ml.Shutdown()
		}
	})
	return err
}

func (g *Gossip) kick() {
	select {
	case g.notify <- struct{}{}:
	default:
	}
}

// deliverLoop runs callbacks outside memberlist's locks; bursts of events
// collapse into one snapshot.
func (g *Gossip) deliverLoop() {
	defer g.wg.Done()
	for {
		select {
		case <-g.stop:
			return
		case <-g.notify:
		}
		g.mu.Lock()
		fn := g.fn
		snap := copyPeers(g.peers)
		g.mu.Unlock()
		if fn != nil {
			fn(snap)
		}
	}
}

func (g *Gossip) set(node *memberlist.Node) {
	addr := string(node.Meta)
	if addr == "" {
		addr = net.JoinHostPort(node.Addr.String(), strconv.Itoa(int(node.Port)))
		g.log.Warn("node has no sync address in metadata, using gossip address",
			zap.String("node_id", node.Name), zap.String("addr", addr))
	}
	g.mu.Lock()
	changed := g.peers[node.Name] != addr
	g.peers[node.Name] = addr
	g.mu.Unlock()
	if changed {
		g.kick()
	}
}

func (g *Gossip) remove(node *memberlist.Node) {
	g.mu.Lock()
	_, ok := g.peers[node.Name]
	delete(g.peers, node.Name)
	g.mu.Unlock()
	if ok {
		g.kick()
	}
}

type eventDelegate struct{ g *Gossip }

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
	e.g.log.Info("node joined", zap.String("node_id", n.Name), zap.ByteString("sync_addr", n.Meta))
	e.g.set(n)
}

func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
	e.g.log.Info("node left", zap.String("node_id", n.Name))
	e.g.remove(n)
}

func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {
	e.g.set(n)
}

// metaDelegate publishes the sync address as node metadata.
type metaDelegate struct{ meta []byte }

func (m *metaDelegate) NodeMeta(limit int) []byte {
	if len(m.meta) > limit {
		return m.meta[:limit]
	}
	return m.meta
}

func (m *metaDelegate) NotifyMsg([]byte)                           {}
func (m *metaDelegate) GetBroadcasts(overhead, limit int) [][]byte { return nil }
func (m *metaDelegate) LocalState(join bool) []byte                { return nil }
func (m *metaDelegate) MergeRemoteState(buf []byte, join bool)     {}

// zapWriter routes memberlist's standard logger into zap at debug level.
type zapWriter struct{ log *zap.Logger }

func (w *zapWriter) Write(p []byte) (int, error) {
	w.log.Debug(strings.TrimSpace(string(p)))
	return len(p), nil
}
