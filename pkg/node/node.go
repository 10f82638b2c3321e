package node

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/view"
)

// Node ties the syncer to a local reporter and the view store for every
// component, and serves them over HTTP.
type Node struct {
	id        syncer.NodeID
	addr      string
	sync      *syncer.Syncer
	view      *view.Store
	reporters [syncer.NumComponents]*LocalReporter
	log       *zap.Logger
	started   time.Time
}

// New registers a LocalReporter and the view store for every component.
func New(s *syncer.Syncer, store *view.Store, addr string, log *zap.Logger) (*Node, error) {
	if log == nil {
		log = zap.NewNop()
	}
	n := &Node{
		id:      s.LocalNodeID(),
		addr:    addr,
		sync:    s,
		view:    store,
		log:     log.Named("node"),
		started: time.Now(),
	}
	seed := n.started.UnixNano()
	for c := syncer.ComponentID(0); c < syncer.NumComponents; c++ {
		rep := NewLocalReporter(n.id, c, seed)
		if err := s.Register(c, rep, store); err != nil {
			return nil, fmt.Errorf("node: %w", err)
		}
		n.reporters[c] = rep
	}
	return n, nil
}

func (n *Node) ID() syncer.NodeID { return n.id }

func (n *Node) Addr() string { return n.addr }

func (n *Node) Syncer() *syncer.Syncer { return n.sync }

func (n *Node) View() *view.Store { return n.view }

func (n *Node) Reporter(c syncer.ComponentID) *LocalReporter {
	if !c.Valid() {
		return nil
	}
	return n.reporters[c]
}

// SetLocal updates this node's state for c and pushes it out without waiting
// for the next tick.
func (n *Node) SetLocal(c syncer.ComponentID, payload []byte) (int64, error) {
	rep := n.Reporter(c)
	if rep == nil {
		return 0, fmt.Errorf("set local: unknown component %s", c)
	}
	v := rep.Set(payload)
	queued := n.sync.Broadcast(c)
	n.log.Debug("local state set",
		zap.Stringer("component", c), zap.Int64("version", v), zap.Int("queued", queued))
	return v, nil
}

// HeartbeatLoop republishes local state every interval, changed or not, so
// peers whose views expire entries keep seeing this node. every must be
// shorter than the peers' view TTL.
func (n *Node) HeartbeatLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			n.heartbeat()
		}
	}
}

func (n *Node) heartbeat() int {
	queued := 0
	for c, rep := range n.reporters {
		if _, ok := rep.Refresh(); ok {
			queued += n.sync.Broadcast(syncer.ComponentID(c))
		}
	}
	return queued
}

// ForgetNode removes a departed node from the view and from the state
// replayed to new sessions.
func (n *Node) ForgetNode(id syncer.NodeID) {
	if id == n.id {
		return
	}
	versions := n.sync.Forget(id)
	entries := n.view.DeleteNode(id)
	n.log.Info("forgot departed node",
		zap.String("peer", string(id)), zap.Int("versions", versions), zap.Int("entries", entries))
}

// SweepLoop expires stale view entries every interval until ctx is done.
func (n *Node) SweepLoop(ctx context.Context, every time.Duration) {
	if every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if removed := n.view.Sweep(); removed > 0 {
				n.log.Debug("expired view entries", zap.Int("removed", removed))
			}
		}
	}
}
