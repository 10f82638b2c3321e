package node

import (
	"sync"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
)

// LocalReporter holds this node's state for one component, as set through
// the HTTP API or by an embedding program.
type LocalReporter struct {
	id   syncer.NodeID
	comp syncer.ComponentID

	mu      sync.Mutex
	version int64
	payload []byte
	set     bool
}

var _ syncer.Reporter = (*LocalReporter)(nil)

// NewLocalReporter starts counting versions after seed. Seeding with a wall
// clock reading keeps versions increasing across restarts under a fixed
// node id.
func NewLocalReporter(id syncer.NodeID, comp syncer.ComponentID, seed int64) *LocalReporter {
	return &LocalReporter{id: id, comp: comp, version: seed}
}

// Set replaces the state and returns its new version.
func (r *LocalReporter) Set(payload []byte) int64 {
	buf := make([]byte, len(payload))
	copy(buf, payload)

	r.mu.Lock()
	defer r.mu.Unlock()
	r.version++
	r.payload = buf
	r.set = true
	return r.version
}

// Refresh bumps the version of unchanged state so it is published again.
// ok is false until the first Set.
func (r *LocalReporter) Refresh() (version int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		return r.version, false
	}
	r.version++
	return r.version, true
}

// Get returns the current state. ok is false until the first Set.
func (r *LocalReporter) Get() (payload []byte, version int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payload, r.version, r.set
}

func (r *LocalReporter) CreateSyncMessage(current int64, t syncer.MessageType) *syncer.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.set {
		return nil
	}
	if t == syncer.Update && r.version <= current {
		return nil
	}
	return syncer.NewMessage(r.id, r.comp, r.version, t, r.payload)
}
