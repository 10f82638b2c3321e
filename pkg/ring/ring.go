// Package ring places cluster members on a consistent-hash ring. The sync
// layer uses it to pick each node's successors as its sync peers, so every
// node sees the same overlay without coordination.
package ring

import (
	"encoding/binary"
	"hash/fnv"
	"slices"
	"sort"
	"sync"
)

type Hasher func([]byte) uint32

type HashRing struct {
	mu       sync.RWMutex
	replicas int
	hash     Hasher
	points   []uint32          // sorted
	owners   map[uint32]string // point -> nodeID
	nodes    map[string]string // nodeID -> addr
}

// New creates a ring with the given number of points per node. One replica
// makes the successor relation a single cycle over all members.
func New(replicas int, h Hasher) *HashRing {
	if replicas <= 0 {
		replicas = 1
	}
	if h == nil {
		h = fnv32a
	}
	return &HashRing{
		replicas: replicas,
		hash:     h,
		owners:   make(map[uint32]string),
		nodes:    make(map[string]string),
	}
}

// Add inserts a node, or updates its address if it is already present.
// It reports whether the membership changed.
func (r *HashRing) Add(nodeID, addr string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; ok {
		r.nodes[nodeID] = addr
		return false
	}
	r.nodes[nodeID] = addr
	for i := 0; i < r.replicas; i++ {
		pt := r.hash(pointKey(nodeID, i))
		r.owners[pt] = nodeID
		r.points = append(r.points, pt)
	}
	slices.Sort(r.points)
	return true
}

func (r *HashRing) Remove(nodeID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.nodes[nodeID]; !ok {
		return false
	}
	delete(r.nodes, nodeID)
	r.rebuild()
	return true
}

// Clear removes every node.
func (r *HashRing) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	clear(r.nodes)
	clear(r.owners)
	r.points = r.points[:0]
}

// rebuild recomputes points from nodes; callers hold mu.
func (r *HashRing) rebuild() {
	r.points = r.points[:0]
	clear(r.owners)
	for id := range r.nodes {
		for i := 0; i < r.replicas; i++ {
			pt := r.hash(pointKey(id, i))
			r.owners[pt] = id
			r.points = append(r.points, pt)
		}
	}
	slices.Sort(r.points)
}

func (r *HashRing) Lookup(key []byte) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 {
		return ""
	}
	return r.owners[r.points[r.search(r.hash(key))]]
}

// LookupN returns up to n distinct nodes walking clockwise from key.
func (r *HashRing) LookupN(key []byte, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	return r.walk(r.search(r.hash(key)), n, "")
}

// Successors returns up to n distinct nodes that follow nodeID's first point
// on the ring, never including nodeID itself. The node does not have to be a
// member.
func (r *HashRing) Successors(nodeID string, n int) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.points) == 0 || n <= 0 {
		return nil
	}
	h := r.hash(pointKey(nodeID, 0))
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] > h })
	if idx == len(r.points) {
		idx = 0
	}
	return r.walk(idx, n, nodeID)
}

// walk collects distinct owners from idx; callers hold mu.
func (r *HashRing) walk(idx, n int, skip string) []string {
	seen := make(map[string]struct{}, n)
	out := make([]string, 0, n)
	for i := 0; i < len(r.points) && len(out) < n; i++ {
		id := r.owners[r.points[(idx+i)%len(r.points)]]
		if id == skip {
			continue
		}
		if _, ok := seen[id]; !ok {
			seen[id] = struct{}{}
			out = append(out, id)
		}
	}
	return out
}

// search returns the index of the first point >= h, wrapping to 0.
func (r *HashRing) search(h uint32) int {
	idx := sort.Search(len(r.points), func(i int) bool { return r.points[i] >= h })
	if idx == len(r.points) {
		idx = 0
	}
	return idx
}

func (r *HashRing) Addr(nodeID string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.nodes[nodeID]
	return a, ok
}

// Nodes returns a copy of the nodeID -> addr table.
func (r *HashRing) Nodes() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]string, len(r.nodes))
	for id, a := range r.nodes {
		out[id] = a
	}
	return out
}

func (r *HashRing) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.nodes)
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}

func pointKey(nodeID string, i int) []byte {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], uint32(i))
	return append([]byte(nodeID), buf[:]...)
}
