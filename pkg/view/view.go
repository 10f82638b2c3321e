// Package view keeps the latest state every node reported, per component.
// It is the receiver side of the sync layer: Store implements
// syncer.Receiver and can be registered for any number of components.
package view

import (
	"container/list"
	"sort"
	"sync"
	"time"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
)

type entry struct {
	msg      *syncer.Message
	expireAt time.Time
	seenAt   time.Time
}

// Entry is one row of the view.
type Entry struct {
	NodeID    syncer.NodeID   `json:"node_id"`
	Component string          `json:"component"`
	Version   int64           `json:"version"`
	Type      string          `json:"type"`
	Payload   []byte          `json:"payload"`
	SeenAt    time.Time       `json:"seen_at"`
	Key       syncer.Key      `json:"-"`
	Message   *syncer.Message `json:"-"`
}

// Store is an in-memory view with TTL expiry and LRU eviction by payload
// bytes. Live nodes republish before the TTL runs out, so a node that stops
// reporting ages out after it.
type Store struct {
	mu   sync.Mutex
	data map[syncer.Key]*list.Element
	ll   *list.List
	used int
	cap  int
	ttl  time.Duration
	now  func() time.Time
}

var _ syncer.Receiver = (*Store)(nil)

// NewStore creates a store. ttl <= 0 disables expiry, capacityBytes <= 0
// disables eviction.
func NewStore(capacityBytes int, ttl time.Duration) *Store {
	return &Store{
		data: make(map[syncer.Key]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		ttl:  ttl,
		now:  time.Now,
	}
}

func (s *Store) ConsumeSyncMessage(msg *syncer.Message) {
	s.Put(msg)
}

// Put stores msg unless a newer version of the same key is held. Messages
// are immutable, so the payload is not copied.
func (s *Store) Put(msg *syncer.Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var exp time.Time
	if s.ttl > 0 {
		exp = now.Add(s.ttl)
	}

	k := msg.Key()
	if el, ok := s.data[k]; ok {
		old := el.Value.(*entry)
		if !s.expired(old, now) && syncer.Compare(msg.Version, old.msg.Version) != syncer.Newer {
			return false
		}
		s.used -= len(old.msg.Payload)
		old.msg = msg
		old.expireAt = exp
		old.seenAt = now
		s.used += len(msg.Payload)
		s.ll.MoveToFront(el)
	} else {
		e := &entry{msg: msg, expireAt: exp, seenAt: now}
		s.data[k] = s.ll.PushFront(e)
		s.used += len(msg.Payload)
	}
	s.evictIfNeeded()
	return true
}

func (s *Store) Get(k syncer.Key) (*syncer.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[k]; ok {
		e := el.Value.(*entry)
		if s.expired(e, s.now()) {
			s.removeElement(el)
			return nil, false
		}
		s.ll.MoveToFront(el)
		return e.msg, true
	}
	return nil, false
}

// DeleteNode drops every component of a node and returns how many entries
// went away.
func (s *Store) DeleteNode(id syncer.NodeID) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for c := syncer.ComponentID(0); c < syncer.NumComponents; c++ {
		if el, ok := s.data[syncer.Key{NodeID: id, ComponentID: c}]; ok {
			s.removeElement(el)
			n++
		}
	}
	return n
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

// Bytes returns the payload bytes currently held.
func (s *Store) Bytes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.used
}

// Sweep removes expired entries and returns how many it removed.
func (s *Store) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	n := 0
	for el := s.ll.Back(); el != nil; {
		prev := el.Prev()
		if s.expired(el.Value.(*entry), now) {
			s.removeElement(el)
			n++
		}
		el = prev
	}
	return n
}

// Entries lists live entries ordered by node then component.
func (s *Store) Entries() []Entry {
	s.mu.Lock()
	now := s.now()
	out := make([]Entry, 0, len(s.data))
	for k, el := range s.data {
		e := el.Value.(*entry)
		if s.expired(e, now) {
			continue
		}
		out = append(out, Entry{
			NodeID:    k.NodeID,
			Component: k.ComponentID.String(),
			Version:   e.msg.Version,
			Type:      e.msg.Type.String(),
			Payload:   e.msg.Payload,
			SeenAt:    e.seenAt,
			Key:       k,
			Message:   e.msg,
		})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].NodeID != out[j].NodeID {
			return out[i].NodeID < out[j].NodeID
		}
		return out[i].Key.ComponentID < out[j].Key.ComponentID
	})
	return out
}

func (s *Store) expired(e *entry, now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

func (s *Store) evictIfNeeded() {
	for s.cap > 0 && s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.msg.Key())
	s.used -= len(e.msg.Payload)
	s.ll.Remove(el)
}
