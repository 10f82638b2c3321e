package discovery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"
)

func put(key, val string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(key), Value: []byte(val)}}
}

func del(key string) *clientv3.Event {
	return &clientv3.Event{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte(key)}}
}

func TestApplyEvents(t *testing.T) {
	peers := map[string]string{"a": "10.0.0.1:7946"}

	changed := applyEvents(peers, DefaultPrefix, []*clientv3.Event{
		put(DefaultPrefix+"b", "10.0.0.2:7946"),
		put(DefaultPrefix+"a", "10.0.0.1:7946"),
	})
	assert.True(t, changed)
	assert.Equal(t, map[string]string{"a": "10.0.0.1:7946", "b": "10.0.0.2:7946"}, peers)

	assert.False(t, applyEvents(peers, DefaultPrefix, []*clientv3.Event{put(DefaultPrefix+"a", "10.0.0.1:7946")}),
		"same address is not a change")

	assert.True(t, applyEvents(peers, DefaultPrefix, []*clientv3.Event{del(DefaultPrefix + "a")}))
	assert.Equal(t, map[string]string{"b": "10.0.0.2:7946"}, peers)

	assert.False(t, applyEvents(peers, DefaultPrefix, []*clientv3.Event{del(DefaultPrefix + "zz"), put(DefaultPrefix, "x")}),
		"unknown delete and bare prefix are ignored")
}

func TestPeerKey(t *testing.T) {
	assert.Equal(t, "/zephyrsync/nodes/n1", peerKey(DefaultPrefix, "n1"))
}

func TestCopyPeersIsIndependent(t *testing.T) {
	in := map[string]string{"a": "x"}
	out := copyPeers(in)
	out["b"] = "y"
	assert.Len(t, in, 1)
}

// fakeLease hands out sequential leases whose keepalive channels the test
// can break.
type fakeLease struct {
	clientv3.Lease

	mu         sync.Mutex
	next       clientv3.LeaseID
	failGrants int
	alive      map[clientv3.LeaseID]*keepAlive
	revoked    []clientv3.LeaseID
}

type keepAlive struct {
	ch   chan *clientv3.LeaseKeepAliveResponse
	once sync.Once
}

func (k *keepAlive) stop() { k.once.Do(func() { close(k.ch) }) }

func (f *fakeLease) Grant(_ context.Context, ttl int64) (*clientv3.LeaseGrantResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failGrants > 0 {
		f.failGrants--
		return nil, errors.New("etcdserver: no leader")
	}
	f.next++
	return &clientv3.LeaseGrantResponse{ID: f.next, TTL: ttl}, nil
}

func (f *fakeLease) KeepAlive(ctx context.Context, id clientv3.LeaseID) (<-chan *clientv3.LeaseKeepAliveResponse, error) {
	k := &keepAlive{ch: make(chan *clientv3.LeaseKeepAliveResponse)}
	f.mu.Lock()
	if f.alive == nil {
		f.alive = map[clientv3.LeaseID]*keepAlive{}
	}
	f.alive[id] = k
	f.mu.Unlock()
	go func() { <-ctx.Done(); k.stop() }()
	return k.ch, nil
}

func (f *fakeLease) Revoke(_ context.Context, id clientv3.LeaseID) (*clientv3.LeaseRevokeResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.revoked = append(f.revoked, id)
	return &clientv3.LeaseRevokeResponse{}, nil
}

// expire simulates the lease being lost on the server.
func (f *fakeLease) expire(id clientv3.LeaseID) {
	f.mu.Lock()
	k := f.alive[id]
	f.mu.Unlock()
	k.stop()
}

type fakeKV struct {
	clientv3.KV

	mu   sync.Mutex
	puts map[string]string
	n    int
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.puts == nil {
		f.puts = map[string]string{}
	}
	f.puts[key] = val
	f.n++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.n
}

func TestRegistrationSurvivesLostLease(t *testing.T) {
	lease, kv := &fakeLease{}, &fakeKV{}
	cli := &clientv3.Client{KV: kv, Lease: lease}

	reg, err := RegisterNode(context.Background(), cli, DefaultPrefix, "n1", "10.0.0.1:7946", 5, zaptest.NewLogger(t))
	require.NoError(t, err)
	assert.Equal(t, clientv3.LeaseID(1), reg.LeaseID())
	assert.Equal(t, 1, kv.count())

	// the first attempt after the loss fails and is retried
	lease.mu.Lock()
	lease.failGrants = 1
	lease.mu.Unlock()
	lease.expire(1)

	require.Eventually(t, func() bool { return reg.LeaseID() == 2 }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, kv.count())
	kv.mu.Lock()
	assert.Equal(t, "10.0.0.1:7946", kv.puts[DefaultPrefix+"n1"])
	kv.mu.Unlock()

	require.NoError(t, reg.Close(context.Background()))
	lease.mu.Lock()
	assert.Equal(t, []clientv3.LeaseID{2}, lease.revoked)
	lease.mu.Unlock()
	assert.Equal(t, 2, kv.count(), "no registration after Close")
}

func TestRegisterNodeFailsWithoutLease(t *testing.T) {
	cli := &clientv3.Client{KV: &fakeKV{}, Lease: &fakeLease{failGrants: 1}}
	_, err := RegisterNode(context.Background(), cli, DefaultPrefix, "n1", "x", 5, nil)
	assert.ErrorContains(t, err, "grant lease")
}

type peerSink struct {
	mu   sync.Mutex
	last map[string]string
}

func (s *peerSink) set(p map[string]string) {
	s.mu.Lock()
	s.last = p
	s.mu.Unlock()
}

func (s *peerSink) get() map[string]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func TestGossipMembership(t *testing.T) {
	log := zaptest.NewLogger(t)

	g1, err := NewGossip(GossipConfig{NodeID: "g1", BindAddr: "127.0.0.1", SyncAddr: "127.0.0.1:17001"}, log)
	require.NoError(t, err)
	defer g1.Shutdown()

	sink := &peerSink{}
	g1.OnChange(sink.set)

	g2, err := NewGossip(GossipConfig{
		NodeID:   "g2",
		BindAddr: "127.0.0.1",
		SyncAddr: "127.0.0.1:17002",
		Seeds:    []string{g1.Addr()},
	}, log)
	require.NoError(t, err)

	want := map[string]string{"g1": "127.0.0.1:17001", "g2": "127.0.0.1:17002"}
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, sink.get())
	}, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool {
		return assert.ObjectsAreEqual(want, g2.Peers())
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, g2.Leave(time.Second))
	require.NoError(t, g2.Shutdown())
	require.Eventually(t, func() bool {
		_, ok := sink.get()["g2"]
		return !ok
	}, 5*time.Second, 20*time.Millisecond)
}
