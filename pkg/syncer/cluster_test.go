package syncer_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/transport"
)

const settle = 3 * time.Second

// localState is a minimal reporter: Set bumps the version.
type localState struct {
	id syncer.NodeID

	mu      sync.Mutex
	version int64
	payload []byte
}

func (l *localState) Set(p string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.version++
	l.payload = []byte(p)
}

func (l *localState) CreateSyncMessage(current int64, t syncer.MessageType) *syncer.Message {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.version <= current {
		return nil
	}
	return syncer.NewMessage(l.id, syncer.ResourceView, l.version, t, l.payload)
}

type viewReceiver struct {
	mu     sync.Mutex
	latest map[syncer.NodeID]*syncer.Message
	count  map[syncer.Key]int
}

func newViewReceiver() *viewReceiver {
	return &viewReceiver{latest: map[syncer.NodeID]*syncer.Message{}, count: map[syncer.Key]int{}}
}

func (v *viewReceiver) ConsumeSyncMessage(m *syncer.Message) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.latest[m.NodeID] = m
	v.count[m.Key()]++
}

func (v *viewReceiver) version(id syncer.NodeID) int64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	if m, ok := v.latest[id]; ok {
		return m.Version
	}
	return 0
}

func (v *viewReceiver) applied(k syncer.Key) int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.count[k]
}

type testNode struct {
	s     *syncer.Syncer
	state *localState
	view  *viewReceiver
}

func newNode(t *testing.T, id syncer.NodeID) *testNode {
	n := &testNode{
		s:     syncer.New(id, syncer.WithLogger(zaptest.NewLogger(t))),
		state: &localState{id: id},
		view:  newViewReceiver(),
	}
	require.NoError(t, n.s.Register(syncer.ResourceView, n.state, n.view))
	t.Cleanup(n.s.Stop)
	return n
}

// link joins two nodes over an in-memory stream pair after a real hello
// exchange.
func link(t *testing.T, a, b *testNode) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), settle)
	defer cancel()

	sa, sb := transport.Pipe(0)
	var wg sync.WaitGroup
	var gotA, gotB syncer.NodeID
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); gotA, errA = sa.Handshake(ctx, a.s.LocalNodeID()) }()
	go func() { defer wg.Done(); gotB, errB = sb.Handshake(ctx, b.s.LocalNodeID()) }()
	wg.Wait()
	require.NoError(t, errA)
	require.NoError(t, errB)

	_, err := a.s.Connect(context.Background(), gotA, sa)
	require.NoError(t, err)
	_, err = b.s.Connect(context.Background(), gotB, sb)
	require.NoError(t, err)
}

func TestRelayedDuplicateIsDropped(t *testing.T) {
	a, b, c := newNode(t, "A"), newNode(t, "B"), newNode(t, "C")
	link(t, a, b)
	link(t, a, c)
	link(t, b, c)

	a.state.Set("P1")
	require.Equal(t, 2, a.s.Tick())

	key := syncer.Key{NodeID: "A", ComponentID: syncer.ResourceView}
	require.Eventually(t, func() bool {
		return b.view.version("A") == 1 && c.view.version("A") == 1
	}, settle, 5*time.Millisecond)

	// give the relays B->C and C->B time to arrive and be discarded
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 1, b.view.applied(key))
	assert.Equal(t, 1, c.view.applied(key))
}

func TestConvergenceUnderPartialConnectivity(t *testing.T) {
	// n0 - n1 - n2 - n3 - n4, no node sees more than two peers
	var nodes []*testNode
	for i := 0; i < 5; i++ {
		nodes = append(nodes, newNode(t, syncer.NodeID(fmt.Sprintf("n%d", i))))
	}
	for i := 0; i+1 < len(nodes); i++ {
		link(t, nodes[i], nodes[i+1])
	}

	for round := 1; round <= 3; round++ {
		nodes[0].state.Set(fmt.Sprintf("round-%d", round))
		nodes[4].state.Set(fmt.Sprintf("round-%d", round))
		for _, n := range nodes {
			n.s.Tick()
		}
	}

	require.Eventually(t, func() bool {
		for _, n := range nodes[1:] {
			if n.view.version("n0") != 3 {
				return false
			}
		}
		for _, n := range nodes[:4] {
			if n.view.version("n4") != 3 {
				return false
			}
		}
		return true
	}, settle, 5*time.Millisecond)
}

func TestLateJoinerConvergesWithoutTick(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	a.state.Set("hello")
	a.s.Tick()
	require.Eventually(t, func() bool { return b.view.version("A") == 1 }, settle, 5*time.Millisecond)

	// D only talks to B and joins after A's last tick
	d := newNode(t, "D")
	link(t, b, d)
	require.Eventually(t, func() bool { return d.view.version("A") == 1 }, settle, 5*time.Millisecond)
}

func TestReconnectAfterSessionLoss(t *testing.T) {
	a, b := newNode(t, "A"), newNode(t, "B")
	link(t, a, b)
	a.state.Set("v1")
	a.s.Tick()
	require.Eventually(t, func() bool { return b.view.version("A") == 1 }, settle, 5*time.Millisecond)

	require.True(t, a.s.Disconnect("B"))
	require.Eventually(t, func() bool {
		return len(a.s.Sessions()) == 0 && len(b.s.Sessions()) == 0
	}, settle, 5*time.Millisecond)

	// updates made while partitioned are not lost: the newest one is
	// replayed when the link comes back
	a.state.Set("v2")
	a.state.Set("v3")
	a.s.Tick()

	link(t, a, b)
	require.Eventually(t, func() bool { return b.view.version("A") == 3 }, settle, 5*time.Millisecond)
}
