package transport

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/wire"
)

func handshakePair(t *testing.T, a, b *FramedStream, idA, idB syncer.NodeID) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var wg sync.WaitGroup
	var gotA, gotB syncer.NodeID
	var errA, errB error
	wg.Add(2)
	go func() { defer wg.Done(); gotA, errA = a.Handshake(ctx, idA) }()
	go func() { defer wg.Done(); gotB, errB = b.Handshake(ctx, idB) }()
	wg.Wait()

	require.NoError(t, errA)
	require.NoError(t, errB)
	assert.Equal(t, idB, gotA)
	assert.Equal(t, idA, gotB)
}

func TestPipeHandshakeAndMessages(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()
	defer b.Close()
	handshakePair(t, a, b, "a", "b")

	ctx := context.Background()
	want := syncer.NewMessage("a", syncer.ResourceView, 9, syncer.Update, []byte("cpu=4"))

	errc := make(chan error, 1)
	go func() { errc <- a.Send(ctx, want) }()

	got, err := b.Recv(ctx)
	require.NoError(t, err)
	require.NoError(t, <-errc)
	assert.Equal(t, want, got)
}

func TestHandshakeRejectsSelf(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()
	defer b.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	errc := make(chan error, 1)
	go func() {
		_, err := b.Handshake(ctx, "same")
		errc <- err
	}()
	_, err := a.Handshake(ctx, "same")
	assert.ErrorIs(t, err, wire.ErrBadHandshake)
	assert.ErrorIs(t, <-errc, wire.ErrBadHandshake)
}

func TestCloseUnblocksRecv(t *testing.T) {
	a, b := Pipe(0)
	defer b.Close()

	errc := make(chan error, 1)
	go func() {
		_, err := a.Recv(context.Background())
		errc <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, a.Close())
	select {
	case err := <-errc:
		assert.ErrorIs(t, err, syncer.ErrStreamClosed)
	case <-time.After(time.Second):
		t.Fatal("Recv did not return after Close")
	}

	// second close is a no-op
	assert.NoError(t, a.Close())
}

func TestSendHonoursContext(t *testing.T) {
	a, b := Pipe(0)
	defer b.Close()

	// nobody reads b, so the write blocks until ctx expires
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := a.Send(ctx, syncer.NewMessage("a", syncer.ResourceView, 1, syncer.Update, nil))
	assert.ErrorIs(t, err, syncer.ErrStreamClosed)
}

func TestPeerCloseIsEOF(t *testing.T) {
	a, b := Pipe(0)
	defer a.Close()
	require.NoError(t, b.Close())

	_, err := a.Recv(context.Background())
	require.Error(t, err)
}
