package transport

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
)

func TestQUICLoopback(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	server := NewQUICTransport("server", QUICConfig{}, zaptest.NewLogger(t))
	ln, err := server.Listen("127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	type inbound struct {
		remote syncer.NodeID
		stream *FramedStream
	}
	accepted := make(chan inbound, 1)
	go func() {
		_ = ln.Serve(ctx, func(remote syncer.NodeID, s *FramedStream) {
			accepted <- inbound{remote, s}
		})
	}()

	client := NewQUICTransport("client", QUICConfig{}, zaptest.NewLogger(t))
	remote, cs, err := client.Dial(ctx, ln.Addr().String())
	require.NoError(t, err)
	defer cs.Close()
	assert.Equal(t, syncer.NodeID("server"), remote)

	var in inbound
	select {
	case in = <-accepted:
	case <-ctx.Done():
		t.Fatal("server never accepted the stream")
	}
	defer in.stream.Close()
	assert.Equal(t, syncer.NodeID("client"), in.remote)

	want := syncer.NewMessage("client", syncer.Commands, 3, syncer.Snapshot, []byte("drain"))
	require.NoError(t, cs.Send(ctx, want))
	got, err := in.stream.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	reply := syncer.NewMessage("server", syncer.ResourceView, 1, syncer.Update, []byte("gpu=1"))
	require.NoError(t, in.stream.Send(ctx, reply))
	got, err = cs.Recv(ctx)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}
