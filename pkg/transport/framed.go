package transport

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
	"github.com/ryandielhenn/zephyrsync/pkg/wire"
)

// aborter is implemented by connections that need a different teardown when
// a write is still in flight.
type aborter interface {
	Abort() error
}

// FramedStream implements syncer.Stream over a byte stream.
type FramedStream struct {
	rw  io.ReadWriteCloser
	r   *bufio.Reader
	max int

	wmu    sync.Mutex
	wbuf   []byte
	once   sync.Once
	closed chan struct{}
	err    error
}

var _ syncer.Stream = (*FramedStream)(nil)

// NewFramedStream wraps rw. maxFrame <= 0 selects wire.DefaultMaxFrameSize.
func NewFramedStream(rw io.ReadWriteCloser, maxFrame int) *FramedStream {
	if maxFrame <= 0 {
		maxFrame = wire.DefaultMaxFrameSize
	}
	return &FramedStream{
		rw:     rw,
		r:      bufio.NewReader(rw),
		max:    maxFrame,
		closed: make(chan struct{}),
	}
}

// Pipe returns two connected in-memory streams. Writes block until the other
// side reads, which makes it a faithful model of transport backpressure.
func Pipe(maxFrame int) (*FramedStream, *FramedStream) {
	a, b := net.Pipe()
	return NewFramedStream(a, maxFrame), NewFramedStream(b, maxFrame)
}

func (s *FramedStream) isClosed() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// Send writes one message frame. Cancelling ctx while the write is blocked
// closes the stream.
func (s *FramedStream) Send(ctx context.Context, msg *syncer.Message) error {
	s.wmu.Lock()
	defer s.wmu.Unlock()
	if s.isClosed() {
		return syncer.ErrStreamClosed
	}
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	s.wbuf = wire.AppendMessage(s.wbuf[:0], msg)
	if err := wire.WriteFrame(s.rw, s.wbuf, s.max); err != nil {
		return s.mapErr(err)
	}
	return nil
}

// Recv reads the next message frame.
func (s *FramedStream) Recv(ctx context.Context) (*syncer.Message, error) {
	if s.isClosed() {
		return nil, syncer.ErrStreamClosed
	}
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	body, err := wire.ReadFrame(s.r, s.max)
	if err != nil {
		return nil, s.mapErr(err)
	}
	return wire.UnmarshalMessage(body)
}

// Handshake exchanges hello frames and returns the peer's node id. Both sides
// write and read concurrently so unbuffered transports cannot deadlock.
func (s *FramedStream) Handshake(ctx context.Context, local syncer.NodeID) (syncer.NodeID, error) {
	stop := context.AfterFunc(ctx, s.abort)
	defer stop()

	errc := make(chan error, 1)
	go func() {
		s.wmu.Lock()
		defer s.wmu.Unlock()
		errc <- wire.WriteFrame(s.rw, wire.AppendHello(nil, wire.Hello{NodeID: local, Protocol: wire.ProtocolVersion}), s.max)
	}()

	body, err := wire.ReadFrame(s.r, s.max)
	if err != nil {
		err = s.mapErr(err)
		s.abort()
		<-errc
		return "", fmt.Errorf("%w: %w", wire.ErrBadHandshake, err)
	}
	if err := <-errc; err != nil {
		return "", fmt.Errorf("%w: %w", wire.ErrBadHandshake, s.mapErr(err))
	}
	hello, err := wire.UnmarshalHello(body)
	if err != nil {
		return "", err
	}
	if hello.NodeID == local {
		return "", fmt.Errorf("%w: peer has our node id %q", wire.ErrBadHandshake, local)
	}
	return hello.NodeID, nil
}

// Close closes the stream. It is safe to call more than once and from any
// goroutine.
func (s *FramedStream) Close() error {
	s.once.Do(func() {
		close(s.closed)
		if s.wmu.TryLock() {
			s.err = s.rw.Close()
			s.wmu.Unlock()
			return
		}
		// A write is blocked; graceful close is not possible.
		s.err = s.hardClose()
	})
	return s.err
}

func (s *FramedStream) abort() {
	s.once.Do(func() {
		close(s.closed)
		s.err = s.hardClose()
	})
}

func (s *FramedStream) hardClose() error {
	if a, ok := s.rw.(aborter); ok {
		return a.Abort()
	}
	return s.rw.Close()
}

func (s *FramedStream) mapErr(err error) error {
	if s.isClosed() {
		return syncer.ErrStreamClosed
	}
	if errors.Is(err, io.EOF) {
		return io.EOF
	}
	return err
}
