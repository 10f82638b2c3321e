package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	quic "github.com/quic-go/quic-go"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrsync/pkg/syncer"
)

const (
	closeNormal    quic.ApplicationErrorCode = 0
	closeHandshake quic.ApplicationErrorCode = 1
	closeAbort     quic.ApplicationErrorCode = 2

	// linger gives a gracefully closed stream time to deliver its FIN before
	// the connection goes away.
	linger = 2 * time.Second
)

type QUICConfig struct {
	MaxFrameSize     int
	HandshakeTimeout time.Duration
	KeepAlive        time.Duration
	IdleTimeout      time.Duration
}

func (c QUICConfig) withDefaults() QUICConfig {
	if c.HandshakeTimeout <= 0 {
		c.HandshakeTimeout = 5 * time.Second
	}
	if c.KeepAlive <= 0 {
		c.KeepAlive = 5 * time.Second
	}
	if c.IdleTimeout <= 0 {
		c.IdleTimeout = 30 * time.Second
	}
	return c
}

func (c QUICConfig) quic() *quic.Config {
	return &quic.Config{
		HandshakeIdleTimeout: c.HandshakeTimeout,
		KeepAlivePeriod:      c.KeepAlive,
		MaxIdleTimeout:       c.IdleTimeout,
	}
}

// StreamHandler receives every stream that completed the hello exchange.
type StreamHandler func(remote syncer.NodeID, s *FramedStream)

// QUICTransport dials and accepts one bidirectional QUIC stream per peer.
type QUICTransport struct {
	local syncer.NodeID
	cfg   QUICConfig
	log   *zap.Logger
}

func NewQUICTransport(local syncer.NodeID, cfg QUICConfig, log *zap.Logger) *QUICTransport {
	if log == nil {
		log = zap.NewNop()
	}
	return &QUICTransport{local: local, cfg: cfg.withDefaults(), log: log.Named("quic")}
}

// Listener accepts inbound peer connections.
type Listener struct {
	t  *QUICTransport
	ln *quic.Listener
}

// Listen binds addr (e.g. ":7946" or "127.0.0.1:0").
func (t *QUICTransport) Listen(addr string) (*Listener, error) {
	tlsConf, err := serverTLSConfig(string(t.local))
	if err != nil {
		return nil, fmt.Errorf("tls config: %w", err)
	}
	ln, err := quic.ListenAddr(addr, tlsConf, t.cfg.quic())
	if err != nil {
		return nil, fmt.Errorf("quic listen %s: %w", addr, err)
	}
	t.log.Info("listening", zap.Stringer("addr", ln.Addr()))
	return &Listener{t: t, ln: ln}, nil
}

func (l *Listener) Addr() net.Addr { return l.ln.Addr() }

func (l *Listener) Close() error { return l.ln.Close() }

// Serve accepts connections until ctx is done or the listener is closed.
// Each connection's first stream is handshaken and handed to fn.
func (l *Listener) Serve(ctx context.Context, fn StreamHandler) error {
	for {
		conn, err := l.ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, quic.ErrServerClosed) {
				return nil
			}
			return fmt.Errorf("quic accept: %w", err)
		}
		go l.t.accept(ctx, conn, fn)
	}
}

func (t *QUICTransport) accept(ctx context.Context, conn *quic.Conn, fn StreamHandler) {
	log := t.log.With(zap.Stringer("remote_addr", conn.RemoteAddr()))
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	stream, err := conn.AcceptStream(hctx)
	if err != nil {
		log.Debug("accept stream", zap.Error(err))
		_ = conn.CloseWithError(closeHandshake, "no stream")
		return
	}
	fs := NewFramedStream(&quicConn{conn: conn, stream: stream}, t.cfg.MaxFrameSize)
	remote, err := fs.Handshake(hctx, t.local)
	if err != nil {
		log.Warn("inbound handshake failed", zap.Error(err))
		_ = conn.CloseWithError(closeHandshake, "handshake failed")
		return
	}
	log.Debug("inbound session", zap.String("peer", string(remote)))
	fn(remote, fs)
}

// Dial connects to addr and completes the hello exchange.
func (t *QUICTransport) Dial(ctx context.Context, addr string) (syncer.NodeID, *FramedStream, error) {
	hctx, cancel := context.WithTimeout(ctx, t.cfg.HandshakeTimeout)
	defer cancel()

	conn, err := quic.DialAddr(hctx, addr, clientTLSConfig(), t.cfg.quic())
	if err != nil {
		return "", nil, fmt.Errorf("quic dial %s: %w", addr, err)
	}
	stream, err := conn.OpenStreamSync(hctx)
	if err != nil {
		_ = conn.CloseWithError(closeHandshake, "open stream")
		return "", nil, fmt.Errorf("open stream %s: %w", addr, err)
	}
	fs := NewFramedStream(&quicConn{conn: conn, stream: stream}, t.cfg.MaxFrameSize)
	remote, err := fs.Handshake(hctx, t.local)
	if err != nil {
		_ = conn.CloseWithError(closeHandshake, "handshake failed")
		return "", nil, fmt.Errorf("handshake %s: %w", addr, err)
	}
	return remote, fs, nil
}

// quicConn owns one connection and its single stream.
type quicConn struct {
	conn   *quic.Conn
	stream *quic.Stream
}

func (c *quicConn) Read(p []byte) (int, error)  { return c.stream.Read(p) }
func (c *quicConn) Write(p []byte) (int, error) { return c.stream.Write(p) }

// Close sends FIN and stops reading; the connection is closed after linger.
// It must not run concurrently with Write.
func (c *quicConn) Close() error {
	c.stream.CancelRead(quic.StreamErrorCode(closeNormal))
	err := c.stream.Close()
	time.AfterFunc(linger, func() {
		_ = c.conn.CloseWithError(closeNormal, "session closed")
	})
	return err
}

// Abort resets both directions and closes the connection at once.
func (c *quicConn) Abort() error {
	c.stream.CancelRead(quic.StreamErrorCode(closeAbort))
	c.stream.CancelWrite(quic.StreamErrorCode(closeAbort))
	return c.conn.CloseWithError(closeAbort, "session aborted")
}
