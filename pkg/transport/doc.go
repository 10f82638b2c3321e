// Package transport carries zephyrsync messages between processes.
//
// FramedStream turns any io.ReadWriteCloser into a syncer.Stream using the
// framing from package wire. QUICTransport opens one bidirectional QUIC
// stream per peer; Pipe joins two in-process streams for tests and
// simulations.
package transport
