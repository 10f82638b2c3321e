package syncer

import "context"

// Reporter produces this node's own state for one component.
//
// CreateSyncMessage returns nil when the state is unchanged since current.
// It is called on every tick, so it must be cheap.
type Reporter interface {
	CreateSyncMessage(current int64, t MessageType) *Message
}

// Receiver applies a remote node's state for one component. Application
// level failures are the receiver's own concern.
type Receiver interface {
	ConsumeSyncMessage(msg *Message)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(current int64, t MessageType) *Message

func (f ReporterFunc) CreateSyncMessage(current int64, t MessageType) *Message {
	return f(current, t)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(msg *Message)

func (f ReceiverFunc) ConsumeSyncMessage(msg *Message) {
	f(msg)
}

// Session is the orchestrator's view of one peer connection.
type Session interface {
	RemoteNodeID() NodeID
	PushToSendingQueue(msg *Message) bool
	Disconnect()
}

// SessionHandler receives callbacks from a Reactor.
type SessionHandler interface {
	// OnMessageReceived is called for every inbound message the session
	// accepted. It must not block on other sessions' writes.
	OnMessageReceived(msg *Message, from Session)
	// RemoveSession is called once the session reached Closed.
	RemoveSession(s Session)
}

// Stream is one handshaken bidirectional message stream to a peer. Send and
// Recv are each called from a single goroutine; Close may be called from any
// goroutine and must unblock both.
type Stream interface {
	Send(ctx context.Context, msg *Message) error
	Recv(ctx context.Context) (*Message, error)
	Close() error
}
