package syncer

import (
	"fmt"
	"strings"
)

// NodeID identifies the node that originated a piece of state. Relays never
// rewrite it.
type NodeID string

// ComponentID tags which logical subsystem a message carries state for.
type ComponentID uint8

const (
	ResourceView ComponentID = iota
	Commands

	NumComponents
)

func (c ComponentID) String() string {
	switch c {
	case ResourceView:
		return "resource_view"
	case Commands:
		return "commands"
	default:
		return fmt.Sprintf("component(%d)", uint8(c))
	}
}

// Valid reports whether c is one of the known components.
func (c ComponentID) Valid() bool {
	return c < NumComponents
}

// ParseComponentID maps a component name (as returned by String) back to its id.
func ParseComponentID(s string) (ComponentID, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "resource_view", "resource-view", "resources":
		return ResourceView, nil
	case "commands":
		return Commands, nil
	}
	return 0, fmt.Errorf("unknown component %q", s)
}

// MessageType hints whether the payload replaces prior state or amends it.
// Deduplication treats both the same.
type MessageType uint8

const (
	Snapshot MessageType = iota
	Update
)

func (t MessageType) String() string {
	switch t {
	case Snapshot:
		return "snapshot"
	case Update:
		return "update"
	default:
		return fmt.Sprintf("message_type(%d)", uint8(t))
	}
}

// Key addresses one version stream.
type Key struct {
	NodeID      NodeID
	ComponentID ComponentID
}

func (k Key) String() string {
	return string(k.NodeID) + "/" + k.ComponentID.String()
}

// Message is the unit of synchronized state. A Message is shared by pointer
// between queues and relays and must not be modified once created.
type Message struct {
	NodeID      NodeID
	ComponentID ComponentID
	Version     int64
	Type        MessageType
	Payload     []byte
}

// NewMessage copies payload so the caller may reuse its buffer.
func NewMessage(node NodeID, component ComponentID, version int64, t MessageType, payload []byte) *Message {
	return &Message{
		NodeID:      node,
		ComponentID: component,
		Version:     version,
		Type:        t,
		Payload:     append([]byte(nil), payload...),
	}
}

func (m *Message) Key() Key {
	return Key{NodeID: m.NodeID, ComponentID: m.ComponentID}
}

// AsSnapshot returns m typed as a Snapshot. The payload is shared, not copied.
func (m *Message) AsSnapshot() *Message {
	if m.Type == Snapshot {
		return m
	}
	cp := *m
	cp.Type = Snapshot
	return &cp
}

func (m *Message) String() string {
	return fmt.Sprintf("%s@%d(%s, %dB)", m.Key(), m.Version, m.Type, len(m.Payload))
}
