package transport

import (
	"errors"

	"github.com/opd-ai/meshim/nodes"
)

// Kind identifies which transport an adapter or event belongs to.
type Kind uint8

const (
	KindMesh Kind = iota
	KindMQTT
	KindUpdate
)

// String returns a human-readable transport name.
func (k Kind) String() string {
	switch k {
	case KindMesh:
		return "mesh"
	case KindMQTT:
		return "mqtt"
	case KindUpdate:
		return "update"
	default:
		return "unknown"
	}
}

// ConnState is the lifecycle of a single adapter's connection. It is owned
// exclusively by the adapter; the session controller only observes
// snapshots via events.
type ConnState uint8

const (
	StateIdle ConnState = iota
	StateConnecting
	StateConnected
	StateFailed
	StateClosed
)

// String returns a human-readable state name.
func (s ConnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateFailed:
		return "failed"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// MessageKind distinguishes a direct message from a public broadcast.
type MessageKind uint8

const (
	MessageDirect MessageKind = iota
	MessageBroadcast
)

// String returns a human-readable message kind.
func (m MessageKind) String() string {
	if m == MessageBroadcast {
		return "broadcast"
	}
	return "direct"
}

// EventType enumerates the normalized events an adapter can emit.
type EventType uint8

const (
	// EventEstablished fires once per connection instance when the
	// transport is fully usable (socket up and, for MQTT, subscribed).
	EventEstablished EventType = iota
	// EventLost fires once per connection instance on connect failure or
	// loss of an established connection. Reason is human-readable.
	EventLost
	// EventMessage carries an inbound chat message.
	EventMessage
	// EventNodeSnapshot carries a freshly fetched full node list.
	EventNodeSnapshot
	// EventPacket carries telemetry from a non-text radio packet; it
	// updates the node registry without producing a chat message.
	EventPacket
)

// String returns a human-readable event name.
func (e EventType) String() string {
	switch e {
	case EventEstablished:
		return "established"
	case EventLost:
		return "lost"
	case EventMessage:
		return "message"
	case EventNodeSnapshot:
		return "node_snapshot"
	case EventPacket:
		return "packet"
	default:
		return "unknown"
	}
}

// Event is the normalized form every adapter callback collapses into.
// Exactly the fields relevant to Type are populated.
type Event struct {
	Transport Kind
	Type      EventType

	// Reason accompanies EventLost.
	Reason string

	// OwnID accompanies EventEstablished from the mesh adapter: the local
	// radio's own node id, learned during the handshake.
	OwnID string

	// Sender, Text and MsgKind accompany EventMessage.
	Sender  string
	Text    string
	MsgKind MessageKind

	// Nodes accompanies EventNodeSnapshot.
	Nodes []nodes.Update

	// NodeID and Fields accompany EventPacket.
	NodeID string
	Fields nodes.Fields
}

// EventSink receives normalized adapter events. Implementations must be
// safe to call from the adapter's own goroutines and must not block for
// long; the session controller feeds a buffered queue.
type EventSink func(Event)

// Adapter is the capability set shared by both transport variants.
type Adapter interface {
	Kind() Kind

	// Connect starts connecting. It never blocks on network I/O; the
	// outcome arrives on the event sink as Established or Lost.
	Connect() error

	// Disconnect tears the connection down. Idempotent and safe to call
	// when never connected.
	Disconnect() error

	// Send transmits text to a destination. The channel index is only
	// meaningful on the mesh transport. Fails fast when the adapter is
	// not connected.
	Send(destination, text string, channel int) error

	// Connected reports whether the adapter currently holds an
	// established connection.
	Connected() bool
}

// Sentinel errors shared by the adapters.
var (
	ErrNotConnected     = errors.New("transport not connected")
	ErrAlreadyConnected = errors.New("transport already connected")
	ErrNotConfigured    = errors.New("not configured")
	ErrReceiveOnly      = errors.New("transport is receive-only")
)
