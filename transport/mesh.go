package transport

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"go.bug.st/serial"

	"github.com/opd-ai/meshim/nodes"
)

// MeshKind selects how the local radio is reached.
type MeshKind uint8

const (
	MeshNone MeshKind = iota
	MeshSerial
	MeshNetwork
)

// ParseMeshKind maps the configuration string to a connection kind.
// Unrecognized values behave like "None".
func ParseMeshKind(s string) MeshKind {
	switch strings.TrimSpace(s) {
	case "Serial":
		return MeshSerial
	case "Network (IP)", "Network":
		return MeshNetwork
	default:
		return MeshNone
	}
}

// String returns the configuration spelling of the kind.
func (k MeshKind) String() string {
	switch k {
	case MeshSerial:
		return "Serial"
	case MeshNetwork:
		return "Network (IP)"
	default:
		return "None"
	}
}

// MeshConfig describes one mesh connection attempt.
type MeshConfig struct {
	Kind MeshKind
	// Detail is kind-specific: a serial port path or a host[:port].
	Detail string
}

const (
	meshDefaultTCPPort = "4403"
	meshDialTimeout    = 5 * time.Second
	meshSerialBaud     = 115200
)

// MeshTransport owns the connection to the local mesh radio, demultiplexes
// its packets and emits normalized events.
type MeshTransport struct {
	cfg  MeshConfig
	sink EventSink

	mu        sync.Mutex
	writeMu   sync.Mutex // serializes frame writes, separate from state
	state     ConnState
	conn      io.ReadWriteCloser
	gen       uint64
	myNodeNum uint32
	ownID     string

	// Single-fire guards for the current generation.
	establishedFired bool
	lostFired        bool

	// dial is injectable for tests.
	dial func(MeshConfig) (io.ReadWriteCloser, error)
}

// NewMeshTransport creates a mesh adapter delivering events to sink.
func NewMeshTransport(cfg MeshConfig, sink EventSink) *MeshTransport {
	return &MeshTransport{
		cfg:   cfg,
		sink:  sink,
		state: StateIdle,
		dial:  dialMesh,
	}
}

// Kind implements Adapter.
func (t *MeshTransport) Kind() Kind { return KindMesh }

// Connected implements Adapter.
func (t *MeshTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state == StateConnected
}

// State returns a snapshot of the connection state.
func (t *MeshTransport) State() ConnState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Connect begins a connection attempt. The outcome is reported on the event
// sink; the synchronous error only covers attempts that cannot start at all.
func (t *MeshTransport) Connect() error {
	t.mu.Lock()
	if t.state == StateConnecting || t.state == StateConnected {
		t.mu.Unlock()
		return ErrAlreadyConnected
	}
	t.gen++
	gen := t.gen
	t.establishedFired = false
	t.lostFired = false

	if t.cfg.Kind == MeshNone {
		t.state = StateFailed
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "Connect",
			"kind":     t.cfg.Kind.String(),
		}).Info("Mesh connection type is None, skipping")
		t.reportLost(gen, ErrNotConfigured.Error())
		return nil
	}

	t.state = StateConnecting
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "Connect",
		"kind":     t.cfg.Kind.String(),
		"detail":   t.cfg.Detail,
	}).Info("Starting mesh connection attempt")

	go t.establish(gen)
	return nil
}

// establish dials, handshakes and hands the connection to the read loop.
// Runs on its own goroutine; never called from the controller's event path.
func (t *MeshTransport) establish(gen uint64) {
	conn, err := t.dial(t.cfg)
	if err != nil {
		t.reportLost(gen, fmt.Sprintf("mesh connection failed during setup: %v", err))
		return
	}

	info, err := t.handshake(conn)
	if err != nil {
		// Release the partially-constructed connection before reporting.
		_ = conn.Close()
		t.reportLost(gen, fmt.Sprintf("mesh handshake failed: %v", err))
		return
	}

	t.mu.Lock()
	if gen != t.gen {
		// A disconnect or newer connect superseded this attempt.
		t.mu.Unlock()
		_ = conn.Close()
		logrus.WithFields(logrus.Fields{
			"function": "establish",
			"gen":      gen,
		}).Warn("Discarding superseded mesh connection")
		return
	}
	t.conn = conn
	t.myNodeNum = info.MyNodeNum
	t.ownID = info.ID
	t.state = StateConnected
	ownID := info.ID
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "establish",
		"own_id":      ownID,
		"my_node_num": info.MyNodeNum,
		"firmware":    info.Firmware,
	}).Info("Mesh connection established")

	t.reportEstablished(gen, ownID)
	go t.readLoop(gen, conn)
}

// handshake expects the radio to identify itself with a my-info frame
// before anything else.
func (t *MeshTransport) handshake(conn io.ReadWriteCloser) (*meshMyInfo, error) {
	frameType, body, err := readFrame(conn)
	if err != nil {
		return nil, err
	}
	if frameType != frameMyInfo {
		return nil, fmt.Errorf("expected my-info frame, got 0x%02x", frameType)
	}
	var info meshMyInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("decode my-info: %w", err)
	}
	if info.ID == "" {
		return nil, fmt.Errorf("my-info frame missing node id")
	}
	return &info, nil
}

// readLoop pumps frames until the connection dies. Bound to one generation;
// a superseded loop's events are discarded at the report boundary.
func (t *MeshTransport) readLoop(gen uint64, conn io.ReadWriteCloser) {
	for {
		frameType, body, err := readFrame(conn)
		if err != nil {
			t.reportLost(gen, fmt.Sprintf("mesh connection lost: %v", err))
			return
		}
		t.dispatch(gen, frameType, body)
	}
}

// dispatch decodes one frame and emits the matching event. Malformed
// payloads are logged and dropped, never fatal.
func (t *MeshTransport) dispatch(gen uint64, frameType byte, body []byte) {
	switch frameType {
	case framePacket:
		t.handlePacket(gen, body)
	case frameNodeList:
		t.handleNodeList(gen, body)
	case frameMyInfo:
		var info meshMyInfo
		if err := json.Unmarshal(body, &info); err != nil {
			t.logDecodeError("my-info", err)
			return
		}
		t.mu.Lock()
		if gen == t.gen {
			t.myNodeNum = info.MyNodeNum
			if info.ID != "" {
				t.ownID = info.ID
			}
		}
		t.mu.Unlock()
	default:
		logrus.WithFields(logrus.Fields{
			"function":   "dispatch",
			"frame_type": fmt.Sprintf("0x%02x", frameType),
		}).Debug("Ignoring unknown frame type")
	}
}

// handlePacket demultiplexes one radio packet. Packets without a source id
// are discarded. Every surviving packet updates node telemetry; only
// text-application packets additionally become chat messages.
func (t *MeshTransport) handlePacket(gen uint64, body []byte) {
	var pkt meshPacket
	if err := json.Unmarshal(body, &pkt); err != nil {
		t.logDecodeError("packet", err)
		return
	}
	if pkt.FromID == "" {
		logrus.WithFields(logrus.Fields{
			"function": "handlePacket",
		}).Debug("Dropping packet without source id")
		return
	}

	fields := nodes.Fields{
		LastHeard:     pkt.RxTime,
		Position:      pkt.Decoded.Position,
		DeviceMetrics: pkt.Decoded.DeviceMetrics,
	}
	if pkt.Decoded.User != nil {
		fields.LongName = pkt.Decoded.User.LongName
		fields.ShortName = pkt.Decoded.User.ShortName
	}
	t.emit(gen, Event{
		Transport: KindMesh,
		Type:      EventPacket,
		NodeID:    pkt.FromID,
		Fields:    fields,
	})

	if pkt.Decoded.Portnum != PortTextMessage || pkt.Decoded.Text == "" {
		return
	}

	// Direction defaults to broadcast when the local node number is not
	// yet known or the destination does not match it.
	kind := MessageBroadcast
	t.mu.Lock()
	myNum := t.myNodeNum
	t.mu.Unlock()
	if myNum != 0 && pkt.ToID == myNum {
		kind = MessageDirect
	}

	t.emit(gen, Event{
		Transport: KindMesh,
		Type:      EventMessage,
		Sender:    pkt.FromID,
		Text:      pkt.Decoded.Text,
		MsgKind:   kind,
	})
}

// handleNodeList converts a full node-list response into a snapshot event.
func (t *MeshTransport) handleNodeList(gen uint64, body []byte) {
	var entries []meshNodeEntry
	if err := json.Unmarshal(body, &entries); err != nil {
		t.logDecodeError("node list", err)
		return
	}

	updates := make([]nodes.Update, 0, len(entries))
	for _, e := range entries {
		if e.User == nil || e.User.ID == "" {
			continue
		}
		updates = append(updates, nodes.Update{
			ID: e.User.ID,
			Fields: nodes.Fields{
				LongName:      e.User.LongName,
				ShortName:     e.User.ShortName,
				LastHeard:     e.LastHeard,
				Position:      e.Position,
				DeviceMetrics: e.DeviceMetrics,
			},
		})
	}

	logrus.WithFields(logrus.Fields{
		"function": "handleNodeList",
		"received": len(entries),
		"usable":   len(updates),
	}).Debug("Node list received")

	t.emit(gen, Event{
		Transport: KindMesh,
		Type:      EventNodeSnapshot,
		Nodes:     updates,
	})
}

// Send transmits a text message. Destination is a node id or the broadcast
// sentinel; channel selects the radio channel index.
func (t *MeshTransport) Send(destination, text string, channel int) error {
	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		t.mu.Unlock()
		return fmt.Errorf("cannot send to %s: %w", destination, ErrNotConnected)
	}
	conn := t.conn
	t.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function":    "Send",
		"destination": destination,
		"channel":     channel,
	}).Debug("Queuing mesh text message")

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFrame(conn, frameSendText, meshSendText{
		To:      destination,
		Channel: channel,
		Text:    text,
	}); err != nil {
		return fmt.Errorf("mesh send failed: %w", err)
	}
	return nil
}

// FetchNodes asks the radio for its full node table. The response arrives
// asynchronously as an EventNodeSnapshot.
func (t *MeshTransport) FetchNodes() error {
	t.mu.Lock()
	if t.state != StateConnected || t.conn == nil {
		t.mu.Unlock()
		return fmt.Errorf("cannot fetch nodes: %w", ErrNotConnected)
	}
	conn := t.conn
	t.mu.Unlock()

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if err := writeFrame(conn, frameGetNodes, struct{}{}); err != nil {
		return fmt.Errorf("node fetch failed: %w", err)
	}
	return nil
}

// Disconnect tears down the connection. Superseding the generation makes
// the old read loop's late events invisible. Idempotent.
func (t *MeshTransport) Disconnect() error {
	t.mu.Lock()
	t.gen++
	conn := t.conn
	t.conn = nil
	t.myNodeNum = 0
	t.ownID = ""
	wasConnected := t.state == StateConnected || t.state == StateConnecting
	t.state = StateClosed
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	if wasConnected {
		logrus.WithFields(logrus.Fields{
			"function": "Disconnect",
		}).Info("Mesh transport disconnected")
	}
	return nil
}

// reportEstablished fires the established event exactly once per generation.
func (t *MeshTransport) reportEstablished(gen uint64, ownID string) {
	t.mu.Lock()
	if gen != t.gen || t.establishedFired {
		t.mu.Unlock()
		return
	}
	t.establishedFired = true
	sink := t.sink
	t.mu.Unlock()

	if sink != nil {
		sink(Event{Transport: KindMesh, Type: EventEstablished, OwnID: ownID})
	}
}

// reportLost fires the lost event exactly once per generation and discards
// reports from superseded connection instances.
func (t *MeshTransport) reportLost(gen uint64, reason string) {
	t.mu.Lock()
	if gen != t.gen || t.lostFired {
		t.mu.Unlock()
		logrus.WithFields(logrus.Fields{
			"function": "reportLost",
			"reason":   reason,
		}).Debug("Discarding stale or duplicate lost report")
		return
	}
	t.lostFired = true
	if t.state != StateClosed {
		t.state = StateFailed
	}
	conn := t.conn
	t.conn = nil
	sink := t.sink
	t.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	logrus.WithFields(logrus.Fields{
		"function": "reportLost",
		"reason":   reason,
	}).Warn("Mesh connection lost")
	if sink != nil {
		sink(Event{Transport: KindMesh, Type: EventLost, Reason: reason})
	}
}

// emit delivers a routine event, dropping it if the generation was
// superseded while it was in flight.
func (t *MeshTransport) emit(gen uint64, ev Event) {
	t.mu.Lock()
	stale := gen != t.gen
	sink := t.sink
	t.mu.Unlock()

	if stale || sink == nil {
		return
	}
	sink(ev)
}

func (t *MeshTransport) logDecodeError(what string, err error) {
	logrus.WithFields(logrus.Fields{
		"function": "dispatch",
		"payload":  what,
		"error":    err,
	}).Warn("Dropping malformed mesh payload")
}

// dialMesh opens the kind-specific connection to the radio.
func dialMesh(cfg MeshConfig) (io.ReadWriteCloser, error) {
	switch cfg.Kind {
	case MeshSerial:
		if cfg.Detail == "" {
			return nil, fmt.Errorf("serial port not specified")
		}
		port, err := serial.Open(cfg.Detail, &serial.Mode{BaudRate: meshSerialBaud})
		if err != nil {
			return nil, fmt.Errorf("open serial port %s: %w", cfg.Detail, err)
		}
		return port, nil
	case MeshNetwork:
		if cfg.Detail == "" {
			return nil, fmt.Errorf("network host not specified")
		}
		addr := cfg.Detail
		if _, _, err := net.SplitHostPort(addr); err != nil {
			addr = net.JoinHostPort(addr, meshDefaultTCPPort)
		}
		conn, err := net.DialTimeout("tcp", addr, meshDialTimeout)
		if err != nil {
			return nil, fmt.Errorf("tcp connect to %s: %w", addr, err)
		}
		return conn, nil
	default:
		return nil, ErrNotConfigured
	}
}
