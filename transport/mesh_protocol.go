package transport

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"io"
)

// Wire framing for the mesh radio link. Every frame is a start byte, a
// little-endian 16-bit payload length, then the payload. The first payload
// byte tags the frame type, the remainder is a JSON body.
const (
	frameStart       = 0x3c
	frameHeaderLen   = 3
	maxFramePayload  = 8192
	frameOverheadLen = 1 // type tag inside the payload
)

// Frame type tags. Device to host:
const (
	frameMyInfo   = 0x01
	framePacket   = 0x02
	frameNodeList = 0x03
)

// Host to device:
const (
	frameSendText = 0x10
	frameGetNodes = 0x11
)

// Application port tags carried in packet payloads. Only text-message
// packets become chat messages; everything else is telemetry.
const (
	PortTextMessage = "TEXT_MESSAGE_APP"
	PortPosition    = "POSITION_APP"
	PortNodeInfo    = "NODEINFO_APP"
	PortTelemetry   = "TELEMETRY_APP"
)

// BroadcastDest is the destination node number meaning "everyone".
const BroadcastDest uint32 = 0xFFFFFFFF

// meshMyInfo is the handshake body identifying the local radio.
type meshMyInfo struct {
	MyNodeNum uint32 `json:"myNodeNum"`
	ID        string `json:"id"`
	Firmware  string `json:"firmwareVersion,omitempty"`
}

// meshUser is the embedded owner record of a node.
type meshUser struct {
	ID        string `json:"id"`
	LongName  string `json:"longName,omitempty"`
	ShortName string `json:"shortName,omitempty"`
}

// meshPacket is one inbound radio packet as the device reports it. The
// decoded section mirrors the loosely-typed payloads real radios emit, so
// position arrives as a raw mapping and lastHeard as whatever numeric shape
// the firmware chose.
type meshPacket struct {
	FromID  string `json:"fromId"`
	ToID    uint32 `json:"toId"`
	Decoded struct {
		Portnum       string             `json:"portnum"`
		Text          string             `json:"text,omitempty"`
		User          *meshUser          `json:"user,omitempty"`
		Position      map[string]any     `json:"position,omitempty"`
		DeviceMetrics map[string]float64 `json:"deviceMetrics,omitempty"`
	} `json:"decoded"`
	RxTime any `json:"rxTime,omitempty"`
}

// meshNodeEntry is one element of a full node-list response.
type meshNodeEntry struct {
	User          *meshUser          `json:"user,omitempty"`
	LastHeard     any                `json:"lastHeard,omitempty"`
	Position      map[string]any     `json:"position,omitempty"`
	DeviceMetrics map[string]float64 `json:"deviceMetrics,omitempty"`
}

// meshSendText is the host-to-device text transmission request.
type meshSendText struct {
	To      string `json:"to"`
	Channel int    `json:"channel"`
	Text    string `json:"text"`
}

// writeFrame sends one framed payload: type tag plus JSON body.
func writeFrame(w io.Writer, frameType byte, body any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode frame body: %w", err)
	}
	payloadLen := len(data) + frameOverheadLen
	if payloadLen > maxFramePayload {
		return fmt.Errorf("frame payload too large: %d bytes", payloadLen)
	}

	frame := make([]byte, frameHeaderLen+payloadLen)
	frame[0] = frameStart
	binary.LittleEndian.PutUint16(frame[1:3], uint16(payloadLen))
	frame[3] = frameType
	copy(frame[4:], data)

	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

// readFrame reads one framed payload and returns its type tag and JSON body.
func readFrame(r io.Reader) (byte, []byte, error) {
	header := make([]byte, frameHeaderLen)
	if _, err := io.ReadFull(r, header); err != nil {
		return 0, nil, fmt.Errorf("read frame header: %w", err)
	}
	if header[0] != frameStart {
		return 0, nil, fmt.Errorf("bad frame start byte 0x%02x", header[0])
	}
	payloadLen := int(binary.LittleEndian.Uint16(header[1:3]))
	if payloadLen < frameOverheadLen || payloadLen > maxFramePayload {
		return 0, nil, fmt.Errorf("bad frame length %d", payloadLen)
	}

	payload := make([]byte, payloadLen)
	if _, err := io.ReadFull(r, payload); err != nil {
		return 0, nil, fmt.Errorf("read frame payload: %w", err)
	}
	return payload[0], payload[1:], nil
}
