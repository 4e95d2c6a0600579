// Package nodes maintains the table of known mesh participants.
//
// The registry is fed partial updates from radio packets and wholesale
// snapshots from explicit node-list fetches. Entries are never deleted
// incrementally; stale nodes are filtered from outward-facing views and the
// internal table is only replaced by a well-formed full snapshot.
package nodes

import (
	"time"

	"github.com/opd-ai/meshim/presence"
)

// Position is a normalized geographic fix reported by a node.
type Position struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Node represents one mesh participant.
type Node struct {
	// ID is the stable hardware identifier, "!"-prefixed.
	ID string `json:"id"`

	LongName  string `json:"longName,omitempty"`
	ShortName string `json:"shortName,omitempty"`

	// LastHeard is the unix-seconds timestamp of the most recent radio
	// packet from this node. Zero means never heard.
	LastHeard float64 `json:"lastHeard,omitempty"`

	Position *Position `json:"position,omitempty"`

	// DeviceMetrics holds free-form telemetry, last write wins per key.
	DeviceMetrics map[string]float64 `json:"deviceMetrics,omitempty"`
}

// DisplayName derives the name shown in the contact list: long name if set,
// else short name, else the raw id.
func (n *Node) DisplayName() string {
	if n.LongName != "" {
		return n.LongName
	}
	if n.ShortName != "" {
		return n.ShortName
	}
	return n.ID
}

// Status derives the node's presence at the given instant.
func (n *Node) Status(now time.Time) presence.Status {
	return presence.StatusOfUnix(n.LastHeard, now)
}

// clone returns a deep copy so registry snapshots cannot alias internal state.
func (n *Node) clone() Node {
	out := *n
	if n.Position != nil {
		p := *n.Position
		out.Position = &p
	}
	if n.DeviceMetrics != nil {
		out.DeviceMetrics = make(map[string]float64, len(n.DeviceMetrics))
		for k, v := range n.DeviceMetrics {
			out.DeviceMetrics[k] = v
		}
	}
	return out
}
