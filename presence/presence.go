// Package presence computes online/offline status for mesh participants
// from last-heard timestamps.
//
// Status is derived, never stored: a node is Online exactly when a radio
// packet from it was heard less than the offline timeout ago.
//
// Example:
//
//	last := time.Now().Add(-5 * time.Minute)
//	if presence.StatusOf(&last, time.Now()) == presence.Online {
//	    fmt.Println("still around")
//	}
package presence

import "time"

// Status represents the derived online/offline state of a node.
type Status uint8

const (
	Offline Status = iota
	Online
)

// String returns a human-readable status name.
func (s Status) String() string {
	if s == Online {
		return "Online"
	}
	return "Offline"
}

// OfflineTimeout is how long a node may stay silent before it is
// considered Offline.
const OfflineTimeout = 600 * time.Second

// StatusOf reports the status of a node last heard at lastHeard, evaluated
// at now. A nil lastHeard means the node was never heard and is Offline.
// A silence of exactly OfflineTimeout is already Offline.
func StatusOf(lastHeard *time.Time, now time.Time) Status {
	if lastHeard == nil {
		return Offline
	}
	if now.Sub(*lastHeard) < OfflineTimeout {
		return Online
	}
	return Offline
}

// StatusOfUnix is StatusOf for callers holding raw unix-seconds values, as
// delivered by mesh node telemetry. A zero lastHeard means never heard.
func StatusOfUnix(lastHeard float64, now time.Time) Status {
	if lastHeard <= 0 {
		return Offline
	}
	t := time.Unix(int64(lastHeard), 0)
	return StatusOf(&t, now)
}
