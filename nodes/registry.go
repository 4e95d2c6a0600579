package nodes

import (
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opd-ai/meshim/presence"
)

// Update is one entry of a full node-list snapshot.
type Update struct {
	ID     string
	Fields Fields
}

// Registry is the table of known mesh nodes.
//
// It is written only from the session controller's serialized event path;
// the mutex exists so read-only snapshot methods stay safe from other
// goroutines (the presentation layer polls GetSnapshot).
type Registry struct {
	mu       sync.RWMutex
	order    []string
	entries  map[string]*Node
	reserved map[string]struct{}
	now      func() time.Time
}

// NewRegistry creates an empty registry. Reserved ids (the local operator's
// own id, the public broadcast sentinel) are never inserted.
func NewRegistry(reservedIDs ...string) *Registry {
	r := &Registry{
		entries:  make(map[string]*Node),
		reserved: make(map[string]struct{}, len(reservedIDs)),
		now:      time.Now,
	}
	for _, id := range reservedIDs {
		if id != "" {
			r.reserved[id] = struct{}{}
		}
	}
	return r
}

// Reserve marks an id as never-insertable after construction. The local
// radio's own id is only learned once the mesh connection is established.
// Any existing entry under the id is dropped from the table.
func (r *Registry) Reserve(id string) {
	if id == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserved[id] = struct{}{}
	if _, ok := r.entries[id]; ok {
		delete(r.entries, id)
		for i, existing := range r.order {
			if existing == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
}

// SetClock overrides the time source. Used by tests.
func (r *Registry) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Upsert merges the non-absent fields of f into the entry for id, creating
// it on first reference. An update that carries no last-heard value stamps
// the current time, the node was just heard on the radio after all.
// Reserved and empty ids are ignored and return nil.
func (r *Registry) Upsert(id string, f Fields) *Node {
	if id == "" {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.reserved[id]; ok {
		logrus.WithFields(logrus.Fields{
			"function": "Upsert",
			"node_id":  id,
		}).Debug("Ignoring reserved node id")
		return nil
	}

	n, ok := r.entries[id]
	if !ok {
		n = &Node{ID: id}
		r.entries[id] = n
		r.order = append(r.order, id)
		logrus.WithFields(logrus.Fields{
			"function": "Upsert",
			"node_id":  id,
		}).Debug("Created node entry")
	}

	r.merge(n, f, true)
	out := n.clone()
	return &out
}

// merge applies last-write-wins per field. Caller holds the lock.
// stampNow controls what a missing last-heard value means: a live packet
// update implies the node was just heard, a snapshot entry does not.
func (r *Registry) merge(n *Node, f Fields, stampNow bool) {
	if f.LongName != "" {
		n.LongName = f.LongName
	}
	if f.ShortName != "" {
		n.ShortName = f.ShortName
	}

	if lh, present := coerceLastHeard(f.LastHeard); present {
		n.LastHeard = lh
	} else if stampNow {
		n.LastHeard = float64(r.now().Unix())
	}

	if f.Position != nil {
		if p := normalizePosition(f.Position); p != nil {
			n.Position = p
		} else {
			// Invalid coordinates remove the field rather than erroring.
			n.Position = nil
		}
	}

	if len(f.DeviceMetrics) > 0 {
		if n.DeviceMetrics == nil {
			n.DeviceMetrics = make(map[string]float64, len(f.DeviceMetrics))
		}
		for k, v := range f.DeviceMetrics {
			n.DeviceMetrics[k] = v
		}
	}
}

// ReplaceAll swaps the entire table for a freshly fetched node list and
// returns the number of entries accepted. An empty or fully malformed
// snapshot leaves the table untouched: a spurious empty response from the
// radio must not wipe known nodes out from under a racing update.
func (r *Registry) ReplaceAll(snapshot []Update) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	accepted := 0
	order := make([]string, 0, len(snapshot))
	entries := make(map[string]*Node, len(snapshot))
	for _, u := range snapshot {
		if u.ID == "" {
			continue
		}
		if _, ok := r.reserved[u.ID]; ok {
			continue
		}
		if _, dup := entries[u.ID]; dup {
			continue
		}
		n := &Node{ID: u.ID}
		if prev, ok := r.entries[u.ID]; ok {
			// Carry forward fields the snapshot entry may not repeat.
			*n = prev.clone()
		}
		r.merge(n, u.Fields, false)
		entries[u.ID] = n
		order = append(order, u.ID)
		accepted++
	}

	if accepted == 0 {
		logrus.WithFields(logrus.Fields{
			"function":      "ReplaceAll",
			"snapshot_size": len(snapshot),
			"kept":          len(r.entries),
		}).Warn("Rejecting empty or malformed node snapshot")
		return 0
	}

	r.entries = entries
	r.order = order
	logrus.WithFields(logrus.Fields{
		"function": "ReplaceAll",
		"accepted": accepted,
	}).Info("Node table replaced")
	return accepted
}

// Snapshot returns copies of every entry in insertion order.
func (r *Registry) Snapshot() []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.entries[id].clone())
	}
	return out
}

// ActiveSnapshot returns only the entries whose presence at now is Online.
// This is the view handed to contact lists and batch map pushes; the stale
// entries stay in the table until the next full replacement.
func (r *Registry) ActiveSnapshot(now time.Time) []Node {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Node, 0, len(r.order))
	for _, id := range r.order {
		n := r.entries[id]
		if n.Status(now) == presence.Online {
			out = append(out, n.clone())
		}
	}
	return out
}

// Get returns a copy of the entry for id, if present.
func (r *Registry) Get(id string) (Node, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n, ok := r.entries[id]
	if !ok {
		return Node{}, false
	}
	return n.clone(), true
}

// Len reports the number of entries, stale included.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}
