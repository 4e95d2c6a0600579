package nodes

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func TestUpsertCreatesAndMerges(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRegistry()
	r.SetClock(fixedClock(now))

	n := r.Upsert("!a1b2c3d4", Fields{LongName: "Alice Node"})
	require.NotNil(t, n)
	assert.Equal(t, "Alice Node", n.LongName)
	// No lastHeard on the update means the node was just heard.
	assert.Equal(t, float64(now.Unix()), n.LastHeard)

	n = r.Upsert("!a1b2c3d4", Fields{ShortName: "ALCE", LastHeard: float64(now.Unix() - 50)})
	require.NotNil(t, n)
	assert.Equal(t, "Alice Node", n.LongName, "existing field survives partial update")
	assert.Equal(t, "ALCE", n.ShortName)
	assert.Equal(t, float64(now.Unix()-50), n.LastHeard)
	assert.Equal(t, 1, r.Len())
}

func TestUpsertRejectsReservedAndEmptyIDs(t *testing.T) {
	r := NewRegistry("!deadbeef", "^all")

	assert.Nil(t, r.Upsert("", Fields{}))
	assert.Nil(t, r.Upsert("!deadbeef", Fields{LongName: "me"}))
	assert.Nil(t, r.Upsert("^all", Fields{}))
	assert.Equal(t, 0, r.Len())
}

func TestUpsertNormalizesPosition(t *testing.T) {
	r := NewRegistry()

	n := r.Upsert("!n1", Fields{Position: map[string]any{"latitude": 51.5, "longitude": -0.12}})
	require.NotNil(t, n)
	require.NotNil(t, n.Position)
	assert.Equal(t, 51.5, n.Position.Latitude)
	assert.Equal(t, -0.12, n.Position.Longitude)

	// Non-numeric coordinates drop the field instead of erroring.
	n = r.Upsert("!n1", Fields{Position: map[string]any{"latitude": "north", "longitude": -0.12}})
	require.NotNil(t, n)
	assert.Nil(t, n.Position)
}

func TestUpsertCoercesLastHeard(t *testing.T) {
	r := NewRegistry()

	n := r.Upsert("!n1", Fields{LastHeard: "1700000000"})
	require.NotNil(t, n)
	assert.Equal(t, float64(1_700_000_000), n.LastHeard)

	n = r.Upsert("!n1", Fields{LastHeard: "not-a-number"})
	require.NotNil(t, n)
	assert.Equal(t, float64(0), n.LastHeard, "unparseable lastHeard collapses to zero")
}

func TestReplaceAllSwapsTable(t *testing.T) {
	r := NewRegistry()
	r.Upsert("!old1", Fields{})
	r.Upsert("!old2", Fields{})

	accepted := r.ReplaceAll([]Update{
		{ID: "!new1", Fields: Fields{LongName: "New One", LastHeard: 100.0}},
		{ID: "!old1", Fields: Fields{LastHeard: 200.0}},
	})
	assert.Equal(t, 2, accepted)
	assert.Equal(t, 2, r.Len())

	_, ok := r.Get("!old2")
	assert.False(t, ok, "entry absent from snapshot is discarded")
	n, ok := r.Get("!new1")
	require.True(t, ok)
	assert.Equal(t, "New One", n.LongName)
}

func TestReplaceAllRejectsEmptySnapshot(t *testing.T) {
	r := NewRegistry()
	r.Upsert("!keep", Fields{LongName: "Keeper"})

	assert.Equal(t, 0, r.ReplaceAll(nil))
	assert.Equal(t, 0, r.ReplaceAll([]Update{}))
	assert.Equal(t, 0, r.ReplaceAll([]Update{{ID: ""}, {ID: ""}}), "fully malformed snapshot is rejected")

	n, ok := r.Get("!keep")
	require.True(t, ok, "existing table survives a spurious empty response")
	assert.Equal(t, "Keeper", n.LongName)
}

func TestReplaceAllCarriesForwardKnownFields(t *testing.T) {
	r := NewRegistry()
	r.Upsert("!n1", Fields{LongName: "Long", LastHeard: 500.0})

	r.ReplaceAll([]Update{{ID: "!n1", Fields: Fields{ShortName: "SN"}}})

	n, ok := r.Get("!n1")
	require.True(t, ok)
	assert.Equal(t, "Long", n.LongName)
	assert.Equal(t, "SN", n.ShortName)
	assert.Equal(t, 500.0, n.LastHeard, "snapshot entry without lastHeard keeps the prior value")
}

func TestSnapshotOrderAndIsolation(t *testing.T) {
	r := NewRegistry()
	r.Upsert("!b", Fields{})
	r.Upsert("!a", Fields{})
	r.Upsert("!c", Fields{})

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	assert.Equal(t, []string{"!b", "!a", "!c"}, []string{snap[0].ID, snap[1].ID, snap[2].ID})

	// Mutating the snapshot must not touch the registry.
	snap[0].LongName = "mutated"
	n, _ := r.Get("!b")
	assert.Empty(t, n.LongName)
}

func TestActiveSnapshotPrunesStale(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	r := NewRegistry()

	r.Upsert("!fresh", Fields{LastHeard: float64(now.Unix() - 10)})
	r.Upsert("!stale", Fields{LastHeard: float64(now.Unix() - 601)})
	r.Upsert("!boundary", Fields{LastHeard: float64(now.Unix() - 600)})

	active := r.ActiveSnapshot(now)
	require.Len(t, active, 1)
	assert.Equal(t, "!fresh", active[0].ID)
	assert.Equal(t, 3, r.Len(), "stale entries remain in the table")
}

func TestDisplayName(t *testing.T) {
	testCases := []struct {
		name     string
		node     Node
		expected string
	}{
		{"Long name preferred", Node{ID: "!x", LongName: "Long", ShortName: "S"}, "Long"},
		{"Short name fallback", Node{ID: "!x", ShortName: "S"}, "S"},
		{"ID fallback", Node{ID: "!x"}, "!x"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.node.DisplayName(); got != tc.expected {
				t.Errorf("DisplayName() = %q, want %q", got, tc.expected)
			}
		})
	}
}
