package presence

import (
	"testing"
	"time"
)

func TestStatusOf(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	testCases := []struct {
		name      string
		lastHeard *time.Time
		expected  Status
	}{
		{"Nil last heard", nil, Offline},
		{"Heard just now", timePtr(now), Online},
		{"Heard one second ago", timePtr(now.Add(-time.Second)), Online},
		{"Just inside timeout", timePtr(now.Add(-OfflineTimeout + time.Second)), Online},
		{"Exactly at timeout boundary", timePtr(now.Add(-OfflineTimeout)), Offline},
		{"Well past timeout", timePtr(now.Add(-2 * OfflineTimeout)), Offline},
		{"Heard in the future", timePtr(now.Add(time.Minute)), Online},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got := StatusOf(tc.lastHeard, now)
			if got != tc.expected {
				t.Errorf("StatusOf() = %v, want %v", got, tc.expected)
			}
		})
	}
}

func TestStatusOfUnix(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)

	if got := StatusOfUnix(0, now); got != Offline {
		t.Errorf("zero lastHeard should be Offline, got %v", got)
	}
	if got := StatusOfUnix(-1, now); got != Offline {
		t.Errorf("negative lastHeard should be Offline, got %v", got)
	}
	if got := StatusOfUnix(float64(now.Unix()-599), now); got != Online {
		t.Errorf("599s silence should be Online, got %v", got)
	}
	if got := StatusOfUnix(float64(now.Unix()-600), now); got != Offline {
		t.Errorf("600s silence should be Offline, got %v", got)
	}
}

func TestStatusString(t *testing.T) {
	if Online.String() != "Online" || Offline.String() != "Offline" {
		t.Errorf("unexpected status strings: %q, %q", Online.String(), Offline.String())
	}
}

func timePtr(t time.Time) *time.Time { return &t }
