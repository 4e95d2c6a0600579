package nodes

import (
	"fmt"
	"strconv"

	"github.com/sirupsen/logrus"
)

// Fields is a partial node update as decoded from one packet or snapshot
// entry. Zero values mean "field absent"; absent fields never overwrite
// existing data.
type Fields struct {
	LongName  string
	ShortName string

	// LastHeard accepts whatever shape the transport decoded: float64,
	// integer or numeric string. Nil means the update carries no
	// last-heard value and the registry stamps the current time instead.
	LastHeard any

	// Position accepts either a decoded JSON mapping with latitude and
	// longitude keys or an already-normalized Position value. Anything
	// else, including non-numeric coordinates, drops the field.
	Position any

	DeviceMetrics map[string]float64
}

// coerceLastHeard converts the loosely-typed last-heard value to unix
// seconds. Unconvertible values collapse to zero rather than erroring, the
// node simply shows as never heard.
func coerceLastHeard(v any) (float64, bool) {
	switch t := v.(type) {
	case nil:
		return 0, false
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case uint32:
		return float64(t), true
	case string:
		f, err := strconv.ParseFloat(t, 64)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"function":   "coerceLastHeard",
				"last_heard": t,
			}).Warn("Unconvertible lastHeard value, using 0")
			return 0, true
		}
		return f, true
	default:
		logrus.WithFields(logrus.Fields{
			"function": "coerceLastHeard",
			"type":     fmt.Sprintf("%T", v),
		}).Warn("Unsupported lastHeard type, using 0")
		return 0, true
	}
}

// normalizePosition converts the loosely-typed position payload into the
// canonical Position shape. Returns nil when coordinates are missing or
// non-numeric; the caller drops the field in that case.
func normalizePosition(v any) *Position {
	switch t := v.(type) {
	case nil:
		return nil
	case Position:
		return &Position{Latitude: t.Latitude, Longitude: t.Longitude}
	case *Position:
		if t == nil {
			return nil
		}
		return &Position{Latitude: t.Latitude, Longitude: t.Longitude}
	case map[string]any:
		lat, okLat := numeric(t["latitude"])
		lon, okLon := numeric(t["longitude"])
		if !okLat || !okLon {
			return nil
		}
		return &Position{Latitude: lat, Longitude: lon}
	default:
		return nil
	}
}

func numeric(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	default:
		return 0, false
	}
}
