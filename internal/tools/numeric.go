package tools

import (
	"encoding/json"
	"math"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Unparseable is the value numeric coercion yields for input it can't read.
var Unparseable = math.NaN()

// ToFloat coerces a loosely typed JSON value into a float64.
// Strings are read as decimals, anything unreadable becomes Unparseable.
func ToFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case float32:
		return float64(n)
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case int32:
		return float64(n)
	case json.Number:
		f, err := n.Float64()
		if err != nil {
			return Unparseable
		}
		return f
	case string:
		d, err := decimal.NewFromString(strings.TrimSpace(n))
		if err != nil {
			return Unparseable
		}
		f, _ := d.Float64()
		return f
	default:
		return Unparseable
	}
}

// ToUnixTime reads epoch seconds into a UTC instant. Fractional or non-finite
// values are rejected.
func ToUnixTime(v any) (time.Time, bool) {
	f := ToFloat(v)
	if math.IsNaN(f) || math.IsInf(f, 0) || f != math.Trunc(f) || f < 0 {
		return time.Time{}, false
	}
	return time.Unix(int64(f), 0).UTC(), true
}
