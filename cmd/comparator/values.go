package comparator

import (
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/spf13/cast"
)

// NullText is how a nil value is rendered in differences and keys.
const NullText = "NULL"

// ValuesEqual applies the comparison policy: nil equals only nil, numbers are
// equal within tolerance (inclusive), times by exact instant, everything else
// by its string form.
func ValuesEqual(a, b any, tolerance float64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}

	if fa, ok := asNumber(a); ok {
		if fb, ok := asNumber(b); ok {
			return math.Abs(fa-fb) <= tolerance
		}
	}

	if ta, ok := a.(time.Time); ok {
		if tb, ok := b.(time.Time); ok {
			return ta.Equal(tb)
		}
	}

	return Stringify(a) == Stringify(b)
}

// asNumber interprets numeric Go values. NUMERIC/DECIMAL columns arrive as
// json.Number; other text is never coerced. Booleans and non-finite values
// are not numbers here.
func asNumber(v any) (float64, bool) {
	switch x := v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64, json.Number:
		f, err := cast.ToFloat64E(x)
		if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, false
		}
		return f, true
	default:
		return 0, false
	}
}

// Stringify renders a scanned value for keys and difference reports.
func Stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return NullText
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	case fmt.Stringer:
		return x.String()
	default:
		if s, err := cast.ToStringE(x); err == nil {
			return s
		}
		return fmt.Sprint(x)
	}
}
