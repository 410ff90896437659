package mapper

import (
	"database/sql/driver"
	"fmt"
	"math"
	"reflect"
	"time"
)

// bindValue converts a Go value into a driver bind value. The mapping is
// size-dispatched for integers and preserves signedness; optional values
// arrive as nil-able pointers and bind NULL when nil.
//
//	int8/16/32/64, int      -> int64
//	uint8/16/32/64, uint    -> int64 (uint64 must fit)
//	float32/float64         -> float64
//	string, []byte          -> as-is (variable-length)
//	bool                    -> bool
//	time.Time               -> time.Time (driver converts to TIMESTAMP)
//	*T / nil                -> NULL or the dereferenced mapping
func bindValue(v any) (driver.Value, error) {
	switch x := v.(type) {
	case nil:
		return nil, nil
	case int64, float64, bool, []byte, string, time.Time:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint:
		return uint64ToBind(uint64(x))
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case uint64:
		return uint64ToBind(x)
	case float32:
		return float64(x), nil
	case *time.Time:
		if x == nil {
			return nil, nil
		}
		return *x, nil
	}

	// Remaining nil-able pointers bind NULL or their element's mapping.
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return nil, nil
		}
		return bindValue(rv.Elem().Interface())
	}

	return nil, fmt.Errorf("unsupported bind type %T", v)
}

func uint64ToBind(x uint64) (driver.Value, error) {
	if x > math.MaxInt64 {
		return nil, fmt.Errorf("uint64 value %d overflows bind range", x)
	}
	return int64(x), nil
}
