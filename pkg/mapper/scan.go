package mapper

import (
	"database/sql/driver"
	"fmt"
	"strconv"
	"time"
)

// Scan helpers for writing Field.Assign functions.

// ScanString converts a driver value to a string.
func ScanString(v driver.Value) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []byte:
		return string(x), nil
	case nil:
		return "", nil
	default:
		return "", fmt.Errorf("cannot scan %T into string", v)
	}
}

// ScanInt64 converts a driver value to an int64.
func ScanInt64(v driver.Value) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case []byte:
		return strconv.ParseInt(string(x), 10, 64)
	case nil:
		return 0, nil
	default:
		return 0, fmt.Errorf("cannot scan %T into int64", v)
	}
}

// ScanTime converts a driver value to a time.Time.
func ScanTime(v driver.Value) (time.Time, error) {
	switch x := v.(type) {
	case time.Time:
		return x, nil
	case []byte:
		return time.Parse("2006-01-02 15:04:05.999999", string(x))
	case nil:
		return time.Time{}, nil
	default:
		return time.Time{}, fmt.Errorf("cannot scan %T into time.Time", v)
	}
}

// ScanNullableTime converts a driver value to a *time.Time, nil on NULL.
func ScanNullableTime(v driver.Value) (*time.Time, error) {
	if v == nil {
		return nil, nil
	}
	t, err := ScanTime(v)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
