package sqlstore

import (
	"fmt"
	"time"
)

// TimeLayout is the fixed-width text encoding of timestamps for databases without a native type.
// Fixed width keeps lexicographic and chronological order identical.
const TimeLayout = "2006-01-02 15:04:05.000000"

var timestampFormats = []string{
	TimeLayout,
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
	"2006-01-02T15:04:05.999999Z",
	"2006-01-02T15:04:05Z",
	time.RFC3339,
	time.RFC3339Nano,
}

// parseTimestamp parses textual datetime values to UTC time.Time.
func parseTimestamp(s string) (time.Time, error) {
	for _, format := range timestampFormats {
		t, err := time.Parse(format, s)
		if err == nil {
			return t.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

// dbTime scans native or textual timestamps. NULL scans to the zero time.
type dbTime struct {
	t *time.Time
}

// Scan implements sql.Scanner.
func (d dbTime) Scan(src interface{}) error {
	switch v := src.(type) {
	case nil:
		*d.t = time.Time{}
	case time.Time:
		*d.t = v.UTC()
	case string:
		t, err := parseTimestamp(v)
		if err != nil {
			return err
		}
		*d.t = t
	case []byte:
		t, err := parseTimestamp(string(v))
		if err != nil {
			return err
		}
		*d.t = t
	default:
		return fmt.Errorf("cannot scan %T into timestamp", src)
	}
	return nil
}

// scanTime returns a scanner writing into t.
func scanTime(t *time.Time) dbTime {
	return dbTime{t: t}
}

// nullTime scans a nullable timestamp into a pointer that stays nil for NULL.
type nullTime struct {
	t **time.Time
}

// Scan implements sql.Scanner.
func (n nullTime) Scan(src interface{}) error {
	if src == nil {
		*n.t = nil
		return nil
	}
	var t time.Time
	if err := (dbTime{t: &t}).Scan(src); err != nil {
		return err
	}
	*n.t = &t
	return nil
}

// timePtr is the argument form of a nullable timestamp.
func (s *Store) timePtr(t *time.Time) interface{} {
	if t == nil {
		return nil
	}
	return s.t(*t)
}
