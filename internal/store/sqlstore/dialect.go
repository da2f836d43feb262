package sqlstore

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Dialect holds what differs between the SQL backends. Queries are written
// with ? placeholders and rebound when Numbered is set.
type Dialect struct {
	Name     string
	Numbered bool
	Schema   string
	// IsUniqueViolation reports whether err is the driver's unique
	// constraint error.
	IsUniqueViolation func(err error) bool
}

func (d Dialect) rebind(query string) string {
	if !d.Numbered {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] != '?' {
			b.WriteByte(query[i])
			continue
		}
		n++
		b.WriteByte('$')
		b.WriteString(strconv.Itoa(n))
	}
	return b.String()
}

// timeLayout sorts lexically in UTC, so TEXT timestamp columns order
// correctly.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// timeValue scans TIMESTAMPTZ (time.Time) and TEXT timestamps alike.
type timeValue struct {
	t     time.Time
	valid bool
}

func (v *timeValue) Scan(src any) error {
	switch x := src.(type) {
	case nil:
		v.t, v.valid = time.Time{}, false
		return nil
	case time.Time:
		v.t, v.valid = x.UTC(), true
		return nil
	case string:
		return v.parse(x)
	case []byte:
		return v.parse(string(x))
	default:
		return fmt.Errorf("scan time: unsupported type %T", src)
	}
}

func (v *timeValue) parse(s string) error {
	for _, layout := range []string{timeLayout, time.RFC3339Nano, "2006-01-02 15:04:05.999999999-07:00", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			v.t, v.valid = t.UTC(), true
			return nil
		}
	}
	return fmt.Errorf("scan time: cannot parse %q", s)
}

func (v timeValue) ptr() *time.Time {
	if !v.valid {
		return nil
	}
	t := v.t
	return &t
}
