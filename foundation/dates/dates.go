// Package dates provides naive-UTC datetime arithmetic shared by the
// realtime pipeline. All datetimes handled by the pipeline are "naive UTC":
// a time.Time whose location is time.UTC, compared and stored without any
// timezone marker.
package dates

import (
	"fmt"
	"time"
)

// NavitiaFormat is the 15-character compact form used by the timetable API
// for since/until query parameters.
const NavitiaFormat = "20060102T150405"

// DateFormat is the YYYYMMDD form used for the published trip start_date.
const DateFormat = "20060102"

// ProbeFormat is the timestamp form reported by the status probe.
const ProbeFormat = "2006-01-02T15:04:05Z"

// ErrNotNaiveUTC is returned when a datetime carrying a non-UTC location
// reaches an API that requires naive UTC.
type ErrNotNaiveUTC struct {
	T time.Time
}

func (e ErrNotNaiveUTC) Error() string {
	return fmt.Sprintf("invalid datetime provided: must be naive (and UTC), got %s", e.T)
}

// CheckNaiveUTC verifies t is expressed in UTC. Zero times are accepted.
func CheckNaiveUTC(ts ...time.Time) error {
	for _, t := range ts {
		if !t.IsZero() && t.Location() != time.UTC {
			return ErrNotNaiveUTC{T: t}
		}
	}
	return nil
}

// FloorHour truncates t to the hour.
func FloorHour(t time.Time) time.Time {
	return t.Truncate(time.Hour)
}

// FromPosix interprets posix seconds as a naive UTC datetime.
func FromPosix(seconds int64) time.Time {
	return time.Unix(seconds, 0).UTC()
}

// ToPosix converts a naive UTC datetime to posix seconds. The zero time maps
// to 0, matching the downstream feed convention for absent times.
func ToPosix(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.Unix()
}

// Midnight returns the naive UTC midnight of t's calendar day.
func Midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// CombineClock places a clock time, expressed as seconds since midnight, on
// the calendar day of day. Seconds past 24h roll into the following day.
func CombineClock(day time.Time, clockSeconds int) time.Time {
	return Midnight(day).Add(time.Duration(clockSeconds) * time.Second)
}

// ParseClock reads an HHMMSS clock string into seconds since midnight.
func ParseClock(s string) (int, error) {
	if len(s) != 6 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	var h, m, sec int
	if _, err := fmt.Sscanf(s, "%02d%02d%02d", &h, &m, &sec); err != nil {
		return 0, fmt.Errorf("invalid clock time %q: %w", s, err)
	}
	if h > 23 || m > 59 || sec > 59 {
		return 0, fmt.Errorf("invalid clock time %q", s)
	}
	return h*3600 + m*60 + sec, nil
}
