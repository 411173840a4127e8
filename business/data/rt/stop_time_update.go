package rt

import (
	"time"

	"github.com/google/uuid"
)

// StopEvent is the realtime view of one arrival or departure: the absolute
// naive UTC time, the delay against the baseline, and what the feed said
// about it. Time and Delay are nil when the feed said nothing.
type StopEvent struct {
	Time   *time.Time
	Delay  *time.Duration
	Status ModificationType
}

// onTime builds the StopEvent of an untouched baseline event.
func onTime(baseline time.Time) StopEvent {
	zero := time.Duration(0)
	t := baseline
	return StopEvent{Time: &t, Delay: &zero, Status: StatusNone}
}

func timesEqual(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == b
	}
	return a.Equal(*b)
}

func delaysEqual(a, b *time.Duration) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}

// StopTimeUpdate is the realtime state of one stop of a trip update.
type StopTimeUpdate struct {
	ID        uuid.UUID
	Order     int
	StopID    string
	StopCode  string
	Arrival   StopEvent
	Departure StopEvent
	Message   string
}

// IsNotEqual reports whether other differs from s in any field a consumer
// can observe. It drives the no-op detection: a feed that changes nothing is
// not republished.
func (s StopTimeUpdate) IsNotEqual(other StopTimeUpdate) bool {
	return s.StopID != other.StopID ||
		s.Order != other.Order ||
		s.Message != other.Message ||
		s.Arrival.Status != other.Arrival.Status ||
		s.Departure.Status != other.Departure.Status ||
		!timesEqual(s.Arrival.Time, other.Arrival.Time) ||
		!timesEqual(s.Departure.Time, other.Departure.Time) ||
		!delaysEqual(s.Arrival.Delay, other.Arrival.Delay) ||
		!delaysEqual(s.Departure.Delay, other.Departure.Delay)
}
