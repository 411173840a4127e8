package rt

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/opentransit/tripfeed/business/navitia"
	"github.com/opentransit/tripfeed/foundation/dates"
)

// ErrOutsideSearchPeriod marks a scheduled journey whose circulation does not
// fall inside the requested window.
var ErrOutsideSearchPeriod = errors.New("vehicle journey outside search period")

// VehicleJourney is a dated run of a scheduled trip. StartTimestamp is the
// naive UTC datetime of its first stop on the circulation day.
type VehicleJourney struct {
	ID             uuid.UUID `db:"vehicle_journey_id"`
	NavitiaTripID  string    `db:"navitia_trip_id"`
	StartTimestamp time.Time `db:"start_timestamp"`
	CreatedAt      time.Time `db:"created_at"`

	// Navitia carries the theoretical schedule this journey realises. It is
	// resolved at build time and never persisted.
	Navitia *navitia.VehicleJourney `db:"-"`
}

// NewVehicleJourney dates the scheduled journey nav inside [since, until].
// The start timestamp combines since's date with the first stop's UTC clock
// time, rolled forward one day when that lands before since. A start after
// until returns ErrOutsideSearchPeriod.
func NewVehicleJourney(nav *navitia.VehicleJourney, since, until time.Time) (*VehicleJourney, error) {
	if err := dates.CheckNaiveUTC(since, until); err != nil {
		return nil, err
	}
	if len(nav.StopTimes) == 0 {
		return nil, fmt.Errorf("vehicle journey %s has no stop times", nav.ID)
	}

	first := nav.StopTimes[0]
	clockStr := first.UTCArrivalTime
	if clockStr == "" {
		clockStr = first.UTCDepartureTime
	}
	clock, err := dates.ParseClock(clockStr)
	if err != nil {
		return nil, fmt.Errorf("vehicle journey %s first stop time: %w", nav.ID, err)
	}

	start := dates.CombineClock(dates.Midnight(since), clock)
	if start.Before(since) {
		start = start.Add(24 * time.Hour)
	}
	if start.After(until) {
		return nil, fmt.Errorf("vehicle journey %s starting %s: %w",
			nav.ID, start.Format(dates.NavitiaFormat), ErrOutsideSearchPeriod)
	}

	return &VehicleJourney{
		ID:             uuid.New(),
		NavitiaTripID:  nav.Trip.ID,
		StartTimestamp: start,
		Navitia:        nav,
	}, nil
}

// NewAddedVehicleJourney dates a journey created by a feed, with no
// theoretical schedule behind it. start is the naive UTC datetime of its
// first served stop.
func NewAddedVehicleJourney(navitiaTripID string, start time.Time) (*VehicleJourney, error) {
	if err := dates.CheckNaiveUTC(start); err != nil {
		return nil, err
	}
	return &VehicleJourney{
		ID:             uuid.New(),
		NavitiaTripID:  navitiaTripID,
		StartTimestamp: start,
	}, nil
}

// CirculationDate is the UTC date of the journey's first stop.
func (vj *VehicleJourney) CirculationDate() time.Time {
	return dates.Midnight(vj.StartTimestamp)
}

// BaselineStop is one theoretical stop of the journey, with absolute naive
// UTC times on the circulation day.
type BaselineStop struct {
	Order     int
	StopID    string
	Code      string
	Arrival   time.Time
	Departure time.Time
}

// BaselineStops expands the journey's schedule into absolute times anchored
// on the circulation date. codeKey selects which stop point code identifies
// stops in the feed.
func (vj *VehicleJourney) BaselineStops(codeKey string) ([]BaselineStop, error) {
	if vj.Navitia == nil {
		return nil, fmt.Errorf("vehicle journey %s has no schedule attached", vj.NavitiaTripID)
	}
	day := vj.CirculationDate()
	stops := make([]BaselineStop, 0, len(vj.Navitia.StopTimes))

	// clock times reset at midnight, so a regression means the trip rolled
	// into the next day
	var offset time.Duration
	var prev time.Time
	for i, st := range vj.Navitia.StopTimes {
		arrivalClock, err := dates.ParseClock(st.UTCArrivalTime)
		if err != nil {
			return nil, fmt.Errorf("stop %s arrival: %w", st.StopPoint.ID, err)
		}
		departureClock, err := dates.ParseClock(st.UTCDepartureTime)
		if err != nil {
			return nil, fmt.Errorf("stop %s departure: %w", st.StopPoint.ID, err)
		}

		arrival := dates.CombineClock(day, arrivalClock).Add(offset)
		if !prev.IsZero() && arrival.Before(prev) {
			offset += 24 * time.Hour
			arrival = arrival.Add(24 * time.Hour)
		}
		departure := dates.CombineClock(day, departureClock).Add(offset)
		if departure.Before(arrival) {
			offset += 24 * time.Hour
			departure = departure.Add(24 * time.Hour)
		}
		prev = departure

		stops = append(stops, BaselineStop{
			Order:     i,
			StopID:    st.StopPoint.ID,
			Code:      st.StopPoint.CodeValue(codeKey),
			Arrival:   arrival,
			Departure: departure,
		})
	}
	return stops, nil
}
