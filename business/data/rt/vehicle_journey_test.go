package rt

import (
	"errors"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/opentransit/tripfeed/business/navitia"
)

func scheduledJourney(clocks ...[2]string) *navitia.VehicleJourney {
	vj := &navitia.VehicleJourney{
		ID:   "vehicle_journey:R:vj1",
		Trip: navitia.Trip{ID: "R:vj1"},
	}
	for i, clock := range clocks {
		vj.StopTimes = append(vj.StopTimes, navitia.StopTime{
			UTCArrivalTime:   clock[0],
			UTCDepartureTime: clock[1],
			StopPoint: navitia.StopPoint{
				ID:    "stop_point:StopR" + string(rune('1'+i)),
				Codes: []navitia.Code{{Type: "source", Value: "StopR" + string(rune('1'+i))}},
			},
		})
	}
	return vj
}

func TestNewVehicleJourneyStartTimestamp(t *testing.T) {
	nav := scheduledJourney([2]string{"140000", "140000"}, [2]string{"143000", "143100"})

	cases := []struct {
		name      string
		since     time.Time
		until     time.Time
		wantStart time.Time
		wantErr   error
	}{
		{
			name:      "same day",
			since:     time.Date(2012, 6, 15, 12, 0, 0, 0, time.UTC),
			until:     time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC),
			wantStart: time.Date(2012, 6, 15, 14, 0, 0, 0, time.UTC),
		},
		{
			name:      "rolls to next day when clock is before since",
			since:     time.Date(2012, 6, 15, 15, 0, 0, 0, time.UTC),
			until:     time.Date(2012, 6, 16, 19, 0, 0, 0, time.UTC),
			wantStart: time.Date(2012, 6, 16, 14, 0, 0, 0, time.UTC),
		},
		{
			name:    "outside window",
			since:   time.Date(2012, 6, 15, 15, 0, 0, 0, time.UTC),
			until:   time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC),
			wantErr: ErrOutsideSearchPeriod,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			vj, err := NewVehicleJourney(nav, tc.since, tc.until)
			if tc.wantErr != nil {
				is.True(errors.Is(err, tc.wantErr))
				return
			}
			is.NoErr(err)
			is.Equal(vj.StartTimestamp, tc.wantStart)
			is.Equal(vj.NavitiaTripID, "R:vj1")
			is.Equal(vj.StartTimestamp.Location(), time.UTC)
		})
	}
}

func TestNewVehicleJourneyRejectsLocalSince(t *testing.T) {
	is := is.New(t)
	nav := scheduledJourney([2]string{"140000", "140000"})
	montreal, err := time.LoadLocation("America/Montreal")
	is.NoErr(err)

	_, err = NewVehicleJourney(nav,
		time.Date(2012, 6, 15, 8, 0, 0, 0, montreal),
		time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC))
	is.True(err != nil)
}

func TestBaselineStops(t *testing.T) {
	is := is.New(t)
	nav := scheduledJourney(
		[2]string{"140000", "140000"},
		[2]string{"143000", "143100"},
		[2]string{"150000", "150100"},
	)
	vj, err := NewVehicleJourney(nav,
		time.Date(2012, 6, 15, 12, 0, 0, 0, time.UTC),
		time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC))
	is.NoErr(err)

	stops, err := vj.BaselineStops("source")
	is.NoErr(err)
	is.Equal(len(stops), 3)
	is.Equal(stops[0].Code, "StopR1")
	is.Equal(stops[1].Arrival, time.Date(2012, 6, 15, 14, 30, 0, 0, time.UTC))
	is.Equal(stops[1].Departure, time.Date(2012, 6, 15, 14, 31, 0, 0, time.UTC))
	is.Equal(stops[2].Order, 2)
}

func TestBaselineStopsPassMidnight(t *testing.T) {
	is := is.New(t)
	nav := scheduledJourney(
		[2]string{"233000", "233000"},
		[2]string{"235500", "235600"},
		[2]string{"002000", "002100"},
	)
	vj, err := NewVehicleJourney(nav,
		time.Date(2017, 12, 11, 22, 0, 0, 0, time.UTC),
		time.Date(2017, 12, 12, 5, 0, 0, 0, time.UTC))
	is.NoErr(err)
	is.Equal(vj.StartTimestamp, time.Date(2017, 12, 11, 23, 30, 0, 0, time.UTC))

	stops, err := vj.BaselineStops("source")
	is.NoErr(err)
	is.Equal(stops[1].Departure, time.Date(2017, 12, 11, 23, 56, 0, 0, time.UTC))
	is.Equal(stops[2].Arrival, time.Date(2017, 12, 12, 0, 20, 0, 0, time.UTC))
	is.Equal(stops[2].Departure, time.Date(2017, 12, 12, 0, 21, 0, 0, time.UTC))
}

func TestFindStop(t *testing.T) {
	is := is.New(t)
	tu := &TripUpdate{StopTimeUpdates: []StopTimeUpdate{
		{Order: 0, StopID: "stop_point:A"},
		{Order: 1, StopID: "stop_point:B"},
		{Order: 2, StopID: "stop_point:A"},
	}}

	// order disambiguates the repeated stop on a lollipop route
	is.Equal(tu.FindStop("stop_point:A", 2), &tu.StopTimeUpdates[2])
	is.Equal(tu.FindStop("stop_point:A", 0), &tu.StopTimeUpdates[0])

	// wrong order falls back to the stop id scan
	is.Equal(tu.FindStop("stop_point:B", 5), &tu.StopTimeUpdates[1])
	is.True(tu.FindStop("stop_point:C", 0) == nil)
}

func TestStopTimeUpdateIsNotEqual(t *testing.T) {
	is := is.New(t)
	base := time.Date(2012, 6, 15, 14, 30, 0, 0, time.UTC)
	delay := 2 * time.Minute

	a := StopTimeUpdate{
		StopID:    "stop_point:A",
		Arrival:   StopEvent{Time: &base, Delay: &delay, Status: StatusUpdate},
		Departure: onTime(base.Add(time.Minute)),
	}
	b := StopTimeUpdate{
		StopID:    "stop_point:A",
		Arrival:   StopEvent{Time: &base, Delay: &delay, Status: StatusUpdate},
		Departure: onTime(base.Add(time.Minute)),
	}
	is.True(!a.IsNotEqual(b))

	changedDelay := 3 * time.Minute
	b.Arrival.Delay = &changedDelay
	is.True(a.IsNotEqual(b))

	b.Arrival.Delay = &delay
	b.Departure.Status = StatusDelete
	is.True(a.IsNotEqual(b))

	b.Departure.Status = a.Departure.Status
	b.Message = "detour"
	is.True(a.IsNotEqual(b))

	b.Message = a.Message
	b.Order = a.Order + 1
	is.True(a.IsNotEqual(b))
}
