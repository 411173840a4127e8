package merge

import (
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/opentransit/tripfeed/business/data/rt"
)

func minutes(m int) time.Duration { return time.Duration(m) * time.Minute }

// fourStopBaseline mirrors a morning run: 14:00, 14:30/14:31, 15:00/15:01,
// 15:30 UTC.
func fourStopBaseline() []rt.BaselineStop {
	day := time.Date(2012, 6, 15, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	return []rt.BaselineStop{
		{Order: 0, StopID: "stop_point:StopR1", Code: "StopR1", Arrival: at(14, 0), Departure: at(14, 0)},
		{Order: 1, StopID: "stop_point:StopR2", Code: "StopR2", Arrival: at(14, 30), Departure: at(14, 31)},
		{Order: 2, StopID: "stop_point:StopR3", Code: "StopR3", Arrival: at(15, 0), Departure: at(15, 1)},
		{Order: 3, StopID: "stop_point:StopR4", Code: "StopR4", Arrival: at(15, 30), Departure: at(15, 30)},
	}
}

func testVJ() *rt.VehicleJourney {
	return &rt.VehicleJourney{
		NavitiaTripID:  "R:vj1",
		StartTimestamp: time.Date(2012, 6, 15, 14, 0, 0, 0, time.UTC),
	}
}

func delayedEvent(delay time.Duration) rt.StopEvent {
	return rt.StopEvent{Delay: &delay, Status: rt.StatusUpdate}
}

func silentEvent() rt.StopEvent {
	return rt.StopEvent{Status: rt.StatusNone}
}

// candidateWithDelays builds what the feed builder emits for a full feed:
// one stop time update per baseline stop, delays on both events.
func candidateWithDelays(baseline []rt.BaselineStop, delays map[int]time.Duration) *rt.TripUpdate {
	tu := rt.NewTripUpdate(testVJ(), "realtime.sherbrooke")
	tu.Status = rt.StatusUpdate
	for _, stop := range baseline {
		stu := rt.StopTimeUpdate{
			Order:     stop.Order,
			StopID:    stop.StopID,
			StopCode:  stop.Code,
			Arrival:   silentEvent(),
			Departure: silentEvent(),
		}
		if delay, ok := delays[stop.Order]; ok {
			stu.Arrival = delayedEvent(delay)
			stu.Departure = delayedEvent(delay)
		}
		tu.StopTimeUpdates = append(tu.StopTimeUpdates, stu)
	}
	return tu
}

func TestMergeFirstFeed(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()
	candidate := candidateWithDelays(baseline, map[int]time.Duration{
		0: minutes(1), 1: minutes(2), 2: minutes(1), 3: 0,
	})

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)
	is.Equal(merged.Status, rt.StatusUpdate)
	is.Equal(merged.Effect, rt.EffectSignificantDelays)
	is.Equal(len(merged.StopTimeUpdates), 4)

	for i, stu := range merged.StopTimeUpdates {
		is.Equal(stu.Order, i)
	}

	second := merged.StopTimeUpdates[1]
	is.Equal(*second.Arrival.Time, time.Date(2012, 6, 15, 14, 32, 0, 0, time.UTC))
	is.Equal(*second.Arrival.Delay, minutes(2))
	is.Equal(*second.Departure.Time, time.Date(2012, 6, 15, 14, 33, 0, 0, time.UTC))

	// zero delay is still an update
	last := merged.StopTimeUpdates[3]
	is.Equal(last.Arrival.Status, rt.StatusUpdate)
	is.Equal(*last.Arrival.Delay, time.Duration(0))
	is.Equal(*last.Arrival.Time, time.Date(2012, 6, 15, 15, 30, 0, 0, time.UTC))
}

func TestMergeNoOp(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()
	delays := map[int]time.Duration{0: minutes(1), 1: minutes(2), 2: minutes(1), 3: 0}

	first, changed := mergeTripUpdate(nil, candidateWithDelays(baseline, delays), baseline, true)
	is.True(changed)

	// the very same feed again changes nothing
	_, changed = mergeTripUpdate(first, candidateWithDelays(baseline, delays), baseline, true)
	is.True(!changed)
}

func TestMergeBackToNormal(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()

	first, _ := mergeTripUpdate(nil, candidateWithDelays(baseline, map[int]time.Duration{
		0: minutes(1), 1: minutes(2), 2: minutes(1), 3: 0,
	}), baseline, true)

	// a complete feed mentioning only the last stop reverts the rest
	second, changed := mergeTripUpdate(first, candidateWithDelays(baseline, map[int]time.Duration{3: 0}), baseline, true)
	is.True(changed)
	is.Equal(second.Effect, rt.EffectUnknownEffect)

	for i, stu := range second.StopTimeUpdates {
		is.Equal(*stu.Arrival.Delay, time.Duration(0))
		is.Equal(*stu.Departure.Delay, time.Duration(0))
		is.Equal(*stu.Arrival.Time, baseline[i].Arrival)
		is.Equal(*stu.Departure.Time, baseline[i].Departure)
	}
	is.Equal(second.StopTimeUpdates[0].Arrival.Status, rt.StatusNone)
	is.Equal(second.StopTimeUpdates[3].Arrival.Status, rt.StatusUpdate)
}

func TestMergeIncompleteFeedKeepsPriorDelay(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()

	first, _ := mergeTripUpdate(nil, candidateWithDelays(baseline, map[int]time.Duration{
		1: minutes(2),
	}), baseline, false)

	// an incomplete feed silent about StopR2 leaves its delay alone
	second, changed := mergeTripUpdate(first, candidateWithDelays(baseline, map[int]time.Duration{
		2: minutes(3),
	}), baseline, false)
	is.True(changed)
	is.Equal(*second.StopTimeUpdates[1].Arrival.Delay, minutes(2))
	is.Equal(second.StopTimeUpdates[1].Arrival.Status, rt.StatusUpdate)
	is.Equal(*second.StopTimeUpdates[2].Arrival.Delay, minutes(3))
}

func TestMergeAddedTripKeepsFeedStops(t *testing.T) {
	is := is.New(t)

	at := func(h, m int) *time.Time {
		t := time.Date(2012, 6, 15, h, m, 0, 0, time.UTC)
		return &t
	}
	candidate := rt.NewTripUpdate(&rt.VehicleJourney{
		NavitiaTripID:  "96232",
		StartTimestamp: time.Date(2012, 6, 15, 16, 0, 0, 0, time.UTC),
	}, "realtime.cots")
	candidate.Status = rt.StatusAdd
	candidate.StopTimeUpdates = []rt.StopTimeUpdate{
		{Order: 0, StopID: "0087-1", StopCode: "0087-1",
			Arrival:   rt.StopEvent{Status: rt.StatusNone},
			Departure: rt.StopEvent{Time: at(16, 0), Status: rt.StatusAdd}},
		{Order: 1, StopID: "0087-2", StopCode: "0087-2",
			Arrival:   rt.StopEvent{Time: at(16, 30), Status: rt.StatusAdd},
			Departure: rt.StopEvent{Status: rt.StatusNone}},
	}

	merged, changed := mergeTripUpdate(nil, candidate, nil, true)
	is.True(changed)
	is.Equal(merged.Status, rt.StatusAdd)
	is.Equal(merged.Effect, rt.EffectAdditionalService)
	is.Equal(len(merged.StopTimeUpdates), 2)
	is.Equal(*merged.StopTimeUpdates[0].Departure.Time, *at(16, 0))
	is.Equal(merged.StopTimeUpdates[0].Departure.Status, rt.StatusAdd)
	is.Equal(*merged.StopTimeUpdates[1].Arrival.Time, *at(16, 30))

	// the same feed again is a no-op
	_, changed = mergeTripUpdate(merged, candidate, nil, true)
	is.True(!changed)
}

func TestMergeDepartureClampedToArrival(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()

	// arrival at StopR2 is delayed past the scheduled departure, which the
	// feed says nothing about
	candidate := rt.NewTripUpdate(testVJ(), "realtime.sherbrooke")
	candidate.Status = rt.StatusUpdate
	for _, stop := range baseline {
		stu := rt.StopTimeUpdate{
			Order: stop.Order, StopID: stop.StopID, StopCode: stop.Code,
			Arrival: silentEvent(), Departure: silentEvent(),
		}
		if stop.Order == 1 {
			stu.Arrival = delayedEvent(minutes(2))
		}
		candidate.StopTimeUpdates = append(candidate.StopTimeUpdates, stu)
	}

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)

	second := merged.StopTimeUpdates[1]
	is.Equal(*second.Arrival.Time, time.Date(2012, 6, 15, 14, 32, 0, 0, time.UTC))
	is.Equal(*second.Departure.Time, time.Date(2012, 6, 15, 14, 32, 0, 0, time.UTC))
	is.Equal(*second.Departure.Delay, time.Minute)
	is.Equal(second.Departure.Status, rt.StatusNone)
}

func TestMergeLollipop(t *testing.T) {
	is := is.New(t)
	day := time.Date(2012, 6, 15, 0, 0, 0, 0, time.UTC)
	at := func(h, m int) time.Time { return day.Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute) }
	baseline := []rt.BaselineStop{
		{Order: 0, StopID: "stop_point:StopR1", Code: "StopR1", Arrival: at(10, 0), Departure: at(10, 0)},
		{Order: 1, StopID: "stop_point:StopR2", Code: "StopR2", Arrival: at(10, 30), Departure: at(10, 30)},
		{Order: 2, StopID: "stop_point:StopR3", Code: "StopR3", Arrival: at(11, 0), Departure: at(11, 0)},
		{Order: 3, StopID: "stop_point:StopR2", Code: "StopR2", Arrival: at(11, 30), Departure: at(11, 30)},
		{Order: 4, StopID: "stop_point:StopR4", Code: "StopR4", Arrival: at(12, 0), Departure: at(12, 0)},
	}
	candidate := candidateWithDelays(baseline, map[int]time.Duration{
		0: minutes(1), 1: minutes(2), 2: minutes(1), 3: 0, 4: 0,
	})

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)
	is.Equal(len(merged.StopTimeUpdates), 5)

	// both passes of StopR2 stay distinct
	firstPass := merged.StopTimeUpdates[1]
	secondPass := merged.StopTimeUpdates[3]
	is.Equal(firstPass.StopID, secondPass.StopID)
	is.Equal(*firstPass.Arrival.Delay, minutes(2))
	is.Equal(*secondPass.Arrival.Delay, time.Duration(0))
	is.Equal(*firstPass.Arrival.Time, at(10, 32))
	is.Equal(*secondPass.Arrival.Time, at(11, 30))
}

func TestMergeNegativeDelay(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()
	candidate := candidateWithDelays(baseline, map[int]time.Duration{
		0: -time.Minute, 1: -time.Minute, 2: -time.Minute, 3: -time.Minute,
	})

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)
	is.Equal(merged.Effect, rt.EffectSignificantDelays)
	is.Equal(*merged.StopTimeUpdates[0].Arrival.Time, time.Date(2012, 6, 15, 13, 59, 0, 0, time.UTC))
	is.Equal(*merged.StopTimeUpdates[0].Arrival.Delay, -time.Minute)
}

func TestMergeCancelledTrip(t *testing.T) {
	is := is.New(t)
	baseline := fourStopBaseline()

	candidate := rt.NewTripUpdate(testVJ(), "realtime.cots")
	candidate.Status = rt.StatusDelete
	for _, stop := range baseline {
		candidate.StopTimeUpdates = append(candidate.StopTimeUpdates, rt.StopTimeUpdate{
			Order: stop.Order, StopID: stop.StopID, StopCode: stop.Code,
			Arrival:   rt.StopEvent{Status: rt.StatusDelete},
			Departure: rt.StopEvent{Status: rt.StatusDelete},
		})
	}

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)
	is.Equal(merged.Status, rt.StatusDelete)
	is.Equal(merged.Effect, rt.EffectNoService)
	for _, stu := range merged.StopTimeUpdates {
		is.Equal(stu.Arrival.Status, rt.StatusDelete)
		is.True(stu.Arrival.Time == nil)
	}
}

func TestMergePassMidnight(t *testing.T) {
	is := is.New(t)
	day := time.Date(2017, 12, 11, 0, 0, 0, 0, time.UTC)
	baseline := []rt.BaselineStop{
		{Order: 0, StopID: "stop_point:N1", Code: "N1",
			Arrival: day.Add(23*time.Hour + 30*time.Minute), Departure: day.Add(23*time.Hour + 30*time.Minute)},
		{Order: 1, StopID: "stop_point:N2", Code: "N2",
			Arrival: day.Add(24*time.Hour + 20*time.Minute), Departure: day.Add(24*time.Hour + 21*time.Minute)},
	}
	candidate := candidateWithDelays(baseline, map[int]time.Duration{0: minutes(5), 1: minutes(5)})
	candidate.VehicleJourney.StartTimestamp = day.Add(23*time.Hour + 30*time.Minute)

	merged, changed := mergeTripUpdate(nil, candidate, baseline, true)
	is.True(changed)
	is.Equal(*merged.StopTimeUpdates[1].Arrival.Time, time.Date(2017, 12, 12, 0, 25, 0, 0, time.UTC))
}

func TestComputeEffectTable(t *testing.T) {
	deleteStop := rt.StopTimeUpdate{
		Arrival:   rt.StopEvent{Status: rt.StatusDelete},
		Departure: rt.StopEvent{Status: rt.StatusDelete},
	}
	noneStop := rt.StopTimeUpdate{Arrival: silentEvent(), Departure: silentEvent()}
	delayedStop := rt.StopTimeUpdate{Arrival: delayedEvent(minutes(2)), Departure: delayedEvent(minutes(2))}
	zeroDelayStop := rt.StopTimeUpdate{Arrival: delayedEvent(0), Departure: delayedEvent(0)}
	addedStop := rt.StopTimeUpdate{
		Arrival:   rt.StopEvent{Status: rt.StatusAdd},
		Departure: rt.StopEvent{Status: rt.StatusAdd},
	}
	detourDeleted := rt.StopTimeUpdate{
		Arrival:   rt.StopEvent{Status: rt.StatusDeletedForDetour},
		Departure: rt.StopEvent{Status: rt.StatusDeletedForDetour},
	}
	detourAdded := rt.StopTimeUpdate{
		Arrival:   rt.StopEvent{Status: rt.StatusAddedForDetour},
		Departure: rt.StopEvent{Status: rt.StatusAddedForDetour},
	}

	cases := []struct {
		name       string
		tripStatus rt.ModificationType
		stus       []rt.StopTimeUpdate
		want       rt.TripEffect
	}{
		{"all deleted", rt.StatusDelete, []rt.StopTimeUpdate{deleteStop, deleteStop}, rt.EffectNoService},
		{"some deleted", rt.StatusUpdate, []rt.StopTimeUpdate{noneStop, deleteStop}, rt.EffectReducedService},
		{"detour pair", rt.StatusUpdate, []rt.StopTimeUpdate{detourDeleted, detourAdded}, rt.EffectDetour},
		{"trip addition", rt.StatusAdd, []rt.StopTimeUpdate{addedStop}, rt.EffectAdditionalService},
		{"mixed add and delete", rt.StatusUpdate, []rt.StopTimeUpdate{addedStop, deleteStop}, rt.EffectModifiedService},
		{"non-zero delay", rt.StatusUpdate, []rt.StopTimeUpdate{noneStop, delayedStop}, rt.EffectSignificantDelays},
		{"all zero delay", rt.StatusUpdate, []rt.StopTimeUpdate{noneStop, zeroDelayStop}, rt.EffectUnknownEffect},
		{"all none", rt.StatusUpdate, []rt.StopTimeUpdate{noneStop, noneStop}, rt.EffectUnknownEffect},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			is := is.New(t)
			is.Equal(computeEffect(tc.tripStatus, tc.stus), tc.want)
		})
	}
}
