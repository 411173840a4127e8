package merge

import (
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
)

// stopStatus is the more disruptive of a stop's arrival and departure
// statuses.
func stopStatus(stu rt.StopTimeUpdate) rt.ModificationType {
	if stu.Departure.Status.Rank() > stu.Arrival.Status.Rank() {
		return stu.Departure.Status
	}
	return stu.Arrival.Status
}

func eventHasNonZeroDelay(event rt.StopEvent) bool {
	return event.Status == rt.StatusUpdate && event.Delay != nil && *event.Delay != time.Duration(0)
}

// computeEffect summarises a merged stop list into one trip effect. A trip
// that is itself an addition is ADDITIONAL_SERVICE regardless of its stops.
func computeEffect(tripStatus rt.ModificationType, stus []rt.StopTimeUpdate) rt.TripEffect {
	if tripStatus == rt.StatusAdd {
		return rt.EffectAdditionalService
	}

	var hasDelete, hasDetourDelete, hasAdd, hasDetourAdd, hasNonZeroDelay bool
	allDelete := len(stus) > 0
	for _, stu := range stus {
		switch stopStatus(stu) {
		case rt.StatusDelete:
			hasDelete = true
		case rt.StatusDeletedForDetour:
			hasDetourDelete = true
			allDelete = false
		case rt.StatusAdd:
			hasAdd = true
			allDelete = false
		case rt.StatusAddedForDetour:
			hasDetourAdd = true
			allDelete = false
		default:
			allDelete = false
		}
		if eventHasNonZeroDelay(stu.Arrival) || eventHasNonZeroDelay(stu.Departure) {
			hasNonZeroDelay = true
		}
	}

	switch {
	case allDelete:
		return rt.EffectNoService
	case hasAdd && (hasDelete || hasDetourDelete):
		return rt.EffectModifiedService
	case hasDetourDelete && hasDetourAdd:
		return rt.EffectDetour
	case hasDelete || hasDetourDelete:
		return rt.EffectReducedService
	case hasAdd || hasDetourAdd:
		return rt.EffectModifiedService
	case hasNonZeroDelay:
		return rt.EffectSignificantDelays
	default:
		return rt.EffectUnknownEffect
	}
}

// computeTripStatus derives the trip-level status from the merged stops.
func computeTripStatus(current rt.ModificationType, stus []rt.StopTimeUpdate) rt.ModificationType {
	if current == rt.StatusAdd {
		return rt.StatusAdd
	}
	allDelete := len(stus) > 0
	for _, stu := range stus {
		status := stopStatus(stu)
		if status != rt.StatusDelete && status != rt.StatusDeletedForDetour {
			allDelete = false
			break
		}
	}
	if allDelete {
		return rt.StatusDelete
	}
	return rt.StatusUpdate
}
