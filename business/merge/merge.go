// Package merge reconciles candidate trip updates with the persisted state
// of their dated trips, under a per-trip distributed lock.
package merge

import (
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
)

// mergeTripUpdate folds candidate into prev (nil when the dated trip was
// never touched) over the baseline schedule, and reports whether anything a
// consumer can observe changed. feedComplete means a stop the candidate says
// nothing about reverts to its baseline schedule rather than keeping prior
// realtime state.
func mergeTripUpdate(prev, candidate *rt.TripUpdate, baseline []rt.BaselineStop, feedComplete bool) (*rt.TripUpdate, bool) {
	result := rt.NewTripUpdate(candidate.VehicleJourney, candidate.Contributor)
	if prev != nil {
		result.ID = prev.ID
		result.CreatedAt = prev.CreatedAt
		result.VehicleJourney.ID = prev.VehicleJourney.ID
		result.VehicleJourney.CreatedAt = prev.VehicleJourney.CreatedAt
		result.CompanyID = prev.CompanyID
		result.PhysicalModeID = prev.PhysicalModeID
		result.Headsign = prev.Headsign
	}
	if candidate.Message != "" || feedComplete {
		result.Message = candidate.Message
	} else if prev != nil {
		result.Message = prev.Message
	}
	if candidate.CompanyID != "" {
		result.CompanyID = candidate.CompanyID
	}
	if candidate.PhysicalModeID != "" {
		result.PhysicalModeID = candidate.PhysicalModeID
	}
	if candidate.Headsign != "" {
		result.Headsign = candidate.Headsign
	}

	if len(baseline) == 0 && candidate.Status == rt.StatusAdd {
		// a trip the feed created has no schedule to merge over; its stops
		// are taken as the feed gave them
		for _, stu := range candidate.StopTimeUpdates {
			if prev != nil {
				if prevStop := prev.FindStop(stu.StopID, stu.Order); prevStop != nil {
					stu.ID = prevStop.ID
				}
			}
			stu.Arrival = copyEvent(stu.Arrival)
			stu.Departure = copyEvent(stu.Departure)
			result.StopTimeUpdates = append(result.StopTimeUpdates, stu)
		}
	} else {
		for _, stop := range baseline {
			var candidateStop, prevStop *rt.StopTimeUpdate
			candidateStop = candidate.FindStop(stop.StopID, stop.Order)
			if prev != nil {
				prevStop = prev.FindStop(stop.StopID, stop.Order)
			}
			result.StopTimeUpdates = append(result.StopTimeUpdates,
				mergeStop(stop, prevStop, candidateStop, feedComplete))
		}
	}

	result.Status = computeTripStatus(candidate.Status, result.StopTimeUpdates)
	result.Effect = computeEffect(result.Status, result.StopTimeUpdates)

	changed := prev == nil ||
		prev.Status != result.Status ||
		prev.Message != result.Message ||
		len(prev.StopTimeUpdates) != len(result.StopTimeUpdates)
	if !changed {
		for i := range result.StopTimeUpdates {
			if result.StopTimeUpdates[i].IsNotEqual(prev.StopTimeUpdates[i]) {
				changed = true
				break
			}
		}
	}
	return result, changed
}

// mergeStop resolves one stop's post-merge state with absolute times filled
// in from the baseline schedule.
func mergeStop(stop rt.BaselineStop, prevStop, candidateStop *rt.StopTimeUpdate, feedComplete bool) rt.StopTimeUpdate {
	merged := rt.StopTimeUpdate{
		Order:    stop.Order,
		StopID:   stop.StopID,
		StopCode: stop.Code,
	}
	if candidateStop != nil {
		merged.Message = candidateStop.Message
	} else if !feedComplete && prevStop != nil {
		merged.Message = prevStop.Message
	}
	if prevStop != nil {
		merged.ID = prevStop.ID
	}

	var candidateArrival, candidateDeparture, prevArrival, prevDeparture *rt.StopEvent
	if candidateStop != nil {
		candidateArrival = &candidateStop.Arrival
		candidateDeparture = &candidateStop.Departure
	}
	if prevStop != nil {
		prevArrival = &prevStop.Arrival
		prevDeparture = &prevStop.Departure
	}

	merged.Arrival = mergeEvent(stop.Arrival, prevArrival, candidateArrival, feedComplete)
	merged.Departure = mergeEvent(stop.Departure, prevDeparture, candidateDeparture, feedComplete)

	// a departure cannot precede its arrival; clamp it and let the delay
	// absorb the difference, the status stays as the feed said
	if merged.Arrival.Time != nil && merged.Departure.Time != nil &&
		merged.Departure.Time.Before(*merged.Arrival.Time) {
		clamped := *merged.Arrival.Time
		delay := clamped.Sub(stop.Departure)
		merged.Departure.Time = &clamped
		merged.Departure.Delay = &delay
	}
	return merged
}

// mergeEvent resolves one arrival or departure.
func mergeEvent(baseline time.Time, prevEvent, candidateEvent *rt.StopEvent, feedComplete bool) rt.StopEvent {
	if candidateEvent != nil && candidateEvent.Status != rt.StatusNone {
		event := rt.StopEvent{Status: candidateEvent.Status}
		switch candidateEvent.Status {
		case rt.StatusUpdate:
			delay := time.Duration(0)
			if candidateEvent.Delay != nil {
				delay = *candidateEvent.Delay
			}
			at := baseline.Add(delay)
			event.Time = &at
			event.Delay = &delay
		case rt.StatusAdd, rt.StatusAddedForDetour:
			if candidateEvent.Time != nil {
				at := *candidateEvent.Time
				event.Time = &at
			}
			if candidateEvent.Delay != nil {
				delay := *candidateEvent.Delay
				event.Delay = &delay
			}
		}
		return event
	}

	// the candidate says nothing about this event
	if !feedComplete && prevEvent != nil && prevEvent.Status != rt.StatusNone {
		return copyEvent(*prevEvent)
	}

	// back to the theoretical schedule
	at := baseline
	zero := time.Duration(0)
	return rt.StopEvent{Time: &at, Delay: &zero, Status: rt.StatusNone}
}

func copyEvent(event rt.StopEvent) rt.StopEvent {
	result := rt.StopEvent{Status: event.Status}
	if event.Time != nil {
		at := *event.Time
		result.Time = &at
	}
	if event.Delay != nil {
		delay := *event.Delay
		result.Delay = &delay
	}
	return result
}
