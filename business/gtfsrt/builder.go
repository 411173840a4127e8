// Package gtfsrt interprets GTFS-RT feed messages against the baseline
// schedule, producing candidate trip updates for the merger.
package gtfsrt

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/navitia"
	"github.com/opentransit/tripfeed/foundation/dates"
)

// DefaultPeriodFilterTolerance is how far around the feed timestamp the
// baseline schedule is searched for matching journeys.
const DefaultPeriodFilterTolerance = 3 * time.Hour

// NoInformationError is returned when a feed produced no candidate at all.
// Its message is recorded verbatim on the raw payload.
type NoInformationError struct {
	Timestamp int64
}

func (e *NoInformationError) Error() string {
	return fmt.Sprintf("No information for this gtfs-rt with timestamp: %d", e.Timestamp)
}

// Builder turns GTFS-RT feed messages into candidate trip updates.
type Builder struct {
	journeys    navitia.JourneySource
	log         *log.Logger
	contributor string

	// StopCodeKey selects which stop point external code the feed's stop ids
	// refer to.
	StopCodeKey string

	// PeriodFilterTolerance widens the schedule search window around the
	// feed timestamp.
	PeriodFilterTolerance time.Duration
}

// NewBuilder builds a Builder for one contributor.
func NewBuilder(logger *log.Logger, journeys navitia.JourneySource, contributor, stopCodeKey string) *Builder {
	if stopCodeKey == "" {
		stopCodeKey = "source"
	}
	return &Builder{
		journeys:              journeys,
		log:                   logger,
		contributor:           contributor,
		StopCodeKey:           stopCodeKey,
		PeriodFilterTolerance: DefaultPeriodFilterTolerance,
	}
}

// Build interprets feed and returns its candidate trip updates, not yet
// merged or persisted. Entities that cannot be matched to exactly one
// baseline journey are dropped with a log line; a feed where every entity
// drops returns a NoInformationError.
func (b *Builder) Build(ctx context.Context, feed *gtfs.FeedMessage) ([]*rt.TripUpdate, error) {
	timestamp := int64(feed.GetHeader().GetTimestamp())
	t := dates.FromPosix(timestamp)
	since := dates.FloorHour(t.Add(-b.PeriodFilterTolerance))
	until := dates.FloorHour(t.Add(b.PeriodFilterTolerance + time.Hour))

	var updates []*rt.TripUpdate
	for _, entity := range feed.GetEntity() {
		feedTrip := entity.GetTripUpdate()
		if feedTrip == nil {
			continue
		}
		update, err := b.buildOne(ctx, feedTrip, since, until)
		if err != nil {
			b.log.Printf("dropping trip %s: %v", feedTrip.GetTrip().GetTripId(), err)
			continue
		}
		updates = append(updates, update)
	}

	if len(updates) == 0 {
		return nil, &NoInformationError{Timestamp: timestamp}
	}
	return updates, nil
}

func (b *Builder) buildOne(ctx context.Context, feedTrip *gtfs.TripUpdate, since, until time.Time) (*rt.TripUpdate, error) {
	tripID := feedTrip.GetTrip().GetTripId()
	if tripID == "" {
		return nil, fmt.Errorf("entity has no trip_id")
	}

	vj, err := b.resolveJourney(ctx, tripID, since, until)
	if err != nil {
		return nil, err
	}

	baseline, err := vj.BaselineStops(b.StopCodeKey)
	if err != nil {
		return nil, err
	}

	feedStops := feedTrip.GetStopTimeUpdate()
	if err := validateTailAlignment(feedStops, baseline); err != nil {
		return nil, err
	}

	update := rt.NewTripUpdate(vj, b.contributor)
	update.Status = rt.StatusUpdate

	// the feed's stops align with the tail of the baseline; head positions
	// it does not cover carry no information
	unpaired := len(baseline) - len(feedStops)
	highest := rt.StatusNone
	for i, stop := range baseline {
		stu := rt.StopTimeUpdate{
			Order:    stop.Order,
			StopID:   stop.StopID,
			StopCode: stop.Code,
			Arrival:  rt.StopEvent{Status: rt.StatusNone},
			Departure: rt.StopEvent{
				Status: rt.StatusNone,
			},
		}
		if i >= unpaired {
			feedStop := feedStops[i-unpaired]
			stu.Arrival = eventFromFeed(feedStop.GetArrival())
			stu.Departure = eventFromFeed(feedStop.GetDeparture())
		}
		if stu.Arrival.Status.Rank() > highest.Rank() {
			highest = stu.Arrival.Status
		}
		if stu.Departure.Status.Rank() > highest.Rank() {
			highest = stu.Departure.Status
		}
		update.StopTimeUpdates = append(update.StopTimeUpdates, stu)
	}
	update.Effect = rt.EffectForStatus(highest)
	return update, nil
}

// resolveJourney maps a feed trip_id to exactly one dated baseline journey.
func (b *Builder) resolveJourney(ctx context.Context, tripID string, since, until time.Time) (*rt.VehicleJourney, error) {
	journeys, err := b.journeys.VehicleJourneys(ctx, b.StopCodeKey, tripID, since, until)
	if err != nil {
		return nil, fmt.Errorf("resolving trip %s: %w", tripID, err)
	}

	var candidates []*rt.VehicleJourney
	for i := range journeys {
		vj, err := rt.NewVehicleJourney(&journeys[i], since, until)
		if err != nil {
			b.log.Printf("skipping journey %s: %v", journeys[i].ID, err)
			continue
		}
		candidates = append(candidates, vj)
	}

	if len(candidates) == 0 {
		return nil, fmt.Errorf("no vehicle journey found for trip %s", tripID)
	}
	if len(candidates) > 1 {
		return nil, fmt.Errorf("ambiguous vehicle journey for trip %s: %d candidates", tripID, len(candidates))
	}
	return candidates[0], nil
}

// validateTailAlignment checks that the feed's stop sequence, read from last
// to first, matches the tail of the baseline stop codes.
func validateTailAlignment(feedStops []*gtfs.TripUpdate_StopTimeUpdate, baseline []rt.BaselineStop) error {
	if len(feedStops) > len(baseline) {
		return fmt.Errorf("stop_time_update do not match with stops in navitia")
	}
	for k := 0; k < len(feedStops); k++ {
		feedStop := feedStops[len(feedStops)-1-k]
		baselineStop := baseline[len(baseline)-1-k]
		if feedStop.GetStopId() != baselineStop.Code {
			return fmt.Errorf("stop_time_update do not match with stops in navitia")
		}
	}
	return nil
}

// eventFromFeed reads one arrival or departure event. A carried delay means
// status update, even when the delay is zero or negative.
func eventFromFeed(event *gtfs.TripUpdate_StopTimeEvent) rt.StopEvent {
	if event == nil || event.Delay == nil {
		return rt.StopEvent{Status: rt.StatusNone}
	}
	delay := time.Duration(event.GetDelay()) * time.Second
	return rt.StopEvent{Delay: &delay, Status: rt.StatusUpdate}
}
