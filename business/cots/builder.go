// Package cots interprets the national-rail JSON feed, producing candidate
// trip updates for the merger.
package cots

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/navitia"
	"github.com/opentransit/tripfeed/foundation/dates"
)

// DefaultPeriodFilterTolerance mirrors the GTFS-RT window tolerance.
const DefaultPeriodFilterTolerance = 3 * time.Hour

// TripCodeKey is the external code type carried by rail trips in the
// baseline schedule.
const TripCodeKey = "rt_piv_source"

// eventTimeFormat is how the feed writes scheduled times on created stops.
const eventTimeFormat = time.RFC3339

// statusForTag maps the feed's status tags to modification types.
var statusForTag = map[string]rt.ModificationType{
	"normal":                   rt.StatusNone,
	"retard":                   rt.StatusUpdate,
	"suppression":              rt.StatusDelete,
	"suppression_detournement": rt.StatusDeletedForDetour,
	"creation":                 rt.StatusAdd,
	"creation_detournement":    rt.StatusAddedForDetour,
}

// NoInformationError is returned when a feed produced no candidate at all.
type NoInformationError struct {
	Timestamp int64
}

func (e *NoInformationError) Error() string {
	return fmt.Sprintf("No information for this cots with timestamp: %d", e.Timestamp)
}

// stopEvent is one arrival or departure record of a feed stop.
type stopEvent struct {
	ScheduledTime string `json:"dateHeure"`
	DelayMinutes  *int   `json:"retard"`
	Status        string `json:"statut"`
}

// feedStop is one served point of a train's path.
type feedStop struct {
	StopCode  string     `json:"cr"`
	Arrival   *stopEvent `json:"arrivee"`
	Departure *stopEvent `json:"depart"`
	Cause     string     `json:"motif"`
}

// feedTrain is one train of the feed.
type feedTrain struct {
	Number string     `json:"numero"`
	Status string     `json:"statut"`
	Cause  string     `json:"motif"`
	Stops  []feedStop `json:"listePointDeParcours"`
}

// feedMessage is the feed envelope.
type feedMessage struct {
	Timestamp int64       `json:"horodatage"`
	Trains    []feedTrain `json:"listeTrains"`
}

// Builder turns rail feed payloads into candidate trip updates.
type Builder struct {
	journeys    navitia.JourneySource
	log         *log.Logger
	contributor string

	// StopCodeKey selects which stop point external code the feed's stop
	// codes refer to.
	StopCodeKey string

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

// DecodeError marks a payload that could not be parsed. The intake layer
// turns it into a 400 and a KO receipt.
type DecodeError struct {
	cause error
}

func (e *DecodeError) Error() string { return "Decode Error" }
func (e *DecodeError) Unwrap() error { return e.cause }

// Build parses the JSON payload and returns its candidate trip updates.
// Trains that cannot be matched to exactly one baseline journey are dropped
// with a log line; a payload where every train drops returns a
// NoInformationError.
func (b *Builder) Build(ctx context.Context, payload []byte) ([]*rt.TripUpdate, error) {
	var feed feedMessage
	if err := json.Unmarshal(payload, &feed); err != nil {
		return nil, &DecodeError{cause: err}
	}

	t := dates.FromPosix(feed.Timestamp)
	since := dates.FloorHour(t.Add(-b.PeriodFilterTolerance))
	until := dates.FloorHour(t.Add(b.PeriodFilterTolerance + time.Hour))

	var updates []*rt.TripUpdate
	for i := range feed.Trains {
		update, err := b.buildOne(ctx, &feed.Trains[i], since, until)
		if err != nil {
			b.log.Printf("dropping train %s: %v", feed.Trains[i].Number, err)
			continue
		}
		updates = append(updates, update)
	}

	if len(updates) == 0 {
		return nil, &NoInformationError{Timestamp: feed.Timestamp}
	}
	return updates, nil
}

func (b *Builder) buildOne(ctx context.Context, train *feedTrain, since, until time.Time) (*rt.TripUpdate, error) {
	if train.Number == "" {
		return nil, fmt.Errorf("train has no number")
	}

	if train.Status == "creation" || train.Status == "creation_detournement" {
		return b.buildAdded(train)
	}

	journeys, err := b.journeys.VehicleJourneys(ctx, TripCodeKey, train.Number, since, until)
	if err != nil {
		return nil, fmt.Errorf("resolving train %s: %w", train.Number, err)
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
		return nil, fmt.Errorf("no vehicle journey found for train %s", train.Number)
	}
	if len(candidates) > 1 {
		return nil, fmt.Errorf("ambiguous vehicle journey for train %s: %d candidates", train.Number, len(candidates))
	}
	vj := candidates[0]

	baseline, err := vj.BaselineStops(b.StopCodeKey)
	if err != nil {
		return nil, err
	}
	baselineByCode := make(map[string]rt.BaselineStop, len(baseline))
	for _, stop := range baseline {
		if _, seen := baselineByCode[stop.Code]; !seen {
			baselineByCode[stop.Code] = stop
		}
	}

	update := rt.NewTripUpdate(vj, b.contributor)
	update.Message = train.Cause

	trainCancelled := train.Status == "suppression"
	if trainCancelled {
		update.Status = rt.StatusDelete
		update.Effect = rt.EffectNoService
	} else {
		update.Status = rt.StatusUpdate
	}

	highest := rt.StatusNone
	for _, stop := range train.Stops {
		baselineStop, known := baselineByCode[stop.StopCode]
		if !known {
			return nil, fmt.Errorf("stop %s of train %s not in navitia", stop.StopCode, train.Number)
		}

		arrival, err := eventFromFeed(stop.Arrival, trainCancelled)
		if err != nil {
			return nil, fmt.Errorf("train %s stop %s arrival: %w", train.Number, stop.StopCode, err)
		}
		departure, err := eventFromFeed(stop.Departure, trainCancelled)
		if err != nil {
			return nil, fmt.Errorf("train %s stop %s departure: %w", train.Number, stop.StopCode, err)
		}

		if arrival.Status.Rank() > highest.Rank() {
			highest = arrival.Status
		}
		if departure.Status.Rank() > highest.Rank() {
			highest = departure.Status
		}

		update.StopTimeUpdates = append(update.StopTimeUpdates, rt.StopTimeUpdate{
			Order:     baselineStop.Order,
			StopID:    baselineStop.StopID,
			StopCode:  baselineStop.Code,
			Message:   stop.Cause,
			Arrival:   arrival,
			Departure: departure,
		})
	}

	if !trainCancelled {
		update.Effect = rt.EffectForStatus(highest)
	}
	return update, nil
}

// buildAdded builds the candidate for a train the feed creates outright.
// With no baseline journey to resolve, times come from the feed and the
// start timestamp is the first served event.
func (b *Builder) buildAdded(train *feedTrain) (*rt.TripUpdate, error) {
	stopStatus := rt.StatusAdd
	if train.Status == "creation_detournement" {
		stopStatus = rt.StatusAddedForDetour
	}

	var stops []rt.StopTimeUpdate
	var start time.Time
	for i, stop := range train.Stops {
		arrival, err := addedEventFromFeed(stop.Arrival, stopStatus)
		if err != nil {
			return nil, fmt.Errorf("created train %s stop %s arrival: %w", train.Number, stop.StopCode, err)
		}
		departure, err := addedEventFromFeed(stop.Departure, stopStatus)
		if err != nil {
			return nil, fmt.Errorf("created train %s stop %s departure: %w", train.Number, stop.StopCode, err)
		}

		for _, event := range []rt.StopEvent{arrival, departure} {
			if event.Time != nil && (start.IsZero() || event.Time.Before(start)) {
				start = *event.Time
			}
		}

		stops = append(stops, rt.StopTimeUpdate{
			Order:     i,
			StopID:    stop.StopCode,
			StopCode:  stop.StopCode,
			Message:   stop.Cause,
			Arrival:   arrival,
			Departure: departure,
		})
	}
	if start.IsZero() {
		return nil, fmt.Errorf("created train %s has no scheduled times", train.Number)
	}

	vj, err := rt.NewAddedVehicleJourney(train.Number, start)
	if err != nil {
		return nil, fmt.Errorf("dating created train %s: %w", train.Number, err)
	}

	update := rt.NewTripUpdate(vj, b.contributor)
	update.Message = train.Cause
	update.Status = rt.StatusAdd
	update.Effect = rt.EffectAdditionalService
	update.StopTimeUpdates = stops
	return update, nil
}

// eventFromFeed maps one feed event. Events of a cancelled train are all
// deletes regardless of their own tag.
func eventFromFeed(event *stopEvent, trainCancelled bool) (rt.StopEvent, error) {
	if trainCancelled {
		return rt.StopEvent{Status: rt.StatusDelete}, nil
	}
	if event == nil {
		return rt.StopEvent{Status: rt.StatusNone}, nil
	}

	status, known := statusForTag[event.Status]
	if !known {
		return rt.StopEvent{}, fmt.Errorf("unknown status tag %q", event.Status)
	}

	switch status {
	case rt.StatusUpdate:
		if event.DelayMinutes == nil {
			return rt.StopEvent{}, fmt.Errorf("retard event carries no delay")
		}
		delay := time.Duration(*event.DelayMinutes) * time.Minute
		return rt.StopEvent{Delay: &delay, Status: rt.StatusUpdate}, nil
	case rt.StatusNone:
		return rt.StopEvent{Status: rt.StatusNone}, nil
	case rt.StatusAdd, rt.StatusAddedForDetour:
		at, err := parseEventTime(event.ScheduledTime)
		if err != nil {
			return rt.StopEvent{}, err
		}
		return rt.StopEvent{Time: at, Status: status}, nil
	default:
		return rt.StopEvent{Status: status}, nil
	}
}

// addedEventFromFeed maps one event of a created train. Every served event
// carries its scheduled time; an absent event stays none.
func addedEventFromFeed(event *stopEvent, status rt.ModificationType) (rt.StopEvent, error) {
	if event == nil {
		return rt.StopEvent{Status: rt.StatusNone}, nil
	}
	at, err := parseEventTime(event.ScheduledTime)
	if err != nil {
		return rt.StopEvent{}, err
	}
	return rt.StopEvent{Time: at, Status: status}, nil
}

func parseEventTime(value string) (*time.Time, error) {
	if value == "" {
		return nil, fmt.Errorf("created event carries no scheduled time")
	}
	at, err := time.Parse(eventTimeFormat, value)
	if err != nil {
		return nil, fmt.Errorf("parsing scheduled time %q: %w", value, err)
	}
	utc := at.In(time.UTC)
	return &utc, nil
}
