// Package publish turns merged trip updates back into GTFS-RT feed messages
// and pushes them to the downstream bus.
package publish

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/dates"
	"google.golang.org/protobuf/proto"
)

// Destination is the transport a serialised feed message is handed to.
type Destination interface {
	Publish(ctx context.Context, payload []byte) error
}

// Publisher serialises merged trip updates and sends them downstream.
type Publisher struct {
	dest Destination
	log  *log.Logger
}

// NewPublisher builds a Publisher on dest.
func NewPublisher(logger *log.Logger, dest Destination) *Publisher {
	return &Publisher{dest: dest, log: logger}
}

// Publish emits one differential feed message with the given trip updates.
func (p *Publisher) Publish(ctx context.Context, updates []*rt.TripUpdate) error {
	feed := BuildFeedMessage(updates, time.Now().UTC())
	payload, err := proto.Marshal(feed)
	if err != nil {
		return fmt.Errorf("marshalling feed message: %w", err)
	}
	if err := p.dest.Publish(ctx, payload); err != nil {
		return fmt.Errorf("publishing feed message: %w", err)
	}
	p.log.Printf("published %d trip updates", len(updates))
	return nil
}

// BuildFeedMessage renders updates as a differential GTFS-RT feed stamped
// at now.
func BuildFeedMessage(updates []*rt.TripUpdate, now time.Time) *gtfs.FeedMessage {
	incrementality := gtfs.FeedHeader_DIFFERENTIAL
	feed := &gtfs.FeedMessage{
		Header: &gtfs.FeedHeader{
			GtfsRealtimeVersion: proto.String("1"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(uint64(dates.ToPosix(now))),
		},
	}
	for _, update := range updates {
		feed.Entity = append(feed.Entity, &gtfs.FeedEntity{
			Id:         proto.String(update.VehicleJourney.ID.String()),
			TripUpdate: buildTripUpdate(update),
		})
	}
	return feed
}

func buildTripUpdate(update *rt.TripUpdate) *gtfs.TripUpdate {
	relationship := gtfs.TripDescriptor_SCHEDULED
	if update.Status == rt.StatusDelete {
		relationship = gtfs.TripDescriptor_CANCELED
	}

	// start_date is the UTC circulation date, not the local one
	trip := &gtfs.TripDescriptor{
		TripId:               proto.String(update.VehicleJourney.NavitiaTripID),
		StartDate:            proto.String(update.VehicleJourney.CirculationDate().Format(dates.DateFormat)),
		ScheduleRelationship: &relationship,
	}

	feedTrip := &gtfs.TripUpdate{Trip: trip}
	for i := range update.StopTimeUpdates {
		feedTrip.StopTimeUpdate = append(feedTrip.StopTimeUpdate, buildStopTimeUpdate(&update.StopTimeUpdates[i]))
	}

	exts := extWriter{}
	exts.writeString(tagTripMessage, update.Message)
	exts.writeString(tagContributor, update.Contributor)
	exts.writeString(tagEffect, string(update.Effect))
	exts.writeString(tagCompanyID, update.CompanyID)
	exts.writeString(tagPhysicalModeID, update.PhysicalModeID)
	exts.writeString(tagHeadsign, update.Headsign)
	exts.apply(feedTrip)
	return feedTrip
}

func buildStopTimeUpdate(stu *rt.StopTimeUpdate) *gtfs.TripUpdate_StopTimeUpdate {
	feedStop := &gtfs.TripUpdate_StopTimeUpdate{
		StopId:    proto.String(stu.StopID),
		Arrival:   buildStopTimeEvent(stu.Arrival),
		Departure: buildStopTimeEvent(stu.Departure),
	}

	exts := extWriter{}
	exts.writeString(tagStopTimeMessage, stu.Message)
	exts.apply(feedStop)
	return feedStop
}

func buildStopTimeEvent(event rt.StopEvent) *gtfs.TripUpdate_StopTimeEvent {
	feedEvent := &gtfs.TripUpdate_StopTimeEvent{}
	if event.Time != nil {
		feedEvent.Time = proto.Int64(dates.ToPosix(*event.Time))
	}
	delay := int32(0)
	if event.Delay != nil {
		delay = int32(*event.Delay / time.Second)
	}
	feedEvent.Delay = proto.Int32(delay)

	exts := extWriter{}
	exts.writeVarint(tagStopTimeEventRelationship, int64(relationshipForStatus(event.Status)))
	exts.writeString(tagStopTimeEventStatus, string(event.Status))
	exts.apply(feedEvent)
	return feedEvent
}

// relationshipForStatus maps a modification type to the legacy per-event
// relationship.
func relationshipForStatus(status rt.ModificationType) StopTimeEventRelationship {
	switch status {
	case rt.StatusDelete, rt.StatusDeletedForDetour:
		return RelationshipSkipped
	case rt.StatusAdd, rt.StatusAddedForDetour:
		return RelationshipAdded
	default:
		return RelationshipScheduled
	}
}
