// Package ingest receives realtime feed payloads over HTTP, records them,
// and runs them through the interpretation and merge pipeline.
package ingest

import (
	"context"
	"errors"
	"fmt"
	logger "log"
	"net/http"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/business/cots"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/gtfsrt"
	"github.com/opentransit/tripfeed/business/merge"
	"github.com/opentransit/tripfeed/business/navitia"
	"github.com/opentransit/tripfeed/foundation/telemetry"
	"google.golang.org/protobuf/proto"
)

// DefaultDedupWindow collapses identical error receipts arriving within this
// interval into one row.
const DefaultDedupWindow = 5 * time.Second

// DefaultFeedDeadline bounds the end-to-end handling of one payload.
const DefaultFeedDeadline = 60 * time.Second

// StatusError carries the HTTP status an intake failure maps to.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string { return e.Message }

// JourneySourceFunc resolves the schedule lookup client for a contributor's
// coverage.
type JourneySourceFunc func(contributor *rt.Contributor) navitia.JourneySource

// Intake processes one feed payload end to end.
type Intake struct {
	log      *logger.Logger
	db       *sqlx.DB
	merger   *merge.Handler
	journeys JourneySourceFunc
	metrics  *telemetry.Metrics

	DedupWindow  time.Duration
	FeedDeadline time.Duration
}

// makeIntake builds an Intake. metrics may be nil.
func makeIntake(log *logger.Logger, db *sqlx.DB, merger *merge.Handler, journeys JourneySourceFunc,
	metrics *telemetry.Metrics) *Intake {
	return &Intake{
		log:          log,
		db:           db,
		merger:       merger,
		journeys:     journeys,
		metrics:      metrics,
		DedupWindow:  DefaultDedupWindow,
		FeedDeadline: DefaultFeedDeadline,
	}
}

// HandleFeed records payload and merges what it says. The returned error is
// a *StatusError when the caller should answer with a specific HTTP status.
func (i *Intake) HandleFeed(ctx context.Context, contributor *rt.Contributor, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, i.FeedDeadline)
	defer cancel()

	now := time.Now().UTC().Truncate(time.Microsecond)
	if len(payload) == 0 {
		i.recordError(contributor, nil, "Decode Error", now)
		i.countFeed(contributor.ID, rt.RTStatusKO)
		return &StatusError{Code: http.StatusBadRequest, Message: "empty body"}
	}

	// the raw payload is persisted before any interpretation so a crash
	// still leaves a receipt
	update := rt.NewRealTimeUpdate(contributor.ID, contributor.ConnectorType, payload, now)
	if err := rt.InsertRealTimeUpdate(i.db, update); err != nil {
		return err
	}

	candidates, err := i.interpret(ctx, contributor, payload)
	if err != nil {
		return i.recordFailure(contributor, update, err, now)
	}

	if err := i.merger.Handle(ctx, update, candidates, contributor, feedComplete(contributor.ConnectorType)); err != nil {
		i.countFeed(contributor.ID, rt.RTStatusKO)
		return err
	}
	i.countFeed(contributor.ID, update.Status)
	return nil
}

// interpret runs the connector's builder.
func (i *Intake) interpret(ctx context.Context, contributor *rt.Contributor, payload []byte) ([]*rt.TripUpdate, error) {
	journeys := i.journeys(contributor)
	switch contributor.ConnectorType {
	case rt.ConnectorGTFSRT:
		var feed gtfs.FeedMessage
		if err := proto.Unmarshal(payload, &feed); err != nil {
			return nil, &StatusError{Code: http.StatusBadRequest, Message: "Decode Error"}
		}
		builder := gtfsrt.NewBuilder(i.log, journeys, contributor.ID, contributor.StopCodeKey)
		return builder.Build(ctx, &feed)
	case rt.ConnectorCOTS:
		builder := cots.NewBuilder(i.log, journeys, contributor.ID, contributor.StopCodeKey)
		return builder.Build(ctx, payload)
	}
	return nil, fmt.Errorf("unsupported connector type %q", contributor.ConnectorType)
}

// recordFailure marks the payload's receipt KO and maps the error to an
// HTTP status.
func (i *Intake) recordFailure(contributor *rt.Contributor, update *rt.RealTimeUpdate, cause error, now time.Time) error {
	var statusErr *StatusError
	var decodeErr *cots.DecodeError
	switch {
	case errors.As(cause, &statusErr):
		i.recordError(contributor, update, statusErr.Message, now)
		i.countFeed(contributor.ID, rt.RTStatusKO)
		return statusErr
	case errors.As(cause, &decodeErr):
		i.recordError(contributor, update, decodeErr.Error(), now)
		i.countFeed(contributor.ID, rt.RTStatusKO)
		return &StatusError{Code: http.StatusBadRequest, Message: decodeErr.Error()}
	default:
		// well-formed feeds that carried nothing usable answer 200 with a
		// KO receipt; only decode failures get collapsed, every no-information
		// receipt stands on its own
		update.SetKO(cause.Error())
		if err := rt.UpdateRealTimeUpdateStatus(i.db, update); err != nil {
			i.log.Printf("recording error receipt for %s: %v", contributor.ID, err)
		}
		i.countFeed(contributor.ID, rt.RTStatusKO)
		return nil
	}
}

// recordError writes a KO receipt, folding repeats of the same error within
// the dedup window onto the existing row. update may be nil when the payload
// was never persisted (empty body).
func (i *Intake) recordError(contributor *rt.Contributor, update *rt.RealTimeUpdate, message string, now time.Time) {
	prior, err := rt.LastErrorSince(i.db, contributor.ID, message, now.Add(-i.DedupWindow))
	if err != nil {
		i.log.Printf("looking up prior error for %s: %v", contributor.ID, err)
	}

	if prior != nil {
		prior.ReceivedAt = now
		if err := rt.UpdateRealTimeUpdateStatus(i.db, prior); err != nil {
			i.log.Printf("refreshing error receipt for %s: %v", contributor.ID, err)
		}
		// the duplicate pending row is not kept
		if update != nil {
			i.dropReceipt(update)
		}
		return
	}

	if update == nil {
		update = rt.NewRealTimeUpdate(contributor.ID, contributor.ConnectorType, nil, now)
		update.SetKO(message)
		if err := rt.InsertRealTimeUpdate(i.db, update); err != nil {
			i.log.Printf("recording error receipt for %s: %v", contributor.ID, err)
		}
		return
	}

	update.SetKO(message)
	if err := rt.UpdateRealTimeUpdateStatus(i.db, update); err != nil {
		i.log.Printf("recording error receipt for %s: %v", contributor.ID, err)
	}
}

func (i *Intake) dropReceipt(update *rt.RealTimeUpdate) {
	statement := i.db.Rebind("delete from real_time_update where real_time_update_id = ?")
	if _, err := i.db.Exec(statement, update.ID); err != nil {
		i.log.Printf("dropping duplicate receipt %s: %v", update.ID, err)
	}
}

func (i *Intake) countFeed(contributorID string, status rt.RTStatus) {
	if i.metrics != nil {
		i.metrics.FeedUpdates.WithLabelValues(contributorID, string(status)).Inc()
	}
}

// feedComplete reports whether the connector's feeds are whole-trip
// snapshots: silence about a stop then means back-to-normal.
func feedComplete(connector rt.ConnectorType) bool {
	switch connector {
	case rt.ConnectorGTFSRT, rt.ConnectorCOTS:
		return true
	}
	return false
}
