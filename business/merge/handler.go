package merge

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/lock"
	"github.com/opentransit/tripfeed/foundation/telemetry"
)

// DefaultLockTTL bounds how long a dead worker can pin a dated trip.
const DefaultLockTTL = 30 * time.Second

// Publisher pushes merged trip updates downstream.
type Publisher interface {
	Publish(ctx context.Context, updates []*rt.TripUpdate) error
}

// Handler merges candidate trip updates into the persisted state. One
// handler serves all contributors; per-trip ordering comes from the lock.
type Handler struct {
	db        *sqlx.DB
	locker    lock.Locker
	publisher Publisher
	log       *log.Logger
	metrics   *telemetry.Metrics

	LockTTL time.Duration
}

// NewHandler builds a Handler. metrics may be nil.
func NewHandler(logger *log.Logger, db *sqlx.DB, locker lock.Locker, publisher Publisher, metrics *telemetry.Metrics) *Handler {
	return &Handler{
		db:        db,
		locker:    locker,
		publisher: publisher,
		log:       logger,
		metrics:   metrics,
		LockTTL:   DefaultLockTTL,
	}
}

// Handle merges candidates for one received payload, records the outcome on
// its RealTimeUpdate row, and publishes what changed. feedComplete conveys
// the connector's snapshot semantics: a complete feed's silence about a stop
// means back-to-normal.
func (h *Handler) Handle(ctx context.Context, update *rt.RealTimeUpdate, candidates []*rt.TripUpdate, contributor *rt.Contributor, feedComplete bool) error {
	started := time.Now()
	var published []*rt.TripUpdate

	for _, candidate := range candidates {
		merged, changed, err := h.handleOne(ctx, candidate, contributor, feedComplete)
		if err != nil {
			// the receipt must never stay pending, even when the merge blew up
			update.SetKO(err.Error())
			if updateErr := rt.UpdateRealTimeUpdateStatus(h.db, update); updateErr != nil {
				h.log.Printf("recording failure for %s: %v", contributor.ID, updateErr)
			}
			return err
		}
		if merged == nil {
			// lock held elsewhere, the feed may be retried
			continue
		}
		if !changed {
			continue
		}
		if err := rt.AssociateRealTimeUpdate(h.db, update.ID, merged.ID); err != nil {
			return err
		}
		published = append(published, merged)
	}

	if len(published) == 0 {
		update.SetKO(fmt.Sprintf("No new information destinated to navitia for this %s", update.Connector))
		return rt.UpdateRealTimeUpdateStatus(h.db, update)
	}

	update.SetOK()
	if err := rt.UpdateRealTimeUpdateStatus(h.db, update); err != nil {
		return err
	}

	if err := h.publisher.Publish(ctx, published); err != nil {
		// the merged state is committed; publication is fire-and-forget
		h.log.Printf("publishing %d trip updates for %s: %v", len(published), contributor.ID, err)
		if h.metrics != nil {
			h.metrics.PublishFailures.Inc()
		}
	}
	if h.metrics != nil {
		h.metrics.MergeDuration.WithLabelValues(contributor.ID).Observe(time.Since(started).Seconds())
	}
	return nil
}

// handleOne merges a single candidate under its dated trip's lock. A nil
// trip update with nil error means the lock was held elsewhere.
func (h *Handler) handleOne(ctx context.Context, candidate *rt.TripUpdate, contributor *rt.Contributor, feedComplete bool) (*rt.TripUpdate, bool, error) {
	vj := candidate.VehicleJourney
	key := lock.MakeKey("handle", contributor.ID, vj.NavitiaTripID,
		vj.StartTimestamp.Format("2006-01-02 15:04:05"))

	held, err := h.locker.Acquire(ctx, key, h.LockTTL)
	if err != nil {
		return nil, false, fmt.Errorf("acquiring lock %s: %w", key, err)
	}
	if held == nil {
		h.log.Printf("trip %s at %s already being handled, skipping", vj.NavitiaTripID, vj.StartTimestamp)
		return nil, false, nil
	}
	defer func() {
		if err := held.Release(ctx); err != nil {
			h.log.Printf("releasing lock %s: %v", key, err)
		}
	}()

	var baseline []rt.BaselineStop
	if vj.Navitia != nil {
		baseline, err = vj.BaselineStops(contributor.StopCodeKey)
		if err != nil {
			return nil, false, err
		}
	}

	prev, err := rt.FindTripUpdateByDatedVJ(h.db, vj.NavitiaTripID, vj.StartTimestamp)
	if err != nil {
		return nil, false, err
	}

	merged, changed := mergeTripUpdate(prev, candidate, baseline, feedComplete)
	if !changed {
		return merged, false, nil
	}

	if err := rt.SaveTripUpdate(h.db, merged); err != nil {
		return nil, false, err
	}
	return merged, true, nil
}
