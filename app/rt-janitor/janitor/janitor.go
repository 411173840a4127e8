// Package janitor applies the retention policy: old trip updates go per
// contributor, unassociated raw payloads go per connector.
package janitor

import (
	"context"
	logger "log"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/lock"
)

// lockTTL bounds a purge pass. Another janitor instance finding the lock
// held simply skips its turn.
const lockTTL = 10 * time.Minute

// Config sets the retention horizons.
type Config struct {
	// TripUpdateDays keeps merged trip updates this many days.
	TripUpdateDays int
	// RawUpdateDays keeps raw payloads that never produced a trip update
	// this many days.
	RawUpdateDays int
	// Interval between purge passes.
	Interval time.Duration
}

// Janitor runs the purges.
type Janitor struct {
	log    *logger.Logger
	db     *sqlx.DB
	locker lock.Locker
	cfg    Config
}

// NewJanitor builds a Janitor.
func NewJanitor(log *logger.Logger, db *sqlx.DB, locker lock.Locker, cfg Config) *Janitor {
	return &Janitor{log: log, db: db, locker: locker, cfg: cfg}
}

// Run purges on the configured interval until shutdown closes. The first
// pass runs immediately.
func (j *Janitor) Run(shutdown chan struct{}) {
	j.purgeOnce()

	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			j.log.Println("stopping janitor")
			return
		case <-ticker.C:
			j.purgeOnce()
		}
	}
}

func (j *Janitor) purgeOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), lockTTL)
	defer cancel()

	j.purgeTripUpdates(ctx)
	j.purgeRawUpdates(ctx)
}

// purgeTripUpdates removes merged state older than the horizon, one
// contributor at a time under a purge lock.
func (j *Janitor) purgeTripUpdates(ctx context.Context) {
	contributors, err := rt.GetActiveContributors(j.db)
	if err != nil {
		j.log.Printf("loading contributors for purge: %v", err)
		return
	}
	until := time.Now().UTC().AddDate(0, 0, -j.cfg.TripUpdateDays)

	for _, contributor := range contributors {
		key := lock.MakeKey("purge", "trip_update", contributor.ID)
		held, err := j.locker.Acquire(ctx, key, lockTTL)
		if err != nil {
			j.log.Printf("acquiring purge lock %s: %v", key, err)
			continue
		}
		if held == nil {
			j.log.Printf("purge of %s already running elsewhere", contributor.ID)
			continue
		}

		removed, err := rt.RemoveTripUpdatesByContributorsUntil(j.db, []string{contributor.ID}, until)
		if err != nil {
			j.log.Printf("purging trip updates for %s: %v", contributor.ID, err)
		} else if removed > 0 {
			j.log.Printf("purged %d trip updates for %s older than %s", removed, contributor.ID, until)
		}

		if err := held.Release(ctx); err != nil {
			j.log.Printf("releasing purge lock %s: %v", key, err)
		}
	}
}

// purgeRawUpdates removes unassociated raw payloads per connector.
func (j *Janitor) purgeRawUpdates(ctx context.Context) {
	until := time.Now().UTC().AddDate(0, 0, -j.cfg.RawUpdateDays)

	for _, connector := range []rt.ConnectorType{rt.ConnectorGTFSRT, rt.ConnectorCOTS} {
		key := lock.MakeKey("purge", "real_time_update", string(connector))
		held, err := j.locker.Acquire(ctx, key, lockTTL)
		if err != nil {
			j.log.Printf("acquiring purge lock %s: %v", key, err)
			continue
		}
		if held == nil {
			j.log.Printf("purge of %s payloads already running elsewhere", connector)
			continue
		}

		removed, err := rt.RemoveUnassociatedRealTimeUpdatesUntil(j.db, connector, until)
		if err != nil {
			j.log.Printf("purging raw updates for %s: %v", connector, err)
		} else if removed > 0 {
			j.log.Printf("purged %d raw %s payloads older than %s", removed, connector, until)
		}

		if err := held.Release(ctx); err != nil {
			j.log.Printf("releasing purge lock %s: %v", key, err)
		}
	}
}
