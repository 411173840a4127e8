// Package poller periodically pulls GTFS-RT feeds for contributors that
// expose a fetch URL and runs them through the merge pipeline.
package poller

import (
	"context"
	logger "log"
	"net/http"
	"sync"
	"time"

	"github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/gtfsrt"
	"github.com/opentransit/tripfeed/business/merge"
	"github.com/opentransit/tripfeed/business/navitia"
	"github.com/opentransit/tripfeed/foundation/httpclient"
	"github.com/opentransit/tripfeed/foundation/telemetry"
	"google.golang.org/protobuf/proto"
)

// publicationRefreshInterval is how often coverage publication dates are
// re-read to invalidate the journey cache on schedule reloads.
const publicationRefreshInterval = 5 * time.Minute

// fetchTimeout bounds one feed download.
const fetchTimeout = 30 * time.Second

// errorDedupWindow collapses identical error receipts arriving within this
// interval into one row.
const errorDedupWindow = 5 * time.Second

// feedPoller drives the fetch loop of one contributor.
type feedPoller struct {
	log         *logger.Logger
	db          *sqlx.DB
	merger      *merge.Handler
	journeys    navitia.JourneySource
	metrics     *telemetry.Metrics
	contributor rt.Contributor
	client      *http.Client
}

// RunFeedPollerLoop polls every active pull contributor until the shutdown
// channel closes. catalog also gets its publication dates refreshed here.
func RunFeedPollerLoop(log *logger.Logger,
	db *sqlx.DB,
	merger *merge.Handler,
	catalog *navitia.Catalog,
	metrics *telemetry.Metrics,
	shutdown chan struct{}) error {

	contributors, err := rt.GetActiveContributors(db)
	if err != nil {
		return err
	}

	wg := sync.WaitGroup{}
	for _, contributor := range contributors {
		if contributor.FeedURL == "" || contributor.ConnectorType != rt.ConnectorGTFSRT {
			continue
		}
		poller := &feedPoller{
			log:         log,
			db:          db,
			merger:      merger,
			journeys:    catalog.Coverage(contributor.NavitiaCoverage, contributor.NavitiaToken),
			metrics:     metrics,
			contributor: contributor,
			client:      httpclient.NewClient(fetchTimeout),
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			poller.loop(shutdown)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		refreshPublicationDates(catalog, shutdown)
	}()

	wg.Wait()
	return nil
}

func refreshPublicationDates(catalog *navitia.Catalog, shutdown chan struct{}) {
	refresh := func() {
		ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
		defer cancel()
		catalog.RefreshPublicationDates(func(client *navitia.CachedClient) error {
			return client.RefreshPublicationDate(ctx)
		})
	}
	refresh()

	ticker := time.NewTicker(publicationRefreshInterval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			return
		case <-ticker.C:
			refresh()
		}
	}
}

func (p *feedPoller) loop(shutdown chan struct{}) {
	interval := p.contributor.RetrievalInterval()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	p.log.Printf("polling %s every %s", p.contributor.ID, interval)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-shutdown:
			p.log.Printf("stopping poller for %s", p.contributor.ID)
			return
		case <-ticker.C:
			p.pollOnce()
		}
	}
}

// pollOnce fetches and processes one feed snapshot. Failures are recorded on
// the payload's receipt, never fatal to the loop.
func (p *feedPoller) pollOnce() {
	ctx, cancel := context.WithTimeout(context.Background(), fetchTimeout)
	defer cancel()

	header := http.Header{}
	if p.contributor.NavitiaToken != "" {
		header.Set("Authorization", p.contributor.NavitiaToken)
	}
	payload, status, err := httpclient.GetBody(ctx, p.client, p.contributor.FeedURL, header)
	if err != nil {
		p.log.Printf("fetching feed for %s: %v", p.contributor.ID, err)
		p.recordHTTPError()
		return
	}
	if status != http.StatusOK {
		p.log.Printf("fetching feed for %s: status %d", p.contributor.ID, status)
		p.recordHTTPError()
		return
	}

	if err := p.process(ctx, payload); err != nil {
		p.log.Printf("processing feed for %s: %v", p.contributor.ID, err)
	}
}

// recordHTTPError writes a KO receipt for a failed fetch, folding repeats
// within the dedup window onto the existing row.
func (p *feedPoller) recordHTTPError() {
	now := time.Now().UTC().Truncate(time.Microsecond)
	p.countFeed(rt.RTStatusKO)

	prior, err := rt.LastErrorSince(p.db, p.contributor.ID, "Http Error", now.Add(-errorDedupWindow))
	if err != nil {
		p.log.Printf("looking up prior error for %s: %v", p.contributor.ID, err)
	}
	if prior != nil {
		prior.ReceivedAt = now
		if err := rt.UpdateRealTimeUpdateStatus(p.db, prior); err != nil {
			p.log.Printf("refreshing error receipt for %s: %v", p.contributor.ID, err)
		}
		return
	}

	update := rt.NewRealTimeUpdate(p.contributor.ID, p.contributor.ConnectorType, nil, now)
	update.SetKO("Http Error")
	if err := rt.InsertRealTimeUpdate(p.db, update); err != nil {
		p.log.Printf("recording error receipt for %s: %v", p.contributor.ID, err)
	}
}

func (p *feedPoller) process(ctx context.Context, payload []byte) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	update := rt.NewRealTimeUpdate(p.contributor.ID, p.contributor.ConnectorType, payload, now)
	if err := rt.InsertRealTimeUpdate(p.db, update); err != nil {
		return err
	}

	var feed gtfs.FeedMessage
	if err := proto.Unmarshal(payload, &feed); err != nil {
		update.SetKO("Decode Error")
		p.countFeed(rt.RTStatusKO)
		return rt.UpdateRealTimeUpdateStatus(p.db, update)
	}

	builder := gtfsrt.NewBuilder(p.log, p.journeys, p.contributor.ID, p.contributor.StopCodeKey)
	candidates, err := builder.Build(ctx, &feed)
	if err != nil {
		update.SetKO(err.Error())
		p.countFeed(rt.RTStatusKO)
		return rt.UpdateRealTimeUpdateStatus(p.db, update)
	}

	if err := p.merger.Handle(ctx, update, candidates, &p.contributor, true); err != nil {
		p.countFeed(rt.RTStatusKO)
		return err
	}
	p.countFeed(update.Status)
	return nil
}

func (p *feedPoller) countFeed(status rt.RTStatus) {
	if p.metrics != nil {
		p.metrics.FeedUpdates.WithLabelValues(p.contributor.ID, string(status)).Inc()
	}
}
