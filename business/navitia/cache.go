package navitia

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/opentransit/tripfeed/foundation/dates"
)

// JourneySource is the schedule lookup surface the pipeline depends on.
// *Client and *CachedClient both implement it.
type JourneySource interface {
	VehicleJourneys(ctx context.Context, codeKey, code string, since, until time.Time) ([]VehicleJourney, error)
}

// CachedClient memoises journey lookups in an expiring LRU. Entries are keyed
// by the coverage's publication date so a schedule data reload invalidates
// them without waiting for the TTL.
type CachedClient struct {
	source *Client
	cache  *expirable.LRU[string, []VehicleJourney]

	mu      sync.RWMutex
	pubDate string
}

// NewCachedClient wraps source with a cache of at most size entries expiring
// after ttl.
func NewCachedClient(source *Client, size int, ttl time.Duration) *CachedClient {
	return &CachedClient{
		source: source,
		cache:  expirable.NewLRU[string, []VehicleJourney](size, nil, ttl),
	}
}

// RefreshPublicationDate fetches the coverage's publication date. Call it
// periodically; lookups keep working on the previous date when it fails.
func (c *CachedClient) RefreshPublicationDate(ctx context.Context) error {
	pubDate, err := c.source.PublicationDate(ctx)
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.pubDate = pubDate
	c.mu.Unlock()
	return nil
}

// VehicleJourneys implements JourneySource with memoisation.
func (c *CachedClient) VehicleJourneys(ctx context.Context, codeKey, code string, since, until time.Time) ([]VehicleJourney, error) {
	c.mu.RLock()
	pubDate := c.pubDate
	c.mu.RUnlock()

	key := strings.Join([]string{
		pubDate,
		codeKey,
		code,
		since.Format(dates.NavitiaFormat),
		until.Format(dates.NavitiaFormat),
	}, "|")

	if journeys, ok := c.cache.Get(key); ok {
		return journeys, nil
	}

	journeys, err := c.source.VehicleJourneys(ctx, codeKey, code, since, until)
	if err != nil {
		return nil, fmt.Errorf("cache miss lookup: %w", err)
	}
	c.cache.Add(key, journeys)
	return journeys, nil
}
