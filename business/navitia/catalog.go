package navitia

import (
	"log"
	"sync"
	"time"

	"github.com/opentransit/tripfeed/foundation/telemetry"
)

// Catalog hands out one cached client per coverage, created lazily.
type Catalog struct {
	log       *log.Logger
	baseURL   string
	timeout   time.Duration
	cacheSize int
	cacheTTL  time.Duration
	metrics   *telemetry.Metrics

	mu      sync.Mutex
	clients map[string]*CachedClient
}

// NewCatalog builds a Catalog against baseURL. metrics may be nil.
func NewCatalog(logger *log.Logger, baseURL string, timeout time.Duration, cacheSize int, cacheTTL time.Duration, metrics *telemetry.Metrics) *Catalog {
	return &Catalog{
		log:       logger,
		baseURL:   baseURL,
		timeout:   timeout,
		cacheSize: cacheSize,
		cacheTTL:  cacheTTL,
		metrics:   metrics,
		clients:   make(map[string]*CachedClient),
	}
}

// Coverage returns the cached client for the given coverage, creating it on
// first use.
func (c *Catalog) Coverage(coverage, token string) *CachedClient {
	c.mu.Lock()
	defer c.mu.Unlock()
	if client, ok := c.clients[coverage]; ok {
		return client
	}
	client := NewCachedClient(NewClient(c.log, c.baseURL, coverage, token, c.timeout, c.metrics), c.cacheSize, c.cacheTTL)
	c.clients[coverage] = client
	return client
}

// RefreshPublicationDates refreshes every known coverage's publication date.
func (c *Catalog) RefreshPublicationDates(refresh func(*CachedClient) error) {
	c.mu.Lock()
	clients := make([]*CachedClient, 0, len(c.clients))
	for _, client := range c.clients {
		clients = append(clients, client)
	}
	c.mu.Unlock()

	for _, client := range clients {
		if err := refresh(client); err != nil {
			c.log.Printf("refreshing publication date: %v", err)
		}
	}
}
