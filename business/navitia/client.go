// Package navitia is a thin client for the navitia schedule API, used to
// resolve feed trips against the theoretical timetable.
package navitia

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opentransit/tripfeed/foundation/dates"
	"github.com/opentransit/tripfeed/foundation/httpclient"
	"github.com/opentransit/tripfeed/foundation/telemetry"
)

// Code is an external identifier attached to a navitia object.
type Code struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// StopPoint is a navitia stop point with its external codes.
type StopPoint struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Codes []Code `json:"codes"`
}

// CodeValue returns the stop point's code of the given type, or "" when
// absent.
func (s StopPoint) CodeValue(codeType string) string {
	for _, code := range s.Codes {
		if code.Type == codeType {
			return code.Value
		}
	}
	return ""
}

// StopTime is one scheduled stop of a vehicle journey. Clock times are naive
// UTC in "HHMMSS" form and wrap at midnight; a clock regression along the
// journey marks the roll into the next day.
type StopTime struct {
	UTCArrivalTime   string    `json:"utc_arrival_time"`
	UTCDepartureTime string    `json:"utc_departure_time"`
	StopPoint        StopPoint `json:"stop_point"`
}

// Trip is the trip a vehicle journey realises.
type Trip struct {
	ID string `json:"id"`
}

// VehicleJourney is the navitia representation of one scheduled run.
type VehicleJourney struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Trip      Trip       `json:"trip"`
	StopTimes []StopTime `json:"stop_times"`
	Codes     []Code     `json:"codes"`
}

type vehicleJourneysResponse struct {
	VehicleJourneys []VehicleJourney `json:"vehicle_journeys"`
}

type statusResponse struct {
	Status struct {
		PublicationDate string `json:"publication_date"`
	} `json:"status"`
}

// Client queries one navitia coverage.
type Client struct {
	baseURL  string
	coverage string
	token    string
	client   *http.Client
	log      *log.Logger
	metrics  *telemetry.Metrics
}

// NewClient builds a Client for the coverage behind baseURL. Requests time
// out after timeout. metrics may be nil.
func NewClient(logger *log.Logger, baseURL, coverage, token string, timeout time.Duration, metrics *telemetry.Metrics) *Client {
	return &Client{
		baseURL:  baseURL,
		coverage: coverage,
		token:    token,
		client:   httpclient.NewClient(timeout),
		log:      logger,
		metrics:  metrics,
	}
}

// VehicleJourneys returns the scheduled journeys carrying the external code
// (codeKey, code) that circulate between since and until, both naive UTC.
func (c *Client) VehicleJourneys(ctx context.Context, codeKey, code string, since, until time.Time) ([]VehicleJourney, error) {
	if err := dates.CheckNaiveUTC(since, until); err != nil {
		return nil, err
	}

	query := url.Values{}
	query.Set("filter", fmt.Sprintf("vehicle_journey.has_code(%s, %s)", codeKey, code))
	query.Set("since", since.Format(dates.NavitiaFormat))
	query.Set("until", until.Format(dates.NavitiaFormat))
	query.Set("depth", "2")
	query.Set("show_codes", "true")
	requestURL := fmt.Sprintf("%s/v1/coverage/%s/vehicle_journeys?%s", c.baseURL, c.coverage, query.Encode())

	body, status, err := httpclient.GetBody(ctx, c.client, requestURL, c.header())
	if err != nil {
		return nil, fmt.Errorf("querying vehicle journeys for %s: %w", code, err)
	}
	c.countCall(status)
	if status == http.StatusNotFound {
		// navitia answers 404 with an empty result when nothing matches
		return nil, nil
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("querying vehicle journeys for %s: status %d", code, status)
	}

	var response vehicleJourneysResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return nil, fmt.Errorf("decoding vehicle journeys for %s: %w", code, err)
	}
	return response.VehicleJourneys, nil
}

// PublicationDate returns the coverage's current data publication date, used
// to invalidate cached journeys when a new dataset is loaded.
func (c *Client) PublicationDate(ctx context.Context) (string, error) {
	requestURL := fmt.Sprintf("%s/v1/coverage/%s/status", c.baseURL, c.coverage)
	body, status, err := httpclient.GetBody(ctx, c.client, requestURL, c.header())
	if err != nil {
		return "", fmt.Errorf("querying coverage status: %w", err)
	}
	c.countCall(status)
	if status != http.StatusOK {
		return "", fmt.Errorf("querying coverage status: status %d", status)
	}

	var response statusResponse
	if err := json.Unmarshal(body, &response); err != nil {
		return "", fmt.Errorf("decoding coverage status: %w", err)
	}
	return response.Status.PublicationDate, nil
}

func (c *Client) countCall(status int) {
	if c.metrics != nil {
		c.metrics.NavitiaCalls.WithLabelValues(strconv.Itoa(status)).Inc()
	}
}

func (c *Client) header() http.Header {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", c.token)
	}
	return header
}
