package navitia

import (
	"context"
	"log"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/matryer/is"
	"github.com/opentransit/tripfeed/foundation/telemetry"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

const vehicleJourneysBody = `{
  "vehicle_journeys": [
    {
      "id": "vehicle_journey:R:vj1",
      "name": "R vj1",
      "trip": {"id": "R:vj1"},
      "codes": [{"type": "source", "value": "R:vj1"}],
      "stop_times": [
        {
          "utc_arrival_time": "140000",
          "utc_departure_time": "140000",
          "stop_point": {
            "id": "stop_point:StopR1",
            "name": "Stop R1",
            "codes": [{"type": "source", "value": "StopR1"}]
          }
        },
        {
          "utc_arrival_time": "143000",
          "utc_departure_time": "143100",
          "stop_point": {
            "id": "stop_point:StopR2",
            "name": "Stop R2",
            "codes": [{"type": "source", "value": "StopR2"}]
          }
        }
      ]
    }
  ]
}`

func testLogger() *log.Logger {
	return log.New(os.Stdout, "navitia-test", log.LstdFlags)
}

func TestVehicleJourneys(t *testing.T) {
	is := is.New(t)

	var gotQuery map[string]string
	var gotAuth string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		is.Equal(r.URL.Path, "/v1/coverage/sherbrooke/vehicle_journeys")
		gotAuth = r.Header.Get("Authorization")
		gotQuery = map[string]string{}
		for name := range r.URL.Query() {
			gotQuery[name] = r.URL.Query().Get(name)
		}
		_, _ = w.Write([]byte(vehicleJourneysBody))
	}))
	defer server.Close()

	metrics := telemetry.NewMetrics()
	client := NewClient(testLogger(), server.URL, "sherbrooke", "secret-token", 5*time.Second, metrics)
	since := time.Date(2012, 6, 15, 12, 0, 0, 0, time.UTC)
	until := time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC)

	journeys, err := client.VehicleJourneys(context.Background(), "source", "R:vj1", since, until)
	is.NoErr(err)
	is.Equal(len(journeys), 1)
	is.Equal(journeys[0].Trip.ID, "R:vj1")
	is.Equal(len(journeys[0].StopTimes), 2)
	is.Equal(journeys[0].StopTimes[1].StopPoint.CodeValue("source"), "StopR2")
	is.Equal(journeys[0].StopTimes[1].StopPoint.CodeValue("gtfs"), "")

	is.Equal(gotAuth, "secret-token")
	is.Equal(gotQuery["filter"], "vehicle_journey.has_code(source, R:vj1)")
	is.Equal(gotQuery["since"], "20120615T120000")
	is.Equal(gotQuery["until"], "20120615T190000")
	is.Equal(gotQuery["depth"], "2")
	is.Equal(testutil.ToFloat64(metrics.NavitiaCalls.WithLabelValues("200")), 1.0)
}

func TestVehicleJourneysNotFound(t *testing.T) {
	is := is.New(t)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": {"id": "unknown_object"}}`, http.StatusNotFound)
	}))
	defer server.Close()

	client := NewClient(testLogger(), server.URL, "sherbrooke", "", 5*time.Second, nil)
	since := time.Date(2012, 6, 15, 12, 0, 0, 0, time.UTC)
	until := time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC)

	journeys, err := client.VehicleJourneys(context.Background(), "source", "bob", since, until)
	is.NoErr(err)
	is.Equal(len(journeys), 0)
}

func TestVehicleJourneysRejectsLocalTimes(t *testing.T) {
	is := is.New(t)
	client := NewClient(testLogger(), "http://navitia.invalid", "sherbrooke", "", time.Second, nil)
	montreal, err := time.LoadLocation("America/Montreal")
	is.NoErr(err)

	since := time.Date(2012, 6, 15, 8, 0, 0, 0, montreal)
	until := time.Date(2012, 6, 15, 15, 0, 0, 0, time.UTC)
	_, err = client.VehicleJourneys(context.Background(), "source", "R:vj1", since, until)
	is.True(err != nil)
}

func TestCachedClientMemoises(t *testing.T) {
	is := is.New(t)

	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/v1/coverage/sherbrooke/status" {
			_, _ = w.Write([]byte(`{"status": {"publication_date": "20120615T065000.0"}}`))
			return
		}
		calls++
		_, _ = w.Write([]byte(vehicleJourneysBody))
	}))
	defer server.Close()

	client := NewClient(testLogger(), server.URL, "sherbrooke", "", 5*time.Second, nil)
	cached := NewCachedClient(client, 16, time.Minute)
	is.NoErr(cached.RefreshPublicationDate(context.Background()))

	since := time.Date(2012, 6, 15, 12, 0, 0, 0, time.UTC)
	until := time.Date(2012, 6, 15, 19, 0, 0, 0, time.UTC)

	for i := 0; i < 3; i++ {
		journeys, err := cached.VehicleJourneys(context.Background(), "source", "R:vj1", since, until)
		is.NoErr(err)
		is.Equal(len(journeys), 1)
	}
	is.Equal(calls, 1)

	// a different window misses the cache
	_, err := cached.VehicleJourneys(context.Background(), "source", "R:vj1", since.Add(time.Hour), until)
	is.NoErr(err)
	is.Equal(calls, 2)
}
