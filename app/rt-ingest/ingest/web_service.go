package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	logger "log"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/business/merge"
	"github.com/opentransit/tripfeed/foundation/dates"
	"github.com/opentransit/tripfeed/foundation/telemetry"
)

// maxPayloadBytes caps a single feed payload.
const maxPayloadBytes = 10 << 20

//defaultHttpHandler simple default http handler for default route
type defaultHttpHandler struct {
}

//ServeHTTP implements defaultHttpHandler http.Handler interface
func (h *defaultHttpHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	w.Header().Add("Application-Status", "OK")
}

//feedHandler accepts feed payloads for one connector type
type feedHandler struct {
	log       *logger.Logger
	db        *sqlx.DB
	intake    *Intake
	connector rt.ConnectorType
}

func makeFeedHandler(log *logger.Logger, db *sqlx.DB, intake *Intake, connector rt.ConnectorType) *feedHandler {
	return &feedHandler{log: log, db: db, intake: intake, connector: connector}
}

//ServeHTTP implements feedHandler's http.Handler interface
func (f *feedHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	contributorID := mux.Vars(r)["contributor"]
	contributor, err := rt.GetContributor(f.db, contributorID)
	if err != nil {
		f.log.Printf("unknown contributor %s: %v", contributorID, err)
		http.Error(w, "unknown contributor", http.StatusNotFound)
		return
	}
	if contributor.ConnectorType != f.connector || !contributor.IsActive {
		http.Error(w, "contributor does not accept this feed", http.StatusNotFound)
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxPayloadBytes))
	if err != nil {
		http.Error(w, "reading body", http.StatusBadRequest)
		return
	}

	if err := f.intake.HandleFeed(r.Context(), contributor, payload); err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			http.Error(w, statusErr.Message, statusErr.Code)
			return
		}
		f.log.Printf("handling %s feed for %s: %v", f.connector, contributorID, err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusOK)
}

//statusHandler reports per-contributor feed freshness
type statusHandler struct {
	log   *logger.Logger
	db    *sqlx.DB
	build string
}

//contributorStatus is the JSON shape of one contributor's probe
type contributorStatus struct {
	LastUpdate      *string `json:"last_update"`
	LastValidUpdate *string `json:"last_valid_update"`
	LastUpdateError *string `json:"last_update_error"`
}

//statusResponse is the JSON shape of the status endpoint
type statusResponse struct {
	Version      string                       `json:"version"`
	Contributors map[string]contributorStatus `json:"contributors"`
}

func probeTime(t *time.Time) *string {
	if t == nil {
		return nil
	}
	formatted := t.In(time.UTC).Format(dates.ProbeFormat)
	return &formatted
}

//ServeHTTP implements statusHandler's http.Handler interface
func (s *statusHandler) ServeHTTP(w http.ResponseWriter, _ *http.Request) {
	probes, err := rt.ProbesByContributor(s.db)
	if err != nil {
		s.log.Printf("loading probes: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}

	response := statusResponse{
		Version:      s.build,
		Contributors: make(map[string]contributorStatus, len(probes)),
	}
	for id, probe := range probes {
		response.Contributors[id] = contributorStatus{
			LastUpdate:      probeTime(probe.LastUpdate),
			LastValidUpdate: probeTime(probe.LastValidUpdate),
			LastUpdateError: probe.LastUpdateError,
		}
	}

	jsonData, err := json.Marshal(response)
	if err != nil {
		s.log.Printf("marshalling status response: %v", err)
		http.Error(w, "Error serving request", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	if _, err := w.Write(jsonData); err != nil {
		s.log.Printf("writing status response: %v", err)
	}
}

//createServer creates configured http.Server for the intake endpoints
func createServer(log *logger.Logger,
	db *sqlx.DB,
	merger *merge.Handler,
	journeys JourneySourceFunc,
	metrics *telemetry.Metrics,
	build string,
	httpPort int) *http.Server {

	intake := makeIntake(log, db, merger, journeys, metrics)

	r := mux.NewRouter()
	r.Handle("/", &defaultHttpHandler{})
	r.Handle("/gtfs_rt/{contributor}", makeFeedHandler(log, db, intake, rt.ConnectorGTFSRT)).Methods(http.MethodPost)
	r.Handle("/cots/{contributor}", makeFeedHandler(log, db, intake, rt.ConnectorCOTS)).Methods(http.MethodPost)
	r.Handle("/status", &statusHandler{log: log, db: db, build: build})
	if metrics != nil {
		r.Handle("/metrics", metrics.Handler())
	}

	srv := &http.Server{
		Addr: strings.Join([]string{"0.0.0.0", strconv.Itoa(httpPort)}, ":"),
		// Good practice to set timeouts to avoid Slowloris attacks.
		WriteTimeout: time.Second * 75,
		ReadTimeout:  time.Second * 15,
		IdleTimeout:  time.Second * 60,
		Handler:      r,
	}
	return srv
}

//RunWebService starts up the intake web service, and terminates on shutdown
//signal
func RunWebService(log *logger.Logger,
	wg *sync.WaitGroup,
	db *sqlx.DB,
	merger *merge.Handler,
	journeys JourneySourceFunc,
	metrics *telemetry.Metrics,
	build string,
	httpPort int,
	shutdownSignal chan bool,
) {
	wg.Add(1)
	defer wg.Done()
	srv := createServer(log, db, merger, journeys, metrics, build, httpPort)
	log.Printf("Starting server on port %d", httpPort)
	go func() {
		if err := srv.ListenAndServe(); err != nil {
			log.Printf("server ListenAndServe ended. %s", err)
		}
	}()

	<-shutdownSignal
	log.Printf("ending webservice on shutdown signal")
	shutdownCtx, serverCancelFunc := context.WithTimeout(context.Background(), 5*time.Second)
	defer serverCancelFunc()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("error shutting down webservice, error:%s", err)
	}
}
