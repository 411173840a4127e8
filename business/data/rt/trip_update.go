package rt

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/opentransit/tripfeed/foundation/database"
	"github.com/opentransit/tripfeed/foundation/dates"
)

// TripUpdate is the canonical realtime state of one dated vehicle journey,
// merged from every feed received so far.
type TripUpdate struct {
	ID              uuid.UUID
	VehicleJourney  *VehicleJourney
	Status          ModificationType
	Effect          TripEffect
	Message         string
	Contributor     string
	CompanyID       string
	PhysicalModeID  string
	Headsign        string
	StopTimeUpdates []StopTimeUpdate
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// NewTripUpdate builds an empty trip update for vj.
func NewTripUpdate(vj *VehicleJourney, contributor string) *TripUpdate {
	return &TripUpdate{
		ID:             uuid.New(),
		VehicleJourney: vj,
		Status:         StatusNone,
		Effect:         EffectUnknownEffect,
		Contributor:    contributor,
	}
}

// FindStop locates the stop time update matching stopID, trying the given
// order first. Feeds repeat stop ids on lollipop routes, so order
// disambiguates; the stop id scan is the fallback for reordered feeds.
func (tu *TripUpdate) FindStop(stopID string, order int) *StopTimeUpdate {
	if order >= 0 && order < len(tu.StopTimeUpdates) && tu.StopTimeUpdates[order].StopID == stopID {
		return &tu.StopTimeUpdates[order]
	}
	for i := range tu.StopTimeUpdates {
		if tu.StopTimeUpdates[i].StopID == stopID {
			return &tu.StopTimeUpdates[i]
		}
	}
	return nil
}

type tripUpdateRow struct {
	ID             uuid.UUID `db:"trip_update_id"`
	NavitiaTripID  string    `db:"navitia_trip_id"`
	StartTimestamp time.Time `db:"start_timestamp"`
	Status         string    `db:"status"`
	Effect         string    `db:"effect"`
	Message        string    `db:"message"`
	Contributor    string    `db:"contributor_id"`
	CompanyID      *string   `db:"company_id"`
	PhysicalModeID *string   `db:"physical_mode_id"`
	Headsign       *string   `db:"headsign"`
	CreatedAt      time.Time `db:"created_at"`
	UpdatedAt      time.Time `db:"updated_at"`

	VehicleJourneyID uuid.UUID `db:"vehicle_journey_id"`
}

type stopTimeUpdateRow struct {
	ID              uuid.UUID  `db:"stop_time_update_id"`
	TripUpdateID    uuid.UUID  `db:"trip_update_id"`
	StopOrder       int        `db:"stop_order"`
	StopID          string     `db:"stop_id"`
	StopCode        string     `db:"stop_code"`
	Message         string     `db:"message"`
	Arrival         *time.Time `db:"arrival"`
	ArrivalDelay    *int64     `db:"arrival_delay_seconds"`
	ArrivalStatus   string     `db:"arrival_status"`
	Departure       *time.Time `db:"departure"`
	DepartureDelay  *int64     `db:"departure_delay_seconds"`
	DepartureStatus string     `db:"departure_status"`
}

func delaySeconds(delay *time.Duration) *int64 {
	if delay == nil {
		return nil
	}
	seconds := int64(*delay / time.Second)
	return &seconds
}

func delayFromSeconds(seconds *int64) *time.Duration {
	if seconds == nil {
		return nil
	}
	delay := time.Duration(*seconds) * time.Second
	return &delay
}

func utcTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	naive := t.In(time.UTC)
	return &naive
}

func stopEventToRow(event StopEvent) (*time.Time, *int64, string) {
	return event.Time, delaySeconds(event.Delay), string(event.Status)
}

func stopEventFromRow(at *time.Time, delay *int64, status string) StopEvent {
	return StopEvent{
		Time:   utcTime(at),
		Delay:  delayFromSeconds(delay),
		Status: ModificationType(status),
	}
}

// SaveTripUpdate upserts the trip update, its vehicle journey, and replaces
// its stop time updates, all in one transaction.
func SaveTripUpdate(db *sqlx.DB, tu *TripUpdate) error {
	now := time.Now().UTC().Truncate(time.Microsecond)
	if tu.CreatedAt.IsZero() {
		tu.CreatedAt = now
	}
	tu.UpdatedAt = now

	tx, err := db.Beginx()
	if err != nil {
		return fmt.Errorf("starting trip update transaction: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	if err := saveVehicleJourney(tx, tu.VehicleJourney, now); err != nil {
		return err
	}
	if err := saveTripUpdateRow(tx, tu); err != nil {
		return err
	}
	if err := replaceStopTimeUpdates(tx, tu); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing trip update %s: %w", tu.ID, err)
	}
	return nil
}

func saveVehicleJourney(tx *sqlx.Tx, vj *VehicleJourney, now time.Time) error {
	if vj.CreatedAt.IsZero() {
		vj.CreatedAt = now
	}
	statementString := "insert into vehicle_journey ( " +
		"vehicle_journey_id, " +
		"navitia_trip_id, " +
		"start_timestamp, " +
		"created_at) " +
		"values (" +
		":vehicle_journey_id, " +
		":navitia_trip_id, " +
		":start_timestamp, " +
		":created_at) " +
		"on conflict (vehicle_journey_id) do nothing"
	statementString = tx.Rebind(statementString)

	if _, err := tx.NamedExec(statementString, vj); err != nil {
		return fmt.Errorf("saving vehicle journey %s: %w", vj.NavitiaTripID, err)
	}
	return nil
}

func saveTripUpdateRow(tx *sqlx.Tx, tu *TripUpdate) error {
	row := tripUpdateRow{
		ID:               tu.ID,
		Status:           string(tu.Status),
		Effect:           string(tu.Effect),
		Message:          tu.Message,
		Contributor:      tu.Contributor,
		CreatedAt:        tu.CreatedAt,
		UpdatedAt:        tu.UpdatedAt,
		VehicleJourneyID: tu.VehicleJourney.ID,
	}
	if tu.CompanyID != "" {
		row.CompanyID = &tu.CompanyID
	}
	if tu.PhysicalModeID != "" {
		row.PhysicalModeID = &tu.PhysicalModeID
	}
	if tu.Headsign != "" {
		row.Headsign = &tu.Headsign
	}

	statementString := "insert into trip_update ( " +
		"trip_update_id, " +
		"vehicle_journey_id, " +
		"status, " +
		"effect, " +
		"message, " +
		"contributor_id, " +
		"company_id, " +
		"physical_mode_id, " +
		"headsign, " +
		"created_at, " +
		"updated_at) " +
		"values (" +
		":trip_update_id, " +
		":vehicle_journey_id, " +
		":status, " +
		":effect, " +
		":message, " +
		":contributor_id, " +
		":company_id, " +
		":physical_mode_id, " +
		":headsign, " +
		":created_at, " +
		":updated_at) " +
		"on conflict (trip_update_id) do update set " +
		"status = excluded.status, " +
		"effect = excluded.effect, " +
		"message = excluded.message, " +
		"contributor_id = excluded.contributor_id, " +
		"company_id = excluded.company_id, " +
		"physical_mode_id = excluded.physical_mode_id, " +
		"headsign = excluded.headsign, " +
		"updated_at = excluded.updated_at"
	statementString = tx.Rebind(statementString)

	if _, err := tx.NamedExec(statementString, row); err != nil {
		return fmt.Errorf("saving trip update %s: %w", tu.ID, err)
	}
	return nil
}

func replaceStopTimeUpdates(tx *sqlx.Tx, tu *TripUpdate) error {
	deleteStatement := tx.Rebind("delete from stop_time_update where trip_update_id = ?")
	if _, err := tx.Exec(deleteStatement, tu.ID); err != nil {
		return fmt.Errorf("clearing stop time updates for %s: %w", tu.ID, err)
	}
	if len(tu.StopTimeUpdates) == 0 {
		return nil
	}

	rows := make([]stopTimeUpdateRow, 0, len(tu.StopTimeUpdates))
	for _, stu := range tu.StopTimeUpdates {
		if stu.ID == uuid.Nil {
			stu.ID = uuid.New()
		}
		row := stopTimeUpdateRow{
			ID:           stu.ID,
			TripUpdateID: tu.ID,
			StopOrder:    stu.Order,
			StopID:       stu.StopID,
			StopCode:     stu.StopCode,
			Message:      stu.Message,
		}
		row.Arrival, row.ArrivalDelay, row.ArrivalStatus = stopEventToRow(stu.Arrival)
		row.Departure, row.DepartureDelay, row.DepartureStatus = stopEventToRow(stu.Departure)
		rows = append(rows, row)
	}

	statementString := "insert into stop_time_update ( " +
		"stop_time_update_id, " +
		"trip_update_id, " +
		"stop_order, " +
		"stop_id, " +
		"stop_code, " +
		"message, " +
		"arrival, " +
		"arrival_delay_seconds, " +
		"arrival_status, " +
		"departure, " +
		"departure_delay_seconds, " +
		"departure_status) " +
		"values (" +
		":stop_time_update_id, " +
		":trip_update_id, " +
		":stop_order, " +
		":stop_id, " +
		":stop_code, " +
		":message, " +
		":arrival, " +
		":arrival_delay_seconds, " +
		":arrival_status, " +
		":departure, " +
		":departure_delay_seconds, " +
		":departure_status)"
	statementString = tx.Rebind(statementString)

	if _, err := tx.NamedExec(statementString, rows); err != nil {
		return fmt.Errorf("saving stop time updates for %s: %w", tu.ID, err)
	}
	return nil
}

// DatedVJKey identifies one dated vehicle journey.
type DatedVJKey struct {
	NavitiaTripID  string
	StartTimestamp time.Time
}

// FindTripUpdateByDatedVJ loads the trip update of the dated vehicle journey
// identified by navitiaTripID and start, nil when none exists yet. The
// journey's theoretical schedule is not reloaded.
func FindTripUpdateByDatedVJ(db *sqlx.DB, navitiaTripID string, start time.Time) (*TripUpdate, error) {
	found, err := FindTripUpdatesByDatedVJs(db, []DatedVJKey{{NavitiaTripID: navitiaTripID, StartTimestamp: start}})
	if err != nil {
		return nil, err
	}
	if len(found) == 0 {
		return nil, nil
	}
	return found[0], nil
}

// FindTripUpdatesByDatedVJs loads the trip updates of the given dated vehicle
// journeys in one query. Keys with no trip update yet are absent from the
// result.
func FindTripUpdatesByDatedVJs(db *sqlx.DB, keys []DatedVJKey) ([]*TripUpdate, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	predicates := make([]string, 0, len(keys))
	args := make([]interface{}, 0, 2*len(keys))
	for _, key := range keys {
		if err := dates.CheckNaiveUTC(key.StartTimestamp); err != nil {
			return nil, err
		}
		predicates = append(predicates, "(v.navitia_trip_id = ? and v.start_timestamp = ?)")
		args = append(args, key.NavitiaTripID, key.StartTimestamp)
	}

	statementString := "select " +
		"t.trip_update_id, " +
		"t.status, " +
		"t.effect, " +
		"t.message, " +
		"t.contributor_id, " +
		"t.company_id, " +
		"t.physical_mode_id, " +
		"t.headsign, " +
		"t.created_at, " +
		"t.updated_at, " +
		"v.vehicle_journey_id, " +
		"v.navitia_trip_id, " +
		"v.start_timestamp " +
		"from trip_update t " +
		"join vehicle_journey v on v.vehicle_journey_id = t.vehicle_journey_id " +
		"where " + strings.Join(predicates, " or ")
	statementString = db.Rebind(statementString)

	var rows []tripUpdateRow
	if err := db.Select(&rows, statementString, args...); err != nil {
		return nil, fmt.Errorf("finding trip updates for %d dated journeys: %w", len(keys), err)
	}

	found := make([]*TripUpdate, 0, len(rows))
	for _, row := range rows {
		tu := &TripUpdate{
			ID: row.ID,
			VehicleJourney: &VehicleJourney{
				ID:             row.VehicleJourneyID,
				NavitiaTripID:  row.NavitiaTripID,
				StartTimestamp: row.StartTimestamp.In(time.UTC),
			},
			Status:      ModificationType(row.Status),
			Effect:      TripEffect(row.Effect),
			Message:     row.Message,
			Contributor: row.Contributor,
			CreatedAt:   row.CreatedAt,
			UpdatedAt:   row.UpdatedAt,
		}
		if row.CompanyID != nil {
			tu.CompanyID = *row.CompanyID
		}
		if row.PhysicalModeID != nil {
			tu.PhysicalModeID = *row.PhysicalModeID
		}
		if row.Headsign != nil {
			tu.Headsign = *row.Headsign
		}

		stus, err := loadStopTimeUpdates(db, tu.ID)
		if err != nil {
			return nil, err
		}
		tu.StopTimeUpdates = stus
		found = append(found, tu)
	}
	return found, nil
}

func loadStopTimeUpdates(db *sqlx.DB, tripUpdateID uuid.UUID) ([]StopTimeUpdate, error) {
	statementString := "select " +
		"stop_time_update_id, " +
		"trip_update_id, " +
		"stop_order, " +
		"stop_id, " +
		"stop_code, " +
		"message, " +
		"arrival, " +
		"arrival_delay_seconds, " +
		"arrival_status, " +
		"departure, " +
		"departure_delay_seconds, " +
		"departure_status " +
		"from stop_time_update " +
		"where trip_update_id = :trip_update_id " +
		"order by stop_order"

	rows, err := database.PrepareNamedQueryRowsFromMap(statementString, db, map[string]interface{}{
		"trip_update_id": tripUpdateID,
	})
	if err != nil {
		return nil, fmt.Errorf("loading stop time updates for %s: %w", tripUpdateID, err)
	}
	defer rows.Close()

	var stus []StopTimeUpdate
	for rows.Next() {
		var row stopTimeUpdateRow
		if err := rows.StructScan(&row); err != nil {
			return nil, fmt.Errorf("scanning stop time update for %s: %w", tripUpdateID, err)
		}
		stus = append(stus, StopTimeUpdate{
			ID:        row.ID,
			Order:     row.StopOrder,
			StopID:    row.StopID,
			StopCode:  row.StopCode,
			Message:   row.Message,
			Arrival:   stopEventFromRow(row.Arrival, row.ArrivalDelay, row.ArrivalStatus),
			Departure: stopEventFromRow(row.Departure, row.DepartureDelay, row.DepartureStatus),
		})
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating stop time updates for %s: %w", tripUpdateID, err)
	}
	return stus, nil
}

// RemoveTripUpdatesByContributorsUntil deletes trip updates of the given
// contributors whose journeys circulated before until, cascading to stop
// time updates, association rows, and orphaned vehicle journeys. Returns the
// number of trip updates removed.
func RemoveTripUpdatesByContributorsUntil(db *sqlx.DB, contributors []string, until time.Time) (int64, error) {
	if len(contributors) == 0 {
		return 0, nil
	}

	statementString := "delete from trip_update " +
		"where contributor_id in (:contributors) " +
		"and vehicle_journey_id in ( " +
		"select vehicle_journey_id from vehicle_journey where start_timestamp < :until)"
	statementString, args, err := database.PrepareNamedQueryFromMap(statementString, db, map[string]interface{}{
		"contributors": contributors,
		"until":        until,
	})
	if err != nil {
		return 0, fmt.Errorf("building trip update purge statement: %w", err)
	}

	result, err := db.Exec(statementString, args...)
	if err != nil {
		return 0, fmt.Errorf("purging trip updates: %w", err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged trip updates: %w", err)
	}

	orphanStatement := "delete from vehicle_journey v " +
		"where v.start_timestamp < ? " +
		"and not exists ( " +
		"select 1 from trip_update t where t.vehicle_journey_id = v.vehicle_journey_id)"
	orphanStatement = db.Rebind(orphanStatement)
	if _, err := db.Exec(orphanStatement, until); err != nil {
		return removed, fmt.Errorf("purging orphaned vehicle journeys: %w", err)
	}
	return removed, nil
}
