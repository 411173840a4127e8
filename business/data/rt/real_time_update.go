package rt

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RealTimeUpdate is one raw feed payload as received, with its processing
// outcome. Payloads are persisted before interpretation so a crash never
// loses a feed.
type RealTimeUpdate struct {
	ID          uuid.UUID     `db:"real_time_update_id"`
	ReceivedAt  time.Time     `db:"received_at"`
	Contributor string        `db:"contributor_id"`
	Connector   ConnectorType `db:"connector_type"`
	Status      RTStatus      `db:"status"`
	Error       *string       `db:"error"`
	RawData     []byte        `db:"raw_data"`
	UpdatedAt   time.Time     `db:"updated_at"`
}

// NewRealTimeUpdate builds a pending RealTimeUpdate for a payload received
// at receivedAt.
func NewRealTimeUpdate(contributor string, connector ConnectorType, raw []byte, receivedAt time.Time) *RealTimeUpdate {
	return &RealTimeUpdate{
		ID:          uuid.New(),
		ReceivedAt:  receivedAt,
		Contributor: contributor,
		Connector:   connector,
		Status:      RTStatusPending,
		RawData:     raw,
		UpdatedAt:   receivedAt,
	}
}

// SetKO marks the update failed with the given error message.
func (r *RealTimeUpdate) SetKO(message string) {
	r.Status = RTStatusKO
	r.Error = &message
}

// SetOK marks the update successfully processed.
func (r *RealTimeUpdate) SetOK() {
	r.Status = RTStatusOK
	r.Error = nil
}

// InsertRealTimeUpdate persists a new raw payload row.
func InsertRealTimeUpdate(db *sqlx.DB, update *RealTimeUpdate) error {
	statementString := "insert into real_time_update ( " +
		"real_time_update_id, " +
		"received_at, " +
		"contributor_id, " +
		"connector_type, " +
		"status, " +
		"error, " +
		"raw_data, " +
		"updated_at) " +
		"values (" +
		":real_time_update_id, " +
		":received_at, " +
		":contributor_id, " +
		":connector_type, " +
		":status, " +
		":error, " +
		":raw_data, " +
		":updated_at)"
	statementString = db.Rebind(statementString)

	if _, err := db.NamedExec(statementString, update); err != nil {
		return fmt.Errorf("inserting real time update %s: %w", update.ID, err)
	}
	return nil
}

// UpdateRealTimeUpdateStatus records the processing outcome of an existing
// payload row.
func UpdateRealTimeUpdateStatus(db *sqlx.DB, update *RealTimeUpdate) error {
	update.UpdatedAt = time.Now().UTC().Truncate(time.Microsecond)
	statementString := "update real_time_update set " +
		"status = :status, " +
		"error = :error, " +
		"received_at = :received_at, " +
		"updated_at = :updated_at " +
		"where real_time_update_id = :real_time_update_id"
	statementString = db.Rebind(statementString)

	if _, err := db.NamedExec(statementString, update); err != nil {
		return fmt.Errorf("updating real time update %s: %w", update.ID, err)
	}
	return nil
}

// LastErrorSince returns the most recent KO row for contributor carrying
// exactly message, received after since. Used to collapse repeated decode
// failures into one row. Returns nil when none matches.
func LastErrorSince(db *sqlx.DB, contributor, message string, since time.Time) (*RealTimeUpdate, error) {
	statementString := "select " +
		"real_time_update_id, " +
		"received_at, " +
		"contributor_id, " +
		"connector_type, " +
		"status, " +
		"error, " +
		"raw_data, " +
		"updated_at " +
		"from real_time_update " +
		"where contributor_id = ? " +
		"and status = 'KO' " +
		"and error = ? " +
		"and received_at >= ? " +
		"order by received_at desc " +
		"limit 1"
	statementString = db.Rebind(statementString)

	var update RealTimeUpdate
	err := db.Get(&update, statementString, contributor, message, since)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding last error for %s: %w", contributor, err)
	}
	return &update, nil
}

// ContributorProbe is the freshness of one contributor's feed, exposed on
// the status endpoint.
type ContributorProbe struct {
	Contributor     string     `db:"contributor_id"`
	LastUpdate      *time.Time `db:"last_update"`
	LastValidUpdate *time.Time `db:"last_valid_update"`
	LastUpdateError *string    `db:"last_update_error"`
}

// ProbesByContributor returns, per contributor, when the last payload and
// the last successfully processed payload were received, and the error of
// the most recent payload when it failed.
func ProbesByContributor(db *sqlx.DB) (map[string]ContributorProbe, error) {
	statementString := "select " +
		"r.contributor_id, " +
		"max(r.received_at) as last_update, " +
		"max(r.received_at) filter (where r.status = 'OK') as last_valid_update " +
		"from real_time_update r " +
		"group by r.contributor_id"

	var rows []ContributorProbe
	if err := db.Select(&rows, statementString); err != nil {
		return nil, fmt.Errorf("loading contributor probes: %w", err)
	}

	probes := make(map[string]ContributorProbe, len(rows))
	for _, row := range rows {
		latest, err := latestUpdateError(db, row.Contributor)
		if err != nil {
			return nil, err
		}
		row.LastUpdateError = latest
		probes[row.Contributor] = row
	}
	return probes, nil
}

// latestUpdateError returns the error of the contributor's most recent
// payload, nil when that payload succeeded.
func latestUpdateError(db *sqlx.DB, contributor string) (*string, error) {
	statementString := "select error " +
		"from real_time_update " +
		"where contributor_id = ? " +
		"order by received_at desc " +
		"limit 1"
	statementString = db.Rebind(statementString)

	var latest sql.NullString
	err := db.Get(&latest, statementString, contributor)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading latest error for %s: %w", contributor, err)
	}
	if !latest.Valid {
		return nil, nil
	}
	return &latest.String, nil
}

// AssociateRealTimeUpdate links a raw payload to the trip update it
// produced.
func AssociateRealTimeUpdate(db *sqlx.DB, realTimeUpdateID, tripUpdateID uuid.UUID) error {
	statementString := "insert into associate_realtimeupdate_tripupdate ( " +
		"real_time_update_id, " +
		"trip_update_id) " +
		"values (?, ?) " +
		"on conflict do nothing"
	statementString = db.Rebind(statementString)

	if _, err := db.Exec(statementString, realTimeUpdateID, tripUpdateID); err != nil {
		return fmt.Errorf("associating real time update %s with trip update %s: %w",
			realTimeUpdateID, tripUpdateID, err)
	}
	return nil
}

// RemoveUnassociatedRealTimeUpdatesUntil deletes raw payloads of the given
// connector received before until that produced no trip update. Returns the
// number of rows removed.
func RemoveUnassociatedRealTimeUpdatesUntil(db *sqlx.DB, connector ConnectorType, until time.Time) (int64, error) {
	statementString := "delete from real_time_update " +
		"where connector_type = ? " +
		"and received_at < ? " +
		"and real_time_update_id not in ( " +
		"select real_time_update_id from associate_realtimeupdate_tripupdate)"
	statementString = db.Rebind(statementString)

	result, err := db.Exec(statementString, connector, until)
	if err != nil {
		return 0, fmt.Errorf("purging unassociated real time updates for %s: %w", connector, err)
	}
	removed, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting purged real time updates: %w", err)
	}
	return removed, nil
}
