package rt

import (
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// Contributor is one realtime feed source and the navitia coverage its trips
// resolve against.
type Contributor struct {
	ID                       string        `db:"contributor_id"`
	NavitiaCoverage          string        `db:"navitia_coverage"`
	NavitiaToken             string        `db:"navitia_token"`
	ConnectorType            ConnectorType `db:"connector_type"`
	FeedURL                  string        `db:"feed_url"`
	RetrievalIntervalSeconds int           `db:"retrieval_interval_seconds"`
	StopCodeKey              string        `db:"stop_code_key"`
	IsActive                 bool          `db:"is_active"`
}

// RetrievalInterval is how often the poller fetches this contributor's feed.
func (c Contributor) RetrievalInterval() time.Duration {
	return time.Duration(c.RetrievalIntervalSeconds) * time.Second
}

// GetActiveContributors returns the contributors whose feeds should be
// polled and accepted, ordered by id.
func GetActiveContributors(db *sqlx.DB) ([]Contributor, error) {
	statementString := "select " +
		"contributor_id, " +
		"navitia_coverage, " +
		"navitia_token, " +
		"connector_type, " +
		"feed_url, " +
		"retrieval_interval_seconds, " +
		"stop_code_key, " +
		"is_active " +
		"from contributor " +
		"where is_active " +
		"order by contributor_id"

	var contributors []Contributor
	if err := db.Select(&contributors, statementString); err != nil {
		return nil, fmt.Errorf("loading active contributors: %w", err)
	}
	return contributors, nil
}

// GetContributor returns the contributor with the given id.
func GetContributor(db *sqlx.DB, contributorID string) (*Contributor, error) {
	statementString := "select " +
		"contributor_id, " +
		"navitia_coverage, " +
		"navitia_token, " +
		"connector_type, " +
		"feed_url, " +
		"retrieval_interval_seconds, " +
		"stop_code_key, " +
		"is_active " +
		"from contributor " +
		"where contributor_id = ?"
	statementString = db.Rebind(statementString)

	var contributor Contributor
	if err := db.Get(&contributor, statementString, contributorID); err != nil {
		return nil, fmt.Errorf("loading contributor %s: %w", contributorID, err)
	}
	return &contributor, nil
}

// SaveContributor inserts or updates a contributor.
func SaveContributor(db *sqlx.DB, contributor *Contributor) error {
	statementString := "insert into contributor ( " +
		"contributor_id, " +
		"navitia_coverage, " +
		"navitia_token, " +
		"connector_type, " +
		"feed_url, " +
		"retrieval_interval_seconds, " +
		"stop_code_key, " +
		"is_active) " +
		"values (" +
		":contributor_id, " +
		":navitia_coverage, " +
		":navitia_token, " +
		":connector_type, " +
		":feed_url, " +
		":retrieval_interval_seconds, " +
		":stop_code_key, " +
		":is_active) " +
		"on conflict (contributor_id) do update set " +
		"navitia_coverage = excluded.navitia_coverage, " +
		"navitia_token = excluded.navitia_token, " +
		"connector_type = excluded.connector_type, " +
		"feed_url = excluded.feed_url, " +
		"retrieval_interval_seconds = excluded.retrieval_interval_seconds, " +
		"stop_code_key = excluded.stop_code_key, " +
		"is_active = excluded.is_active"
	statementString = db.Rebind(statementString)

	if _, err := db.NamedExec(statementString, contributor); err != nil {
		return fmt.Errorf("saving contributor %s: %w", contributor.ID, err)
	}
	return nil
}
