package merge

import (
	"context"
	"errors"
	"log"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/matryer/is"
	"github.com/opentransit/tripfeed/business/data/rt"
	"github.com/opentransit/tripfeed/foundation/lock"
)

// downLocker fails every acquisition, as a dead lock service would.
type downLocker struct{}

func (downLocker) Acquire(_ context.Context, _ string, _ time.Duration) (*lock.Lock, error) {
	return nil, errors.New("lock service unreachable")
}

func TestHandleCommitsKOWhenMergeFails(t *testing.T) {
	is := is.New(t)

	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	is.NoErr(err)
	defer mockDB.Close()
	db := sqlx.NewDb(mockDB, "pgx")

	// the receipt row must be flipped to KO before Handle surfaces the error
	mock.ExpectExec("update real_time_update set").WillReturnResult(sqlmock.NewResult(0, 1))

	logger := log.New(os.Stdout, "merge-test", log.LstdFlags)
	handler := NewHandler(logger, db, downLocker{}, nil, nil)

	now := time.Date(2012, 6, 15, 14, 5, 0, 0, time.UTC)
	update := rt.NewRealTimeUpdate("realtime.sherbrooke", rt.ConnectorGTFSRT, []byte("payload"), now)
	contributor := &rt.Contributor{
		ID:            "realtime.sherbrooke",
		ConnectorType: rt.ConnectorGTFSRT,
		StopCodeKey:   "source",
	}
	candidate := candidateWithDelays(fourStopBaseline(), map[int]time.Duration{1: minutes(5)})

	err = handler.Handle(context.Background(), update, []*rt.TripUpdate{candidate}, contributor, true)
	is.True(err != nil)
	is.Equal(update.Status, rt.RTStatusKO)
	is.True(update.Error != nil)
	is.True(strings.Contains(*update.Error, "lock service unreachable"))
	is.NoErr(mock.ExpectationsWereMet())
}
