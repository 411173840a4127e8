package ingest

import (
	"testing"
	"time"

	"github.com/matryer/is"
)

func Test_probeTime(t *testing.T) {
	is := is.New(t)

	is.Equal(probeTime(nil), nil)

	paris, err := time.LoadLocation("Europe/Paris")
	is.NoErr(err)
	received := time.Date(2012, 6, 15, 16, 0, 30, 0, paris)
	formatted := probeTime(&received)
	is.Equal(*formatted, "2012-06-15T14:00:30Z")
}
