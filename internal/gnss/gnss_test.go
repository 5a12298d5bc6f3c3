package gnss

import (
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestHandleFixUpdatesSnapshot(t *testing.T) {
	a := New("/dev/null", 9600, NewNMEAFramer(), testLogger())

	fixTime := time.Date(2026, time.July, 31, 12, 0, 0, 0, time.UTC)
	a.handleFix(3, true, 9, fixTime)

	snap := a.Snapshot()
	if snap.Fix != 3 || !snap.FixOK || snap.SatellitesCount != 9 {
		t.Fatalf("snapshot = %+v, want fix=3 ok=true sats=9", snap)
	}
	if !snap.LastFixUTCTime.Equal(fixTime) {
		t.Fatalf("LastFixUTCTime = %v, want %v", snap.LastFixUTCTime, fixTime)
	}
}

func TestHandleFixPreservesStaleSatelliteCount(t *testing.T) {
	// A negative satellitesCount (e.g. from an RMC-derived fix, which
	// carries no satellite count) must not clobber a previously reported
	// value.
	a := New("/dev/null", 9600, NewNMEAFramer(), testLogger())
	a.handleFix(3, true, 9, time.Now())
	a.handleFix(3, true, -1, time.Time{})

	if a.Snapshot().SatellitesCount != 9 {
		t.Fatalf("SatellitesCount = %d, want 9 preserved", a.Snapshot().SatellitesCount)
	}
}

func TestNotifyIsNonBlockingAndCoalesces(t *testing.T) {
	a := New("/dev/null", 9600, NewNMEAFramer(), testLogger())

	a.handleFix(3, true, 9, time.Now())
	a.handleFix(3, true, 9, time.Now())
	a.handleFix(3, true, 9, time.Now())

	select {
	case <-a.Updated():
	default:
		t.Fatalf("expected at least one pending update notification")
	}
	select {
	case <-a.Updated():
		t.Fatalf("expected notifications to coalesce into a single pending signal")
	default:
	}
}

func TestEpochValidRequiresFixOKAndLsValid(t *testing.T) {
	cases := []struct {
		name string
		e    types.GnssEpoch
		want bool
	}{
		{"not fix ok", types.GnssEpoch{FixOK: false, LsValid: true, Fix: 3}, false},
		{"leap second not valid", types.GnssEpoch{FixOK: true, LsValid: false, Fix: 3}, false},
		{"fix below 3D and not time-only", types.GnssEpoch{FixOK: true, LsValid: true, Fix: 2}, false},
		{"3D fix", types.GnssEpoch{FixOK: true, LsValid: true, Fix: 3}, true},
		{"time-only fix", types.GnssEpoch{FixOK: true, LsValid: true, Fix: 5}, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := c.e.Valid(); got != c.want {
				t.Fatalf("Valid() = %v, want %v for %+v", got, c.want, c.e)
			}
		})
	}
}

func TestRequestResetDoesNotBlockWhenFull(t *testing.T) {
	a := New("/dev/null", 9600, NewNMEAFramer(), testLogger())
	a.RequestReset(ResetSoft)
	a.RequestReset(ResetHard) // must not deadlock even though resetCh (cap 1) is full
}
