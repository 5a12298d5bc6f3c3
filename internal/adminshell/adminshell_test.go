package adminshell

import (
	"bytes"
	"io"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/controlloop"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func TestTrimTrailingNewlineHandlesCRLFAndLF(t *testing.T) {
	cases := map[string]string{
		"status\n":   "status",
		"status\r\n": "status",
		"status":     "status",
		"\n":         "",
	}
	for in, want := range cases {
		if got := trimTrailingNewline(in); got != want {
			t.Fatalf("trimTrailingNewline(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestWriteStatusBeforePublishReportsNotYet(t *testing.T) {
	s := New(Config{}, testLogger())
	var buf bytes.Buffer
	s.handleCommand(&buf, "status")
	if !strings.Contains(buf.String(), "No tick published yet") {
		t.Fatalf("output = %q, want a not-yet-published notice", buf.String())
	}
}

func TestWriteStatusReflectsLatestSnapshot(t *testing.T) {
	s := New(Config{}, testLogger())
	s.Publish(controlloop.Snapshot{
		PhaseErrorNs: 777,
		Telemetry:    types.OscillatorTelemetry{Lock: true, Temperature: 30.2},
		Epoch:        types.GnssEpoch{Fix: types.Fix3D, FixOK: true, LsValid: true},
		DisciplingStatus: types.DisciplingStatus{
			Status:     types.StateTracking,
			ClockClass: types.ClockClassLock,
		},
	})

	var buf bytes.Buffer
	s.handleCommand(&buf, "status")
	out := buf.String()
	if !strings.Contains(out, "Phase Error:      777 ns") {
		t.Fatalf("output missing phase error: %q", out)
	}
	if !strings.Contains(out, "Clock Class:      lock") {
		t.Fatalf("output missing clock class: %q", out)
	}
	if !strings.Contains(out, "GNSS Valid:       true") {
		t.Fatalf("output missing gnss validity: %q", out)
	}
}

func TestUnknownCommandReportsError(t *testing.T) {
	s := New(Config{}, testLogger())
	var buf bytes.Buffer
	s.handleCommand(&buf, "bogus")
	if !strings.Contains(buf.String(), "Unknown command: bogus") {
		t.Fatalf("output = %q, want an unknown-command notice", buf.String())
	}
}

func TestSessionLimitEnforced(t *testing.T) {
	s := New(Config{MaxSessions: 1}, testLogger())
	if !s.incrementSession() {
		t.Fatalf("first session rejected under MaxSessions=1")
	}
	if s.incrementSession() {
		t.Fatalf("second session accepted despite MaxSessions=1")
	}
	s.decrementSession()
	if !s.incrementSession() {
		t.Fatalf("session rejected after a slot was freed by decrementSession")
	}
}

func TestWriteSessionsReportsCurrentCount(t *testing.T) {
	s := New(Config{MaxSessions: 3}, testLogger())
	s.incrementSession()
	s.incrementSession()

	var buf bytes.Buffer
	s.handleCommand(&buf, "sessions")
	if !strings.Contains(buf.String(), "Active sessions: 2 / 3") {
		t.Fatalf("output = %q, want session count 2 / 3", buf.String())
	}
}
