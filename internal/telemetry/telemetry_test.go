package telemetry

import (
	"io"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/controlloop"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("gauge.Write: %v", err)
	}
	return m.GetGauge().GetValue()
}

func dtoGaugeVecValue(t *testing.T, vec *prometheus.GaugeVec, label string) float64 {
	t.Helper()
	return gaugeValue(t, vec.WithLabelValues(label))
}

func TestPublishUpdatesGaugesGaugesOnly(t *testing.T) {
	p := newWithRegisterer(Config{}, testLogger(), prometheus.NewRegistry())
	defer p.Close()

	p.Publish(controlloop.Snapshot{
		PhaseErrorNs: 4200,
		Telemetry:    types.OscillatorTelemetry{FineCtrl: 2400, CoarseCtrl: 7, Lock: true, Temperature: 32.5},
		Epoch:        types.GnssEpoch{Fix: types.Fix3D, FixOK: true, LsValid: true, SatellitesCount: 11},
		DisciplingStatus: types.DisciplingStatus{
			ClockClass:           types.ClockClassLock,
			ConvergenceProgress:  0.8,
		},
	})

	if got := gaugeValue(t, p.gaugePhaseErrorNs); got != 4200 {
		t.Fatalf("gaugePhaseErrorNs = %v, want 4200", got)
	}
	if got := gaugeValue(t, p.gaugeFineCtrl); got != 2400 {
		t.Fatalf("gaugeFineCtrl = %v, want 2400", got)
	}
	if got := gaugeValue(t, p.gaugeLock); got != 1 {
		t.Fatalf("gaugeLock = %v, want 1 when locked", got)
	}
	if got := gaugeValue(t, p.gaugeGnssValid); got != 1 {
		t.Fatalf("gaugeGnssValid = %v, want 1 for a valid epoch", got)
	}
	if got := gaugeValue(t, p.gaugeSatellitesCount); got != 11 {
		t.Fatalf("gaugeSatellitesCount = %v, want 11", got)
	}

	locked := dtoGaugeVecValue(t, p.gaugeClockClass, "lock")
	if locked != 1 {
		t.Fatalf("gaugeClockClass{class=lock} = %v, want 1", locked)
	}
	holdover := dtoGaugeVecValue(t, p.gaugeClockClass, "holdover")
	if holdover != 0 {
		t.Fatalf("gaugeClockClass{class=holdover} = %v, want 0 once lock is current", holdover)
	}
}

func TestPublishClearsPreviousClockClassLabel(t *testing.T) {
	p := newWithRegisterer(Config{}, testLogger(), prometheus.NewRegistry())
	defer p.Close()

	p.Publish(controlloop.Snapshot{DisciplingStatus: types.DisciplingStatus{ClockClass: types.ClockClassHoldover}})
	p.Publish(controlloop.Snapshot{DisciplingStatus: types.DisciplingStatus{ClockClass: types.ClockClassLock}})

	if got := dtoGaugeVecValue(t, p.gaugeClockClass, "holdover"); got != 0 {
		t.Fatalf("stale holdover label = %v, want 0 after Reset on the next publish", got)
	}
	if got := dtoGaugeVecValue(t, p.gaugeClockClass, "lock"); got != 1 {
		t.Fatalf("current lock label = %v, want 1", got)
	}
}

func TestPublishMarksGnssInvalidWhenUnsynced(t *testing.T) {
	p := newWithRegisterer(Config{}, testLogger(), prometheus.NewRegistry())
	defer p.Close()

	p.Publish(controlloop.Snapshot{Epoch: types.GnssEpoch{FixOK: false}})
	if got := gaugeValue(t, p.gaugeGnssValid); got != 0 {
		t.Fatalf("gaugeGnssValid = %v, want 0 for an invalid epoch", got)
	}
}

func TestNewWithoutElasticsearchHostsSkipsESClient(t *testing.T) {
	p := newWithRegisterer(Config{}, testLogger(), prometheus.NewRegistry())
	defer p.Close()
	if p.es != nil {
		t.Fatalf("es client constructed despite empty ElasticsearchHosts")
	}
}
