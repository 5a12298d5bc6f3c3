package pi

import (
	"testing"

	"github.com/shiwatime/rbdisciplined/internal/types"
)

func newTestEngine(cfg Config) *Engine {
	return New(cfg, types.DiscipliningParameters{}, types.FamilyMFineMin, types.FamilyMFineMax)
}

func TestProcessHoldoverOnInvalidReference(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	out := e.Process(types.EngineInput{Valid: false})
	if out.Action != types.ActionNone {
		t.Fatalf("Action = %v, want ActionNone", out.Action)
	}
	if e.GetStatus().ClockClass != types.ClockClassHoldover {
		t.Fatalf("ClockClass = %v, want ClockClassHoldover", e.GetStatus().ClockClass)
	}
}

func TestProcessWarmupWhenUnlocked(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	out := e.Process(types.EngineInput{Valid: true, Lock: false, PhaseErrorNs: 100})
	if out.Action != types.ActionNone {
		t.Fatalf("Action = %v, want ActionNone during warmup", out.Action)
	}
	if e.GetStatus().Status != types.StateWarmup {
		t.Fatalf("Status = %v, want StateWarmup", e.GetStatus().Status)
	}
}

func TestProcessWithinResolutionIsNoop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PhaseResolutionNs = 10
	e := newTestEngine(cfg)
	out := e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 5})
	if out.Action != types.ActionNone {
		t.Fatalf("Action = %v, want ActionNone within phase_resolution_ns dead-band", out.Action)
	}
}

func TestProcessEmitsPhaseJumpBeyondThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PhaseJumpThresholdNs = 1_000_000
	e := newTestEngine(cfg)
	out := e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 1_500_000})
	if out.Action != types.ActionPhaseJump {
		t.Fatalf("Action = %v, want ActionPhaseJump", out.Action)
	}
	if out.ValuePhaseCtrl != 1_500_000 {
		t.Fatalf("ValuePhaseCtrl = %d, want 1500000", out.ValuePhaseCtrl)
	}
}

func TestProcessRequestsCalibrateFirst(t *testing.T) {
	cfg := DefaultConfig()
	cfg.CalibrateFirst = true
	e := newTestEngine(cfg)
	out := e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 5_000})
	if out.Action != types.ActionCalibrate {
		t.Fatalf("Action = %v, want ActionCalibrate on first tick with calibrate_first set", out.Action)
	}

	// Once calibrated, calibrate_first must not fire again.
	plan := e.GetCalibrationParameters()
	results := types.CalibrationResults{Measures: make([][]int64, len(plan.CtrlPoints))}
	for i := range results.Measures {
		results.Measures[i] = make([]int64, plan.NbCalibration)
	}
	if err := e.Calibrate(plan, results); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	out = e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 5_000})
	if out.Action == types.ActionCalibrate {
		t.Fatalf("Action = ActionCalibrate again after calibration already completed")
	}
}

func TestProcessRequestsCalibrateOnExplicitRequest(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	out := e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 5_000, CalibrationRequested: true})
	if out.Action != types.ActionCalibrate {
		t.Fatalf("Action = %v, want ActionCalibrate on explicit request", out.Action)
	}
}

func TestCalibrateRejectsPartialRowCount(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	plan := e.GetCalibrationParameters()
	// Drop the last ctrl point's row entirely: a sweep aborted mid-way.
	results := types.CalibrationResults{Measures: make([][]int64, len(plan.CtrlPoints)-1)}
	for i := range results.Measures {
		results.Measures[i] = make([]int64, plan.NbCalibration)
	}

	before := e.GetDisciplininParameters()
	if err := e.Calibrate(plan, results); err == nil {
		t.Fatalf("expected an error for a partial calibration sweep")
	}
	after := e.GetDisciplininParameters()
	if after != before {
		t.Fatalf("parameters changed after a rejected partial calibration")
	}
}

func TestCalibrateRejectsPartialSampleCount(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	plan := e.GetCalibrationParameters()
	results := types.CalibrationResults{Measures: make([][]int64, len(plan.CtrlPoints))}
	for i := range results.Measures {
		n := plan.NbCalibration
		if i == 1 {
			n-- // one ctrl point's sweep was interrupted early
		}
		results.Measures[i] = make([]int64, n)
	}

	before := e.GetDisciplininParameters()
	if err := e.Calibrate(plan, results); err == nil {
		t.Fatalf("expected an error for a short sample row")
	}
	after := e.GetDisciplininParameters()
	if after != before {
		t.Fatalf("parameters changed after a rejected partial calibration")
	}
}

func TestCalibrateAppliesFactoryTargetWhenConfigured(t *testing.T) {
	cfg := DefaultConfig()
	cfg.OscillatorFactorySettings = true
	e := newTestEngine(cfg)
	plan := e.GetCalibrationParameters()
	results := types.CalibrationResults{Measures: make([][]int64, len(plan.CtrlPoints))}
	for i := range results.Measures {
		row := make([]int64, plan.NbCalibration)
		for j := range row {
			row[j] = int64(i + 1)
		}
		results.Measures[i] = row
	}

	if err := e.Calibrate(plan, results); err != nil {
		t.Fatalf("Calibrate: %v", err)
	}
	params := e.GetDisciplininParameters()
	for i := range plan.CtrlPoints {
		if params.DscConfig.CtrlDriftCoeffsFactory[i] == 0 {
			t.Fatalf("CtrlDriftCoeffsFactory[%d] unset after calibration with oscillator_factory_settings", i)
		}
		if params.DscConfig.CtrlDriftCoeffs[i] != 0 {
			t.Fatalf("CtrlDriftCoeffs[%d] = %v, want untouched (factory settings preferred)", i, params.DscConfig.CtrlDriftCoeffs[i])
		}
	}
}

func TestStatusReflectsLockAfterSustainedConvergence(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PhaseResolutionNs = 10
	e := newTestEngine(cfg)
	for i := 0; i < e.convergenceGoal; i++ {
		e.Process(types.EngineInput{Valid: true, Lock: true, PhaseErrorNs: 1})
	}
	status := e.GetStatus()
	if status.ClockClass != types.ClockClassLock {
		t.Fatalf("ClockClass = %v, want ClockClassLock after sustained convergence", status.ClockClass)
	}
	if !status.ReadyForHoldover {
		t.Fatalf("ReadyForHoldover = false, want true once locked")
	}
}

func TestTemperatureBaselineFallsBackToMidpointWhenUnsampled(t *testing.T) {
	e := newTestEngine(DefaultConfig())
	mid := float64(e.dacMin+e.dacMax) / 2
	if got := e.temperatureBaseline(25.0); got != mid {
		t.Fatalf("temperatureBaseline = %v, want midpoint %v for an unsampled bucket", got, mid)
	}
	if got := e.temperatureBaseline(types.TemperatureUnreadable); got != mid {
		t.Fatalf("temperatureBaseline = %v, want midpoint %v for an unreadable temperature", got, mid)
	}
}

func TestTemperatureBaselineUsesLearnedSample(t *testing.T) {
	params := types.DiscipliningParameters{}
	idx := int((30.0 - minTemperatureC) * stepsByDegree)
	params.TempTable.MeanFineOverTemperature[idx] = 24000 // tenths of a fine unit: 2400.0
	e := New(DefaultConfig(), params, types.FamilyMFineMin, types.FamilyMFineMax)
	if got := e.temperatureBaseline(30.0); got != 2400.0 {
		t.Fatalf("temperatureBaseline = %v, want 2400.0", got)
	}
}
