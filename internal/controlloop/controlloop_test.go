package controlloop

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/gnss"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// fakeDriver is a minimal oscillator.Driver double; it implements none
// of the optional capability interfaces.
type fakeDriver struct {
	telemetry types.OscillatorTelemetry
	applied   []types.ControlOutput
	params    types.DiscipliningParameters
}

func (d *fakeDriver) GetCtrl() (types.OscillatorTelemetry, error) { return d.telemetry, nil }
func (d *fakeDriver) ApplyOutput(out types.ControlOutput) error {
	d.applied = append(d.applied, out)
	return nil
}
func (d *fakeDriver) GetDisciplininParameters() (types.DiscipliningParameters, error) {
	return d.params, nil
}
func (d *fakeDriver) ApplyDisciplininParameters(p *types.DiscipliningParameters) error {
	d.params = *p
	return nil
}
func (d *fakeDriver) DACWindow() (uint32, uint32) { return types.FamilyMFineMin, types.FamilyMFineMax }
func (d *fakeDriver) Close() error                { return nil }

// fakeEngine is a discipline.Engine double that records whether
// Calibrate was ever invoked, for the CALIBRATE-idempotence property.
type fakeEngine struct {
	nextOutput     types.ControlOutput
	calibrateCalls int
	processCalls   int
	plan           types.CalibrationPlan
	status         types.DisciplingStatus
	params         types.DiscipliningParameters
}

func (e *fakeEngine) Process(types.EngineInput) types.ControlOutput {
	e.processCalls++
	return e.nextOutput
}
func (e *fakeEngine) GetCalibrationParameters() types.CalibrationPlan {
	if len(e.plan.CtrlPoints) == 0 {
		return types.CalibrationPlan{CtrlPoints: []uint32{100, 200, 300}, NbCalibration: 2}
	}
	return e.plan
}
func (e *fakeEngine) Calibrate(plan types.CalibrationPlan, results types.CalibrationResults) error {
	e.calibrateCalls++
	return nil
}
func (e *fakeEngine) GetStatus() types.DisciplingStatus                   { return e.status }
func (e *fakeEngine) GetDisciplininParameters() types.DiscipliningParameters { return e.params }

// fakeFramer lets a test drive a real gnss.Adapter's handlers directly,
// without opening any serial device.
type fakeFramer struct {
	onFix  gnss.FixHandler
	onLeap gnss.LeapSecondHandler
}

func (f *fakeFramer) OnFix(h gnss.FixHandler)                             { f.onFix = h }
func (f *fakeFramer) OnLeapSecond(h gnss.LeapSecondHandler)               { f.onLeap = h }
func (f *fakeFramer) OnAntenna(gnss.AntennaHandler)                       {}
func (f *fakeFramer) OnQuantizationError(gnss.QuantizationErrorHandler)   {}
func (f *fakeFramer) Run(io.Reader) error                                 { return io.EOF }

func newValidReference() *gnss.Adapter {
	framer := &fakeFramer{}
	a := gnss.New("/dev/null", 9600, framer, testLogger())
	framer.onLeap(18, 0, 0, true)
	framer.onFix(3, true, 9, time.Now())
	return a
}

func TestDispatchAppliesFineAdjustment(t *testing.T) {
	drv := &fakeDriver{}
	l := &Loop{logger: testLogger(), osc: drv}
	out := types.ControlOutput{Action: types.ActionAdjustFine, Setpoint: 1234}

	if err := l.dispatch(context.Background(), out); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(drv.applied) != 1 || drv.applied[0] != out {
		t.Fatalf("applied = %+v, want exactly %+v", drv.applied, out)
	}
}

func TestDispatchNoneIsNoop(t *testing.T) {
	drv := &fakeDriver{}
	l := &Loop{logger: testLogger(), osc: drv}
	if err := l.dispatch(context.Background(), types.ControlOutput{Action: types.ActionNone}); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if len(drv.applied) != 0 {
		t.Fatalf("ApplyOutput called for ActionNone: %+v", drv.applied)
	}
}

func TestDispatchPhaseJumpSetsIgnoreNextIRQEvenWithoutClock(t *testing.T) {
	drv := &fakeDriver{}
	l := &Loop{logger: testLogger(), osc: drv, clock: nil}
	out := types.ControlOutput{Action: types.ActionPhaseJump, ValuePhaseCtrl: 1_500_000}

	if err := l.dispatch(context.Background(), out); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if !l.ignoreNextIRQ {
		t.Fatalf("ignoreNextIRQ = false, want true after a PHASE_JUMP dispatch")
	}
	if len(drv.applied) != 0 {
		t.Fatalf("ApplyOutput must not be called for PHASE_JUMP (handled via the PHC, not the driver)")
	}
}

// TestTickSkipsOneSampleAfterPhaseJump exercises scenario S5: tick N+1
// after a PHASE_JUMP is gated out entirely, and ignoreNextIRQ clears so
// tick N+2 processes normally.
func TestTickSkipsOneSampleAfterPhaseJump(t *testing.T) {
	drv := &fakeDriver{telemetry: types.OscillatorTelemetry{Lock: true}}
	engine := &fakeEngine{nextOutput: types.ControlOutput{Action: types.ActionNone}}
	ref := newValidReference()
	l := &Loop{
		logger:        testLogger(),
		osc:           drv,
		ref:           ref,
		engine:        engine,
		ignoreNextIRQ: true,
		cfg:           Config{Disciplining: true},
	}

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if l.ignoreNextIRQ {
		t.Fatalf("ignoreNextIRQ still true after the gated tick, want cleared")
	}

	// The gated tick must never have reached the engine.
	if engine.processCalls != 0 {
		t.Fatalf("engine.Process invoked during a gated tick")
	}

	// Next tick proceeds normally (no panic, no further gating).
	l.lastSample = types.PhaseSample{Status: types.PhasemeterBoth, PhaseErrorNs: 10}
	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if engine.processCalls != 1 {
		t.Fatalf("engine.Process called %d times, want exactly 1 on the ungated tick", engine.processCalls)
	}
}

func TestTickAppliesSignConvention(t *testing.T) {
	drv := &fakeDriver{telemetry: types.OscillatorTelemetry{Lock: true}}
	var gotInput types.EngineInput
	engine := &capturingEngine{process: func(in types.EngineInput) types.ControlOutput {
		gotInput = in
		return types.ControlOutput{Action: types.ActionNone}
	}}
	ref := newValidReference()
	l := &Loop{
		logger: testLogger(),
		osc:    drv,
		ref:    ref,
		engine: engine,
		sign:   -1,
		cfg:    Config{Disciplining: true},
	}
	l.lastSample = types.PhaseSample{Status: types.PhasemeterBoth, PhaseErrorNs: 1234}

	if err := l.tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if gotInput.PhaseErrorNs != -1234 {
		t.Fatalf("PhaseErrorNs = %d, want -1234 (opposite-phase-error sign flip)", gotInput.PhaseErrorNs)
	}
}

// capturingEngine lets a test observe the EngineInput passed to Process.
type capturingEngine struct {
	process func(types.EngineInput) types.ControlOutput
}

func (e *capturingEngine) Process(in types.EngineInput) types.ControlOutput { return e.process(in) }
func (e *capturingEngine) GetCalibrationParameters() types.CalibrationPlan  { return types.CalibrationPlan{} }
func (e *capturingEngine) Calibrate(types.CalibrationPlan, types.CalibrationResults) error {
	return nil
}
func (e *capturingEngine) GetStatus() types.DisciplingStatus                   { return types.DisciplingStatus{} }
func (e *capturingEngine) GetDisciplininParameters() types.DiscipliningParameters {
	return types.DiscipliningParameters{}
}

// TestCalibrateAbortedByShutdownNeverCallsEngineCalibrate exercises
// testable property 7 / scenario S6: a cancelled context mid-sweep must
// leave the engine's Calibrate never invoked.
func TestCalibrateAbortedByShutdownNeverCallsEngineCalibrate(t *testing.T) {
	drv := &fakeDriver{}
	engine := &fakeEngine{plan: types.CalibrationPlan{CtrlPoints: []uint32{100, 200, 300}, NbCalibration: 3}}
	l := &Loop{logger: testLogger(), osc: drv, engine: engine, cfg: Config{AlignmentSettle: time.Millisecond}}

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // already cancelled: the very first settle wait must abort

	err := l.calibrate(ctx)
	if err == nil || !rbderr.Is(err, rbderr.Interrupted) {
		t.Fatalf("calibrate() error = %v, want an Interrupted error", err)
	}
	if engine.calibrateCalls != 0 {
		t.Fatalf("engine.Calibrate called %d times, want 0 after a cancelled sweep", engine.calibrateCalls)
	}
}

func TestCalibrateCompletesAndCallsEngineCalibrateExactlyOnce(t *testing.T) {
	drv := &fakeDriver{}
	engine := &fakeEngine{plan: types.CalibrationPlan{CtrlPoints: []uint32{100, 200}, NbCalibration: 2}}
	l := &Loop{logger: testLogger(), osc: drv, engine: engine, cfg: Config{AlignmentSettle: time.Millisecond}}

	if err := l.calibrate(context.Background()); err != nil {
		t.Fatalf("calibrate: %v", err)
	}
	if engine.calibrateCalls != 1 {
		t.Fatalf("engine.Calibrate called %d times, want exactly 1", engine.calibrateCalls)
	}
	// Every ctrl point's fine setpoint must have been applied during the sweep.
	if len(drv.applied) != len(engine.plan.CtrlPoints) {
		t.Fatalf("applied %d fine setpoints, want %d (one per ctrl point)", len(drv.applied), len(engine.plan.CtrlPoints))
	}
}
