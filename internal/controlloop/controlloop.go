// Package controlloop implements the disciplining control loop (C6):
// the per-tick orchestration of telemetry, reference, and phase inputs
// into a disciplining engine, plus the dispatch of its output back onto
// the oscillator driver and PHC. Grounded line-for-line on
// original_source/src/oscillatord.c's main(), restructured per
// reworked into goroutines/channels with context cancellation
// in place of the C program's global `loop` flag and signal handler.
package controlloop

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/discipline"
	"github.com/shiwatime/rbdisciplined/internal/gnss"
	"github.com/shiwatime/rbdisciplined/internal/oscillator"
	"github.com/shiwatime/rbdisciplined/internal/phasemeter"
	"github.com/shiwatime/rbdisciplined/internal/phc"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Config bundles the loop's startup parameters, grounded on
// oscillatord.c's top-level config reads (disciplining/ptp-clock/
// opposite-phase-error) plus the tick cadence SETTLING_TIME generalizes.
type Config struct {
	Disciplining       bool
	OppositePhaseError bool
	TickInterval       time.Duration // oscillatord.c's SETTLING_TIME between ticks
	AlignmentSettle    time.Duration // settling sleep after the initial phase jump
}

// DefaultConfig sets a 1s steady-state tick cadence and a 5s settling
// sleep, used after the initial phase jump and between calibration
// setpoints.
func DefaultConfig() Config {
	return Config{
		TickInterval:    time.Second,
		AlignmentSettle: 5 * time.Second,
	}
}

// Snapshot is one tick's worth of published state, consumed by the
// monitoring surfaces (telemetry/statusapi/adminshell); the
// "Monitoring publish" step.
type Snapshot struct {
	Epoch          types.GnssEpoch
	Telemetry      types.OscillatorTelemetry
	PhaseErrorNs   int64
	DisciplingStatus types.DisciplingStatus
}

// Publisher receives one Snapshot per tick. Implemented by
// internal/telemetry; kept as a small interface here so this package
// never imports the metrics stack.
type Publisher interface {
	Publish(Snapshot)
}

// Loop owns one run of the disciplining control loop over a single
// oscillator/GNSS/PHC triple.
type Loop struct {
	cfg    Config
	logger *logrus.Logger

	osc    oscillator.Driver
	ref    *gnss.Adapter
	clock  *phc.Clock
	engine discipline.Engine
	pub    Publisher

	sign int

	ignoreNextIRQ bool

	phm        *phasemeter.Phasemeter
	sampleMu   sync.Mutex
	lastSample types.PhaseSample

	calibrationMu        sync.Mutex
	calibrationRequested bool
}

// New builds a Loop. clock may be nil when no PHC device is configured
// (disciplining then runs phase-blind, matching oscillatord.c's
// fd_clock == -1 path). phm may be nil when osc implements
// oscillator.PhaseErrorReader (family S reports its own phase error).
func New(cfg Config, logger *logrus.Logger, osc oscillator.Driver, ref *gnss.Adapter, clock *phc.Clock, engine discipline.Engine, pub Publisher, phm *phasemeter.Phasemeter) *Loop {
	sign := 1
	if cfg.OppositePhaseError {
		sign = -1
	}
	return &Loop{
		cfg:    cfg,
		logger: logger,
		osc:    osc,
		ref:    ref,
		clock:  clock,
		engine: engine,
		pub:    pub,
		sign:   sign,
		phm:    phm,
	}
}

// RequestCalibration mirrors the monitoring interface's
// REQUEST_CALIBRATION: the next tick's EngineInput carries
// CalibrationRequested regardless of the phase-resolution dead-band.
func (l *Loop) RequestCalibration() {
	l.calibrationMu.Lock()
	l.calibrationRequested = true
	l.calibrationMu.Unlock()
}

func (l *Loop) takeCalibrationRequest() bool {
	l.calibrationMu.Lock()
	defer l.calibrationMu.Unlock()
	requested := l.calibrationRequested
	l.calibrationRequested = false
	return requested
}

// Run executes the initial-alignment sequence (if disciplining is
// enabled and a PHC is configured) followed by the steady-state tick
// loop, until ctx is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	if l.phm != nil {
		go l.drainPhasemeter(ctx)
	}

	if l.cfg.Disciplining && l.clock != nil {
		if err := l.initialAlignment(ctx); err != nil {
			if rbderr.Is(err, rbderr.Interrupted) {
				return nil
			}
			return err
		}
	}

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := l.tick(ctx); err != nil {
				if rbderr.Is(err, rbderr.Interrupted) {
					return nil
				}
				l.logger.WithError(err).Warn("controlloop: tick failed")
			}
		}
	}
}

// drainPhasemeter keeps lastSample current; a dedicated goroutine is
// needed because both the steady tick and a calibration sweep need
// concurrent read access to the single-producer Samples() channel.
func (l *Loop) drainPhasemeter(ctx context.Context) {
	go l.phm.Run(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-l.phm.Samples():
			if !ok {
				return
			}
			l.sampleMu.Lock()
			l.lastSample = s
			l.sampleMu.Unlock()
		}
	}
}

func (l *Loop) readPhase() types.PhaseSample {
	l.sampleMu.Lock()
	defer l.sampleMu.Unlock()
	return l.lastSample
}

// initialAlignment implements the one-time startup sequence: set the
// PHC from GNSS, wait for one paired phase sample, apply it as a
// one-shot offset, settle, then re-set the PHC time before entering the
// steady loop.
func (l *Loop) initialAlignment(ctx context.Context) error {
	l.logger.Info("controlloop: initializing ptp clock time from gnss")
	if err := l.ref.SetPHCTime(l.clock, l.waitForEdge(ctx)); err != nil {
		return err
	}

	l.logger.Info("controlloop: waiting for initial paired phase sample")
	phaseErr, err := l.waitForBothSample(ctx)
	if err != nil {
		return err
	}

	offset := -phaseErr * int64(l.sign)
	l.logger.WithField("offset_ns", offset).Info("controlloop: applying initial phase jump")
	if err := l.clock.PhaseOffset(offset); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		return rbderr.New(rbderr.Interrupted, "controlloop.initialAlignment", "cancelled during settle")
	case <-time.After(l.cfg.AlignmentSettle):
	}

	l.logger.Info("controlloop: resetting ptp clock time after rough alignment")
	if err := l.ref.SetPHCTime(l.clock, l.waitForEdge(ctx)); err != nil {
		return err
	}
	return nil
}

// waitForEdge is a placeholder edge-wait: without a dedicated PPS line
// reader wired in, SetPHCTime's deadline parameter still bounds how
// long it's willing to wait. A real pps-device binding supplies a
// richer waitForEdge that blocks on the PPS thread's next timestamp.
func (l *Loop) waitForEdge(ctx context.Context) func(deadline time.Time) error {
	return func(deadline time.Time) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Until(deadline)):
			return nil
		}
	}
}

func (l *Loop) waitForBothSample(ctx context.Context) (int64, error) {
	for {
		select {
		case <-ctx.Done():
			return 0, rbderr.New(rbderr.Interrupted, "controlloop.waitForBothSample", "cancelled")
		default:
		}
		if pr, ok := l.osc.(oscillator.PhaseErrorReader); ok {
			return pr.GetPhaseError()
		}
		s := l.readPhase()
		if s.Status == types.PhasemeterBoth {
			return int64(s.PhaseErrorNs), nil
		}
		select {
		case <-ctx.Done():
			return 0, rbderr.New(rbderr.Interrupted, "controlloop.waitForBothSample", "cancelled")
		case <-time.After(10 * time.Millisecond):
		}
	}
}

// tick implements the control loop's per-sample algorithm.
func (l *Loop) tick(ctx context.Context) error {
	telemetry, err := l.osc.GetCtrl()
	if err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "controlloop.tick", err)
	}
	if ap, ok := l.osc.(oscillator.AttributeParser); ok {
		if temp, locked, err := ap.ParseAttributes(); err == nil {
			telemetry.Temperature = temp
			telemetry.Lock = locked
		}
	}

	epoch := l.ref.Snapshot()

	if gp, ok := l.osc.(oscillator.GNSSPusher); ok {
		if err := gp.PushGNSSInfo(epoch.Valid(), epoch.LastFixUTCTime); err != nil {
			l.logger.WithError(err).Warn("controlloop: failed to push gnss info to driver")
		}
	}

	disciplingEnabled := l.cfg.Disciplining
	var phaseErrorNs int64
	status := types.PhasemeterBoth

	if disciplingEnabled {
		if pr, ok := l.osc.(oscillator.PhaseErrorReader); ok {
			phaseErrorNs, err = pr.GetPhaseError()
			if err != nil {
				return rbderr.Wrap(rbderr.DeviceIO, "controlloop.tick", err)
			}
		} else {
			if l.ignoreNextIRQ {
				l.logger.Debug("controlloop: ignoring one sample after phase jump")
				l.ignoreNextIRQ = false
				return nil
			}
			sample := l.readPhase()
			status = sample.Status
			if status != types.PhasemeterBoth && status != types.PhasemeterNoGNSS {
				return nil
			}
			phaseErrorNs = int64(sample.PhaseErrorNs)
		}
	}

	input := types.EngineInput{
		PhaseErrorNs:         int64(l.sign) * phaseErrorNs,
		Valid:                epoch.Valid(),
		Lock:                 telemetry.Lock,
		FineSetpoint:         telemetry.FineCtrl,
		CoarseSetpoint:       telemetry.CoarseCtrl,
		Temperature:          telemetry.Temperature,
		QErrNs:               epoch.QErrNs,
		LsChange:             epoch.LsChange,
		CalibrationRequested: l.takeCalibrationRequest(),
	}

	var out types.ControlOutput
	if disciplingEnabled {
		out = l.engine.Process(input)
		if err := l.dispatch(ctx, out); err != nil {
			return err
		}
	}

	if l.pub != nil {
		l.pub.Publish(Snapshot{
			Epoch:            epoch,
			Telemetry:        telemetry,
			PhaseErrorNs:     input.PhaseErrorNs,
			DisciplingStatus: l.disciplingStatus(),
		})
	}
	return nil
}

// disciplingStatus prefers a driver's own status report (family S rolls
// its own tau-schedule/clock-class state machine from pushed GNSS info)
// over the engine's, which only reflects drivers disciplined through
// ControlOutput dispatch.
func (l *Loop) disciplingStatus() types.DisciplingStatus {
	if sr, ok := l.osc.(oscillator.StatusReporter); ok {
		if status, err := sr.GetDisciplingStatus(); err == nil {
			return status
		}
	}
	return l.engine.GetStatus()
}

func (l *Loop) dispatch(ctx context.Context, out types.ControlOutput) error {
	switch out.Action {
	case types.ActionPhaseJump:
		l.logger.WithField("value_phase_ctrl", out.ValuePhaseCtrl).Info("controlloop: phase jump requested")
		// The next sample is never trustworthy once a jump has been
		// decided, whether or not a PHC is actually attached to apply it.
		l.ignoreNextIRQ = true
		if l.clock == nil {
			return nil
		}
		return l.clock.PhaseOffset(-out.ValuePhaseCtrl)

	case types.ActionCalibrate:
		l.logger.Info("controlloop: calibration requested")
		return l.calibrate(ctx)

	case types.ActionAdjustFine, types.ActionAdjustCoarse, types.ActionSaveCoarse:
		if err := l.osc.ApplyOutput(out); err != nil {
			return rbderr.Wrap(rbderr.DeviceIO, "controlloop.dispatch", err)
		}
		return nil

	default: // ActionNone
		return nil
	}
}

// calibrate drives a full calibration sweep. If ctx is cancelled
// mid-sweep the partial results are discarded and engine.Calibrate is
// never called, preserving the CALIBRATE-idempotence invariant
// (testable property 7 / scenario S6): a SIGINT during calibration
// must leave the engine's learned parameters untouched.
func (l *Loop) calibrate(ctx context.Context) error {
	plan := l.engine.GetCalibrationParameters()

	if cal, ok := l.osc.(oscillator.Calibrator); ok {
		phaseAt := func() (int64, error) {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			if pr, ok := l.osc.(oscillator.PhaseErrorReader); ok {
				return pr.GetPhaseError()
			}
			return int64(l.readPhase().PhaseErrorNs), nil
		}
		results, err := cal.Calibrate(plan, phaseAt)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				l.logger.Warn("controlloop: calibration aborted by shutdown, discarding partial sweep")
				return rbderr.New(rbderr.Interrupted, "controlloop.calibrate", "cancelled during driver calibration")
			}
			return rbderr.Wrap(rbderr.DeviceIO, "controlloop.calibrate", err)
		}
		return l.engine.Calibrate(plan, results)
	}

	results := types.CalibrationResults{Measures: make([][]int64, len(plan.CtrlPoints))}
	for i, point := range plan.CtrlPoints {
		if err := l.osc.ApplyOutput(types.ControlOutput{Action: types.ActionAdjustFine, Setpoint: point}); err != nil {
			return rbderr.Wrap(rbderr.DeviceIO, "controlloop.calibrate", err)
		}

		select {
		case <-ctx.Done():
			l.logger.Warn("controlloop: calibration aborted by shutdown, discarding partial sweep")
			return rbderr.New(rbderr.Interrupted, "controlloop.calibrate", "cancelled during settle")
		case <-time.After(l.cfg.AlignmentSettle):
		}

		row := make([]int64, plan.NbCalibration)
		for j := 0; j < plan.NbCalibration; j++ {
			select {
			case <-ctx.Done():
				l.logger.Warn("controlloop: calibration aborted by shutdown, discarding partial sweep")
				return rbderr.New(rbderr.Interrupted, "controlloop.calibrate", "cancelled during sampling")
			default:
			}
			row[j] = int64(l.readPhase().PhaseErrorNs)
		}
		results.Measures[i] = row
	}

	return l.engine.Calibrate(plan, results)
}
