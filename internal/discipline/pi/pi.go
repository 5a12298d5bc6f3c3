// Package pi implements the disciplining engine (C5) with a PID-driven
// fine correction loop, grounded on internal/clock/manager.go's
// PIDController generalized from frequency-only discipline to the
// ControlOutput actions NONE/ADJUST_FINE/ADJUST_COARSE/PHASE_JUMP/
// CALIBRATE (it never emits SAVE_COARSE), plus a temperature-compensation
// baseline drawn from the on-device temp_table region.
package pi

import (
	"math"

	"github.com/shiwatime/rbdisciplined/internal/clock"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Temperature-table indexing constants. oscillatord's kept headers don't
// carry MIN_TEMPERATURE/STEPS_BY_DEGREE's numeric values (they live in a
// vendor header outside the retrieval pack), so these are a documented
// assumption: a -40C..+51.5C span at 2 steps/degree spans exactly
// types.MeanTemperatureArrayMax (183) entries.
const (
	minTemperatureC = -40.0
	stepsByDegree   = 2
)

// Config mirrors the disciplining engine's documented option table.
type Config struct {
	CalibrateFirst            bool
	Debug                     bool
	FineStopTolerance         int64 // fine DAC units
	MaxAllowedCoarse          uint32
	NbCalibration             int
	PhaseJumpThresholdNs      int64
	PhaseResolutionNs         int64
	ReactivityMin             float64
	ReactivityMax             float64
	ReactivityPower           float64
	RefFluctuationsNs         int64
	OscillatorFactorySettings bool
}

// DefaultConfig returns the option table's documented defaults.
func DefaultConfig() Config {
	return Config{
		FineStopTolerance:    5,
		MaxAllowedCoarse:     types.FamilyMCoarseMax,
		NbCalibration:        10,
		PhaseJumpThresholdNs: 1_000_000,
		PhaseResolutionNs:    10,
		ReactivityMin:        0.5,
		ReactivityMax:        4.0,
		ReactivityPower:      2.0,
		RefFluctuationsNs:    30,
	}
}

// Engine is the PID-based discipline.Engine implementation. Engine
// satisfies discipline.Engine by signature; no compile-time assertion is
// written here to keep this package free of a dependency the interface
// definition doesn't need.
type Engine struct {
	cfg Config

	dacMin, dacMax uint32

	pid *clock.PIDController

	params types.DiscipliningParameters

	status           types.DisciplingState
	clockClass       types.ClockClass
	convergenceCount int
	convergenceGoal  int
	calibrated       bool

	lastTick int64 // coarse logical clock, ticks since start; used for dt
}

// New builds an Engine over an already-loaded parameter set and the
// driver's fine-setpoint window.
func New(cfg Config, params types.DiscipliningParameters, dacMin, dacMax uint32) *Engine {
	pid := clock.NewPIDController(
		cfg.ReactivityMin, cfg.ReactivityMin/10, 0,
		float64(dacMax-dacMin), float64(dacMax-dacMin),
	)
	return &Engine{
		cfg:             cfg,
		dacMin:          dacMin,
		dacMax:          dacMax,
		pid:             pid,
		params:          params,
		status:          types.StateInit,
		clockClass:      types.ClockClassUncalibrated,
		convergenceGoal: 10,
	}
}

// Process implements discipline.Engine.
func (e *Engine) Process(input types.EngineInput) types.ControlOutput {
	if !input.Valid {
		e.status = types.StateHoldover
		e.clockClass = types.ClockClassHoldover
		return types.ControlOutput{Action: types.ActionNone}
	}

	if input.CalibrationRequested || (e.cfg.CalibrateFirst && !e.calibrated) {
		e.status = types.StateCalibration
		e.clockClass = types.ClockClassCalibrating
		return types.ControlOutput{Action: types.ActionCalibrate}
	}

	if !input.Lock {
		e.status = types.StateWarmup
		e.pid.Reset()
		e.convergenceCount = 0
		return types.ControlOutput{Action: types.ActionNone}
	}

	abs := input.PhaseErrorNs
	if abs < 0 {
		abs = -abs
	}

	if e.cfg.PhaseJumpThresholdNs > 0 && abs >= e.cfg.PhaseJumpThresholdNs {
		e.status = types.StateTracking
		e.convergenceCount = 0
		return types.ControlOutput{Action: types.ActionPhaseJump, ValuePhaseCtrl: input.PhaseErrorNs}
	}

	if abs <= e.cfg.PhaseResolutionNs {
		e.bumpConvergence()
		return types.ControlOutput{Action: types.ActionNone}
	}

	correction := e.pid.Update(float64(input.PhaseErrorNs), 1.0)

	baseline := e.temperatureBaseline(input.Temperature)
	target := baseline + correction

	if math.Abs(correction) <= float64(e.cfg.FineStopTolerance) {
		e.bumpConvergence()
		return types.ControlOutput{Action: types.ActionNone}
	}
	e.convergenceCount = 0
	e.status = types.StateTracking
	e.clockClass = types.ClockClassLock

	setpoint := clampSetpoint(target, e.dacMin, e.dacMax)
	if setpoint == e.dacMax || setpoint == e.dacMin {
		// The fine correction saturated the DAC window: the
		// overflow-to-coarse path — nudge coarse and recenter fine.
		if input.CoarseSetpoint < e.cfg.MaxAllowedCoarse {
			return types.ControlOutput{Action: types.ActionAdjustCoarse, Setpoint: input.CoarseSetpoint + 1}
		}
	}
	return types.ControlOutput{Action: types.ActionAdjustFine, Setpoint: setpoint}
}

func (e *Engine) bumpConvergence() {
	e.status = types.StateTracking
	if e.convergenceCount < e.convergenceGoal {
		e.convergenceCount++
	}
	if e.convergenceCount >= e.convergenceGoal {
		e.clockClass = types.ClockClassLock
	}
}

func clampSetpoint(v float64, min, max uint32) uint32 {
	if v < float64(min) {
		return min
	}
	if v > float64(max) {
		return max
	}
	return uint32(v)
}

// temperatureBaseline looks up the learned fine setpoint for the given
// temperature from the persisted temp_table, falling back to the DAC
// window's midpoint when no sample covers that bucket (0 = unsampled).
func (e *Engine) temperatureBaseline(tempC float64) float64 {
	mid := float64(e.dacMin+e.dacMax) / 2
	if tempC <= types.TemperatureUnreadable {
		return mid
	}
	idx := int((tempC - minTemperatureC) * stepsByDegree)
	if idx < 0 || idx >= types.MeanTemperatureArrayMax {
		return mid
	}
	tenths := e.params.TempTable.MeanFineOverTemperature[idx]
	if tenths == 0 {
		return mid
	}
	return float64(tenths) / 10
}

// GetCalibrationParameters implements discipline.Engine: a sweep across
// the DAC window at cfg.NbCalibration samples per point, centered plus
// two offsets to bracket the equilibrium.
func (e *Engine) GetCalibrationParameters() types.CalibrationPlan {
	span := e.dacMax - e.dacMin
	points := []uint32{
		e.dacMin + span/4,
		e.dacMin + span/2,
		e.dacMin + 3*span/4,
	}
	nb := e.cfg.NbCalibration
	if nb <= 0 {
		nb = 10
	}
	return types.CalibrationPlan{CtrlPoints: points, NbCalibration: nb}
}

// Calibrate implements discipline.Engine. It must only ever be called
// with a complete sweep (testable property 7 / S6): partial results are
// rejected rather than partially applied.
func (e *Engine) Calibrate(plan types.CalibrationPlan, results types.CalibrationResults) error {
	if len(results.Measures) != len(plan.CtrlPoints) {
		return rbderr.New(rbderr.AlgorithmError, "pi.Calibrate", "incomplete calibration sweep: got %d rows, want %d", len(results.Measures), len(plan.CtrlPoints))
	}
	for i, row := range results.Measures {
		if len(row) != plan.NbCalibration {
			return rbderr.New(rbderr.AlgorithmError, "pi.Calibrate", "incomplete samples at ctrl point %d: got %d, want %d", i, len(row), plan.NbCalibration)
		}
	}

	// Fit a simple linear load/drift pair per ctrl point from the mean
	// measured phase error at that setpoint, mirroring the DscConfig's
	// ctrl_load_nodes/ctrl_drift_coeffs shape.
	n := len(plan.CtrlPoints)
	if n > len(e.params.DscConfig.CtrlLoadNodes) {
		n = len(e.params.DscConfig.CtrlLoadNodes)
	}
	loadNodes := &e.params.DscConfig.CtrlLoadNodes
	driftCoeffs := &e.params.DscConfig.CtrlDriftCoeffs
	if e.cfg.OscillatorFactorySettings {
		loadNodes = &e.params.DscConfig.CtrlLoadNodesFactory
		driftCoeffs = &e.params.DscConfig.CtrlDriftCoeffsFactory
	}

	span := float64(e.dacMax - e.dacMin)
	for i := 0; i < n; i++ {
		mean := meanOf(results.Measures[i])
		loadNodes[i] = float32(float64(plan.CtrlPoints[i]-e.dacMin) / span)
		driftCoeffs[i] = float32(mean / span)
	}
	e.params.DscConfig.CtrlNodesLength = uint8(n)
	e.calibrated = true
	e.status = types.StateLockLowRes
	e.clockClass = types.ClockClassCalibrating
	return nil
}

func meanOf(samples []int64) float64 {
	if len(samples) == 0 {
		return 0
	}
	var sum int64
	for _, s := range samples {
		sum += s
	}
	return float64(sum) / float64(len(samples))
}

// GetStatus implements discipline.Engine.
func (e *Engine) GetStatus() types.DisciplingStatus {
	return types.DisciplingStatus{
		Status:                         e.status,
		ClockClass:                     e.clockClass,
		ConvergenceProgress:            float32(e.convergenceCount) / float32(e.convergenceGoal),
		CurrentPhaseConvergenceCount:   e.convergenceCount,
		ValidPhaseConvergenceThreshold: e.convergenceGoal,
		ReadyForHoldover:               e.clockClass == types.ClockClassLock,
	}
}

// GetDisciplininParameters implements discipline.Engine.
func (e *Engine) GetDisciplininParameters() types.DiscipliningParameters {
	return e.params
}
