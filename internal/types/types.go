// Package types holds the data model shared across every disciplining
// component: phase samples, GNSS epochs, oscillator telemetry, persisted
// parameters, control actions and the reported status.
package types

import "time"

// PhasemeterStatus tags a PhaseSample with which channels were paired.
type PhasemeterStatus int

const (
	PhasemeterInit PhasemeterStatus = iota
	PhasemeterNoGNSS
	PhasemeterNoInternal
	PhasemeterBoth
	PhasemeterError
)

func (s PhasemeterStatus) String() string {
	switch s {
	case PhasemeterInit:
		return "init"
	case PhasemeterNoGNSS:
		return "no_gnss"
	case PhasemeterNoInternal:
		return "no_internal"
	case PhasemeterBoth:
		return "both"
	case PhasemeterError:
		return "error"
	default:
		return "unknown"
	}
}

// PhaseMismatchThreshold is the 500ms sliding-window discard bound:
// phase samples are only valid below this magnitude.
const PhaseMismatchThreshold = 500_000_000 // ns

// PhaseSample is produced by the phasemeter (C3) once per paired event.
type PhaseSample struct {
	Status        PhasemeterStatus
	PhaseErrorNs  int32
	Timestamp     time.Time
}

// GNSS fix-type thresholds used to compute GnssEpoch.Valid.
const (
	Fix3D    = 3
	FixTime  = 5
)

// GnssEpoch is produced by the GNSS reference adapter (C4) on each update.
type GnssEpoch struct {
	Fix                   uint8
	FixOK                 bool
	SatellitesCount       int32
	AntennaPower          int8
	AntennaStatus         int8 // -1 until the first status report arrives
	LeapSeconds           int32
	LsChange              int8
	TimeToLsEvent         int32
	LsValid               bool
	SurveyInPositionError float32
	SurveyCompleted       bool
	QErrNs                int32
	LastFixUTCTime        time.Time
}

// Valid reports whether the fix carries a trustworthy time reference.
func (e GnssEpoch) Valid() bool {
	if !e.FixOK || !e.LsValid {
		return false
	}
	return e.Fix >= Fix3D || e.Fix == FixTime
}

// TemperatureUnreadable is the sentinel OscillatorTelemetry.Temperature
// reports when the device's temperature register can't be resolved.
const TemperatureUnreadable = -3000.0

// OscillatorTelemetry is produced by the oscillator driver (C1) every tick.
type OscillatorTelemetry struct {
	FineCtrl    uint32
	CoarseCtrl  uint32
	Lock        bool
	Temperature float64
}

// Family-M fine/coarse windows; family S repurposes these
// fields (FineCtrl -> last_correction, CoarseCtrl -> tau).
const (
	FamilyMFineMin   = 0
	FamilyMFineMax   = 4800
	FamilyMCoarseMin = 0
	FamilyMCoarseMax = 4194303
)

// MeanTemperatureArrayMax bounds the temperature table entries: the
// region is 368 bytes, 2 of which are header+version, and each entry is
// a 16-bit tenths-of-a-fine-unit count, so (368-2)/2 = 183 entries.
const MeanTemperatureArrayMax = 183

// HeaderMagic marks a V1-or-later parameter region.
const HeaderMagic = 0x4F

// DiscipliningConfigVersion is the only version this core understands.
const DiscipliningConfigVersion = 1

// Fixed on-device region sizes.
const (
	DsciplingConfigFileSize = 144
	TemperatureTableFileSize = 368
)

// DsciplingConfig is the ≤144B persisted region.
type DsciplingConfig struct {
	Header                  byte
	Version                 byte
	CtrlNodesLength         uint8
	CtrlNodesLengthFactory  uint8
	CtrlLoadNodes           [10]float32
	CtrlDriftCoeffs         [10]float32
	CtrlLoadNodesFactory    [10]float32
	CtrlDriftCoeffsFactory  [10]float32
	CoarseEquilibrium       int32
	CoarseEquilibriumFactory int32
	CalibrationDate         int64
	CalibrationValid        bool
	EstimatedEquilibriumES  uint32
}

// TemperatureTable is the ≤368B persisted region.
type TemperatureTable struct {
	Header                    byte
	Version                   byte
	MeanFineOverTemperature   [MeanTemperatureArrayMax]uint16
}

// DiscipliningParameters bundles both persisted regions (C2).
type DiscipliningParameters struct {
	DscConfig DsciplingConfig
	TempTable TemperatureTable
}

// ControlAction enumerates the actions an engine tick can emit (C5).
type ControlAction int

const (
	ActionNone ControlAction = iota
	ActionAdjustFine
	ActionAdjustCoarse
	ActionSaveCoarse
	ActionPhaseJump
	ActionCalibrate
)

func (a ControlAction) String() string {
	switch a {
	case ActionNone:
		return "none"
	case ActionAdjustFine:
		return "adjust_fine"
	case ActionAdjustCoarse:
		return "adjust_coarse"
	case ActionSaveCoarse:
		return "save_coarse"
	case ActionPhaseJump:
		return "phase_jump"
	case ActionCalibrate:
		return "calibrate"
	default:
		return "unknown"
	}
}

// ControlOutput is produced by the disciplining engine (C5) each tick.
type ControlOutput struct {
	Action         ControlAction
	Setpoint       uint32
	ValuePhaseCtrl int64 // ns, only meaningful on ActionPhaseJump
}

// DisciplingState enumerates the semantic reported status values.
type DisciplingState int

const (
	StateInit DisciplingState = iota
	StateWarmup
	StateTracking
	StateHoldover
	StateCalibration
	StateLockLowRes
	StateLock
	StateFrequencyAdjustment
)

func (s DisciplingState) String() string {
	switch s {
	case StateInit:
		return "init"
	case StateWarmup:
		return "warmup"
	case StateTracking:
		return "tracking"
	case StateHoldover:
		return "holdover"
	case StateCalibration:
		return "calibration"
	case StateLockLowRes:
		return "lock_low_res"
	case StateLock:
		return "lock"
	case StateFrequencyAdjustment:
		return "frequency_adjustment"
	default:
		return "unknown"
	}
}

// ClockClass enumerates the reported disciplining confidence class.
type ClockClass int

const (
	ClockClassUncalibrated ClockClass = iota
	ClockClassCalibrating
	ClockClassHoldover
	ClockClassLock
)

func (c ClockClass) String() string {
	switch c {
	case ClockClassUncalibrated:
		return "uncalibrated"
	case ClockClassCalibrating:
		return "calibrating"
	case ClockClassHoldover:
		return "holdover"
	case ClockClassLock:
		return "lock"
	default:
		return "unknown"
	}
}

// DisciplingStatus is the status reported upward by the control loop.
type DisciplingStatus struct {
	Status                         DisciplingState
	ClockClass                     ClockClass
	ConvergenceProgress            float32
	CurrentPhaseConvergenceCount   int
	ValidPhaseConvergenceThreshold int
	ReadyForHoldover               bool
}

// EngineInput bundles the per-tick values fed into the disciplining engine.
type EngineInput struct {
	PhaseErrorNs         int64
	Valid                bool
	Lock                 bool
	FineSetpoint         uint32
	CoarseSetpoint       uint32
	Temperature          float64
	QErrNs               int32
	LsChange             int8
	CalibrationRequested bool
}

// CalibrationPlan is returned by the engine's get_calibration_parameters.
type CalibrationPlan struct {
	CtrlPoints   []uint32
	NbCalibration int
}

// CalibrationResults bundles the measured phase matrix fed back into
// the engine's calibrate operation: len(Measures) == len(CtrlPoints),
// each row has NbCalibration samples.
type CalibrationResults struct {
	Measures [][]int64
}
