// Package discipline defines the disciplining engine abstraction (C5):
// an opaque component that turns phase/telemetry input into a single
// device action per tick. Grounded on the interface-only
// contract — the proprietary control math itself is out of scope; this
// interface is the seam the control loop (C6) drives.
package discipline

import "github.com/shiwatime/rbdisciplined/internal/types"

// Engine is the mandatory surface every disciplining implementation
// exposes. Every Process call is paired with at most one device action;
// NONE is an allowed, and often correct, output.
type Engine interface {
	// Process consumes one tick's input and produces a ControlOutput.
	Process(input types.EngineInput) types.ControlOutput
	// GetCalibrationParameters returns the sweep plan for a CALIBRATE
	// dispatch: the fine setpoints to visit and samples to collect at each.
	GetCalibrationParameters() types.CalibrationPlan
	// Calibrate accepts a matrix of measured phase samples (one row per
	// plan.CtrlPoints entry, plan.NbCalibration columns) and updates the
	// engine's internal learned parameters. Must not be called with a
	// partial sweep — calling Calibrate again must be safe and idempotent.
	Calibrate(plan types.CalibrationPlan, results types.CalibrationResults) error
	// GetStatus reports the current disciplining status for monitoring.
	GetStatus() types.DisciplingStatus
	// GetDisciplininParameters returns the persistable parameter set,
	// reflecting any learned state from a prior Calibrate call.
	GetDisciplininParameters() types.DiscipliningParameters
}
