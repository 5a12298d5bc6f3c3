// Package oscillator defines the driver abstraction (C1) over the local
// oscillator: uniform telemetry/apply/parameter operations implemented
// by one concrete family per device, selected by config name. Grounded
// on _examples/original_source/src/oscillator.h's vtable, generalized
// into a plain Go interface (a sum type over
// concrete drivers behind a small interface, no registry); family
// selection is a single switch grounded on
// internal/protocols/factory.go's CreateHandler pattern.
package oscillator

import (
	"time"

	"github.com/shiwatime/rbdisciplined/internal/oscillator/family/mro50"
	"github.com/shiwatime/rbdisciplined/internal/oscillator/family/sa5x"
	"github.com/shiwatime/rbdisciplined/internal/oscillator/family/sim"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Driver is the mandatory surface every oscillator family implements.
type Driver interface {
	// GetCtrl reads fine/coarse/lock/temperature telemetry.
	GetCtrl() (types.OscillatorTelemetry, error)
	// ApplyOutput interprets ADJUST_FINE/ADJUST_COARSE/SAVE_COARSE; other
	// actions are not a driver concern and must be rejected.
	ApplyOutput(types.ControlOutput) error
	// GetDisciplininParameters returns the driver's view of the persisted
	// parameters, whether on-chip or file-backed.
	GetDisciplininParameters() (types.DiscipliningParameters, error)
	// ApplyDisciplininParameters mirrors GetDisciplininParameters.
	ApplyDisciplininParameters(*types.DiscipliningParameters) error
	// DACWindow reports the device's valid fine-setpoint range, used to
	// check ADJUST_FINE's OutOfRange invariant (testable property 3).
	DACWindow() (min, max uint32)
	// Close releases any open device handle.
	Close() error
}

// AttributeParser is an optional capability: a driver that exposes
// temperature/lock via a side channel instead of GetCtrl alone.
type AttributeParser interface {
	ParseAttributes() (temperature float64, locked bool, err error)
}

// GNSSPusher is an optional capability: a driver that rolls its own
// disciplining state from GNSS fix status (family S).
type GNSSPusher interface {
	PushGNSSInfo(fixOK bool, lastFixUTC time.Time) error
}

// PhaseErrorReader is an optional capability: a driver that reports
// phase via its own serial telemetry instead of the PHC phasemeter.
type PhaseErrorReader interface {
	GetPhaseError() (int64, error)
}

// StatusReporter is an optional capability: a driver with its own
// disciplining-status state machine (family S).
type StatusReporter interface {
	GetDisciplingStatus() (types.DisciplingStatus, error)
}

// Calibrator is an optional capability: a driver able to sweep a set of
// fine setpoints and report measured phase samples at each. phaseAt
// reads the current phase error (from the phasemeter or the driver's
// own telemetry) during the sweep.
type Calibrator interface {
	Calibrate(plan types.CalibrationPlan, phaseAt func() (int64, error)) (types.CalibrationResults, error)
}

// Config bundles the per-family construction parameters.
type Config struct {
	Family        string
	Device        string
	Baud          int
	DscConfigPath string
	TempTablePath string
}

// New constructs the driver registered under cfg.Family — the config key
// `oscillator` must match exactly one of these names.
func New(cfg Config) (Driver, error) {
	switch cfg.Family {
	case "mRO50", "mro50":
		return mro50.New(cfg.Device)
	case "sa5x", "sa3x":
		return sa5x.New(cfg.Device, cfg.Baud)
	case "sim", "simulator", "dummy":
		return sim.New(), nil
	default:
		return nil, rbderr.New(rbderr.Config, "oscillator.New", "unrecognized oscillator family %q", cfg.Family)
	}
}
