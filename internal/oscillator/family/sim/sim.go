// Package sim implements an in-memory oscillator double for tests,
// grounded on internal/protocols/mock.go's mock handler pattern. It
// holds no on-device state and serves both the `sim` and `dummy`
// config names, mirroring original_source/src/oscillators/sim_oscillator.c
// and dummy_oscillator.c's role as plausible-value test doubles.
package sim

import (
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Driver is a deterministic, in-memory stand-in for a real oscillator.
type Driver struct {
	fine, coarse uint32
	locked       bool
	temperature  float64
	params       types.DiscipliningParameters
}

// New builds a Driver initialized mid-window so both ADJUST_FINE and
// ADJUST_COARSE have room to move in either direction.
func New() *Driver {
	return &Driver{
		fine:        types.FamilyMFineMax / 2,
		coarse:      types.FamilyMCoarseMax / 2,
		locked:      true,
		temperature: 35.0,
	}
}

func (d *Driver) Close() error { return nil }

func (d *Driver) GetCtrl() (types.OscillatorTelemetry, error) {
	return types.OscillatorTelemetry{
		FineCtrl:    d.fine,
		CoarseCtrl:  d.coarse,
		Lock:        d.locked,
		Temperature: d.temperature,
	}, nil
}

func (d *Driver) ApplyOutput(out types.ControlOutput) error {
	switch out.Action {
	case types.ActionAdjustFine:
		if out.Setpoint < types.FamilyMFineMin || out.Setpoint > types.FamilyMFineMax {
			return rbderr.New(rbderr.OutOfRange, "sim.ApplyOutput", "fine setpoint %d outside [%d,%d]", out.Setpoint, types.FamilyMFineMin, types.FamilyMFineMax)
		}
		d.fine = out.Setpoint
		return nil
	case types.ActionAdjustCoarse:
		if out.Setpoint < types.FamilyMCoarseMin || out.Setpoint > types.FamilyMCoarseMax {
			return rbderr.New(rbderr.OutOfRange, "sim.ApplyOutput", "coarse setpoint %d outside [%d,%d]", out.Setpoint, types.FamilyMCoarseMin, types.FamilyMCoarseMax)
		}
		d.coarse = out.Setpoint
		return nil
	case types.ActionSaveCoarse:
		return nil
	default:
		return rbderr.New(rbderr.AlgorithmError, "sim.ApplyOutput", "action %s is not a driver concern", out.Action)
	}
}

func (d *Driver) DACWindow() (uint32, uint32) {
	return types.FamilyMFineMin, types.FamilyMFineMax
}

func (d *Driver) GetDisciplininParameters() (types.DiscipliningParameters, error) {
	return d.params, nil
}

func (d *Driver) ApplyDisciplininParameters(params *types.DiscipliningParameters) error {
	d.params = *params
	return nil
}

func (d *Driver) ParseAttributes() (float64, bool, error) {
	return d.temperature, d.locked, nil
}

// Driver satisfies oscillator.Driver and oscillator.AttributeParser by
// signature; see the note in family/mro50 on why no assertion is
// written here.
