// Package mro50 implements the family-M (rubidium, mRO50) oscillator
// driver: an ioctl character device with fine/coarse DACs, a control
// register, a 12-bit temperature register, and two EEPROM windows.
// Grounded on _examples/original_source/src/oscillators/mRo50_oscillator.c
// (ioctl sequence, temperature formula, calibration sweep) and
// _examples/original_source/include/mRO50_ioctl.h (command numbers),
// with the ioctl plumbing style of internal/timecard/io_linux.go.
package mro50

import (
	"math"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shiwatime/rbdisciplined/internal/eeprom"
	"github.com/shiwatime/rbdisciplined/internal/rbderr"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

// Command numbers computed from include/mRO50_ioctl.h's _IOR/_IOW/_IO
// macros (type 'M' = 0x4D; argument sizes per the header's pointer/value
// types on a 64-bit host).
const (
	cmdReadFine             = 0x80084D01
	cmdReadCoarse           = 0x80084D02
	cmdAdjustFine           = 0x40044D03
	cmdAdjustCoarse         = 0x40044D04
	cmdReadTemp             = 0x80084D05
	cmdReadCtrl             = 0x80084D06
	cmdSaveCoarse           = 0x4D07
	cmdReadExtendedEEPROM   = 0x80084D09
	cmdWriteExtendedEEPROM  = 0x40084D09
)

const lockBit = 0x2

const extendedEEPROMBlobSize = 512

// Driver implements oscillator.Driver, oscillator.AttributeParser and
// oscillator.Calibrator for the mRO50 family.
type Driver struct {
	fd    int
	store *eeprom.Store
}

// New opens the mRO50 character device.
func New(device string) (*Driver, error) {
	fd, err := unix.Open(device, unix.O_RDWR, 0)
	if err != nil {
		return nil, rbderr.New(rbderr.DeviceAbsent, "mro50.New", "open %s: %v", device, err)
	}
	d := &Driver{fd: fd}
	d.store = eeprom.New(&blobBackend{d: d})
	return d, nil
}

func (d *Driver) Close() error {
	if d.fd < 0 {
		return nil
	}
	err := unix.Close(d.fd)
	d.fd = -1
	return err
}

func (d *Driver) ioctlRead(cmd uintptr) (uint32, error) {
	var val uint32
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), cmd, uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return 0, rbderr.New(rbderr.DeviceIO, "mro50.ioctlRead", "ioctl %#x: %v", cmd, errno)
	}
	return val, nil
}

func (d *Driver) ioctlWrite(cmd uintptr, val uint32) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), cmd, uintptr(unsafe.Pointer(&val)))
	if errno != 0 {
		return rbderr.New(rbderr.DeviceIO, "mro50.ioctlWrite", "ioctl %#x: %v", cmd, errno)
	}
	return nil
}

// GetCtrl reads fine, coarse, the control register (lock bit), and
// converts the raw temperature register via the family-M formula.
func (d *Driver) GetCtrl() (types.OscillatorTelemetry, error) {
	coarse, err := d.ioctlRead(cmdReadCoarse)
	if err != nil {
		return types.OscillatorTelemetry{}, err
	}
	fine, err := d.ioctlRead(cmdReadFine)
	if err != nil {
		return types.OscillatorTelemetry{}, err
	}
	ctrlReg, err := d.ioctlRead(cmdReadCtrl)
	if err != nil {
		return types.OscillatorTelemetry{}, err
	}

	temp, err := d.readTemperature()
	if err != nil {
		temp = types.TemperatureUnreadable
	}

	return types.OscillatorTelemetry{
		FineCtrl:    fine,
		CoarseCtrl:  coarse,
		Lock:        ctrlReg&lockBit != 0,
		Temperature: temp,
	}, nil
}

// readTemperature implements the documented conversion formula over the 12-bit register:
// T = 4100·298.15 / (298.15·ln(1e-5·47000·x/(1-x)) + 4100) - 273.14,
// x = reg/4095; x=1 returns the unreadable sentinel.
func (d *Driver) readTemperature() (float64, error) {
	reg, err := d.ioctlRead(cmdReadTemp)
	if err != nil {
		return 0, err
	}

	x := float64(reg) / 4095.0
	if x >= 1.0 {
		return types.TemperatureUnreadable, nil
	}

	ratio := 1e-5 * 47000.0 * x / (1 - x)
	return 4100.0*298.15/(298.15*math.Log(ratio)+4100.0) - 273.14, nil
}

// ParseAttributes satisfies oscillator.AttributeParser: temperature from
// the temperature register, lock from the control register's lock bit
// (the same bit GetCtrl reads).
func (d *Driver) ParseAttributes() (float64, bool, error) {
	temp, err := d.readTemperature()
	if err != nil {
		return types.TemperatureUnreadable, false, err
	}
	ctrlReg, err := d.ioctlRead(cmdReadCtrl)
	if err != nil {
		return temp, false, err
	}
	return temp, ctrlReg&lockBit != 0, nil
}

// ApplyOutput interprets ADJUST_FINE/ADJUST_COARSE/SAVE_COARSE.
func (d *Driver) ApplyOutput(out types.ControlOutput) error {
	switch out.Action {
	case types.ActionAdjustFine:
		if out.Setpoint < types.FamilyMFineMin || out.Setpoint > types.FamilyMFineMax {
			return rbderr.New(rbderr.OutOfRange, "mro50.ApplyOutput", "fine setpoint %d outside [%d,%d]", out.Setpoint, types.FamilyMFineMin, types.FamilyMFineMax)
		}
		return d.ioctlWrite(cmdAdjustFine, out.Setpoint)

	case types.ActionAdjustCoarse:
		if out.Setpoint < types.FamilyMCoarseMin || out.Setpoint > types.FamilyMCoarseMax {
			return rbderr.New(rbderr.OutOfRange, "mro50.ApplyOutput", "coarse setpoint %d outside [%d,%d]", out.Setpoint, types.FamilyMCoarseMin, types.FamilyMCoarseMax)
		}
		return d.ioctlWrite(cmdAdjustCoarse, out.Setpoint)

	case types.ActionSaveCoarse:
		// Fire-and-forget: the device gives no status
		// return for this command.
		_, _, _ = unix.Syscall(unix.SYS_IOCTL, uintptr(d.fd), uintptr(cmdSaveCoarse), 0)
		return nil

	default:
		return rbderr.New(rbderr.AlgorithmError, "mro50.ApplyOutput", "action %s is not a driver concern", out.Action)
	}
}

// DACWindow reports the family-M fine-setpoint range.
func (d *Driver) DACWindow() (uint32, uint32) {
	return types.FamilyMFineMin, types.FamilyMFineMax
}

// GetDisciplininParameters reads the on-device extended EEPROM blob
// through the store's pluggable backend.
func (d *Driver) GetDisciplininParameters() (types.DiscipliningParameters, error) {
	params, err := d.store.Read()
	if err != nil {
		return types.DiscipliningParameters{}, err
	}
	return *params, nil
}

// ApplyDisciplininParameters writes the parameters back through the
// store's pluggable backend.
func (d *Driver) ApplyDisciplininParameters(params *types.DiscipliningParameters) error {
	return d.store.Write(params)
}

// Calibrate sweeps ctrl_points, settling five seconds between setpoints
// and collecting nb_calibration phase samples at each, per the control
// loop's CALIBRATE dispatch.
func (d *Driver) Calibrate(plan types.CalibrationPlan, phaseAt func() (int64, error)) (types.CalibrationResults, error) {
	const settlingTime = 5 * time.Second

	results := types.CalibrationResults{
		Measures: make([][]int64, len(plan.CtrlPoints)),
	}

	for i, point := range plan.CtrlPoints {
		if err := d.ioctlWrite(cmdAdjustFine, point); err != nil {
			return types.CalibrationResults{}, err
		}
		time.Sleep(settlingTime)

		row := make([]int64, plan.NbCalibration)
		for j := 0; j < plan.NbCalibration; j++ {
			v, err := phaseAt()
			if err != nil {
				return types.CalibrationResults{}, err
			}
			row[j] = v
			time.Sleep(time.Second)
		}
		results.Measures[i] = row
	}

	return results, nil
}

// blobBackend adapts the mRO50's extended-EEPROM ioctl pair to
// eeprom.Backend: both regions live inside one 512-byte blob, at
// DSC_CONFIG offset 0 and TEMP_TABLE offset 144, per this family's
// driver-owned ioctl pair.
type blobBackend struct {
	d *Driver
}

func (b *blobBackend) readBlob() ([]byte, error) {
	blob := make([]byte, extendedEEPROMBlobSize)
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.d.fd), uintptr(cmdReadExtendedEEPROM), uintptr(unsafe.Pointer(&blob[0])))
	if errno != 0 {
		return nil, rbderr.New(rbderr.DeviceIO, "mro50.blobBackend.readBlob", "READ_EXTENDED_EEPROM_BLOB: %v", errno)
	}
	return blob, nil
}

func (b *blobBackend) writeBlob(blob []byte) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(b.d.fd), uintptr(cmdWriteExtendedEEPROM), uintptr(unsafe.Pointer(&blob[0])))
	if errno != 0 {
		return rbderr.New(rbderr.DeviceIO, "mro50.blobBackend.writeBlob", "WRITE_EXTENDED_EEPROM_BLOB: %v", errno)
	}
	return nil
}

func (b *blobBackend) ReadDscConfig() ([]byte, error) {
	blob, err := b.readBlob()
	if err != nil {
		return nil, err
	}
	return blob[:types.DsciplingConfigFileSize], nil
}

func (b *blobBackend) ReadTempTable() ([]byte, error) {
	blob, err := b.readBlob()
	if err != nil {
		return nil, err
	}
	start := types.DsciplingConfigFileSize
	return blob[start : start+types.TemperatureTableFileSize], nil
}

func (b *blobBackend) WriteDscConfig(data []byte) error {
	blob, err := b.readBlob()
	if err != nil {
		return err
	}
	copy(blob[:types.DsciplingConfigFileSize], data)
	return b.writeBlob(blob)
}

func (b *blobBackend) WriteTempTable(data []byte) error {
	blob, err := b.readBlob()
	if err != nil {
		return err
	}
	start := types.DsciplingConfigFileSize
	copy(blob[start:start+types.TemperatureTableFileSize], data)
	return b.writeBlob(blob)
}

// Driver satisfies oscillator.Driver, oscillator.AttributeParser and
// oscillator.Calibrator by signature; asserting that here would create
// an import cycle back into the oscillator package, which constructs
// this type.
