// Package phc wraps the PTP Hardware Clock device: POSIX clock operations
// (clock_gettime/clock_settime/clock_adjtime) plus the EXTTS ioctls used
// by the phasemeter, grounded on internal/protocols/phc.go's ioctl
// constants and internal/clock/clock_linux.go's adjtimex usage.
package phc

import (
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/shiwatime/rbdisciplined/internal/rbderr"
)

const (
	ptpExttsRequest = 0x40103D02
	ptpEnablePPS    = 0x40043D04

	extTSRisingEdge  = 1 << 0
	extTSEnableFlag  = 1 << 1
)

// EdgeEvent is one external-timestamp record delivered by the PHC driver:
// {sec, nsec, index}.
type EdgeEvent struct {
	Timestamp time.Time
	Index     uint32
}

// ptpExttsRequestArg mirrors struct ptp_extts_request.
type ptpExttsRequestArg struct {
	Index uint32
	Flags uint32
	Rsv   [2]uint32
}

// ptpClockTime mirrors struct ptp_clock_time.
type ptpClockTime struct {
	Sec      int64
	Nsec     uint32
	Reserved uint32
}

// ptpExttsEvent mirrors struct ptp_extts_event.
type ptpExttsEvent struct {
	T     ptpClockTime
	Index uint32
	Flags uint32
	Rsv   [2]uint32
}

// Clock is an open handle on a PHC device. Exactly one goroutine may read
// EXTTS events from it; the control loop owns clock-modifying syscalls.
type Clock struct {
	fd      int
	device  string
	clockID int32
}

// Open opens the named PHC device (e.g. "/dev/ptp0").
func Open(device string) (*Clock, error) {
	fd, err := unix.Open(device, unix.O_RDWR, 0)
	if err != nil {
		return nil, rbderr.New(rbderr.DeviceAbsent, "phc.Open", "open %s: %v", device, err)
	}
	return &Clock{
		fd:      fd,
		device:  device,
		clockID: fdToClockID(fd),
	}, nil
}

// fdToClockID implements the kernel's dynamic-clockid convention:
// CLOCKFD = ~fd << 3 | 3.
func fdToClockID(fd int) int32 {
	return int32((^int64(fd) << 3) | 3)
}

// Close releases the device.
func (c *Clock) Close() error {
	if c.fd < 0 {
		return nil
	}
	err := unix.Close(c.fd)
	c.fd = -1
	return err
}

// EnableExtTS arms one external-timestamp channel for rising-edge capture.
func (c *Clock) EnableExtTS(index uint32) error {
	req := ptpExttsRequestArg{Index: index, Flags: extTSRisingEdge | extTSEnableFlag}
	return c.exttsRequest(&req)
}

// DisableExtTS disarms one external-timestamp channel.
func (c *Clock) DisableExtTS(index uint32) error {
	req := ptpExttsRequestArg{Index: index, Flags: 0}
	return c.exttsRequest(&req)
}

func (c *Clock) exttsRequest(req *ptpExttsRequestArg) error {
	_, _, errno := unix.Syscall(unix.SYS_IOCTL, uintptr(c.fd), uintptr(ptpExttsRequest), uintptr(unsafe.Pointer(req)))
	if errno != 0 {
		return rbderr.New(rbderr.DeviceIO, "phc.exttsRequest", "PTP_EXTTS_REQUEST: %v", errno)
	}
	return nil
}

// ReadEvent blocks on the device fd until one EXTTS record arrives.
func (c *Clock) ReadEvent() (EdgeEvent, error) {
	var raw ptpExttsEvent
	buf := (*[unsafe.Sizeof(raw)]byte)(unsafe.Pointer(&raw))[:]

	n, err := unix.Read(c.fd, buf)
	if err != nil {
		return EdgeEvent{}, rbderr.Wrap(rbderr.DeviceIO, "phc.ReadEvent", err)
	}
	if n != len(buf) {
		return EdgeEvent{}, rbderr.New(rbderr.DeviceIO, "phc.ReadEvent", "short read: got %d bytes, want %d", n, len(buf))
	}

	return EdgeEvent{
		Timestamp: time.Unix(raw.T.Sec, int64(raw.T.Nsec)),
		Index:     raw.Index,
	}, nil
}

// Now reads the PHC's current time via clock_gettime on its dynamic clockid.
func (c *Clock) Now() (time.Time, error) {
	var ts unix.Timespec
	if err := unix.ClockGettime(c.clockID, &ts); err != nil {
		return time.Time{}, rbderr.Wrap(rbderr.DeviceIO, "phc.Now", err)
	}
	return time.Unix(ts.Sec, ts.Nsec), nil
}

// SetTime sets the PHC's wall-clock time via clock_settime, used by the
// GNSS adapter's set_ptp_clock_time.
func (c *Clock) SetTime(t time.Time) error {
	ts := unix.NsecToTimespec(t.UnixNano())
	if err := unix.ClockSettime(c.clockID, &ts); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "phc.SetTime", err)
	}
	return nil
}

// PhaseOffset applies a one-shot phase step via clock_adjtime
// (ADJ_SETOFFSET|ADJ_NANO), used by the control loop's PHASE_JUMP
// dispatch and initial alignment.
func (c *Clock) PhaseOffset(offsetNs int64) error {
	var tx unix.Timex
	tx.Modes = unix.ADJ_SETOFFSET | adjNano

	sec, nsec := splitOffset(offsetNs)
	tx.Time.Sec = sec
	tx.Time.Usec = nsec

	if err := clockAdjtime(c.clockID, &tx); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "phc.PhaseOffset", err)
	}
	return nil
}

// AdjustFrequency applies a continuous frequency correction in parts per
// billion, grounded on internal/protocols/phc.go's AdjustFrequency.
func (c *Clock) AdjustFrequency(ppb int64) error {
	var tx unix.Timex
	tx.Modes = unix.ADJ_FREQUENCY
	tx.Freq = ppb * 65536 / 1000

	if err := clockAdjtime(c.clockID, &tx); err != nil {
		return rbderr.Wrap(rbderr.DeviceIO, "phc.AdjustFrequency", err)
	}
	return nil
}

// splitOffset normalizes a signed nanosecond offset into (sec, nsec) with
// nsec always in [0, 1e9), as clock_adjtime with ADJ_NANO expects in the
// timex.time field.
func splitOffset(offsetNs int64) (sec, nsec int64) {
	sec = offsetNs / 1_000_000_000
	nsec = offsetNs % 1_000_000_000
	if nsec < 0 {
		nsec += 1_000_000_000
		sec--
	}
	return sec, nsec
}

// adjNano is ADJ_NANO (kernel timex.h), not exposed by golang.org/x/sys/unix.
const adjNano = 0x2000

// clockAdjtime wraps the clock_adjtime(2) syscall for an arbitrary clockid,
// since unix.Adjtimex is hardwired to CLOCK_REALTIME.
func clockAdjtime(clockID int32, tx *unix.Timex) error {
	_, _, errno := unix.Syscall(unix.SYS_CLOCK_ADJTIME, uintptr(clockID), uintptr(unsafe.Pointer(tx)), 0)
	if errno != 0 {
		return fmt.Errorf("clock_adjtime: %v", errno)
	}
	return nil
}
