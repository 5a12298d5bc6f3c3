package gnss

import (
	"bufio"
	"fmt"
	"io"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// FixHandler reports a new position fix epoch.
type FixHandler func(fix uint8, fixOK bool, satellitesCount int32, lastFixUTC time.Time)

// LeapSecondHandler reports the receiver's leap-second state.
type LeapSecondHandler func(leapSeconds int32, lsChange int8, timeToLsEvent int32, lsValid bool)

// AntennaHandler reports antenna power/status, when the receiver's
// message set carries it.
type AntennaHandler func(power int8, status int8)

// QuantizationErrorHandler reports the receiver's quantization error for
// the current epoch.
type QuantizationErrorHandler func(qErrNs int32)

// Framer is a reusable GNSS message framer with per-class callbacks: it
// reads the wire protocol and invokes whichever handlers are registered.
// Message-layer parsing for any one wire format is treated as a black
// box behind this interface; NMEAFramer is the one concrete
// implementation wired into production.
type Framer interface {
	OnFix(FixHandler)
	OnLeapSecond(LeapSecondHandler)
	OnAntenna(AntennaHandler)
	OnQuantizationError(QuantizationErrorHandler)
	// Run blocks, reading frames from r and invoking callbacks, until r
	// returns an error (including context cancellation closing r).
	Run(r io.Reader) error
}

// NMEAFramer is the one concrete Framer this core ships: GGA for
// fix/satellite count, RMC for UTC date+time (ZDA sentences are matched
// but report nothing to any callback), grounded on
// internal/protocols/nmea.go's regex parsing and checksum validation.
// It never reports leap-second, antenna, or quantization-error updates
// (NMEA carries none of those) — callers relying on those fields must
// supply a richer Framer against the receiver's binary protocol.
type NMEAFramer struct {
	onFix   FixHandler
	onLeap  LeapSecondHandler
	onAnt   AntennaHandler
	onQErr  QuantizationErrorHandler

	ggaRegex *regexp.Regexp
	rmcRegex *regexp.Regexp
	zdaRegex *regexp.Regexp
}

// NewNMEAFramer builds an NMEAFramer ready to register callbacks against.
func NewNMEAFramer() *NMEAFramer {
	return &NMEAFramer{
		ggaRegex: regexp.MustCompile(`^\$..GGA,([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*)$`),
		rmcRegex: regexp.MustCompile(`^\$..RMC,([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*)$`),
		zdaRegex: regexp.MustCompile(`^\$..ZDA,([^,]*),([^,]*),([^,]*),([^,]*),([^,]*),([^,]*)$`),
	}
}

func (f *NMEAFramer) OnFix(h FixHandler)                           { f.onFix = h }
func (f *NMEAFramer) OnLeapSecond(h LeapSecondHandler)             { f.onLeap = h }
func (f *NMEAFramer) OnAntenna(h AntennaHandler)                   { f.onAnt = h }
func (f *NMEAFramer) OnQuantizationError(h QuantizationErrorHandler) { f.onQErr = h }

// Run reads newline-delimited NMEA sentences from r until EOF or error.
func (f *NMEAFramer) Run(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if err := f.parseLine(line); err != nil {
			continue
		}
	}
	return scanner.Err()
}

func (f *NMEAFramer) parseLine(line string) error {
	if !validateChecksum(line) {
		return fmt.Errorf("gnss: invalid NMEA checksum: %s", line)
	}

	switch {
	case strings.Contains(line, "GGA"):
		return f.parseGGA(line)
	case strings.Contains(line, "RMC"):
		return f.parseRMC(line)
	case strings.Contains(line, "ZDA"):
		return f.parseZDA(line)
	}
	return nil
}

func (f *NMEAFramer) parseGGA(line string) error {
	matches := f.ggaRegex.FindStringSubmatch(line)
	if len(matches) < 15 {
		return fmt.Errorf("gnss: malformed GGA sentence")
	}

	fixQuality, _ := strconv.Atoi(matches[6])
	satellites, _ := strconv.Atoi(matches[7])

	if f.onFix != nil {
		f.onFix(uint8(fixQuality), fixQuality > 0, int32(satellites), time.Time{})
	}
	return nil
}

func (f *NMEAFramer) parseRMC(line string) error {
	matches := f.rmcRegex.FindStringSubmatch(line)
	if len(matches) < 12 {
		return fmt.Errorf("gnss: malformed RMC sentence")
	}

	valid := matches[2] == "A"
	t, err := parseDateTime(matches[9], matches[1])
	if err != nil {
		return nil
	}

	if f.onFix != nil {
		fix := uint8(0)
		if valid {
			fix = 3
		}
		f.onFix(fix, valid, -1, t)
	}
	return nil
}

func (f *NMEAFramer) parseZDA(line string) error {
	matches := f.zdaRegex.FindStringSubmatch(line)
	if len(matches) < 7 {
		return fmt.Errorf("gnss: malformed ZDA sentence")
	}
	return nil
}

func validateChecksum(line string) bool {
	idx := strings.IndexByte(line, '*')
	if idx < 0 {
		return false
	}
	message := line[:idx]
	checksum := line[idx+1:]

	calculated := 0
	for _, ch := range message {
		if ch == '$' {
			continue
		}
		calculated ^= int(ch)
	}

	expected, err := strconv.ParseInt(strings.TrimSpace(checksum), 16, 32)
	if err != nil {
		return false
	}
	return calculated == int(expected)
}

func parseTimeOfDay(timeStr string, base time.Time) (time.Time, error) {
	if len(timeStr) < 6 {
		return time.Time{}, fmt.Errorf("gnss: invalid time field %q", timeStr)
	}
	hour, err := strconv.Atoi(timeStr[:2])
	if err != nil {
		return time.Time{}, err
	}
	minute, err := strconv.Atoi(timeStr[2:4])
	if err != nil {
		return time.Time{}, err
	}
	secFloat, err := strconv.ParseFloat(timeStr[4:], 64)
	if err != nil {
		return time.Time{}, err
	}
	sec := int(math.Floor(secFloat))
	return time.Date(base.Year(), base.Month(), base.Day(), hour, minute, sec, 0, time.UTC), nil
}

func parseDateTime(dateStr, timeStr string) (time.Time, error) {
	if len(dateStr) != 6 {
		return time.Time{}, fmt.Errorf("gnss: invalid date field %q", dateStr)
	}
	day, err := strconv.Atoi(dateStr[:2])
	if err != nil {
		return time.Time{}, err
	}
	month, err := strconv.Atoi(dateStr[2:4])
	if err != nil {
		return time.Time{}, err
	}
	year, err := strconv.Atoi(dateStr[4:6])
	if err != nil {
		return time.Time{}, err
	}
	year += 2000

	base := time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
	return parseTimeOfDay(timeStr, base)
}
