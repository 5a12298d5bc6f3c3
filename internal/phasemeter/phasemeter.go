// Package phasemeter implements the EXTTS phasemeter (C3): a background
// producer that pairs external-timestamp events from the PHC into a
// signed phase-error sample, grounded line-for-line on
// original_source/src/phasemeter.c's read loop, restructured per
// reworked into a goroutine feeding a channel instead of a
// pthread signalling a condition variable.
package phasemeter

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/shiwatime/rbdisciplined/internal/phc"
	"github.com/shiwatime/rbdisciplined/internal/types"
)

const (
	extTSIndexGNSSPPS     = 0
	extTSIndexInternalPPS = 5

	errorEscalationThreshold = 10
)

// extTSSource is the subset of *phc.Clock the phasemeter depends on;
// narrowed for test doubles.
type extTSSource interface {
	EnableExtTS(index uint32) error
	DisableExtTS(index uint32) error
	ReadEvent() (phc.EdgeEvent, error)
}

// Phasemeter runs the two-channel pairing loop and publishes PhaseSample
// values on Samples(). Single producer; consumers read from the channel,
// never seeing the same sample twice.
type Phasemeter struct {
	clock  extTSSource
	logger *logrus.Logger
	out    chan types.PhaseSample
}

// New builds a Phasemeter over an open PHC clock. Call Run in its own
// goroutine to start producing samples.
func New(clock extTSSource, logger *logrus.Logger) *Phasemeter {
	return &Phasemeter{
		clock:  clock,
		logger: logger,
		out:    make(chan types.PhaseSample, 1),
	}
}

// Samples is the channel of freshly produced PhaseSample values.
func (p *Phasemeter) Samples() <-chan types.PhaseSample {
	return p.out
}

type externalTimestamp struct {
	nanos int64
	index uint32
}

// Run enables both EXTTS channels and pairs events until ctx is
// cancelled or the consecutive-read-error threshold is reached.
func (p *Phasemeter) Run(ctx context.Context) {
	defer close(p.out)

	if err := p.clock.EnableExtTS(extTSIndexInternalPPS); err != nil {
		p.logger.WithError(err).Error("phasemeter: could not enable internal PPS external events")
		return
	}
	if err := p.clock.EnableExtTS(extTSIndexGNSSPPS); err != nil {
		p.logger.WithError(err).Error("phasemeter: could not enable GNSS PPS external events")
		return
	}
	defer func() {
		_ = p.clock.DisableExtTS(extTSIndexInternalPPS)
		_ = p.clock.DisableExtTS(extTSIndexGNSSPPS)
	}()

	consecutiveErrors := 0
	ts1, ok := p.readNext(ctx, &consecutiveErrors)
	if !ok {
		return
	}

	for {
		if ctx.Err() != nil {
			return
		}

		ts2, ok := p.readNext(ctx, &consecutiveErrors)
		if !ok {
			return
		}

		switch {
		case ts1.index == extTSIndexInternalPPS && ts2.index == extTSIndexInternalPPS:
			p.emit(types.PhasemeterNoGNSS, 0)
			ts1 = ts2

		case ts1.index == extTSIndexGNSSPPS && ts2.index == extTSIndexGNSSPPS:
			p.emit(types.PhasemeterNoInternal, 0)
			ts1 = ts2

		default:
			diff := ts2.nanos - ts1.nanos
			if ts1.index == extTSIndexGNSSPPS {
				diff = -diff
			}

			if diff > types.PhaseMismatchThreshold || diff < -types.PhaseMismatchThreshold {
				ts1 = ts2
				continue
			}

			p.emit(types.PhasemeterBoth, int32(diff))

			next, ok := p.readNext(ctx, &consecutiveErrors)
			if !ok {
				return
			}
			ts1 = next
		}
	}
}

func (p *Phasemeter) readNext(ctx context.Context, consecutiveErrors *int) (externalTimestamp, bool) {
	for {
		if ctx.Err() != nil {
			return externalTimestamp{}, false
		}

		event, err := p.clock.ReadEvent()
		if err != nil {
			*consecutiveErrors++
			p.logger.WithError(err).Warn("phasemeter: could not read ptp clock external timestamp")
			if *consecutiveErrors >= errorEscalationThreshold {
				p.emit(types.PhasemeterError, 0)
				return externalTimestamp{}, false
			}
			continue
		}
		*consecutiveErrors = 0

		if event.Index != extTSIndexGNSSPPS && event.Index != extTSIndexInternalPPS {
			continue
		}

		return externalTimestamp{
			nanos: event.Timestamp.UnixNano(),
			index: event.Index,
		}, true
	}
}

func (p *Phasemeter) emit(status types.PhasemeterStatus, phaseErrorNs int32) {
	sample := types.PhaseSample{
		Status:       status,
		PhaseErrorNs: phaseErrorNs,
		Timestamp:    time.Now(),
	}
	select {
	case p.out <- sample:
	default:
		// Drop the stale sample in favor of the fresh one: consumers only
		// ever want the most recent pairing, never a backlog.
		select {
		case <-p.out:
		default:
		}
		p.out <- sample
	}
}
