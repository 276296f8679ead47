// Package pwm maps pulse widths and duty cycles onto the divider, wrap and compare registers of
// PWM slices. Two channels of a slice share one timing.
package pwm

import (
	"math/bits"
	"time"

	"github.com/pkg/errors"

	"go.viam.com/rover/components/board"
)

var (
	// ErrPeriodOutOfRange is returned for periods the 8.4 divider and 16 bit wrap cannot express.
	ErrPeriodOutOfRange = errors.New("pwm period out of range")
	// ErrInvalidBounds is returned when max <= min or min < 0.
	ErrInvalidBounds = errors.New("invalid pwm bounds")
	// ErrNotConfigured is returned when writing a compare value before a period was configured.
	ErrNotConfigured = errors.New("pwm channel not configured")
	// ErrChannelInUse is returned when a slice channel was already claimed.
	ErrChannelInUse = errors.New("pwm channel already in use")
	// ErrChannelClosed is returned for any operation on a closed channel.
	ErrChannelClosed = errors.New("pwm channel closed")
)

// Timing is the register setup realizing a period.
type Timing struct {
	Period  time.Duration
	Divider board.Divider
	Wrap    uint16
}

// ComputeTiming picks the finest divider, in 1/16 steps, that keeps the wrap of period within 16
// bits, and the wrap `clock / divider * period` rounded down.
func ComputeTiming(clockHz uint32, period time.Duration) (Timing, error) {
	if clockHz == 0 {
		return Timing{}, errors.New("pwm clock is zero")
	}
	if period <= 0 {
		return Timing{}, errors.Wrapf(ErrPeriodOutOfRange, "period %v not positive", period)
	}

	// Counter cycles per period in sixteenths of the undivided clock.
	hi, low := bits.Mul64(uint64(clockHz)*16, uint64(period))
	if hi >= uint64(time.Second) {
		return Timing{}, errors.Wrapf(ErrPeriodOutOfRange, "period %v too long", period)
	}
	cycles16, _ := bits.Div64(hi, low, uint64(time.Second))

	div16 := (cycles16 + board.MaxWrap - 1) / board.MaxWrap
	if div16 < board.MinDividerSixteenths {
		div16 = board.MinDividerSixteenths
	}
	if div16 > board.MaxDividerSixteenths {
		return Timing{}, errors.Wrapf(ErrPeriodOutOfRange, "period %v needs divider %d/16", period, div16)
	}
	wrap := cycles16 / div16
	if wrap < 2 {
		return Timing{}, errors.Wrapf(ErrPeriodOutOfRange, "period %v gives wrap %d", period, wrap)
	}
	div, err := board.DividerFromSixteenths(uint32(div16))
	if err != nil {
		return Timing{}, err
	}
	return Timing{Period: period, Divider: div, Wrap: uint16(wrap)}, nil
}

// Level converts an on-time into a compare level, clamped to the wrap.
func (t Timing) Level(onTime time.Duration) uint16 {
	if onTime <= 0 || t.Period <= 0 {
		return 0
	}
	level := uint64(onTime) * uint64(t.Wrap) / uint64(t.Period)
	if level > uint64(t.Wrap) {
		return t.Wrap
	}
	return uint16(level)
}

// Frequency returns the nominal frequency of the timing in hertz.
func (t Timing) Frequency() float64 {
	if t.Period <= 0 {
		return 0
	}
	return float64(time.Second) / float64(t.Period)
}

// PeriodFromFrequency converts a frequency in hertz into a period.
func PeriodFromFrequency(hz float64) (time.Duration, error) {
	if hz <= 0 {
		return 0, errors.Wrapf(ErrPeriodOutOfRange, "frequency %v not positive", hz)
	}
	return time.Duration(float64(time.Second) / hz), nil
}
