// Package board defines the hardware boundary of the rover: the PWM slice registers, rising-edge
// interrupts and plain GPIO outputs of an RP2040-class microcontroller board.
package board

import (
	"context"

	"github.com/pkg/errors"
)

const (
	// MaxGPIO is the highest user GPIO number.
	MaxGPIO = 29
	// NumSlices is the number of PWM slices. Every slice drives two channels.
	NumSlices = 8
	// DefaultClockHz is the system clock feeding the PWM dividers.
	DefaultClockHz = 125_000_000
	// MaxWrap is the largest counter top value a slice accepts.
	MaxWrap = 65535
)

// ErrInvalidPin is returned for GPIO numbers outside [0, MaxGPIO].
var ErrInvalidPin = errors.New("invalid gpio pin")

// Channel selects one of the two outputs of a PWM slice.
type Channel uint8

const (
	// ChannelA is the even pin of a slice.
	ChannelA Channel = iota
	// ChannelB is the odd pin of a slice.
	ChannelB
)

func (ch Channel) String() string {
	if ch == ChannelB {
		return "B"
	}
	return "A"
}

// Other returns the sibling channel on the same slice.
func (ch Channel) Other() Channel {
	return 1 - ch
}

// ValidatePin returns ErrInvalidPin when pin is not a user GPIO.
func ValidatePin(pin int) error {
	if pin < 0 || pin > MaxGPIO {
		return errors.Wrapf(ErrInvalidPin, "pin %d not in [0, %d]", pin, MaxGPIO)
	}
	return nil
}

// SliceNum returns the PWM slice driving pin.
func SliceNum(pin int) int {
	return (pin >> 1) & (NumSlices - 1)
}

// ChannelOf returns the slice channel driving pin.
func ChannelOf(pin int) Channel {
	return Channel(pin & 1)
}

// PWMHardware is the register-level PWM interface. Level writes are double buffered by the
// hardware and take effect at the next counter wrap.
type PWMHardware interface {
	// ClockHz returns the frequency of the clock feeding the dividers.
	ClockHz() uint32
	// RoutePWM hands pin over to its PWM slice.
	RoutePWM(pin int) error
	// ConfigureSlice programs the divider and wrap of a slice.
	ConfigureSlice(slice int, div Divider, wrap uint16) error
	// SetLevel programs the compare level of one slice channel.
	SetLevel(slice int, ch Channel, level uint16) error
	// SetSliceEnabled starts or stops the slice counter.
	SetSliceEnabled(slice int, enabled bool) error
}

// EdgeSource delivers rising-edge interrupts. Handlers run in interrupt context: they must not
// block, allocate or log.
type EdgeSource interface {
	RegisterRisingEdge(pin int, handler func()) (cancel func(), err error)
}

// A GPIOPin represents an individual GPIO pin used as a plain output.
type GPIOPin interface {
	// Set sets the pin to either low or high.
	Set(ctx context.Context, high bool) error

	// Get gets the high/low state of the pin.
	Get(ctx context.Context) (bool, error)
}

// A Board is the complete set of hardware the rover drives.
type Board interface {
	PWMHardware
	EdgeSource

	// GPIOPinByNumber returns a plain output pin.
	GPIOPinByNumber(pin int) (GPIOPin, error)

	Close(ctx context.Context) error
}
