package board

import (
	"fmt"

	"github.com/pkg/errors"
)

const (
	// MinDividerSixteenths is a divider of 1.0.
	MinDividerSixteenths = 16
	// MaxDividerSixteenths is a divider of 255 15/16.
	MaxDividerSixteenths = 255<<4 | 15
)

// Divider is the 8.4 fixed point clock divider of a PWM slice.
type Divider struct {
	Int  uint8
	Frac uint8
}

// DividerFromSixteenths builds a divider from its value in sixteenths.
func DividerFromSixteenths(sixteenths uint32) (Divider, error) {
	if sixteenths < MinDividerSixteenths || sixteenths > MaxDividerSixteenths {
		return Divider{}, errors.Errorf(
			"divider %d/16 not in [%d/16, %d/16]", sixteenths, MinDividerSixteenths, MaxDividerSixteenths)
	}
	return Divider{Int: uint8(sixteenths >> 4), Frac: uint8(sixteenths & 0xf)}, nil
}

// Sixteenths returns the divider in 1/16 steps.
func (d Divider) Sixteenths() uint32 {
	return uint32(d.Int)<<4 | uint32(d.Frac&0xf)
}

// Float returns the divider as a real number.
func (d Divider) Float() float64 {
	return float64(d.Sixteenths()) / 16
}

func (d Divider) String() string {
	return fmt.Sprintf("%d+%d/16", d.Int, d.Frac)
}
