package pwm

import (
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
)

type sliceState struct {
	timing     Timing
	configured bool
	enabled    bool
	channels   [2]*Channel
}

// Controller owns the PWM slices of a board and hands out channels. All channel state is guarded
// by the controller lock because siblings on one slice are reprogrammed together.
type Controller struct {
	mu     sync.Mutex
	hw     board.PWMHardware
	slices [board.NumSlices]sliceState
	logger logging.Logger
}

// NewController returns a controller over hw.
func NewController(hw board.PWMHardware, logger logging.Logger) *Controller {
	return &Controller{hw: hw, logger: logger}
}

// Channel claims pin and returns its channel. The pin is routed to its slice; the slice is left
// unconfigured and disabled.
func (c *Controller) Channel(pin int, name string) (*Channel, error) {
	if err := board.ValidatePin(pin); err != nil {
		return nil, err
	}
	sliceNum, ch := board.SliceNum(pin), board.ChannelOf(pin)

	c.mu.Lock()
	defer c.mu.Unlock()
	s := &c.slices[sliceNum]
	if owner := s.channels[ch]; owner != nil {
		return nil, errors.Wrapf(ErrChannelInUse, "pin %d shares slice %d channel %s with %q (pin %d)",
			pin, sliceNum, ch, owner.name, owner.pin)
	}
	if err := c.hw.RoutePWM(pin); err != nil {
		return nil, errors.Wrapf(err, "routing pin %d to pwm", pin)
	}
	channel := &Channel{
		ctrl:   c,
		name:   name,
		pin:    pin,
		slice:  sliceNum,
		ch:     ch,
		logger: c.logger.Sublogger(name),
	}
	s.channels[ch] = channel
	return channel, nil
}

// Close disables every slice.
func (c *Controller) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var errs error
	for i := range c.slices {
		s := &c.slices[i]
		for _, channel := range s.channels {
			if channel != nil {
				channel.enabled = false
			}
		}
		if s.enabled || s.configured {
			errs = multierr.Combine(errs,
				c.hw.SetSliceEnabled(i, false),
				c.hw.SetLevel(i, board.ChannelA, 0),
				c.hw.SetLevel(i, board.ChannelB, 0))
		}
		s.enabled = false
	}
	return errs
}

// configure re-programs a slice for period. A running slice is stopped first and restarted only
// after every level was rewritten against the new wrap.
// expects to already have lock acquired.
func (c *Controller) configure(sliceNum int, period time.Duration, requester *Channel) error {
	timing, err := ComputeTiming(c.hw.ClockHz(), period)
	if err != nil {
		return err
	}
	s := &c.slices[sliceNum]
	if s.configured && s.timing.Period != period {
		if sibling := s.channels[requester.ch.Other()]; sibling != nil && sibling.configured {
			c.logger.Warnw("pwm sibling channel period overridden",
				"slice", sliceNum, "channel", requester.name, "sibling", sibling.name,
				"old_period", s.timing.Period, "new_period", period)
		}
	}

	wasEnabled := s.enabled
	if s.enabled {
		if err := c.hw.SetSliceEnabled(sliceNum, false); err != nil {
			return err
		}
		s.enabled = false
	}
	if err := c.hw.ConfigureSlice(sliceNum, timing.Divider, timing.Wrap); err != nil {
		if wasEnabled {
			return multierr.Combine(err, c.restart(sliceNum))
		}
		return err
	}
	s.timing = timing
	s.configured = true
	requester.configured = true

	c.logger.Debugw("pwm slice configured",
		"slice", sliceNum, "channel", requester.name, "period", period,
		"divider", timing.Divider.String(), "wrap", timing.Wrap)

	var errs error
	for _, channel := range s.channels {
		if channel == nil || !channel.configured {
			continue
		}
		channel.clampValue()
		errs = multierr.Combine(errs, c.writeLevel(channel))
	}
	if errs != nil {
		return errs
	}
	return c.syncEnabled(sliceNum)
}

// restart resumes a slice stopped for a failed reconfiguration on its previous timing. When the
// slice cannot run, its channels are marked disabled to match the hardware.
// expects to already have lock acquired.
func (c *Controller) restart(sliceNum int) error {
	s := &c.slices[sliceNum]
	if err := c.hw.SetSliceEnabled(sliceNum, true); err != nil {
		for _, channel := range s.channels {
			if channel != nil {
				channel.enabled = false
				err = multierr.Combine(err, c.hw.SetLevel(sliceNum, channel.ch, 0))
			}
		}
		return err
	}
	s.enabled = true
	return nil
}

// writeLevel writes the hardware level of channel: its on-time when enabled, 0 otherwise.
// expects to already have lock acquired.
func (c *Controller) writeLevel(channel *Channel) error {
	s := &c.slices[channel.slice]
	level := uint16(0)
	if channel.enabled {
		level = s.timing.Level(channel.value)
	}
	return c.hw.SetLevel(channel.slice, channel.ch, level)
}

// syncEnabled runs the slice while any of its channels is enabled.
// expects to already have lock acquired.
func (c *Controller) syncEnabled(sliceNum int) error {
	s := &c.slices[sliceNum]
	want := false
	for _, channel := range s.channels {
		if channel != nil && channel.enabled {
			want = true
		}
	}
	if want == s.enabled {
		return nil
	}
	if err := c.hw.SetSliceEnabled(sliceNum, want); err != nil {
		return err
	}
	s.enabled = want
	return nil
}
