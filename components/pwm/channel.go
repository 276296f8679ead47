package pwm

import (
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
)

// Channel is one PWM output. Compare values are on-times in [min, max]; without explicit bounds
// they span the whole period.
type Channel struct {
	ctrl   *Controller
	name   string
	pin    int
	slice  int
	ch     board.Channel
	logger logging.Logger

	configured bool
	boundsSet  bool
	min, max   time.Duration
	value      time.Duration
	enabled    bool
	closed     bool
}

// Name returns the name the channel was claimed with.
func (c *Channel) Name() string {
	return c.name
}

// Pin returns the GPIO the channel drives.
func (c *Channel) Pin() int {
	return c.pin
}

// Slice returns the slice and slice channel driving the pin.
func (c *Channel) Slice() (int, board.Channel) {
	return c.slice, c.ch
}

func (c *Channel) check() error {
	if c.closed {
		return errors.Wrapf(ErrChannelClosed, "%q", c.name)
	}
	return nil
}

// expects to already have lock acquired.
func (c *Channel) bounds() (time.Duration, time.Duration) {
	if c.boundsSet {
		return c.min, c.max
	}
	return 0, c.ctrl.slices[c.slice].timing.Period
}

// expects to already have lock acquired.
func (c *Channel) clampValue() {
	lower, upper := c.bounds()
	c.value = lo.Clamp(c.value, lower, upper)
}

// Configure sets up the slice timing for period. The sibling channel keeps its on-time against the
// new timing.
func (c *Channel) Configure(period time.Duration) error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	return c.ctrl.configure(c.slice, period, c)
}

// SetPeriod re-initializes the timing. An enabled channel is disabled during the change and
// re-enabled afterwards.
func (c *Channel) SetPeriod(period time.Duration) error {
	return c.Configure(period)
}

// SetFrequency is SetPeriod for a frequency in hertz.
func (c *Channel) SetFrequency(hz float64) error {
	period, err := PeriodFromFrequency(hz)
	if err != nil {
		return err
	}
	return c.SetPeriod(period)
}

// Period returns the period of the slice timing, or 0 when unconfigured.
func (c *Channel) Period() time.Duration {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if !c.configured {
		return 0
	}
	return c.ctrl.slices[c.slice].timing.Period
}

// Timing returns the slice timing.
func (c *Channel) Timing() Timing {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.ctrl.slices[c.slice].timing
}

// SetBounds limits future compare values to [minOnTime, maxOnTime].
func (c *Channel) SetBounds(minOnTime, maxOnTime time.Duration) error {
	if minOnTime < 0 || maxOnTime <= minOnTime {
		return errors.Wrapf(ErrInvalidBounds, "min %v max %v", minOnTime, maxOnTime)
	}
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	c.min, c.max, c.boundsSet = minOnTime, maxOnTime, true
	c.clampValue()
	if !c.configured {
		return nil
	}
	return c.ctrl.writeLevel(c)
}

// Bounds returns the effective compare bounds.
func (c *Channel) Bounds() (time.Duration, time.Duration) {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.bounds()
}

// SetCompare clamps onTime to the bounds and writes it. The hardware applies it at the next counter
// wrap.
func (c *Channel) SetCompare(onTime time.Duration) error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.setCompare(onTime)
}

// expects to already have lock acquired.
func (c *Channel) setCompare(onTime time.Duration) error {
	if err := c.check(); err != nil {
		return err
	}
	if !c.configured {
		return errors.Wrapf(ErrNotConfigured, "%q", c.name)
	}
	c.value = onTime
	c.clampValue()
	c.logger.Debugw("pwm compare", "value", c.value, "level", c.ctrl.slices[c.slice].timing.Level(c.value))
	return c.ctrl.writeLevel(c)
}

// SetDutyPercent sets the compare value to min + pct*(max-min)/100, pct clamped to [0, 100].
func (c *Channel) SetDutyPercent(pct float64) error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	lower, upper := c.bounds()
	pct = lo.Clamp(pct, 0, 100)
	return c.setCompare(lower + time.Duration(pct*float64(upper-lower)/100))
}

// Value returns the current compare value.
func (c *Channel) Value() time.Duration {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.value
}

// DutyPercent returns the compare value as a percentage of the bounds.
func (c *Channel) DutyPercent() float64 {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	lower, upper := c.bounds()
	if upper <= lower {
		return 0
	}
	return float64(c.value-lower) * 100 / float64(upper-lower)
}

// Level returns the level the channel writes when enabled.
func (c *Channel) Level() uint16 {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.ctrl.slices[c.slice].timing.Level(c.value)
}

// Enable starts the output without retiming.
func (c *Channel) Enable() error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	if !c.configured {
		return errors.Wrapf(ErrNotConfigured, "%q", c.name)
	}
	c.enabled = true
	if err := c.ctrl.writeLevel(c); err != nil {
		return err
	}
	return c.ctrl.syncEnabled(c.slice)
}

// Disable parks the output at level 0. The slice stops once both channels are disabled.
func (c *Channel) Disable() error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if err := c.check(); err != nil {
		return err
	}
	return c.disable()
}

// expects to already have lock acquired.
func (c *Channel) disable() error {
	c.enabled = false
	if !c.configured {
		return nil
	}
	// Stop the slice first when this was its last running channel so the park takes effect now.
	if err := c.ctrl.syncEnabled(c.slice); err != nil {
		return err
	}
	return c.ctrl.writeLevel(c)
}

// Enabled returns whether the output is running.
func (c *Channel) Enabled() bool {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	return c.enabled
}

// Close disables the output and releases the pin.
func (c *Channel) Close() error {
	c.ctrl.mu.Lock()
	defer c.ctrl.mu.Unlock()
	if c.closed {
		return nil
	}
	err := c.disable()
	c.closed = true
	s := &c.ctrl.slices[c.slice]
	if s.channels[c.ch] == c {
		s.channels[c.ch] = nil
	}
	return err
}
