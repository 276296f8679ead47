// Package motor implements a duty cycle addressed drive motor on a PWM channel with an optional
// direction pin.
package motor

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.viam.com/utils"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/pwm"
	"go.viam.com/rover/logging"
)

const (
	// DefaultFrequencyHz is the nominal PWM frequency of the motor shield.
	DefaultFrequencyHz = 16000
	// DefaultMaxDutyPct caps the on-time when no explicit max is configured.
	DefaultMaxDutyPct = 98
)

// Config describes a drive motor.
type Config struct {
	Pin           int     `json:"pin"`
	DirectionPin  *int    `json:"direction_pin,omitempty"`
	DirectionFlip bool    `json:"dir_flip,omitempty"`
	FrequencyHz   float64 `json:"frequency_hz,omitempty"`
	PeriodNs      int64   `json:"period_ns,omitempty"`
	MinOnTimeNs   int64   `json:"min_on_time_ns,omitempty"`
	MaxOnTimeNs   int64   `json:"max_on_time_ns,omitempty"`
	MaxRPM        float64 `json:"max_rpm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if err := board.ValidatePin(conf.Pin); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if conf.DirectionPin != nil {
		if err := board.ValidatePin(*conf.DirectionPin); err != nil {
			return utils.NewConfigValidationError(path, errors.Wrap(err, "direction_pin"))
		}
		if *conf.DirectionPin == conf.Pin {
			return utils.NewConfigValidationError(path, NewDirectionPinConflictError(conf.Pin))
		}
	}
	if conf.FrequencyHz < 0 || conf.PeriodNs < 0 || conf.MaxRPM < 0 {
		return utils.NewConfigValidationError(path, errors.New("frequency_hz, period_ns and max_rpm cannot be negative"))
	}
	period, err := conf.Period()
	if err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if _, err := pwm.ComputeTiming(board.DefaultClockHz, period); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	lower, upper := conf.OnTimeBounds(period)
	if lower < 0 || upper <= lower {
		return utils.NewConfigValidationError(path, errors.Wrapf(pwm.ErrInvalidBounds, "min %v max %v", lower, upper))
	}
	if upper > period {
		return utils.NewConfigValidationError(path, errors.Errorf("max_on_time_ns %v exceeds period %v", upper, period))
	}
	return nil
}

// Period returns the configured period, falling back to the frequency and then to the default
// frequency.
func (conf *Config) Period() (time.Duration, error) {
	if conf.PeriodNs > 0 {
		return time.Duration(conf.PeriodNs), nil
	}
	hz := conf.FrequencyHz
	if hz == 0 {
		hz = DefaultFrequencyHz
	}
	return pwm.PeriodFromFrequency(hz)
}

// OnTimeBounds returns the configured bounds, the max defaulting to DefaultMaxDutyPct of period.
func (conf *Config) OnTimeBounds(period time.Duration) (time.Duration, time.Duration) {
	upper := time.Duration(conf.MaxOnTimeNs)
	if upper == 0 {
		upper = period * DefaultMaxDutyPct / 100
	}
	return time.Duration(conf.MinOnTimeNs), upper
}

// A Motor drives one wheel.
type Motor struct {
	name    string
	conf    Config
	channel *pwm.Channel
	dirPin  board.GPIOPin
	logger  logging.Logger

	mu        sync.Mutex
	power     float64
	heading   int32
	direction atomic.Int32
}

// NewMotor claims the PWM channel and direction pin of a motor. Setup must be called before the
// motor is driven.
func NewMotor(ctrl *pwm.Controller, b board.Board, name string, conf *Config, logger logging.Logger) (*Motor, error) {
	if err := conf.Validate(name); err != nil {
		return nil, err
	}
	channel, err := ctrl.Channel(conf.Pin, name)
	if err != nil {
		return nil, err
	}
	m := &Motor{
		name:    name,
		conf:    *conf,
		channel: channel,
		logger:  logger,
	}
	if conf.DirectionPin != nil {
		m.dirPin, err = b.GPIOPinByNumber(*conf.DirectionPin)
		if err != nil {
			return nil, multierr.Combine(err, channel.Close())
		}
	}
	return m, nil
}

// Name returns the motor name.
func (m *Motor) Name() string {
	return m.name
}

// MaxRPM returns the configured top speed, 0 when unknown.
func (m *Motor) MaxRPM() float64 {
	return m.conf.MaxRPM
}

// Setup configures the period and bounds, parks the compare at the lower bound and enables the
// output.
func (m *Motor) Setup(ctx context.Context) error {
	period, err := m.conf.Period()
	if err != nil {
		return err
	}
	lower, upper := m.conf.OnTimeBounds(period)

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.channel.Configure(period); err != nil {
		return errors.Wrapf(err, "motor %q", m.name)
	}
	if err := m.channel.SetBounds(lower, upper); err != nil {
		return errors.Wrapf(err, "motor %q", m.name)
	}
	if err := m.channel.SetCompare(lower); err != nil {
		return err
	}
	if err := m.setDirection(ctx, 1); err != nil {
		return err
	}
	m.heading = 1
	m.power = 0
	m.direction.Store(0)
	m.logger.Debugw("motor set up", "motor", m.name, "pin", m.conf.Pin, "period", period, "min", lower, "max", upper)
	return m.channel.Enable()
}

// SetDutyCycle sets the duty as a percentage of the on-time bounds without changing direction.
func (m *Motor) SetDutyCycle(ctx context.Context, pct float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pct = lo.Clamp(pct, 0, 100)
	if err := m.channel.SetDutyPercent(pct); err != nil {
		return errors.Wrapf(err, "motor %q", m.name)
	}
	dir := m.heading
	if pct == 0 {
		dir = 0
	}
	m.direction.Store(dir)
	m.power = float64(dir) * pct / 100
	return nil
}

// SetPower sets the signed power in [-1, 1]. Without a direction pin a motor cannot reverse and
// negative powers stop it.
func (m *Motor) SetPower(ctx context.Context, power float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	power = lo.Clamp(power, -1, 1)
	if power < 0 && m.dirPin == nil {
		power = 0
	}
	dir := int32(0)
	switch {
	case power > 0:
		dir = 1
	case power < 0:
		dir = -1
	}
	if dir != 0 && dir != m.heading {
		if err := m.setDirection(ctx, dir); err != nil {
			return err
		}
		m.heading = dir
	}
	if err := m.channel.SetDutyPercent(math.Abs(power) * 100); err != nil {
		return errors.Wrapf(err, "motor %q", m.name)
	}
	m.power = power
	m.direction.Store(dir)
	return nil
}

// expects to already have lock acquired.
func (m *Motor) setDirection(ctx context.Context, dir int32) error {
	if m.dirPin == nil {
		return nil
	}
	high := dir > 0
	if m.conf.DirectionFlip {
		high = !high
	}
	return m.dirPin.Set(ctx, high)
}

// Direction returns 1 when driving forward, -1 in reverse and 0 when stopped.
func (m *Motor) Direction() int {
	return int(m.direction.Load())
}

// Power returns the last signed power.
func (m *Motor) Power() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.power
}

// DutyCycle returns the duty as a percentage of the on-time bounds.
func (m *Motor) DutyCycle() float64 {
	return m.channel.DutyPercent()
}

// IsPowered returns whether the motor is driven.
func (m *Motor) IsPowered() bool {
	return m.Direction() != 0
}

// Stop drops the duty to the lower bound.
func (m *Motor) Stop(ctx context.Context) error {
	return m.SetPower(ctx, 0)
}

// Close stops the motor and releases its channel.
func (m *Motor) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.power = 0
	m.direction.Store(0)
	return m.channel.Close()
}
