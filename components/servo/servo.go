// Package servo implements a steering servo addressed by angle or pulse width over a PWM channel.
package servo

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.viam.com/utils"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/pwm"
	"go.viam.com/rover/logging"
)

const (
	defaultMinDeg   float64 = -90.0
	defaultMaxDeg   float64 = 90.0
	defaultMinUs    uint    = 600
	defaultMaxUs    uint    = 2400
	defaultPeriodUs uint    = 20000
	minWidthUs      uint    = 500  // absolute minimum pwm width
	maxWidthUs      uint    = 2500 // absolute maximum pwm width
)

// ErrInvalidDegreeRange is returned when the maximum angle is not above the minimum angle.
var ErrInvalidDegreeRange = errors.New("invalid servo degree range")

// Config describes a steering servo.
type Config struct {
	Pin int `json:"pin"`
	// MinDeg minimum angle the servo can reach
	MinDeg *float64 `json:"min_angle_deg,omitempty"`
	// MaxDeg maximum angle the servo can reach
	MaxDeg *float64 `json:"max_angle_deg,omitempty"`
	// StartPos starting position of the servo in degree, the middle of the range when unset
	StartPos *float64 `json:"starting_position_deg,omitempty"`
	PeriodUS *uint    `json:"period_us,omitempty"`
	// MinWidthUS override the pulse width at MinDeg
	MinWidthUS *uint `json:"min_width_us,omitempty"`
	// MaxWidthUS override the pulse width at MaxDeg
	MaxWidthUS *uint `json:"max_width_us,omitempty"`
}

func valueOr[T any](p *T, def T) T {
	if p == nil {
		return def
	}
	return *p
}

// DegreeRange returns the configured or default angle range.
func (conf *Config) DegreeRange() (float64, float64) {
	return valueOr(conf.MinDeg, defaultMinDeg), valueOr(conf.MaxDeg, defaultMaxDeg)
}

// WidthRange returns the configured or default pulse width range.
func (conf *Config) WidthRange() (time.Duration, time.Duration) {
	return time.Duration(valueOr(conf.MinWidthUS, defaultMinUs)) * time.Microsecond,
		time.Duration(valueOr(conf.MaxWidthUS, defaultMaxUs)) * time.Microsecond
}

// Period returns the configured or default PWM period.
func (conf *Config) Period() time.Duration {
	return time.Duration(valueOr(conf.PeriodUS, defaultPeriodUs)) * time.Microsecond
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if err := board.ValidatePin(conf.Pin); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	minDeg, maxDeg := conf.DegreeRange()
	if maxDeg <= minDeg {
		return utils.NewConfigValidationError(path,
			errors.Wrapf(ErrInvalidDegreeRange, "max_angle_deg %.1f must be above min_angle_deg %.1f", maxDeg, minDeg))
	}
	if conf.StartPos != nil && (*conf.StartPos < minDeg || *conf.StartPos > maxDeg) {
		return utils.NewConfigValidationError(path,
			errors.Errorf("starting_position_deg should be between %.1f and %.1f", minDeg, maxDeg))
	}
	if conf.MinWidthUS != nil && *conf.MinWidthUS < minWidthUs {
		return utils.NewConfigValidationError(path, errors.Errorf("min_width_us cannot be lower than %d", minWidthUs))
	}
	if conf.MaxWidthUS != nil && *conf.MaxWidthUS > maxWidthUs {
		return utils.NewConfigValidationError(path, errors.Errorf("max_width_us cannot be higher than %d", maxWidthUs))
	}
	minWidth, maxWidth := conf.WidthRange()
	if maxWidth <= minWidth {
		return utils.NewConfigValidationError(path,
			errors.Wrapf(pwm.ErrInvalidBounds, "max_width_us %v must be above min_width_us %v", maxWidth, minWidth))
	}
	if maxWidth > conf.Period() {
		return utils.NewConfigValidationError(path, errors.Errorf("max_width_us %v exceeds period %v", maxWidth, conf.Period()))
	}
	if _, err := pwm.ComputeTiming(board.DefaultClockHz, conf.Period()); err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	return nil
}

// A Servo steers one wheel.
type Servo struct {
	name    string
	conf    Config
	channel *pwm.Channel
	logger  logging.Logger

	minDeg, maxDeg     float64
	minWidth, maxWidth time.Duration

	mu  sync.Mutex
	deg float64
}

// NewServo claims the PWM channel of a servo. Setup must be called before the servo is moved.
func NewServo(ctrl *pwm.Controller, name string, conf *Config, logger logging.Logger) (*Servo, error) {
	if err := conf.Validate(name); err != nil {
		return nil, err
	}
	channel, err := ctrl.Channel(conf.Pin, name)
	if err != nil {
		return nil, err
	}
	s := &Servo{
		name:    name,
		conf:    *conf,
		channel: channel,
		logger:  logger,
	}
	s.minDeg, s.maxDeg = conf.DegreeRange()
	s.minWidth, s.maxWidth = conf.WidthRange()
	return s, nil
}

// Name returns the servo name.
func (s *Servo) Name() string {
	return s.name
}

// DegreeRange returns the angle range of the servo.
func (s *Servo) DegreeRange() (float64, float64) {
	return s.minDeg, s.maxDeg
}

// Setup configures the period and pulse bounds, moves to the start position and enables the
// output.
func (s *Servo) Setup(ctx context.Context) error {
	if err := s.channel.Configure(s.conf.Period()); err != nil {
		return errors.Wrapf(err, "servo %q", s.name)
	}
	if err := s.channel.SetBounds(s.minWidth, s.maxWidth); err != nil {
		return errors.Wrapf(err, "servo %q", s.name)
	}
	start := valueOr(s.conf.StartPos, (s.minDeg+s.maxDeg)/2)
	if err := s.SetDegree(ctx, start); err != nil {
		return err
	}
	s.logger.Debugw("servo set up", "servo", s.name, "pin", s.conf.Pin, "start_deg", start)
	return s.channel.Enable()
}

// mapDegToPulseWidth centers the pulse range on the middle of the angle range.
func mapDegToPulseWidth(minWidth, maxWidth time.Duration, minDeg, maxDeg, deg float64) time.Duration {
	midDeg := (minDeg + maxDeg) / 2
	midWidth := float64(minWidth+maxWidth) / 2
	width := (deg-midDeg)*float64(maxWidth-minWidth)/(maxDeg-minDeg) + midWidth
	return time.Duration(math.Round(width))
}

func mapPulseWidthToDeg(minWidth, maxWidth time.Duration, minDeg, maxDeg float64, width time.Duration) float64 {
	width = lo.Clamp(width, minWidth, maxWidth)
	midDeg := (minDeg + maxDeg) / 2
	midWidth := float64(minWidth+maxWidth) / 2
	return (float64(width)-midWidth)*(maxDeg-minDeg)/float64(maxWidth-minWidth) + midDeg
}

// SetDegree moves the servo to deg, clamped to the angle range.
func (s *Servo) SetDegree(ctx context.Context, deg float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	deg = lo.Clamp(deg, s.minDeg, s.maxDeg)
	width := mapDegToPulseWidth(s.minWidth, s.maxWidth, s.minDeg, s.maxDeg, deg)
	if err := s.channel.SetCompare(width); err != nil {
		return errors.Wrapf(err, "couldn't move servo %q", s.name)
	}
	s.deg = deg
	return nil
}

// SetPulseWidth sets the pulse width directly, clamped to the width range.
func (s *Servo) SetPulseWidth(ctx context.Context, width time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.channel.SetCompare(width); err != nil {
		return errors.Wrapf(err, "couldn't move servo %q", s.name)
	}
	s.deg = mapPulseWidthToDeg(s.minWidth, s.maxWidth, s.minDeg, s.maxDeg, s.channel.Value())
	return nil
}

// Degree returns the last commanded angle.
func (s *Servo) Degree() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deg
}

// PulseWidth returns the current pulse width.
func (s *Servo) PulseWidth() time.Duration {
	return s.channel.Value()
}

// Position returns the current angle derived from the pulse width.
func (s *Servo) Position() float64 {
	return mapPulseWidthToDeg(s.minWidth, s.maxWidth, s.minDeg, s.maxDeg, s.channel.Value())
}

// Stop stops driving pulses. It is assumed the servo stops immediately.
func (s *Servo) Stop(ctx context.Context) error {
	if err := s.channel.Disable(); err != nil {
		return errors.Wrapf(err, "couldn't stop servo %q", s.name)
	}
	return nil
}

// Close stops the servo and releases its channel.
func (s *Servo) Close(ctx context.Context) error {
	return s.channel.Close()
}
