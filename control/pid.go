// Package control implements the per-wheel speed controller: a PID with anti-windup and the open
// loop law used when no gain is configured.
package control

import (
	"math"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/utils"

	rutils "go.viam.com/rover/utils"
)

// DefaultIntegralMax bounds the integral when an integral gain is set without a clamp.
const DefaultIntegralMax = 100.0

// PIDConfig holds the gains of the speed loop. All gains zero disables the loop.
type PIDConfig struct {
	P           float64 `json:"p"`
	I           float64 `json:"i"`
	D           float64 `json:"d"`
	IntegralMax float64 `json:"integral_max,omitempty"`
}

// Enabled returns whether any gain is set.
func (conf PIDConfig) Enabled() bool {
	return conf.P != 0 || conf.I != 0 || conf.D != 0
}

// Validate ensures all parts of the config are valid.
func (conf *PIDConfig) Validate(path string) error {
	for name, v := range map[string]float64{"p": conf.P, "i": conf.I, "d": conf.D, "integral_max": conf.IntegralMax} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return utils.NewConfigValidationError(path, errors.Errorf("%s must be a finite number", name))
		}
	}
	for name, v := range map[string]float64{"p": conf.P, "i": conf.I, "d": conf.D, "integral_max": conf.IntegralMax} {
		if v < 0 {
			return utils.NewConfigValidationError(path, errors.Errorf("%s cannot be negative", name))
		}
	}
	return nil
}

// WithDefaults returns a copy with the integral clamp defaulted.
func (conf PIDConfig) WithDefaults() PIDConfig {
	if conf.I != 0 && conf.IntegralMax == 0 {
		conf.IntegralMax = DefaultIntegralMax
	}
	return conf
}

// Output is one controller step.
type Output struct {
	P, I, D float64
	Value   float64
}

// SpeedController is a PID tracking a target RPM. deltaT between steps comes from the clock.
type SpeedController struct {
	mu       sync.Mutex
	conf     PIDConfig
	clk      clock.Clock
	integral float64
	lastCall time.Time
}

// NewSpeedController returns a controller with an empty integral.
func NewSpeedController(conf PIDConfig, clk clock.Clock) *SpeedController {
	return &SpeedController{conf: conf.WithDefaults(), clk: clk}
}

// Next runs one step: error = target - current, P = error*Kp, integral += error*Ki clamped to
// IntegralMax, D = error*Kd/deltaT. D is 0 on the first step and whenever deltaT <= 0.
func (sc *SpeedController) Next(target, current float64) Output {
	sc.mu.Lock()
	defer sc.mu.Unlock()

	now := sc.clk.Now()
	err := target - current

	p := err * sc.conf.P

	sc.integral += err * sc.conf.I
	sc.clampIntegral()

	d := 0.0
	if !sc.lastCall.IsZero() {
		if dt := now.Sub(sc.lastCall).Seconds(); dt > 0 {
			d = err * sc.conf.D / dt
		}
	}
	sc.lastCall = now

	return Output{P: p, I: sc.integral, D: d, Value: p + sc.integral + d}
}

// UpdateConfig swaps the gains. The integral is clamped to the new limit but otherwise kept, so
// dropping the integral gain clears it.
func (sc *SpeedController) UpdateConfig(conf PIDConfig) {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.conf = conf.WithDefaults()
	sc.clampIntegral()
}

// clampIntegral keeps |integral| <= IntegralMax. A zero limit only happens without an integral
// gain, and then the integral is 0.
// expects to already have lock acquired.
func (sc *SpeedController) clampIntegral() {
	if sc.conf.IntegralMax <= 0 {
		sc.integral = 0
		return
	}
	sc.integral = rutils.ClampSymmetric(sc.integral, sc.conf.IntegralMax)
}

// Config returns the defaulted gains.
func (sc *SpeedController) Config() PIDConfig {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.conf
}

// Reset clears the integral and the step timestamp.
func (sc *SpeedController) Reset() {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	sc.integral = 0
	sc.lastCall = time.Time{}
}

// Integral returns the accumulated integral term.
func (sc *SpeedController) Integral() float64 {
	sc.mu.Lock()
	defer sc.mu.Unlock()
	return sc.integral
}
