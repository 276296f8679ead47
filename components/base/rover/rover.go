// Package rover implements the motion coordinator of a multi-wheel rover: it owns the drive
// motors, steering servos, encoder sampler and one speed controller per wheel, and turns a
// direction and speed intent into PWM outputs.
package rover

import (
	"context"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"github.com/samber/lo"
	"go.uber.org/multierr"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/encoder"
	"go.viam.com/rover/components/motor"
	"go.viam.com/rover/components/pwm"
	"go.viam.com/rover/components/servo"
	"go.viam.com/rover/control"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

// statusAverageSteps is how many control steps the status RPM average spans.
const statusAverageSteps = 10

// MotionIntent is a direction and speed request, consumed once per control tick.
type MotionIntent struct {
	X, Y     int
	SpeedMPS float64
}

type wheel struct {
	name  string
	axle  Axle
	motor *motor.Motor
	servo *servo.Servo
	pid   *control.SpeedController
	avg   *utils.RollingAverage

	// last step, guarded by Rover.stepMu
	measuredRPM float64
	duty        float64
	direction   int
}

// Rover is the motion coordinator.
type Rover struct {
	conf     Config
	b        board.Board
	clk      clock.Clock
	logger   logging.Logger
	pwm      *pwm.Controller
	wheels   []*wheel
	sampler  *encoder.Sampler
	steering Steering

	stepMu        sync.Mutex
	targetRPM     float64
	x, y          int
	pidEnabled    bool
	seenAnomalies uint64

	intentMu sync.Mutex
	pending  *MotionIntent

	lifecycleMu sync.Mutex
	setUp       bool
	workers     utils.StoppableWorkers
}

// New builds a rover over b. Nothing is driven until Setup.
func New(b board.Board, conf Config, clk clock.Clock, logger logging.Logger) (_ *Rover, err error) {
	if err := conf.Validate("rover"); err != nil {
		return nil, err
	}
	conf = conf.WithDefaults()
	r := &Rover{
		conf:       conf,
		b:          b,
		clk:        clk,
		logger:     logger,
		pwm:        pwm.NewController(b, logger.Sublogger("pwm")),
		steering:   AxleSteering{Mode: conf.Steering.Mode, MaxDegree: conf.Steering.MaxDegree},
		pidEnabled: conf.PID.Enabled(),
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, r.release(context.Background()))
		}
	}()

	encoderPins := make([]int, 0, len(conf.Wheels))
	for _, wc := range conf.Wheels {
		w := &wheel{
			name: wc.Name,
			axle: wc.Axle,
			pid:  control.NewSpeedController(conf.PID, clk),
			avg:  utils.NewRollingAverage(statusAverageSteps),
		}
		r.wheels = append(r.wheels, w)
		w.motor, err = motor.NewMotor(r.pwm, b, wc.Name, &wc.Motor, logger.Sublogger("motor"))
		if err != nil {
			return nil, errors.Wrapf(err, "wheel %q", wc.Name)
		}
		if wc.Servo != nil {
			w.servo, err = servo.NewServo(r.pwm, wc.Name+"_steering", wc.Servo, logger.Sublogger("servo"))
			if err != nil {
				return nil, errors.Wrapf(err, "wheel %q", wc.Name)
			}
		}
		pin, pinErr := wc.ResolveEncoderPin()
		if pinErr != nil {
			return nil, pinErr
		}
		encoderPins = append(encoderPins, pin)
	}

	r.sampler, err = encoder.NewSampler(b, clk, encoderPins, conf.Encoder, logger.Sublogger("encoder"))
	if err != nil {
		return nil, err
	}
	for i, w := range r.wheels {
		r.sampler.AttachDirectionalAwareness(i, w.motor)
	}
	return r, nil
}

// WheelNames returns the wheel names in configuration order.
func (r *Rover) WheelNames() []string {
	return lo.Map(r.wheels, func(w *wheel, _ int) string { return w.name })
}

// Setup starts pulse sampling, then sets up the drive channels, then the steering channels. A
// failure stops everything already started.
func (r *Rover) Setup(ctx context.Context) (err error) {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if r.setUp {
		return errors.New("rover already set up")
	}
	if err := r.sampler.Start(); err != nil {
		return err
	}
	defer func() {
		if err != nil {
			err = multierr.Combine(err, r.sampler.Close(), r.stopMotors(ctx))
		}
	}()
	for _, w := range r.wheels {
		if err := w.motor.Setup(ctx); err != nil {
			return err
		}
	}
	for _, w := range r.wheels {
		if w.servo == nil {
			continue
		}
		if err := w.servo.Setup(ctx); err != nil {
			return err
		}
	}
	r.setUp = true
	r.logger.Infow("rover set up", "wheels", r.WheelNames(), "pid", r.pidEnabled,
		"wheel_radius_m", r.conf.WheelRadiusM)
	return nil
}

// SetSpeed sets the linear speed target and runs one control step.
func (r *Rover) SetSpeed(ctx context.Context, mps float64) error {
	r.stepMu.Lock()
	r.targetRPM = RPMFromSpeed(mps, r.conf.WheelRadiusM)
	r.stepMu.Unlock()
	return r.Step(ctx)
}

// TargetRPM returns the wheel speed target.
func (r *Rover) TargetRPM() float64 {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	return r.targetRPM
}

// SetDirection steers every wheel with a servo.
func (r *Rover) SetDirection(ctx context.Context, x, y int) error {
	if err := ValidateIntent(x, y); err != nil {
		return err
	}
	front, rear := r.steering.Angles(x, y)

	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	var errs error
	for _, w := range r.wheels {
		if w.servo == nil {
			continue
		}
		angle := front
		if w.axle == AxleRear {
			angle = rear
		}
		errs = multierr.Combine(errs, w.servo.SetDegree(ctx, angle))
	}
	r.x, r.y = x, y
	return errs
}

// SetSteering replaces the steering mapper.
func (r *Rover) SetSteering(s Steering) {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	r.steering = s
}

// SetIntent queues an intent for the control loop. Only the latest intent is kept.
func (r *Rover) SetIntent(intent MotionIntent) error {
	if err := ValidateIntent(intent.X, intent.Y); err != nil {
		return err
	}
	r.intentMu.Lock()
	defer r.intentMu.Unlock()
	r.pending = &intent
	return nil
}

func (r *Rover) takeIntent() *MotionIntent {
	r.intentMu.Lock()
	defer r.intentMu.Unlock()
	intent := r.pending
	r.pending = nil
	return intent
}

// Step runs one control step: every wheel compares its measured signed RPM against the target and
// drives its motor from the PID output, or open loop when the PID is disabled. A zero target stops
// the motors and clears the integrals.
func (r *Rover) Step(ctx context.Context) error {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()

	if anomalies := r.sampler.Anomalies(); anomalies != r.seenAnomalies {
		r.logger.Warnw("implausible encoder rates clamped", "count", anomalies-r.seenAnomalies,
			"max_rpm", r.conf.Encoder.MaxRPM)
		r.seenAnomalies = anomalies
	}

	var errs error
	for i, w := range r.wheels {
		w.measuredRPM = r.sampler.SignedRate(i)
		w.avg.Add(w.measuredRPM)
		if r.targetRPM == 0 {
			w.pid.Reset()
			w.duty, w.direction = 0, 0
			errs = multierr.Combine(errs, w.motor.Stop(ctx))
			continue
		}

		var duty float64
		var dir int
		if r.pidEnabled {
			out := w.pid.Next(r.targetRPM, w.measuredRPM)
			duty, dir = control.DutyFromOutput(out.Value, r.targetRPM)
			r.logger.Debugw("speed step", "wheel", w.name, "target", r.targetRPM, "measured", w.measuredRPM,
				"p", out.P, "i", out.I, "d", out.D)
		} else {
			duty, dir = control.OpenLoopDuty(r.targetRPM, w.motor.MaxRPM())
		}
		w.duty, w.direction = duty, dir
		errs = multierr.Combine(errs, w.motor.SetPower(ctx, control.Power(duty, dir)))
	}
	return errs
}

// Rates returns the signed measured RPM of every wheel.
func (r *Rover) Rates() []float64 {
	out := make([]float64, len(r.wheels))
	for i := range r.wheels {
		out[i] = r.sampler.SignedRate(i)
	}
	return out
}

// UpdatePID retunes every speed controller.
func (r *Rover) UpdatePID(conf control.PIDConfig) error {
	if err := conf.Validate("pid"); err != nil {
		return err
	}
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	if !conf.Enabled() {
		for _, w := range r.wheels {
			if w.motor.MaxRPM() == 0 {
				return motor.NewZeroMaxRPMError(w.name)
			}
		}
	}
	for _, w := range r.wheels {
		w.pid.UpdateConfig(conf)
	}
	r.pidEnabled = conf.Enabled()
	r.conf.PID = conf.WithDefaults()
	r.logger.Infow("speed controller retuned", "p", conf.P, "i", conf.I, "d", conf.D,
		"integral_max", r.conf.PID.IntegralMax)
	return nil
}

func (r *Rover) stopMotors(ctx context.Context) error {
	var errs error
	for _, w := range r.wheels {
		errs = multierr.Combine(errs, w.motor.Stop(ctx))
		w.pid.Reset()
		w.duty, w.direction = 0, 0
	}
	return errs
}

// Stop zeroes the speed target, drops pending intents and stops every motor.
func (r *Rover) Stop(ctx context.Context) error {
	r.takeIntent()
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	r.targetRPM = 0
	return r.stopMotors(ctx)
}

// IsMoving returns whether any motor is powered.
func (r *Rover) IsMoving() bool {
	for _, w := range r.wheels {
		if w.motor.IsPowered() {
			return true
		}
	}
	return false
}

// release closes every actuator, the pwm controller and the sampler.
func (r *Rover) release(ctx context.Context) error {
	var errs error
	for _, w := range r.wheels {
		if w.motor != nil {
			errs = multierr.Combine(errs, w.motor.Close(ctx))
		}
		if w.servo != nil {
			errs = multierr.Combine(errs, w.servo.Close(ctx))
		}
	}
	errs = multierr.Combine(errs, r.pwm.Close())
	if r.sampler != nil {
		errs = multierr.Combine(errs, r.sampler.Close())
	}
	return errs
}

// Close stops the control loop, disables every PWM output and then stops sampling.
func (r *Rover) Close(ctx context.Context) error {
	r.lifecycleMu.Lock()
	workers := r.workers
	r.workers = nil
	r.setUp = false
	r.lifecycleMu.Unlock()
	if workers != nil {
		workers.Stop()
	}

	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	r.targetRPM = 0
	return r.release(ctx)
}
