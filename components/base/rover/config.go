package rover

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"go.viam.com/utils"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/encoder"
	"go.viam.com/rover/components/motor"
	"go.viam.com/rover/components/servo"
	"go.viam.com/rover/control"
)

const (
	defaultWheelRadiusM    = 0.05
	defaultControlPeriodMs = 100
	defaultMaxSteeringDeg  = 90.0
)

// Axle places a wheel on the front or rear axle.
type Axle string

// The two axles of the rover.
const (
	AxleFront Axle = "front"
	AxleRear  Axle = "rear"
)

// WheelConfig describes one wheel: its drive motor, optional steering servo and encoder pin.
type WheelConfig struct {
	Name  string        `json:"name"`
	Axle  Axle          `json:"axle"`
	Motor motor.Config  `json:"motor"`
	Servo *servo.Config `json:"servo,omitempty"`
	// EncoderPin defaults to the reference wiring when the wheel is named after a position.
	EncoderPin *int `json:"encoder_pin,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *WheelConfig) Validate(path string) error {
	if conf.Name == "" {
		return utils.NewConfigValidationFieldRequiredError(path, "name")
	}
	switch conf.Axle {
	case AxleFront, AxleRear:
	case "":
		return utils.NewConfigValidationFieldRequiredError(path, "axle")
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown axle %q", conf.Axle))
	}
	if err := conf.Motor.Validate(fmt.Sprintf("%s.%s", path, "motor")); err != nil {
		return err
	}
	if conf.Servo != nil {
		if err := conf.Servo.Validate(fmt.Sprintf("%s.%s", path, "servo")); err != nil {
			return err
		}
	}
	pin, err := conf.ResolveEncoderPin()
	if err != nil {
		return utils.NewConfigValidationError(path, err)
	}
	if err := board.ValidatePin(pin); err != nil {
		return utils.NewConfigValidationError(fmt.Sprintf("%s.%s", path, "encoder_pin"), err)
	}
	return nil
}

// ResolveEncoderPin returns the configured encoder pin or the default pin of the named position.
func (conf *WheelConfig) ResolveEncoderPin() (int, error) {
	if conf.EncoderPin != nil {
		return *conf.EncoderPin, nil
	}
	pos, err := encoder.PositionFromName(conf.Name)
	if err != nil {
		return 0, errors.Wrap(err, "encoder_pin is required for wheels not named after a position")
	}
	return encoder.DefaultPins[pos], nil
}

// Steering modes.
const (
	SteeringFront     = "front"
	SteeringFourWheel = "four_wheel"
)

// SteeringConfig selects how a steering intent maps onto the axles.
type SteeringConfig struct {
	Mode      string  `json:"mode,omitempty"`
	MaxDegree float64 `json:"max_degree,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *SteeringConfig) Validate(path string) error {
	switch conf.Mode {
	case "", SteeringFront, SteeringFourWheel:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown steering mode %q", conf.Mode))
	}
	if conf.MaxDegree < 0 {
		return utils.NewConfigValidationError(path, errors.New("max_degree cannot be negative"))
	}
	return nil
}

// Config is how you configure the rover.
type Config struct {
	WheelRadiusM    float64               `json:"wheel_radius_m,omitempty"`
	ControlPeriodMs int                   `json:"control_period_ms,omitempty"`
	Wheels          []WheelConfig         `json:"wheels"`
	Encoder         encoder.SamplerConfig `json:"encoder,omitempty"`
	PID             control.PIDConfig     `json:"pid,omitempty"`
	Steering        SteeringConfig        `json:"steering,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	if conf.WheelRadiusM < 0 {
		return utils.NewConfigValidationError(path, errors.New("wheel_radius_m cannot be negative"))
	}
	if conf.ControlPeriodMs < 0 {
		return utils.NewConfigValidationError(path, errors.New("control_period_ms cannot be negative"))
	}
	if len(conf.Wheels) == 0 {
		return utils.NewConfigValidationFieldRequiredError(path, "wheels")
	}
	if err := conf.Encoder.Validate(fmt.Sprintf("%s.%s", path, "encoder")); err != nil {
		return err
	}
	if err := conf.PID.Validate(fmt.Sprintf("%s.%s", path, "pid")); err != nil {
		return err
	}
	if err := conf.Steering.Validate(fmt.Sprintf("%s.%s", path, "steering")); err != nil {
		return err
	}

	names := map[string]bool{}
	pins := map[int]string{}
	pwmChannels := map[[2]int]string{}
	claim := func(pin int, owner string) error {
		if other, ok := pins[pin]; ok {
			return errors.Errorf("pin %d used by both %s and %s", pin, other, owner)
		}
		pins[pin] = owner
		return nil
	}
	claimPWM := func(pin int, owner string) error {
		key := [2]int{board.SliceNum(pin), int(board.ChannelOf(pin))}
		if other, ok := pwmChannels[key]; ok {
			return errors.Errorf("pwm slice %d channel %s used by both %s and %s",
				key[0], board.ChannelOf(pin), other, owner)
		}
		pwmChannels[key] = owner
		return claim(pin, owner)
	}

	for idx, wheel := range conf.Wheels {
		wheelPath := fmt.Sprintf("%s.%s.%d", path, "wheels", idx)
		if err := wheel.Validate(wheelPath); err != nil {
			return err
		}
		if names[wheel.Name] {
			return utils.NewConfigValidationError(wheelPath, errors.Errorf("duplicate wheel name %q", wheel.Name))
		}
		names[wheel.Name] = true
		if !conf.PID.Enabled() && wheel.Motor.MaxRPM == 0 {
			return utils.NewConfigValidationError(wheelPath, motor.NewZeroMaxRPMError(wheel.Name))
		}

		if err := claimPWM(wheel.Motor.Pin, wheel.Name+" motor"); err != nil {
			return utils.NewConfigValidationError(wheelPath, err)
		}
		if wheel.Motor.DirectionPin != nil {
			if err := claim(*wheel.Motor.DirectionPin, wheel.Name+" direction"); err != nil {
				return utils.NewConfigValidationError(wheelPath, err)
			}
		}
		if wheel.Servo != nil {
			if err := claimPWM(wheel.Servo.Pin, wheel.Name+" servo"); err != nil {
				return utils.NewConfigValidationError(wheelPath, err)
			}
		}
		encoderPin, _ := wheel.ResolveEncoderPin()
		if err := claim(encoderPin, wheel.Name+" encoder"); err != nil {
			return utils.NewConfigValidationError(wheelPath, err)
		}
	}
	return nil
}

// WithDefaults returns a copy with unset fields defaulted.
func (conf Config) WithDefaults() Config {
	if conf.WheelRadiusM == 0 {
		conf.WheelRadiusM = defaultWheelRadiusM
	}
	if conf.ControlPeriodMs == 0 {
		conf.ControlPeriodMs = defaultControlPeriodMs
	}
	if conf.Steering.Mode == "" {
		conf.Steering.Mode = SteeringFront
	}
	if conf.Steering.MaxDegree == 0 {
		conf.Steering.MaxDegree = defaultMaxSteeringDeg
	}
	conf.Encoder = conf.Encoder.WithDefaults()
	conf.PID = conf.PID.WithDefaults()
	conf.Wheels = append([]WheelConfig(nil), conf.Wheels...)
	return conf
}

// ControlPeriod returns the control loop period.
func (conf Config) ControlPeriod() time.Duration {
	return time.Duration(conf.ControlPeriodMs) * time.Millisecond
}
