package motor

import "github.com/pkg/errors"

// NewZeroMaxRPMError returns an error for a motor driven open loop without a max_rpm to scale
// speed targets against.
func NewZeroMaxRPMError(motorName string) error {
	return errors.Errorf("motor %q needs max_rpm when speed control is open loop", motorName)
}

// NewDirectionPinConflictError returns an error for a direction pin shared with the pwm pin.
func NewDirectionPinConflictError(pin int) error {
	return errors.Errorf("direction pin %d is also the pwm pin", pin)
}
