package rover

import (
	"math"

	"github.com/pkg/errors"
)

// IntentLimit bounds both steering intent axes.
const IntentLimit = 100

// ErrIntentOutOfRange is returned for steering intents outside [-IntentLimit, IntentLimit].
var ErrIntentOutOfRange = errors.New("steering intent out of range")

// Steering maps a steering intent onto front and rear axle angles in degrees.
type Steering interface {
	Angles(x, y int) (front, rear float64)
}

// AxleSteering turns the front axle proportionally to x. In four wheel mode the rear axle turns
// the opposite way. y does not affect the angles.
type AxleSteering struct {
	Mode      string
	MaxDegree float64
}

// Angles implements Steering.
func (s AxleSteering) Angles(x, y int) (float64, float64) {
	front := float64(x) / IntentLimit * s.MaxDegree
	if s.Mode == SteeringFourWheel {
		return front, -front
	}
	return front, 0
}

// ValidateIntent rejects steering intents outside [-IntentLimit, IntentLimit].
func ValidateIntent(x, y int) error {
	if x < -IntentLimit || x > IntentLimit || y < -IntentLimit || y > IntentLimit {
		return errors.Wrapf(ErrIntentOutOfRange, "(%d, %d) not in [%d, %d]", x, y, -IntentLimit, IntentLimit)
	}
	return nil
}

// RPMFromSpeed converts a linear speed in m/s into wheel RPM.
func RPMFromSpeed(mps, radiusM float64) float64 {
	if radiusM <= 0 {
		return 0
	}
	return mps * 60 / (2 * math.Pi * radiusM)
}

// SpeedFromRPM converts wheel RPM back into a linear speed in m/s.
func SpeedFromRPM(rpm, radiusM float64) float64 {
	return rpm * 2 * math.Pi * radiusM / 60
}
