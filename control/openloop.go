package control

import (
	"math"

	rutils "go.viam.com/rover/utils"
)

// DutyFromOutput maps a controller output to a duty percentage and a direction. The direction
// follows the output sign, or the target sign when the output is exactly 0.
func DutyFromOutput(output, target float64) (float64, int) {
	duty := rutils.ClampPercent(math.Abs(output))
	dir := rutils.Sign(output)
	if dir == 0 {
		dir = rutils.Sign(target)
	}
	return duty, int(dir)
}

// OpenLoopDuty scales a target RPM against the motor top speed: |target| / maxRPM as a percentage,
// clamped to [0, 100], with the sign of target as direction.
func OpenLoopDuty(target, maxRPM float64) (float64, int) {
	if maxRPM <= 0 {
		return 0, 0
	}
	return rutils.ClampPercent(math.Abs(target) / maxRPM * 100), int(rutils.Sign(target))
}

// Power folds a duty percentage and a direction into a signed power in [-1, 1].
func Power(duty float64, dir int) float64 {
	return float64(dir) * rutils.ClampPercent(duty) / 100
}
