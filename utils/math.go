package utils

import (
	"github.com/samber/lo"
)

// Sign returns -1, 0 or 1 depending on the sign of x.
func Sign(x float64) float64 {
	switch {
	case x > 0:
		return 1
	case x < 0:
		return -1
	default:
		return 0
	}
}

// ClampPercent limits a percentage to [0, 100].
func ClampPercent(pct float64) float64 {
	return lo.Clamp(pct, 0, 100)
}

// ClampSymmetric limits x to [-limit, limit]. A non-positive limit returns x unchanged.
func ClampSymmetric(x, limit float64) float64 {
	if limit <= 0 {
		return x
	}
	return lo.Clamp(x, -limit, limit)
}
