// Package encoder counts rising edges of single channel wheel encoders and turns the counts into
// rotational speed.
package encoder

import (
	"time"

	"github.com/pkg/errors"
	"go.uber.org/atomic"
)

// Position names the wheel an encoder is mounted on.
type Position int

// The four wheel positions of the rover.
const (
	FrontLeft Position = iota
	FrontRight
	RearLeft
	RearRight
)

var positionNames = map[Position]string{
	FrontLeft:  "front_left",
	FrontRight: "front_right",
	RearLeft:   "rear_left",
	RearRight:  "rear_right",
}

// DefaultPins is the encoder wiring of the reference rover.
var DefaultPins = map[Position]int{
	FrontLeft:  0,
	FrontRight: 1,
	RearLeft:   3,
	RearRight:  2,
}

func (p Position) String() string {
	if name, ok := positionNames[p]; ok {
		return name
	}
	return "unknown"
}

// PositionFromName parses a wheel position name such as "rear_left".
func PositionFromName(name string) (Position, error) {
	for p, n := range positionNames {
		if n == name {
			return p, nil
		}
	}
	return 0, errors.Errorf("unknown wheel position %q", name)
}

// DirectionAware lets you ask what direction something is moving.
// Direction returns -1 if the motor is currently turning backwards, 1 if forwards and 0 if off.
type DirectionAware interface {
	Direction() int
}

// Counter is an array of wrapping tick counters, one per channel. OnEdge is safe to call from
// interrupt context.
type Counter struct {
	counts []atomic.Uint32
}

// NewCounter returns a counter with n channels.
func NewCounter(n int) *Counter {
	return &Counter{counts: make([]atomic.Uint32, n)}
}

// OnEdge counts one tick on channel ch. Out of range channels are dropped.
func (c *Counter) OnEdge(ch int) {
	if ch < 0 || ch >= len(c.counts) {
		return
	}
	c.counts[ch].Inc()
}

// Count returns the raw wrapping count of channel ch.
func (c *Counter) Count(ch int) uint32 {
	return c.counts[ch].Load()
}

// Len returns the number of channels.
func (c *Counter) Len() int {
	return len(c.counts)
}

// Delta returns the ticks between two counter readings, correct across one wraparound.
func Delta(current, previous uint32) uint32 {
	return current - previous
}

// TicksToRPM converts a tick delta over period into revolutions per minute.
func TicksToRPM(delta uint32, ppr int, period time.Duration) float64 {
	if ppr <= 0 || period <= 0 {
		return 0
	}
	return float64(delta) * float64(time.Minute) / (float64(period) * float64(ppr))
}
