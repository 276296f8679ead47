package utils

import "sync"

// RollingAverage averages the last few samples of a measurement.
type RollingAverage struct {
	mu     sync.Mutex
	data   []float64
	pos    int
	filled int
}

// NewRollingAverage returns an average over the last numSamples samples.
func NewRollingAverage(numSamples int) *RollingAverage {
	if numSamples < 1 {
		numSamples = 1
	}
	return &RollingAverage{data: make([]float64, numSamples)}
}

// NumSamples returns the window size.
func (ra *RollingAverage) NumSamples() int {
	return len(ra.data)
}

// Add pushes a sample, dropping the oldest one once the window is full.
func (ra *RollingAverage) Add(x float64) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.data[ra.pos] = x
	ra.pos++
	if ra.pos >= len(ra.data) {
		ra.pos = 0
	}
	if ra.filled < len(ra.data) {
		ra.filled++
	}
}

// Average returns the mean of the samples seen so far, 0 before the first one.
func (ra *RollingAverage) Average() float64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	if ra.filled == 0 {
		return 0
	}
	sum := 0.0
	for _, d := range ra.data[:ra.filled] {
		sum += d
	}
	return sum / float64(ra.filled)
}

// Reset forgets every sample.
func (ra *RollingAverage) Reset() {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.pos = 0
	ra.filled = 0
}
