package encoder

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.uber.org/atomic"
	goutils "go.viam.com/utils"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

const (
	// DefaultPulsesPerRevolution is the tick count of one wheel revolution.
	DefaultPulsesPerRevolution = 64
	// DefaultSamplePeriodMs is the rate sampling period.
	DefaultSamplePeriodMs = 100
)

// ErrTimerRegistration is returned when the sampler cannot register its edge handlers or timer.
var ErrTimerRegistration = errors.New("sampler registration failed")

// SamplerConfig describes the rate sampling of all wheels.
type SamplerConfig struct {
	PulsesPerRevolution int     `json:"pulses_per_revolution,omitempty"`
	SamplePeriodMs      int     `json:"sample_period_ms,omitempty"`
	MaxRPM              float64 `json:"max_rpm,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *SamplerConfig) Validate(path string) error {
	if conf.PulsesPerRevolution < 0 {
		return goutils.NewConfigValidationError(path, errors.New("pulses_per_revolution cannot be negative"))
	}
	if conf.SamplePeriodMs < 0 {
		return goutils.NewConfigValidationError(path, errors.New("sample_period_ms cannot be negative"))
	}
	if conf.MaxRPM < 0 {
		return goutils.NewConfigValidationError(path, errors.New("max_rpm cannot be negative"))
	}
	return nil
}

// WithDefaults returns a copy with unset fields defaulted.
func (conf SamplerConfig) WithDefaults() SamplerConfig {
	if conf.PulsesPerRevolution == 0 {
		conf.PulsesPerRevolution = DefaultPulsesPerRevolution
	}
	if conf.SamplePeriodMs == 0 {
		conf.SamplePeriodMs = DefaultSamplePeriodMs
	}
	return conf
}

// Period returns the sampling period.
func (conf SamplerConfig) Period() time.Duration {
	return time.Duration(conf.SamplePeriodMs) * time.Millisecond
}

// Sampler owns one counter channel per wheel pin and periodically converts tick deltas to RPM.
// The tick body only touches atomics and the snapshot guarded by sampleMu.
type Sampler struct {
	conf    SamplerConfig
	pins    []int
	edges   board.EdgeSource
	clk     clock.Clock
	counter *Counter
	logger  logging.Logger

	sampleMu sync.Mutex
	prev     []uint32

	rpm        []atomic.Float64
	directions []DirectionAware
	anomalies  atomic.Uint64
	samples    atomic.Uint64

	lifecycleMu sync.Mutex
	started     bool
	cancels     []func()
	workers     utils.StoppableWorkers
}

// NewSampler returns a stopped sampler for pins.
func NewSampler(edges board.EdgeSource, clk clock.Clock, pins []int, conf SamplerConfig, logger logging.Logger) (*Sampler, error) {
	if err := conf.Validate("encoder"); err != nil {
		return nil, err
	}
	seen := map[int]bool{}
	for _, pin := range pins {
		if err := board.ValidatePin(pin); err != nil {
			return nil, err
		}
		if seen[pin] {
			return nil, utils.NewPinInUseError(pin, "another encoder")
		}
		seen[pin] = true
	}
	return &Sampler{
		conf:       conf.WithDefaults(),
		pins:       append([]int(nil), pins...),
		edges:      edges,
		clk:        clk,
		counter:    NewCounter(len(pins)),
		logger:     logger,
		prev:       make([]uint32, len(pins)),
		rpm:        make([]atomic.Float64, len(pins)),
		directions: make([]DirectionAware, len(pins)),
	}, nil
}

// AttachDirectionalAwareness signs the rate of channel ch by the direction da reports.
func (s *Sampler) AttachDirectionalAwareness(ch int, da DirectionAware) {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	s.directions[ch] = da
}

// Counter returns the tick counter fed by the edge handlers.
func (s *Sampler) Counter() *Counter {
	return s.counter
}

// Config returns the defaulted sampler config.
func (s *Sampler) Config() SamplerConfig {
	return s.conf
}

// Start registers one rising-edge handler per pin and the periodic timer. Nothing stays
// registered when Start fails.
func (s *Sampler) Start() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if s.started {
		return errors.Wrap(ErrTimerRegistration, "sampler already started")
	}
	period := s.conf.Period()
	if period <= 0 {
		return errors.Wrapf(ErrTimerRegistration, "sample period %v", period)
	}

	cancels := make([]func(), 0, len(s.pins))
	for i, pin := range s.pins {
		cancel, err := s.edges.RegisterRisingEdge(pin, func() { s.counter.OnEdge(i) })
		if err != nil {
			for _, c := range cancels {
				c()
			}
			return errors.Wrapf(ErrTimerRegistration, "edge handler on pin %d: %v", pin, err)
		}
		cancels = append(cancels, cancel)
	}
	s.cancels = cancels

	s.sampleMu.Lock()
	for i := range s.prev {
		s.prev[i] = s.counter.Count(i)
	}
	s.sampleMu.Unlock()

	s.workers = utils.NewStoppableWorkers()
	s.workers.AddTicker(s.clk, period, func(ctx context.Context) {
		s.Sample()
	})
	s.started = true
	s.logger.Debugw("encoder sampler started", "pins", s.pins, "period", period,
		"ppr", s.conf.PulsesPerRevolution)
	return nil
}

// Sample is the timer body: read every counter, compute the delta against the previous reading,
// publish the RPM and rebase.
func (s *Sampler) Sample() {
	s.sampleMu.Lock()
	defer s.sampleMu.Unlock()
	period := s.conf.Period()
	for i := range s.prev {
		current := s.counter.Count(i)
		rpm := TicksToRPM(Delta(current, s.prev[i]), s.conf.PulsesPerRevolution, period)
		s.prev[i] = current
		if s.conf.MaxRPM > 0 && rpm > s.conf.MaxRPM {
			rpm = s.conf.MaxRPM
			s.anomalies.Inc()
		}
		s.rpm[i].Store(rpm)
	}
	s.samples.Inc()
}

// Rate returns the unsigned RPM of channel ch from the last sample.
func (s *Sampler) Rate(ch int) float64 {
	return s.rpm[ch].Load()
}

// Rates returns a snapshot of the unsigned RPM of every channel.
func (s *Sampler) Rates() []float64 {
	out := make([]float64, len(s.rpm))
	for i := range s.rpm {
		out[i] = s.rpm[i].Load()
	}
	return out
}

// SignedRate returns the RPM of channel ch signed by its attached direction. Channels without a
// direction report the unsigned rate.
func (s *Sampler) SignedRate(ch int) float64 {
	s.lifecycleMu.Lock()
	da := s.directions[ch]
	s.lifecycleMu.Unlock()
	rpm := s.Rate(ch)
	if da == nil {
		return rpm
	}
	return rpm * float64(da.Direction())
}

// Anomalies returns how many samples were clamped to MaxRPM.
func (s *Sampler) Anomalies() uint64 {
	return s.anomalies.Load()
}

// Samples returns how many timer ticks ran.
func (s *Sampler) Samples() uint64 {
	return s.samples.Load()
}

// Close stops the timer and removes the edge handlers.
func (s *Sampler) Close() error {
	s.lifecycleMu.Lock()
	defer s.lifecycleMu.Unlock()
	if !s.started {
		return nil
	}
	s.workers.Stop()
	for _, cancel := range s.cancels {
		cancel()
	}
	s.cancels = nil
	s.started = false
	return nil
}
