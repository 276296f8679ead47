// Package periph implements a board on top of periph.io GPIO drivers. PWM slices are emulated on
// the pins routed to them and rising edges are delivered by a watcher goroutine per pin.
package periph

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/host/v3"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
	"go.viam.com/rover/utils"
)

const defaultEdgePollTimeout = 100 * time.Millisecond

// A Config describes how board GPIO numbers map to periph pin names.
type Config struct {
	PinPrefix       string `json:"pin_prefix,omitempty"`
	EdgePollTimeout string `json:"edge_poll_timeout,omitempty"`
}

// DecodeConfig decodes and defaults the attributes of a board config.
func DecodeConfig(attributes map[string]interface{}) (*Config, error) {
	conf := &Config{}
	if err := board.DecodeAttributes(attributes, conf); err != nil {
		return nil, errors.Wrap(err, "decoding periph board attributes")
	}
	if conf.PinPrefix == "" {
		conf.PinPrefix = "GPIO"
	}
	if conf.EdgePollTimeout != "" {
		if _, err := time.ParseDuration(conf.EdgePollTimeout); err != nil {
			return nil, errors.Wrap(err, "edge_poll_timeout")
		}
	}
	return conf, nil
}

type sliceState struct {
	div     board.Divider
	wrap    uint16
	enabled bool
	levels  [2]uint16
	pins    [2][]gpio.PinIO
}

// Board drives GPIOs found in the periph registry.
type Board struct {
	mu          sync.Mutex
	clockHz     uint32
	conf        *Config
	pollTimeout time.Duration
	slices      [board.NumSlices]sliceState
	watchers    map[int]utils.StoppableWorkers
	logger      logging.Logger
}

// NewBoard initializes the periph host drivers and returns a board.
func NewBoard(clockHz uint32, conf *Config, logger logging.Logger) (*Board, error) {
	if _, err := host.Init(); err != nil {
		return nil, errors.Wrap(err, "initializing periph host drivers")
	}
	if conf == nil {
		conf = &Config{PinPrefix: "GPIO"}
	}
	if clockHz == 0 {
		clockHz = board.DefaultClockHz
	}
	pollTimeout := defaultEdgePollTimeout
	if conf.EdgePollTimeout != "" {
		d, err := time.ParseDuration(conf.EdgePollTimeout)
		if err != nil {
			return nil, err
		}
		pollTimeout = d
	}
	return &Board{
		clockHz:     clockHz,
		conf:        conf,
		pollTimeout: pollTimeout,
		watchers:    map[int]utils.StoppableWorkers{},
		logger:      logger,
	}, nil
}

func (b *Board) pinByNumber(pin int) (gpio.PinIO, error) {
	if err := board.ValidatePin(pin); err != nil {
		return nil, err
	}
	name := fmt.Sprintf("%s%d", b.conf.PinPrefix, pin)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, errors.Errorf("no global pin found for %q", name)
	}
	return p, nil
}

// ClockHz returns the clock the slice timings are computed against.
func (b *Board) ClockHz() uint32 {
	return b.clockHz
}

// RoutePWM attaches pin to its slice channel.
func (b *Board) RoutePWM(pin int) error {
	p, err := b.pinByNumber(pin)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[board.SliceNum(pin)]
	ch := board.ChannelOf(pin)
	for _, routed := range s.pins[ch] {
		if routed.Name() == p.Name() {
			return nil
		}
	}
	s.pins[ch] = append(s.pins[ch], p)
	return nil
}

// ConfigureSlice programs divider and wrap.
func (b *Board) ConfigureSlice(slice int, div board.Divider, wrap uint16) error {
	if slice < 0 || slice >= board.NumSlices {
		return errors.Errorf("pwm slice %d not in [0, %d)", slice, board.NumSlices)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[slice]
	s.div = div
	s.wrap = wrap
	return b.apply(s)
}

// SetLevel programs the compare level of a slice channel.
func (b *Board) SetLevel(slice int, ch board.Channel, level uint16) error {
	if slice < 0 || slice >= board.NumSlices {
		return errors.Errorf("pwm slice %d not in [0, %d)", slice, board.NumSlices)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[slice]
	s.levels[ch] = level
	return b.applyChannel(s, ch)
}

// SetSliceEnabled starts or stops a slice.
func (b *Board) SetSliceEnabled(slice int, enabled bool) error {
	if slice < 0 || slice >= board.NumSlices {
		return errors.Errorf("pwm slice %d not in [0, %d)", slice, board.NumSlices)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[slice]
	s.enabled = enabled
	return b.apply(s)
}

// expects to already have lock acquired.
func (b *Board) apply(s *sliceState) error {
	return multierr.Combine(b.applyChannel(s, board.ChannelA), b.applyChannel(s, board.ChannelB))
}

// expects to already have lock acquired.
func (b *Board) applyChannel(s *sliceState, ch board.Channel) error {
	var errs error
	for _, p := range s.pins[ch] {
		if !s.enabled || s.div.Sixteenths() == 0 {
			errs = multierr.Combine(errs, p.Out(gpio.Low))
			continue
		}
		errs = multierr.Combine(errs, p.PWM(dutyFromLevel(s.levels[ch], s.wrap), frequencyOf(b.clockHz, s.div, s.wrap)))
	}
	return errs
}

// dutyFromLevel converts a compare level into a periph duty. The counter counts wrap+1 steps per
// period.
func dutyFromLevel(level, wrap uint16) gpio.Duty {
	duty := uint64(level) * uint64(gpio.DutyMax) / (uint64(wrap) + 1)
	if duty > uint64(gpio.DutyMax) {
		duty = uint64(gpio.DutyMax)
	}
	return gpio.Duty(duty)
}

// frequencyOf returns clock / (div * (wrap+1)).
func frequencyOf(clockHz uint32, div board.Divider, wrap uint16) physic.Frequency {
	sixteenths := uint64(div.Sixteenths())
	if sixteenths == 0 {
		return 0
	}
	return physic.Frequency(uint64(clockHz) * 16 * uint64(physic.Hertz) / (sixteenths * (uint64(wrap) + 1)))
}

// RegisterRisingEdge starts a watcher goroutine calling handler on every rising edge of pin.
func (b *Board) RegisterRisingEdge(pin int, handler func()) (func(), error) {
	p, err := b.pinByNumber(pin)
	if err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.watchers[pin]; ok {
		return nil, errors.Errorf("pin %d already has an edge handler", pin)
	}
	if err := p.In(gpio.PullDown, gpio.RisingEdge); err != nil {
		return nil, errors.Wrapf(err, "enabling edge detection on %s", p.Name())
	}

	workers := utils.NewStoppableWorkers(func(ctx context.Context) {
		for ctx.Err() == nil {
			if p.WaitForEdge(b.pollTimeout) {
				handler()
			}
		}
	})
	b.watchers[pin] = workers

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.watchers, pin)
			b.mu.Unlock()
			workers.Stop()
			if err := p.In(gpio.PullDown, gpio.NoEdge); err != nil {
				b.logger.Debugw("disabling edge detection", "pin", pin, "error", err)
			}
		})
	}, nil
}

// GPIOPinByNumber returns a plain output pin.
func (b *Board) GPIOPinByNumber(pin int) (board.GPIOPin, error) {
	p, err := b.pinByNumber(pin)
	if err != nil {
		return nil, err
	}
	return gpioPin{pin: p}, nil
}

// Close drives every routed pin low and stops every edge watcher.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	var errs error
	for i := range b.slices {
		b.slices[i].enabled = false
		errs = multierr.Combine(errs, b.apply(&b.slices[i]))
	}
	watchers := b.watchers
	b.watchers = map[int]utils.StoppableWorkers{}
	b.mu.Unlock()

	for _, w := range watchers {
		w.Stop()
	}
	return errs
}

type gpioPin struct {
	pin gpio.PinIO
}

func (gp gpioPin) Set(ctx context.Context, high bool) error {
	l := gpio.Low
	if high {
		l = gpio.High
	}
	return gp.pin.Out(l)
}

func (gp gpioPin) Get(ctx context.Context) (bool, error) {
	return gp.pin.Read() == gpio.High, nil
}
