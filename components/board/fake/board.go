// Package fake implements an in-memory board. PWM registers model the hardware double buffering:
// level writes to a running slice stay pending until AdvanceCycle latches them.
package fake

import (
	"context"
	"sync"

	"github.com/pkg/errors"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
)

// A Config describes the failure injection knobs of a fake board.
type Config struct {
	FailEdgeRegistration []int `json:"fail_edge_registration,omitempty"`
	FailNew              bool  `json:"fail_new"`
}

// DecodeConfig decodes the attributes of a board config.
func DecodeConfig(attributes map[string]interface{}) (*Config, error) {
	conf := &Config{}
	if err := board.DecodeAttributes(attributes, conf); err != nil {
		return nil, errors.Wrap(err, "decoding fake board attributes")
	}
	return conf, nil
}

// SliceState is a snapshot of the registers of one PWM slice.
type SliceState struct {
	Configured bool
	Divider    board.Divider
	Wrap       uint16
	Enabled    bool
	Levels     [2]uint16
	Pending    [2]uint16
}

// A Board keeps every register in memory.
type Board struct {
	mu         sync.Mutex
	clockHz    uint32
	slices     [board.NumSlices]SliceState
	routed     map[int]bool
	handlers   map[int]map[int]func()
	nextID     int
	gpioPins   map[int]*GPIOPin
	failEdge   map[int]bool
	logger     logging.Logger
	CloseCount int
}

// NewBoard returns a new fake board running at clockHz.
func NewBoard(clockHz uint32, conf *Config, logger logging.Logger) (*Board, error) {
	if conf == nil {
		conf = &Config{}
	}
	if conf.FailNew {
		return nil, errors.New("whoops")
	}
	if clockHz == 0 {
		clockHz = board.DefaultClockHz
	}
	b := &Board{
		clockHz:  clockHz,
		routed:   map[int]bool{},
		handlers: map[int]map[int]func(){},
		gpioPins: map[int]*GPIOPin{},
		failEdge: map[int]bool{},
		logger:   logger,
	}
	for _, pin := range conf.FailEdgeRegistration {
		b.failEdge[pin] = true
	}
	return b, nil
}

func checkSlice(slice int) error {
	if slice < 0 || slice >= board.NumSlices {
		return errors.Errorf("pwm slice %d not in [0, %d)", slice, board.NumSlices)
	}
	return nil
}

// ClockHz returns the simulated system clock.
func (b *Board) ClockHz() uint32 {
	return b.clockHz
}

// RoutePWM marks pin as driven by its PWM slice.
func (b *Board) RoutePWM(pin int) error {
	if err := board.ValidatePin(pin); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.routed[pin] = true
	return nil
}

// Routed returns whether pin was handed over to PWM.
func (b *Board) Routed(pin int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.routed[pin]
}

// ConfigureSlice programs divider and wrap. Both apply immediately.
func (b *Board) ConfigureSlice(slice int, div board.Divider, wrap uint16) error {
	if err := checkSlice(slice); err != nil {
		return err
	}
	if _, err := board.DividerFromSixteenths(div.Sixteenths()); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[slice]
	s.Configured = true
	s.Divider = div
	s.Wrap = wrap
	return nil
}

// SetLevel buffers a compare level. A stopped slice loads it immediately.
func (b *Board) SetLevel(slice int, ch board.Channel, level uint16) error {
	if err := checkSlice(slice); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &b.slices[slice]
	s.Pending[ch] = level
	if !s.Enabled {
		s.Levels[ch] = level
	}
	return nil
}

// SetSliceEnabled starts or stops a slice counter.
func (b *Board) SetSliceEnabled(slice int, enabled bool) error {
	if err := checkSlice(slice); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.slices[slice].Enabled = enabled
	return nil
}

// AdvanceCycle simulates a counter wrap on every running slice, latching pending levels.
func (b *Board) AdvanceCycle() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.slices {
		if b.slices[i].Enabled {
			b.slices[i].Levels = b.slices[i].Pending
		}
	}
}

// Slice returns a snapshot of the registers of a slice.
func (b *Board) Slice(slice int) SliceState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slices[slice]
}

// Level returns the active compare level driving pin.
func (b *Board) Level(pin int) uint16 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.slices[board.SliceNum(pin)].Levels[board.ChannelOf(pin)]
}

// RegisterRisingEdge registers a handler called by Tick.
func (b *Board) RegisterRisingEdge(pin int, handler func()) (func(), error) {
	if err := board.ValidatePin(pin); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failEdge[pin] {
		return nil, errors.Errorf("no interrupt available for pin %d", pin)
	}
	if b.handlers[pin] == nil {
		b.handlers[pin] = map[int]func(){}
	}
	id := b.nextID
	b.nextID++
	b.handlers[pin][id] = handler

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.handlers[pin], id)
	}, nil
}

// HandlerCount returns the number of edge handlers registered on pin.
func (b *Board) HandlerCount(pin int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.handlers[pin])
}

// Tick simulates n rising edges on pin.
func (b *Board) Tick(pin, n int) {
	b.mu.Lock()
	handlers := make([]func(), 0, len(b.handlers[pin]))
	for _, h := range b.handlers[pin] {
		handlers = append(handlers, h)
	}
	b.mu.Unlock()

	for i := 0; i < n; i++ {
		for _, h := range handlers {
			h()
		}
	}
}

// GPIOPinByNumber returns the fake output pin, creating it on first use.
func (b *Board) GPIOPinByNumber(pin int) (board.GPIOPin, error) {
	if err := board.ValidatePin(pin); err != nil {
		return nil, err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	p, ok := b.gpioPins[pin]
	if !ok {
		p = &GPIOPin{}
		b.gpioPins[pin] = p
	}
	return p, nil
}

// Close stops every slice and drops every edge handler.
func (b *Board) Close(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.CloseCount++
	for i := range b.slices {
		b.slices[i].Enabled = false
	}
	b.handlers = map[int]map[int]func(){}
	b.logger.Debugw("fake board closed", "close_count", b.CloseCount)
	return nil
}

// A GPIOPin reflects the last value written.
type GPIOPin struct {
	high bool

	mu sync.Mutex
}

// Set sets the pin to either low or high.
func (gp *GPIOPin) Set(ctx context.Context, high bool) error {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	gp.high = high
	return nil
}

// Get gets the high/low state of the pin.
func (gp *GPIOPin) Get(ctx context.Context) (bool, error) {
	gp.mu.Lock()
	defer gp.mu.Unlock()

	return gp.high, nil
}
