package fake

import (
	"context"
	"testing"

	"go.viam.com/test"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
)

func TestLevelLatching(t *testing.T) {
	logger := logging.NewTestLogger(t)
	b, err := NewBoard(0, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.ClockHz(), test.ShouldEqual, board.DefaultClockHz)

	div, err := board.DividerFromSixteenths(16)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.ConfigureSlice(1, div, 7812), test.ShouldBeNil)

	// Stopped slice loads immediately.
	test.That(t, b.SetLevel(1, board.ChannelB, 100), test.ShouldBeNil)
	test.That(t, b.Level(3), test.ShouldEqual, 100)

	test.That(t, b.SetSliceEnabled(1, true), test.ShouldBeNil)
	test.That(t, b.SetLevel(1, board.ChannelB, 200), test.ShouldBeNil)
	test.That(t, b.Level(3), test.ShouldEqual, 100)
	test.That(t, b.Slice(1).Pending[board.ChannelB], test.ShouldEqual, 200)

	b.AdvanceCycle()
	test.That(t, b.Level(3), test.ShouldEqual, 200)
	state := b.Slice(1)
	test.That(t, state.Configured, test.ShouldBeTrue)
	test.That(t, state.Wrap, test.ShouldEqual, 7812)

	test.That(t, b.ConfigureSlice(8, div, 10), test.ShouldNotBeNil)
	test.That(t, b.SetLevel(-1, board.ChannelA, 10), test.ShouldNotBeNil)
	test.That(t, b.ConfigureSlice(0, board.Divider{}, 10), test.ShouldNotBeNil)

	test.That(t, b.Close(context.Background()), test.ShouldBeNil)
	test.That(t, b.Slice(1).Enabled, test.ShouldBeFalse)
	test.That(t, b.CloseCount, test.ShouldEqual, 1)
}

func TestEdges(t *testing.T) {
	logger := logging.NewTestLogger(t)
	b, err := NewBoard(board.DefaultClockHz, &Config{FailEdgeRegistration: []int{2}}, logger)
	test.That(t, err, test.ShouldBeNil)

	count := 0
	cancel, err := b.RegisterRisingEdge(0, func() { count++ })
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b.HandlerCount(0), test.ShouldEqual, 1)

	b.Tick(0, 5)
	b.Tick(1, 5)
	test.That(t, count, test.ShouldEqual, 5)

	cancel()
	b.Tick(0, 5)
	test.That(t, count, test.ShouldEqual, 5)
	test.That(t, b.HandlerCount(0), test.ShouldEqual, 0)

	_, err = b.RegisterRisingEdge(2, func() {})
	test.That(t, err, test.ShouldNotBeNil)
	_, err = b.RegisterRisingEdge(30, func() {})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestGPIOAndRouting(t *testing.T) {
	b, err := NewBoard(0, nil, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)

	pin, err := b.GPIOPinByNumber(4)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, pin.Set(context.Background(), true), test.ShouldBeNil)
	again, err := b.GPIOPinByNumber(4)
	test.That(t, err, test.ShouldBeNil)
	high, err := again.Get(context.Background())
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeTrue)

	_, err = b.GPIOPinByNumber(99)
	test.That(t, err, test.ShouldNotBeNil)

	test.That(t, b.RoutePWM(6), test.ShouldBeNil)
	test.That(t, b.Routed(6), test.ShouldBeTrue)
	test.That(t, b.Routed(7), test.ShouldBeFalse)
}

func TestDecodeConfig(t *testing.T) {
	conf, err := DecodeConfig(map[string]interface{}{
		"fail_edge_registration": []interface{}{1, 3},
		"fail_new":               true,
	})
	test.That(t, err, test.ShouldBeNil)
	test.That(t, conf.FailEdgeRegistration, test.ShouldResemble, []int{1, 3})
	test.That(t, conf.FailNew, test.ShouldBeTrue)

	_, err = NewBoard(0, conf, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)
}
