package rover

import (
	"context"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"go.viam.com/utils/testutils"

	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/board/fake"
	"go.viam.com/rover/components/encoder"
	"go.viam.com/rover/components/motor"
	"go.viam.com/rover/components/servo"
	"go.viam.com/rover/control"
	"go.viam.com/rover/logging"
)

func intPtr(i int) *int {
	return &i
}

func drive(pin, dirPin int) motor.Config {
	return motor.Config{Pin: pin, DirectionPin: intPtr(dirPin), PeriodNs: 16000, MaxOnTimeNs: 16000, MaxRPM: 300}
}

// testConfig is a four wheel rover steered by the front axle.
func testConfig(pid control.PIDConfig) Config {
	return Config{
		Wheels: []WheelConfig{
			{Name: "front_left", Axle: AxleFront, Motor: drive(4, 20), Servo: &servo.Config{Pin: 10}},
			{Name: "front_right", Axle: AxleFront, Motor: drive(6, 21), Servo: &servo.Config{Pin: 12}},
			{Name: "rear_left", Axle: AxleRear, Motor: drive(8, 22)},
			{Name: "rear_right", Axle: AxleRear, Motor: drive(14, 23)},
		},
		PID: pid,
	}
}

func newRover(t *testing.T, conf Config, boardConf *fake.Config) (*Rover, *fake.Board, *clock.Mock) {
	t.Helper()
	logger := logging.NewTestLogger(t)
	b, err := fake.NewBoard(board.DefaultClockHz, boardConf, logger)
	test.That(t, err, test.ShouldBeNil)
	clk := clock.NewMock()
	r, err := New(b, conf, clk, logger)
	test.That(t, err, test.ShouldBeNil)
	return r, b, clk
}

func TestConfigValidate(t *testing.T) {
	conf := testConfig(control.PIDConfig{})
	test.That(t, conf.Validate("rover"), test.ShouldBeNil)

	conf = testConfig(control.PIDConfig{})
	conf.Wheels = nil
	err := conf.Validate("rover")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "wheels")

	conf = testConfig(control.PIDConfig{})
	conf.Wheels[1].Name = "front_left"
	err = conf.Validate("rover")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "duplicate wheel name")

	// Open loop needs a top speed.
	conf = testConfig(control.PIDConfig{})
	conf.Wheels[2].Motor.MaxRPM = 0
	err = conf.Validate("rover")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "max_rpm")
	conf.PID = control.PIDConfig{P: 0.1}
	test.That(t, conf.Validate("rover"), test.ShouldBeNil)

	// Pin 20 drives the same slice and channel as the front left motor.
	conf = testConfig(control.PIDConfig{})
	conf.Wheels[1].Servo.Pin = 20
	err = conf.Validate("rover")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pwm slice 2 channel A")

	conf = testConfig(control.PIDConfig{})
	conf.Wheels[3].Motor.DirectionPin = intPtr(22)
	err = conf.Validate("rover")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "pin 22 used by both")

	// Wheels not named after a position need an explicit encoder pin.
	conf = testConfig(control.PIDConfig{})
	conf.Wheels[0].Name = "left"
	test.That(t, conf.Validate("rover"), test.ShouldNotBeNil)
	conf.Wheels[0].EncoderPin = intPtr(24)
	test.That(t, conf.Validate("rover"), test.ShouldBeNil)

	conf = testConfig(control.PIDConfig{})
	conf.Steering.Mode = "tank"
	test.That(t, conf.Validate("rover"), test.ShouldNotBeNil)
}

func TestDefaults(t *testing.T) {
	conf := testConfig(control.PIDConfig{I: 0.1}).WithDefaults()
	test.That(t, conf.WheelRadiusM, test.ShouldEqual, 0.05)
	test.That(t, conf.ControlPeriod(), test.ShouldEqual, 100*time.Millisecond)
	test.That(t, conf.Steering.Mode, test.ShouldEqual, SteeringFront)
	test.That(t, conf.Steering.MaxDegree, test.ShouldEqual, 90.0)
	test.That(t, conf.Encoder.PulsesPerRevolution, test.ShouldEqual, 64)
	test.That(t, conf.PID.IntegralMax, test.ShouldEqual, 100.0)
}

func TestSteering(t *testing.T) {
	front, rear := AxleSteering{Mode: SteeringFront, MaxDegree: 90}.Angles(50, 100)
	test.That(t, front, test.ShouldEqual, 45.0)
	test.That(t, rear, test.ShouldEqual, 0.0)

	front, rear = AxleSteering{Mode: SteeringFourWheel, MaxDegree: 30}.Angles(-100, 0)
	test.That(t, front, test.ShouldEqual, -30.0)
	test.That(t, rear, test.ShouldEqual, 30.0)

	test.That(t, ValidateIntent(100, -100), test.ShouldBeNil)
	test.That(t, errors.Is(ValidateIntent(101, 0), ErrIntentOutOfRange), test.ShouldBeTrue)
	test.That(t, errors.Is(ValidateIntent(0, -101), ErrIntentOutOfRange), test.ShouldBeTrue)

	test.That(t, RPMFromSpeed(SpeedFromRPM(150, 0.05), 0.05), test.ShouldAlmostEqual, 150)
	test.That(t, RPMFromSpeed(1, 0), test.ShouldEqual, 0.0)
}

func TestSetupOrder(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newRover(t, testConfig(control.PIDConfig{}), &fake.Config{FailEdgeRegistration: []int{3}})
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	// Sampling starts first, so nothing is driven when it fails.
	err := r.Setup(ctx)
	test.That(t, errors.Is(err, encoder.ErrTimerRegistration), test.ShouldBeTrue)
	test.That(t, b.Slice(2).Enabled, test.ShouldBeFalse)
	test.That(t, b.Slice(5).Enabled, test.ShouldBeFalse)
	test.That(t, b.HandlerCount(0), test.ShouldEqual, 0)
}

func TestSetup(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newRover(t, testConfig(control.PIDConfig{}), nil)
	test.That(t, r.WheelNames(), test.ShouldResemble, []string{"front_left", "front_right", "rear_left", "rear_right"})
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	test.That(t, r.Setup(ctx), test.ShouldNotBeNil)

	for _, slice := range []int{2, 3, 4, 5, 6, 7} {
		test.That(t, b.Slice(slice).Enabled, test.ShouldBeTrue)
	}
	for _, pin := range encoder.DefaultPins {
		test.That(t, b.HandlerCount(pin), test.ShouldEqual, 1)
	}
	// Steering servos rest at the middle of their range.
	test.That(t, b.Level(10), test.ShouldEqual, 4909)
	test.That(t, r.IsMoving(), test.ShouldBeFalse)

	test.That(t, r.Close(ctx), test.ShouldBeNil)
	for _, slice := range []int{2, 3, 4, 5, 6, 7} {
		test.That(t, b.Slice(slice).Enabled, test.ShouldBeFalse)
	}
	test.That(t, b.Level(4), test.ShouldEqual, 0)
	test.That(t, b.Level(10), test.ShouldEqual, 0)
	test.That(t, b.HandlerCount(0), test.ShouldEqual, 0)
}

func TestOpenLoop(t *testing.T) {
	ctx := context.Background()
	r, b, _ := newRover(t, testConfig(control.PIDConfig{}), nil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, r.SetSpeed(ctx, SpeedFromRPM(150, 0.05)), test.ShouldBeNil)
	test.That(t, r.TargetRPM(), test.ShouldAlmostEqual, 150, 1e-9)
	for _, w := range r.wheels {
		test.That(t, w.motor.Direction(), test.ShouldEqual, 1)
		test.That(t, w.motor.DutyCycle(), test.ShouldAlmostEqual, 50, 0.01)
	}
	b.AdvanceCycle()
	test.That(t, b.Level(4), test.ShouldAlmostEqual, 1000, 1)
	test.That(t, r.IsMoving(), test.ShouldBeTrue)

	// Reversing flips the direction pins.
	test.That(t, r.SetSpeed(ctx, SpeedFromRPM(-600, 0.05)), test.ShouldBeNil)
	dir, err := b.GPIOPinByNumber(20)
	test.That(t, err, test.ShouldBeNil)
	high, err := dir.Get(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, high, test.ShouldBeFalse)
	for _, w := range r.wheels {
		test.That(t, w.motor.Direction(), test.ShouldEqual, -1)
		test.That(t, w.motor.DutyCycle(), test.ShouldEqual, 100.0)
	}

	test.That(t, r.SetSpeed(ctx, 0), test.ShouldBeNil)
	test.That(t, r.IsMoving(), test.ShouldBeFalse)
}

func TestClosedLoop(t *testing.T) {
	ctx := context.Background()
	r, b, clk := newRover(t, testConfig(control.PIDConfig{P: 0.1}), nil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	// Nothing measured yet: the output is 0.1 * 150.
	test.That(t, r.SetSpeed(ctx, SpeedFromRPM(150, 0.05)), test.ShouldBeNil)
	for _, w := range r.wheels {
		test.That(t, w.motor.Power(), test.ShouldAlmostEqual, 0.15, 1e-9)
	}

	// Front left reaches the target, the others stay still.
	b.Tick(0, 16)
	r.sampler.Sample()
	test.That(t, r.Rates(), test.ShouldResemble, []float64{150, 0, 0, 0})

	clk.Add(10 * time.Millisecond)
	test.That(t, r.Step(ctx), test.ShouldBeNil)
	st := r.Status()
	test.That(t, st.Wheels[0].MeasuredRPM, test.ShouldEqual, 150.0)
	// The first step measured nothing.
	test.That(t, st.Wheels[0].AverageRPM, test.ShouldEqual, 75.0)
	test.That(t, st.Wheels[0].Duty, test.ShouldAlmostEqual, 0, 1e-6)
	test.That(t, st.Wheels[0].Direction, test.ShouldEqual, 1)
	test.That(t, r.wheels[0].motor.IsPowered(), test.ShouldBeFalse)
	test.That(t, st.Wheels[1].Duty, test.ShouldAlmostEqual, 15, 1e-6)
	test.That(t, st.String(), test.ShouldContainSubstring, "front_left")

	test.That(t, r.UpdatePID(control.PIDConfig{P: 0.1, I: 0.01}), test.ShouldBeNil)
	test.That(t, r.Step(ctx), test.ShouldBeNil)
	test.That(t, r.wheels[1].pid.Integral(), test.ShouldAlmostEqual, 1.5, 1e-6)

	test.That(t, r.UpdatePID(control.PIDConfig{P: -1}), test.ShouldNotBeNil)
	test.That(t, r.wheels[1].pid.Config().P, test.ShouldEqual, 0.1)

	// Dropping the integral gain live clears the accumulated integrals.
	test.That(t, r.UpdatePID(control.PIDConfig{P: 0.1}), test.ShouldBeNil)
	test.That(t, r.wheels[1].pid.Integral(), test.ShouldEqual, 0.0)

	// A zero target stops and clears the integrals.
	test.That(t, r.Stop(ctx), test.ShouldBeNil)
	test.That(t, r.IsMoving(), test.ShouldBeFalse)
	test.That(t, r.wheels[1].pid.Integral(), test.ShouldEqual, 0.0)
}

func TestAnomalies(t *testing.T) {
	ctx := context.Background()
	logger, observed := logging.NewObservedTestLogger(t)
	b, err := fake.NewBoard(board.DefaultClockHz, nil, logger)
	test.That(t, err, test.ShouldBeNil)
	conf := testConfig(control.PIDConfig{P: 0.1})
	conf.Encoder.MaxRPM = 200
	r, err := New(b, conf, clock.NewMock(), logger)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	b.Tick(1, 64)
	r.sampler.Sample()
	test.That(t, r.sampler.Rate(1), test.ShouldEqual, 200.0)
	test.That(t, r.Step(ctx), test.ShouldBeNil)
	test.That(t, r.Step(ctx), test.ShouldBeNil)
	test.That(t, observed.FilterMessage("implausible encoder rates clamped").Len(), test.ShouldEqual, 1)
	test.That(t, r.Status().Anomalies, test.ShouldEqual, 1)
}

func TestDirection(t *testing.T) {
	ctx := context.Background()
	r, _, _ := newRover(t, testConfig(control.PIDConfig{}), nil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, r.SetDirection(ctx, 50, 0), test.ShouldBeNil)
	st := r.Status()
	test.That(t, *st.Wheels[0].Degree, test.ShouldEqual, 45.0)
	test.That(t, *st.Wheels[1].Degree, test.ShouldEqual, 45.0)
	test.That(t, st.Wheels[2].Degree, test.ShouldBeNil)
	test.That(t, r.wheels[0].servo.PulseWidth(), test.ShouldEqual, 1950*time.Microsecond)

	err := r.SetDirection(ctx, 0, 150)
	test.That(t, errors.Is(err, ErrIntentOutOfRange), test.ShouldBeTrue)
	test.That(t, *r.Status().Wheels[0].Degree, test.ShouldEqual, 45.0)
	test.That(t, errors.Is(r.SetIntent(MotionIntent{X: -101}), ErrIntentOutOfRange), test.ShouldBeTrue)
}

func TestFourWheelSteering(t *testing.T) {
	ctx := context.Background()
	conf := testConfig(control.PIDConfig{})
	conf.Steering = SteeringConfig{Mode: SteeringFourWheel, MaxDegree: 30}
	for i := range conf.Wheels {
		conf.Wheels[i].EncoderPin = intPtr(24 + i)
	}
	conf.Wheels[2].Servo = &servo.Config{Pin: 0}
	conf.Wheels[3].Servo = &servo.Config{Pin: 2}
	r, _, _ := newRover(t, conf, nil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	defer func() {
		test.That(t, r.Close(ctx), test.ShouldBeNil)
	}()

	test.That(t, r.SetDirection(ctx, 100, 0), test.ShouldBeNil)
	st := r.Status()
	test.That(t, *st.Wheels[0].Degree, test.ShouldEqual, 30.0)
	test.That(t, *st.Wheels[3].Degree, test.ShouldEqual, -30.0)
}

func TestControlLoop(t *testing.T) {
	ctx := context.Background()
	r, _, clk := newRover(t, testConfig(control.PIDConfig{}), nil)
	test.That(t, r.Start(), test.ShouldNotBeNil)
	test.That(t, r.Setup(ctx), test.ShouldBeNil)
	test.That(t, r.Start(), test.ShouldBeNil)
	test.That(t, r.Start(), test.ShouldNotBeNil)

	// Only the latest intent is applied.
	test.That(t, r.SetIntent(MotionIntent{X: 100, SpeedMPS: SpeedFromRPM(30, 0.05)}), test.ShouldBeNil)
	test.That(t, r.SetIntent(MotionIntent{X: -50, SpeedMPS: SpeedFromRPM(150, 0.05)}), test.ShouldBeNil)
	clk.Add(100 * time.Millisecond)
	testutils.WaitForAssertion(t, func(tb testing.TB) {
		tb.Helper()
		st := r.Status()
		test.That(tb, st.X, test.ShouldEqual, -50)
		test.That(tb, st.TargetRPM, test.ShouldAlmostEqual, 150, 1e-9)
		test.That(tb, st.Wheels[2].Duty, test.ShouldAlmostEqual, 50, 1e-6)
	})
	test.That(t, *r.Status().Wheels[0].Degree, test.ShouldEqual, -45.0)

	test.That(t, r.Close(ctx), test.ShouldBeNil)
	test.That(t, r.IsMoving(), test.ShouldBeFalse)
}

type noGPIOBoard struct {
	*fake.Board
	failPin int
}

func (b *noGPIOBoard) GPIOPinByNumber(pin int) (board.GPIOPin, error) {
	if pin == b.failPin {
		return nil, errors.Errorf("pin %d not exported", pin)
	}
	return b.Board.GPIOPinByNumber(pin)
}

func TestNewFailure(t *testing.T) {
	logger := logging.NewTestLogger(t)
	fb, err := fake.NewBoard(board.DefaultClockHz, nil, logger)
	test.That(t, err, test.ShouldBeNil)

	conf := testConfig(control.PIDConfig{})
	conf.Wheels[1].Servo.Pin = 99
	_, err = New(fb, conf, clock.NewMock(), logger)
	test.That(t, errors.Is(err, board.ErrInvalidPin), test.ShouldBeTrue)

	_, err = New(&noGPIOBoard{Board: fb, failPin: 22}, testConfig(control.PIDConfig{}), clock.NewMock(), logger)
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "rear_left")
	test.That(t, err.Error(), test.ShouldContainSubstring, "pin 22 not exported")
}
