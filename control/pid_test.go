package control

import (
	"math"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.viam.com/test"
)

func TestPIDConfig(t *testing.T) {
	test.That(t, PIDConfig{}.Enabled(), test.ShouldBeFalse)
	test.That(t, PIDConfig{D: 0.1}.Enabled(), test.ShouldBeTrue)

	conf := PIDConfig{P: 1, I: 0.5}.WithDefaults()
	test.That(t, conf.IntegralMax, test.ShouldEqual, DefaultIntegralMax)
	conf = PIDConfig{P: 1, I: 0.5, IntegralMax: 20}.WithDefaults()
	test.That(t, conf.IntegralMax, test.ShouldEqual, 20.0)
	conf = PIDConfig{P: 1}.WithDefaults()
	test.That(t, conf.IntegralMax, test.ShouldEqual, 0.0)

	bad := PIDConfig{IntegralMax: -1}
	test.That(t, bad.Validate("pid"), test.ShouldNotBeNil)
	bad = PIDConfig{P: math.NaN()}
	err := bad.Validate("pid")
	test.That(t, err, test.ShouldNotBeNil)
	test.That(t, err.Error(), test.ShouldContainSubstring, "finite")
	for _, bad := range []PIDConfig{{P: -1}, {P: 0.1, I: -0.01}, {P: 0.1, D: -0.5}} {
		err := bad.Validate("pid")
		test.That(t, err, test.ShouldNotBeNil)
		test.That(t, err.Error(), test.ShouldContainSubstring, "cannot be negative")
	}
	good := PIDConfig{P: 0.2, I: 0.01}
	test.That(t, good.Validate("pid"), test.ShouldBeNil)
}

func TestZeroErrorNoDrift(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{P: 0.3, D: 0.05}, clk)
	for i := 0; i < 100; i++ {
		out := sc.Next(120, 120)
		test.That(t, out.Value, test.ShouldEqual, 0.0)
		clk.Add(100 * time.Millisecond)
	}
	test.That(t, sc.Integral(), test.ShouldEqual, 0.0)
}

func TestProportionalAndIntegral(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{P: 0.5, I: 0.1}, clk)

	out := sc.Next(100, 60)
	test.That(t, out.P, test.ShouldEqual, 20.0)
	test.That(t, out.I, test.ShouldAlmostEqual, 4.0)
	test.That(t, out.D, test.ShouldEqual, 0.0)
	test.That(t, out.Value, test.ShouldAlmostEqual, 24.0)

	clk.Add(100 * time.Millisecond)
	out = sc.Next(100, 80)
	test.That(t, out.I, test.ShouldAlmostEqual, 6.0)
	test.That(t, out.Value, test.ShouldAlmostEqual, 16.0)
}

func TestAntiWindup(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{I: 1, IntegralMax: 50}, clk)
	for i := 0; i < 20; i++ {
		out := sc.Next(600, 0)
		test.That(t, math.Abs(out.I), test.ShouldBeLessThanOrEqualTo, 50)
		clk.Add(100 * time.Millisecond)
	}
	test.That(t, sc.Integral(), test.ShouldEqual, 50.0)

	// The clamp holds in reverse as well and unwinds right away.
	out := sc.Next(-600, 0)
	test.That(t, out.I, test.ShouldEqual, -50.0)

	sc.UpdateConfig(PIDConfig{I: 1, IntegralMax: 10})
	test.That(t, sc.Integral(), test.ShouldEqual, -10.0)

	sc.Reset()
	test.That(t, sc.Integral(), test.ShouldEqual, 0.0)
}

func TestRetuneWithoutIntegralGain(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{P: 0.1, I: 1, IntegralMax: 50}, clk)
	for i := 0; i < 10; i++ {
		sc.Next(600, 0)
		clk.Add(100 * time.Millisecond)
	}
	test.That(t, sc.Integral(), test.ShouldEqual, 50.0)

	sc.UpdateConfig(PIDConfig{P: 0.1})
	test.That(t, sc.Config().IntegralMax, test.ShouldEqual, 0.0)
	test.That(t, sc.Integral(), test.ShouldEqual, 0.0)

	out := sc.Next(300, 300)
	test.That(t, out.I, test.ShouldEqual, 0.0)
	test.That(t, out.Value, test.ShouldEqual, 0.0)
}

func TestDerivative(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{D: 0.2}, clk)

	// No previous step.
	test.That(t, sc.Next(10, 0).D, test.ShouldEqual, 0.0)

	clk.Add(500 * time.Millisecond)
	test.That(t, sc.Next(10, 0).D, test.ShouldAlmostEqual, 4.0)

	// deltaT == 0 is a no-op for D.
	out := sc.Next(10, 0)
	test.That(t, out.D, test.ShouldEqual, 0.0)
	test.That(t, out.Value, test.ShouldEqual, 0.0)

	// A clock stepping backwards also gives no D.
	clk.Set(clk.Now().Add(-time.Second))
	test.That(t, sc.Next(10, 0).D, test.ShouldEqual, 0.0)

	sc.Reset()
	clk.Add(time.Second)
	test.That(t, sc.Next(10, 0).D, test.ShouldEqual, 0.0)
}

func TestConverges(t *testing.T) {
	clk := clock.NewMock()
	sc := NewSpeedController(PIDConfig{P: 0.05, I: 0.02, IntegralMax: 100}, clk)

	// A wheel whose speed follows duty with a 5 rpm per percent gain.
	target, current := 300.0, 0.0
	for i := 0; i < 400; i++ {
		duty, dir := DutyFromOutput(sc.Next(target, current).Value, target)
		current = Power(duty, dir) * 100 * 5
		clk.Add(100 * time.Millisecond)
		if i > 300 {
			test.That(t, current, test.ShouldAlmostEqual, target, 1)
		}
	}
}

func TestDutyFromOutput(t *testing.T) {
	for _, tc := range []struct {
		output, target float64
		duty           float64
		dir            int
	}{
		{42, 100, 42, 1},
		{-42, 100, 42, -1},
		{250, 100, 100, 1},
		{-250, -100, 100, -1},
		{0, -100, 0, -1},
		{0, 0, 0, 0},
	} {
		duty, dir := DutyFromOutput(tc.output, tc.target)
		test.That(t, duty, test.ShouldEqual, tc.duty)
		test.That(t, dir, test.ShouldEqual, tc.dir)
	}
}

func TestOpenLoop(t *testing.T) {
	duty, dir := OpenLoopDuty(150, 300)
	test.That(t, duty, test.ShouldEqual, 50.0)
	test.That(t, dir, test.ShouldEqual, 1)

	duty, dir = OpenLoopDuty(-600, 300)
	test.That(t, duty, test.ShouldEqual, 100.0)
	test.That(t, dir, test.ShouldEqual, -1)

	duty, dir = OpenLoopDuty(100, 0)
	test.That(t, duty, test.ShouldEqual, 0.0)
	test.That(t, dir, test.ShouldEqual, 0)

	test.That(t, Power(50, -1), test.ShouldEqual, -0.5)
	test.That(t, Power(150, 1), test.ShouldEqual, 1.0)
}
