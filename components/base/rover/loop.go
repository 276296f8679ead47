package rover

import (
	"context"
	"fmt"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"

	"go.viam.com/rover/utils"
)

// Start runs the control loop every control period. Each tick applies the latest queued intent
// and then runs one control step.
func (r *Rover) Start() error {
	r.lifecycleMu.Lock()
	defer r.lifecycleMu.Unlock()
	if !r.setUp {
		return errors.New("rover must be set up before the control loop starts")
	}
	if r.workers != nil {
		return errors.New("control loop already running")
	}
	r.workers = utils.NewStoppableWorkers()
	r.workers.AddTicker(r.clk, r.conf.ControlPeriod(), r.tick)
	r.logger.Infow("control loop started", "period", r.conf.ControlPeriod())
	return nil
}

func (r *Rover) tick(ctx context.Context) {
	if intent := r.takeIntent(); intent != nil {
		if err := r.SetDirection(ctx, intent.X, intent.Y); err != nil {
			r.logger.Errorw("failed to steer", "error", err)
		}
		r.stepMu.Lock()
		r.targetRPM = RPMFromSpeed(intent.SpeedMPS, r.conf.WheelRadiusM)
		r.stepMu.Unlock()
	}
	if err := r.Step(ctx); err != nil {
		r.logger.Errorw("control step failed", "error", err)
	}
}

// WheelStatus is a snapshot of one wheel after the last control step.
type WheelStatus struct {
	Name        string
	MeasuredRPM float64
	AverageRPM  float64
	Duty        float64
	Direction   int
	Degree      *float64
	Integral    float64
}

// Status is a snapshot of the rover after the last control step.
type Status struct {
	TargetRPM float64
	X, Y      int
	Anomalies uint64
	Wheels    []WheelStatus
}

// Status returns a snapshot of the rover.
func (r *Rover) Status() Status {
	r.stepMu.Lock()
	defer r.stepMu.Unlock()
	st := Status{
		TargetRPM: r.targetRPM,
		X:         r.x,
		Y:         r.y,
		Anomalies: r.sampler.Anomalies(),
	}
	for _, w := range r.wheels {
		ws := WheelStatus{
			Name:        w.name,
			MeasuredRPM: w.measuredRPM,
			AverageRPM:  w.avg.Average(),
			Duty:        w.duty,
			Direction:   w.direction,
			Integral:    w.pid.Integral(),
		}
		if w.servo != nil {
			deg := w.servo.Degree()
			ws.Degree = &deg
		}
		st.Wheels = append(st.Wheels, ws)
	}
	return st
}

// String prints out a table of each wheel.
func (st Status) String() string {
	t := table.NewWriter()
	t.SetTitle(fmt.Sprintf("target %.1f rpm, steering (%d, %d), anomalies %d", st.TargetRPM, st.X, st.Y, st.Anomalies))
	t.AppendHeader(table.Row{"Wheel", "RPM", "Avg RPM", "Duty %", "Dir", "Steering", "Integral"})
	for _, w := range st.Wheels {
		steering := "-"
		if w.Degree != nil {
			steering = fmt.Sprintf("%.1f°", *w.Degree)
		}
		t.AppendRow(table.Row{
			w.Name,
			fmt.Sprintf("%.1f", w.MeasuredRPM),
			fmt.Sprintf("%.1f", w.AverageRPM),
			fmt.Sprintf("%.1f", w.Duty),
			w.Direction,
			steering,
			fmt.Sprintf("%.2f", w.Integral),
		})
	}
	return t.Render()
}
