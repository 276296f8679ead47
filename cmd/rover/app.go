package main

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/pkg/errors"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"

	"go.viam.com/rover/components/base/rover"
	"go.viam.com/rover/components/board"
	"go.viam.com/rover/components/board/fake"
	"go.viam.com/rover/components/board/periph"
	"go.viam.com/rover/config"
	"go.viam.com/rover/logging"
)

const (
	flagConfig         = "config"
	flagDebug          = "debug"
	flagLogFile        = "log-file"
	flagSpeed          = "speed"
	flagSteerX         = "x"
	flagSteerY         = "y"
	flagStatusInterval = "status-interval"
	flagDuration       = "duration"
)

func newApp() *cli.App {
	return &cli.App{
		Name:            "rover",
		Usage:           "drive a rover",
		HideHelpCommand: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     flagConfig,
				Aliases:  []string{"c"},
				Usage:    "load configuration from `FILE`",
				Required: true,
			},
			&cli.BoolFlag{
				Name:    flagDebug,
				Aliases: []string{"vvv"},
				Usage:   "enable debug logging",
			},
			&cli.StringFlag{
				Name:  flagLogFile,
				Usage: "also write logs to `FILE`, rotated every 10 MB",
			},
		},
		Commands: []*cli.Command{
			{
				Name:   "run",
				Usage:  "set up the rover and run the control loop until interrupted",
				Action: runAction,
				Flags: []cli.Flag{
					&cli.Float64Flag{
						Name:  flagSpeed,
						Usage: "linear speed target in m/s",
					},
					&cli.IntFlag{
						Name:  flagSteerX,
						Usage: "steering intent in [-100, 100], positive turns right",
					},
					&cli.IntFlag{
						Name:  flagSteerY,
						Usage: "forward intent in [-100, 100]",
					},
					&cli.DurationFlag{
						Name:  flagStatusInterval,
						Usage: "how often to print the wheel status table, 0 to disable",
						Value: time.Second,
					},
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "stop after this long, 0 to run until interrupted",
					},
				},
			},
			{
				Name:   "validate",
				Usage:  "validate the configuration and print the wheel wiring",
				Action: validateAction,
			},
		},
	}
}

func newLogger(c *cli.Context, cfg *config.Config) logging.Logger {
	logger := logging.NewLogger("rover")
	if cfg != nil {
		logger.SetLevel(cfg.Level())
	}
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	return logger
}

const (
	logFileMaxSizeMB  = 10
	logFileMaxBackups = 3
)

// readConfig reads the config and builds the logger it asks for. The returned function closes the
// log file, if any.
func readConfig(c *cli.Context) (*config.Config, logging.Logger, func() error, error) {
	cfg, err := config.Read(c.Context, c.String(flagConfig), newLogger(c, nil))
	if err != nil {
		return nil, nil, nil, err
	}
	logger := newLogger(c, cfg)
	closeLog := func() error { return nil }
	if path := c.String(flagLogFile); path != "" {
		appender := logging.NewFileAppender(path, logFileMaxSizeMB, logFileMaxBackups)
		logger.AddAppender(appender)
		closeLog = appender.Close
	}
	return cfg, logger, closeLog, nil
}

// newBoard builds the board model named in conf.
func newBoard(conf board.Config, logger logging.Logger) (board.Board, error) {
	switch conf.Model {
	case board.ModelFake:
		attrs, err := fake.DecodeConfig(conf.Attributes)
		if err != nil {
			return nil, err
		}
		b, err := fake.NewBoard(conf.EffectiveClockHz(), attrs, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	case board.ModelPeriph:
		attrs, err := periph.DecodeConfig(conf.Attributes)
		if err != nil {
			return nil, err
		}
		b, err := periph.NewBoard(conf.EffectiveClockHz(), attrs, logger)
		if err != nil {
			return nil, err
		}
		return b, nil
	default:
		return nil, errors.Errorf("unknown board model %q", conf.Model)
	}
}

func validateAction(c *cli.Context) error {
	cfg, logger, closeLog, err := readConfig(c)
	if err != nil {
		return err
	}
	logger.Infow("config is valid", "path", cfg.ConfigFilePath, "wheels", len(cfg.Rover.Wheels))
	fmt.Fprintln(c.App.Writer, wiringTable(cfg.Rover))
	return closeLog()
}

// wiringTable prints out a table of each wheel with its pins and PWM slices.
func wiringTable(conf rover.Config) string {
	pwmPin := func(pin int) string {
		return fmt.Sprintf("%d (slice %d%s)", pin, board.SliceNum(pin), board.ChannelOf(pin))
	}
	t := table.NewWriter()
	t.AppendHeader(table.Row{"Wheel", "Axle", "Motor", "Direction", "Servo", "Encoder"})
	for _, w := range conf.Wheels {
		dir, servo := "-", "-"
		if w.Motor.DirectionPin != nil {
			dir = fmt.Sprint(*w.Motor.DirectionPin)
		}
		if w.Servo != nil {
			servo = pwmPin(w.Servo.Pin)
		}
		encoderPin, err := w.ResolveEncoderPin()
		encoder := fmt.Sprint(encoderPin)
		if err != nil {
			encoder = "?"
		}
		t.AppendRow(table.Row{w.Name, w.Axle, pwmPin(w.Motor.Pin), dir, servo, encoder})
	}
	return t.Render()
}

func runAction(c *cli.Context) (err error) {
	cfg, logger, closeLog, err := readConfig(c)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, logger.Sync(), closeLog())
	}()
	ctx := c.Context
	intent := rover.MotionIntent{X: c.Int(flagSteerX), Y: c.Int(flagSteerY), SpeedMPS: c.Float64(flagSpeed)}
	if err := rover.ValidateIntent(intent.X, intent.Y); err != nil {
		return err
	}

	b, err := newBoard(cfg.Board, logger.Sublogger("board"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, b.Close(context.Background()))
	}()

	r, err := rover.New(b, cfg.Rover, clock.New(), logger.Sublogger("rover"))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, r.Close(context.Background()))
	}()
	if err := r.Setup(ctx); err != nil {
		return err
	}
	if err := r.Start(); err != nil {
		return err
	}
	if err := r.SetIntent(intent); err != nil {
		return err
	}

	watcher, err := config.Watch(cfg.ConfigFilePath, logger, func(newCfg *config.Config) {
		if err := r.UpdatePID(newCfg.Rover.PID); err != nil {
			logger.Errorw("failed to retune speed controller", "error", err)
		}
	})
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Combine(err, watcher.Close())
	}()

	if d := c.Duration(flagDuration); d > 0 {
		var cancel func()
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}
	return printStatus(ctx, c, r)
}

func printStatus(ctx context.Context, c *cli.Context, r *rover.Rover) error {
	interval := c.Duration(flagStatusInterval)
	if interval <= 0 {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fmt.Fprintln(c.App.Writer, r.Status())
		}
	}
}
