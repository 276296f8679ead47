// Package config defines the structures to configure a rover and the means to read them.
package config

import (
	"go.viam.com/utils"

	"go.viam.com/rover/components/base/rover"
	"go.viam.com/rover/components/board"
	"go.viam.com/rover/logging"
)

// A Config describes the board a rover runs on and the rover itself.
type Config struct {
	ConfigFilePath string `json:"-"`

	LogLevel string       `json:"log_level,omitempty"`
	Board    board.Config `json:"board"`
	Rover    rover.Config `json:"rover"`
}

// Ensure ensures all parts of the config are valid.
func (c *Config) Ensure(logger logging.Logger) error {
	if c.LogLevel != "" {
		if _, err := logging.LevelFromString(c.LogLevel); err != nil {
			return utils.NewConfigValidationError("log_level", err)
		}
	}
	if err := c.Board.Validate("board"); err != nil {
		return err
	}
	if err := c.Rover.Validate("rover"); err != nil {
		return err
	}
	if c.Board.Model == board.ModelFake {
		logger.Warn("using the fake board, no hardware will be driven")
	}
	return nil
}

// Level returns the configured log level, INFO when unset.
func (c *Config) Level() logging.Level {
	level, err := logging.LevelFromString(c.LogLevel)
	if err != nil {
		return logging.INFO
	}
	return level
}
