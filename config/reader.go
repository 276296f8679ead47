package config

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"io/fs"

	"github.com/a8m/envsubst"
	"github.com/pkg/errors"

	"go.viam.com/rover/logging"
)

// ErrNoConfigFile is returned by Read when the file does not exist.
var ErrNoConfigFile = errors.New("config file not found")

// Read reads a config from the given file. Environment variables referenced as $VAR or ${VAR} are
// substituted before decoding.
func Read(
	ctx context.Context,
	filePath string,
	logger logging.Logger,
) (*Config, error) {
	buf, err := envsubst.ReadFile(filePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, errors.Wrap(ErrNoConfigFile, filePath)
		}
		return nil, err
	}

	return FromReader(ctx, filePath, bytes.NewReader(buf), logger)
}

// FromReader reads a config from the given reader and specifies
// where, if applicable, the file the reader originated from.
func FromReader(
	ctx context.Context,
	originalPath string,
	r io.Reader,
	logger logging.Logger,
) (*Config, error) {
	cfg := Config{
		ConfigFilePath: originalPath,
	}
	decoder := json.NewDecoder(r)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&cfg); err != nil {
		return nil, errors.Wrapf(err, "failed to decode Config from json")
	}
	if err := cfg.Ensure(logger); err != nil {
		return nil, err
	}
	return &cfg, nil
}
