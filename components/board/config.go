package board

import (
	"github.com/go-viper/mapstructure/v2"
	"github.com/pkg/errors"
	"go.viam.com/utils"
)

// Board models understood by the rover.
const (
	ModelFake   = "fake"
	ModelPeriph = "periph"
)

// Config selects and parameterizes the board implementation. Attributes are decoded by the chosen
// model into its own attribute struct.
type Config struct {
	Model      string                 `json:"model"`
	ClockHz    uint32                 `json:"clock_hz,omitempty"`
	Attributes map[string]interface{} `json:"attributes,omitempty"`
}

// Validate ensures all parts of the config are valid.
func (conf *Config) Validate(path string) error {
	switch conf.Model {
	case "":
		return utils.NewConfigValidationFieldRequiredError(path, "model")
	case ModelFake, ModelPeriph:
	default:
		return utils.NewConfigValidationError(path, errors.Errorf("unknown board model %q", conf.Model))
	}
	return nil
}

// EffectiveClockHz returns the configured clock or DefaultClockHz.
func (conf *Config) EffectiveClockHz() uint32 {
	if conf.ClockHz == 0 {
		return DefaultClockHz
	}
	return conf.ClockHz
}

// DecodeAttributes decodes model specific attributes into out, honoring `json` struct tags.
func DecodeAttributes(attributes map[string]interface{}, out interface{}) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "json",
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(attributes)
}
