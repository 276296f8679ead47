package utils

import (
	"github.com/pkg/errors"
)

// NewPinInUseError is used when a second user tries to claim an already claimed pin.
func NewPinInUseError(pin int, owner string) error {
	return errors.Errorf("pin %d already in use by %s", pin, owner)
}
