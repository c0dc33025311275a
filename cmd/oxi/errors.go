package main

import (
	"errors"

	"github.com/oxiview/oxi/internal/peripheral"
	"github.com/oxiview/oxi/internal/session"
)

// FormatUserError turns internal errors into messages suitable for stderr.
func FormatUserError(err error) string {
	switch {
	case errors.Is(err, session.ErrNoDevice):
		return "No device to reconnect to - run 'oxi monitor' to select one first"
	case errors.Is(err, session.ErrSetupInFlight):
		return "A connection attempt is already in progress"
	case errors.Is(err, peripheral.ErrNotifyNotFound):
		return "Notify characteristic not found - the device does not look like a supported oximeter"
	default:
		return err.Error()
	}
}
