// Package peripheral defines the seam between the device session and the
// host platform's Bluetooth stack.
//
// The session never talks to a BLE library directly; it is handed a Provider
// and works against these interfaces, so the whole connection lifecycle is
// testable without hardware. The go-ble backed implementation lives in the
// goble subpackage.
package peripheral

import (
	"context"
	"errors"
	"fmt"
)

// Sentinel errors shared by provider implementations.
var (
	// ErrSelectionCancelled reports that the user dismissed the platform's
	// device selection step. Callers treat this as a silent no-op.
	ErrSelectionCancelled = errors.New("device selection cancelled")

	// ErrNotifyNotFound reports that the oximeter service exposes no
	// characteristic with the notify capability.
	ErrNotifyNotFound = errors.New("notify characteristic not found")
)

// NotFoundError reports a missing GATT resource during discovery.
type NotFoundError struct {
	Resource string // "service" or "characteristic"
	UUID     string
}

func (e *NotFoundError) Error() string {
	if e.UUID == "" {
		return fmt.Sprintf("%s not found", e.Resource)
	}
	return fmt.Sprintf("%s %q not found", e.Resource, e.UUID)
}

// Is allows errors.Is to match NotFoundError values by resource kind.
func (e *NotFoundError) Is(target error) bool {
	t, ok := target.(*NotFoundError)
	if !ok {
		return false
	}
	return e.Resource == t.Resource && (t.UUID == "" || t.UUID == e.UUID)
}

// Provider performs the platform's peripheral selection step. Selection may
// involve a user-facing picker; a cancelled pick returns
// ErrSelectionCancelled.
type Provider interface {
	RequestPeripheral(ctx context.Context) (Peripheral, error)
}

// Peripheral is a selected but not necessarily connected device. Handles stay
// valid across disconnects so a session can reconnect without a new
// selection step.
type Peripheral interface {
	ID() string
	Name() string

	// Connect establishes the GATT link and discovers the profile. The
	// platform's own BLE timeout governs unless ctx expires first.
	Connect(ctx context.Context) (Link, error)
}

// Link is a live GATT connection.
type Link interface {
	// Characteristics lists the characteristics of the given service.
	// A missing service yields a *NotFoundError.
	Characteristics(serviceUUID string) ([]Characteristic, error)

	// OnDisconnect registers fn to run once when the peripheral drops the
	// link. Closing the link locally does not fire it.
	OnDisconnect(fn func())

	Close() error
}

// Characteristic is a single GATT characteristic under the target service.
type Characteristic interface {
	UUID() string

	// CanNotify reports whether the characteristic advertises the notify
	// capability.
	CanNotify() bool

	// Subscribe enables notifications and delivers every payload to fn in
	// arrival order from a single goroutine. The data slice is only valid
	// for the duration of the callback.
	Subscribe(fn func(data []byte)) error

	Unsubscribe() error
}
