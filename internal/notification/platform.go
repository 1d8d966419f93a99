package notification

import (
	"context"
	"errors"
)

// ErrPermissionDenied is returned when the user declines notifications.
var ErrPermissionDenied = errors.New("notification permission denied")

// Platform is the device notification service.
type Platform interface {
	// RequestPermission prompts the user if needed and reports the outcome.
	RequestPermission(ctx context.Context) (bool, error)
	// PushToken obtains the device push token. Requires permission.
	PushToken(ctx context.Context) (string, error)
}

// StaticPlatform answers with fixed values. Used by headless clients and
// tests.
type StaticPlatform struct {
	Granted bool
	Token   string
}

func (p StaticPlatform) RequestPermission(context.Context) (bool, error) {
	return p.Granted, nil
}

func (p StaticPlatform) PushToken(context.Context) (string, error) {
	if !p.Granted {
		return "", ErrPermissionDenied
	}
	return p.Token, nil
}
