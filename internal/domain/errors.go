package domain

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrAuthenticationRequired is returned when a call needs a session and
	// refresh-and-retry could not provide one.
	ErrAuthenticationRequired = errors.New("authentication required")
	// ErrSessionExpired is returned when the refresh token is missing or rejected.
	ErrSessionExpired = errors.New("session expired")
	// ErrNotWatched is returned when a symbol is not in the local watchlist.
	ErrNotWatched = errors.New("symbol is not in the watchlist")
)

// StorageError reports a durable-store failure. It never means "no data".
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// NetworkError reports that no response was received from the backend.
type NetworkError struct {
	Err error
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("network unavailable: %v", e.Err)
}

func (e *NetworkError) Unwrap() error { return e.Err }

// BackendError is a non-2xx response.
type BackendError struct {
	Status  int
	Message string
}

func (e *BackendError) Error() string {
	return e.Message
}

// IsUnauthorized reports whether the backend rejected the credentials.
func (e *BackendError) IsUnauthorized() bool {
	return e.Status == http.StatusUnauthorized
}

// DuplicateError is returned when adding a symbol that is already watched.
type DuplicateError struct {
	Symbol string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("%s is already in your watchlist", e.Symbol)
}

// ValidationError reports malformed client-side input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// IsUnauthorized reports whether err is a 401 from the backend.
func IsUnauthorized(err error) bool {
	var be *BackendError
	return errors.As(err, &be) && be.IsUnauthorized()
}

const (
	connectivityMessage = "Unable to reach the server. Check your internet connection and try again."
	signInAgainMessage  = "Your session has expired. Please sign in again."
	storageMessage      = "Saved credentials could not be read on this device."
)

// UserMessage converts an error into text shown to the user. Backend
// rejections are shown verbatim so "wrong password" is distinguishable from
// "no internet".
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	var (
		be *BackendError
		ne *NetworkError
		se *StorageError
		de *DuplicateError
		ve *ValidationError
	)
	switch {
	case errors.Is(err, ErrAuthenticationRequired), errors.Is(err, ErrSessionExpired):
		return signInAgainMessage
	case errors.As(err, &ne):
		return connectivityMessage
	case errors.As(err, &be):
		return be.Message
	case errors.As(err, &se):
		return storageMessage
	case errors.As(err, &de):
		return de.Error()
	case errors.As(err, &ve):
		return ve.Error()
	default:
		return err.Error()
	}
}
