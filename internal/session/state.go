package session

import "marketsync/internal/domain"

// State is the session lifecycle state.
type State int

const (
	StateUnauthenticated State = iota
	StateAuthenticating
	StateAuthenticated
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateAuthenticating:
		return "AUTHENTICATING"
	case StateAuthenticated:
		return "AUTHENTICATED"
	case StateRefreshing:
		return "REFRESHING"
	case StateLoggedOut:
		return "LOGGED_OUT"
	default:
		return "UNKNOWN"
	}
}

// Status is the snapshot handed to the UI and to listeners.
type Status struct {
	State         State
	Authenticated bool
	User          *domain.User // copy; nil when signed out
	Loading       bool
	Err           error // last operation error, cleared on success
}

// UserID returns the signed-in user's id, or "".
func (s Status) UserID() string {
	if !s.Authenticated || s.User == nil {
		return ""
	}
	return string(s.User.ID)
}
