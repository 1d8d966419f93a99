package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Session holds the credential pair issued by the backend.
// A nil *Session means the user is signed out.
type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	TokenType    string    `json:"token_type"`
	ExpiresIn    int64     `json:"expires_in,omitempty"` // Seconds
	IssuedAt     time.Time `json:"issued_at"`
}

// HasRefreshToken reports whether the session can be renewed without a password.
func (s *Session) HasRefreshToken() bool {
	return s != nil && s.RefreshToken != ""
}

// TokenResponse is the body returned by the login and refresh endpoints.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in,omitempty"`
}

// NewSession builds a session from a token response issued at the given time.
func NewSession(resp TokenResponse, issuedAt time.Time) *Session {
	tokenType := resp.TokenType
	if tokenType == "" {
		tokenType = "bearer"
	}
	return &Session{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    tokenType,
		ExpiresIn:    resp.ExpiresIn,
		IssuedAt:     issuedAt,
	}
}

// Rotate applies a refresh response. The refresh token is kept when the
// backend does not rotate it.
func (s *Session) Rotate(resp TokenResponse, issuedAt time.Time) *Session {
	next := *s
	next.AccessToken = resp.AccessToken
	if resp.RefreshToken != "" {
		next.RefreshToken = resp.RefreshToken
	}
	if resp.TokenType != "" {
		next.TokenType = resp.TokenType
	}
	next.ExpiresIn = resp.ExpiresIn
	next.IssuedAt = issuedAt
	return &next
}

// UserID is the backend's user id. The backend sends a number; a string is
// accepted too. It is kept as a decimal string.
type UserID string

func (id *UserID) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	switch {
	case bytes.Equal(b, []byte("null")):
		*id = ""
		return nil
	case len(b) > 0 && b[0] == '"':
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*id = UserID(s)
		return nil
	}

	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("user id: %w", err)
	}
	*id = UserID(n.String())
	return nil
}

// User mirrors the profile returned by /auth/me.
type User struct {
	ID          UserID         `json:"id"`
	Email       string         `json:"email"`
	Username    string         `json:"username"`
	FullName    string         `json:"full_name,omitempty"`
	AvatarURL   string         `json:"avatar_url,omitempty"`
	Preferences map[string]any `json:"preferences,omitempty"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// RegisterRequest is the body of POST /auth/register.
type RegisterRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	Username    string `json:"username"`
	FullName    string `json:"full_name,omitempty"`
	AcceptTerms bool   `json:"accept_terms"`
}

// RefreshRequest is the body of POST /auth/refresh.
type RefreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}
