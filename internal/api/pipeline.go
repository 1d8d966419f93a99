package api

import (
	"context"
	"errors"
	"log/slog"

	"marketsync/internal/domain"
)

// Authenticator is the slice of the session manager the pipeline needs.
type Authenticator interface {
	// AccessToken returns the current access token or "".
	AccessToken() string
	// Refresh exchanges the refresh token unless the session already moved
	// past stale, the token the request was rejected with. Concurrent
	// callers share one call.
	Refresh(ctx context.Context, stale string) (string, error)
	Logout(ctx context.Context) error
}

// Pipeline sends authenticated requests, refreshing an expired access token
// and retrying the request at most once.
type Pipeline struct {
	client *Client
	auth   Authenticator
}

// NewPipeline creates a pipeline. auth may be set later with SetAuthenticator
// because the session manager itself is built on the raw client.
func NewPipeline(client *Client, auth Authenticator) *Pipeline {
	return &Pipeline{client: client, auth: auth}
}

// SetAuthenticator wires the session manager.
func (p *Pipeline) SetAuthenticator(auth Authenticator) {
	p.auth = auth
}

// Call sends req. With requireAuth the bearer token is attached and a 401
// triggers one refresh followed by one retry.
func (p *Pipeline) Call(ctx context.Context, req Request, requireAuth bool, out any) error {
	if !requireAuth {
		return p.client.Do(ctx, req, "", out)
	}

	token := ""
	if p.auth != nil {
		token = p.auth.AccessToken()
	}
	if token == "" {
		return domain.ErrAuthenticationRequired
	}

	err := p.client.Do(ctx, req, token, out)
	if !domain.IsUnauthorized(err) {
		return err
	}

	slog.Info("Access token rejected, refreshing", slog.String("path", req.Path))
	token, err = p.auth.Refresh(ctx, token)
	if err != nil {
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			return err
		}
		// Refresh already signs out on rejection; Logout is idempotent.
		p.logout(ctx)
		return domain.ErrAuthenticationRequired
	}

	err = p.client.Do(ctx, req, token, out)
	if domain.IsUnauthorized(err) {
		slog.Warn("Request rejected after refresh, signing out", slog.String("path", req.Path))
		p.logout(ctx)
		return domain.ErrAuthenticationRequired
	}
	return err
}

func (p *Pipeline) logout(ctx context.Context) {
	if err := p.auth.Logout(ctx); err != nil {
		slog.Warn("Logout after auth failure failed", slog.Any("error", err))
	}
}
