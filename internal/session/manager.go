package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"marketsync/internal/api"
	"marketsync/internal/domain"
)

// Backend is the raw transport. Session calls never go through the
// refreshing pipeline.
type Backend interface {
	Do(ctx context.Context, req api.Request, token string, out any) error
}

// CredentialStore persists the session and the cached user.
type CredentialStore interface {
	Save(ctx context.Context, s *domain.Session) error
	Load(ctx context.Context) (*domain.Session, error)
	Clear(ctx context.Context) error
	SaveUser(ctx context.Context, u *domain.User) error
	LoadUser(ctx context.Context) (*domain.User, error)
}

// Manager owns the session. It is the only writer of the credential store's
// auth keys.
type Manager struct {
	backend Backend
	store   CredentialStore
	now     func() time.Time
	refresh singleflight.Group

	// storeMu orders credential writes against Clear so a late refresh can
	// never persist after a logout.
	storeMu sync.Mutex

	mu         sync.RWMutex
	state      State
	session    *domain.Session
	user       *domain.User
	loading    bool
	err        error
	generation uint64

	// notifyMu orders deliveries; the status is read under it so the last
	// delivery always carries the latest state.
	notifyMu    sync.Mutex
	listenersMu sync.Mutex
	listeners   map[int]func(Status)
	nextID      int
}

// NewManager creates a signed-out manager. Call Initialize to restore a
// stored session.
func NewManager(backend Backend, store CredentialStore) *Manager {
	return &Manager{
		backend:   backend,
		store:     store,
		now:       time.Now,
		state:     StateUnauthenticated,
		listeners: make(map[int]func(Status)),
	}
}

// Initialize restores the stored session and verifies it with the backend.
// A transport failure keeps the cached session so the app works offline.
func (m *Manager) Initialize(ctx context.Context) error {
	m.setLoading(StateUnauthenticated)

	s, err := m.store.Load(ctx)
	if err == nil && s != nil {
		var u *domain.User
		if u, err = m.store.LoadUser(ctx); err == nil {
			m.mu.Lock()
			m.session, m.user = s, u
			m.mu.Unlock()
		}
	}
	if err != nil {
		slog.Error("Failed to restore session", slog.Any("error", err))
		m.finish(StateUnauthenticated, err)
		return err
	}
	if s == nil {
		m.finish(StateUnauthenticated, nil)
		return nil
	}

	m.mu.Lock()
	gen := m.generation
	m.state = StateAuthenticated
	m.mu.Unlock()
	m.notify()

	var user domain.User
	err = m.backend.Do(ctx, api.Request{Method: http.MethodGet, Path: "/auth/me"}, s.AccessToken, &user)
	if err == nil {
		m.storeUser(ctx, gen, &user)
		m.finish(StateAuthenticated, nil)
		slog.Info("Session restored", slog.String("user_id", string(user.ID)))
		return nil
	}

	var be *domain.BackendError
	if errors.As(err, &be) && be.Status < http.StatusInternalServerError {
		slog.Warn("Stored session rejected, clearing", slog.Int("status", be.Status))
		if !m.discard(gen) {
			return m.signOut(ctx, StateUnauthenticated)
		}
		return nil
	}

	slog.Warn("Session verification unavailable, using cached session", slog.Any("error", err))
	m.finish(StateAuthenticated, nil)
	return nil
}

// Login exchanges credentials for tokens, then fetches and caches the
// profile. Backend rejection messages are returned verbatim.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	gen := m.beginAuth()

	var resp domain.TokenResponse
	err := m.backend.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/auth/login",
		Body:   domain.LoginRequest{Email: email, Password: password},
	}, "", &resp)
	if err != nil {
		return m.failAuth(ctx, gen, err)
	}
	if resp.AccessToken == "" {
		return m.failAuth(ctx, gen, &domain.BackendError{Status: http.StatusBadGateway, Message: "login response carried no access token"})
	}
	s := domain.NewSession(resp, m.now())

	var user domain.User
	if err := m.backend.Do(ctx, api.Request{Method: http.MethodGet, Path: "/auth/me"}, s.AccessToken, &user); err != nil {
		return m.failAuth(ctx, gen, err)
	}

	if err := m.commitLogin(ctx, gen, s, &user); err != nil {
		if errors.Is(err, domain.ErrAuthenticationRequired) {
			return err
		}
		return m.failAuth(ctx, gen, err)
	}
	m.notify()

	slog.Info("Signed in", slog.String("user_id", string(user.ID)))
	return nil
}

// commitLogin persists and installs a fresh session unless a sign-out
// happened since gen was taken.
func (m *Manager) commitLogin(ctx context.Context, gen uint64, s *domain.Session, u *domain.User) error {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	if m.discard(gen) {
		return domain.ErrAuthenticationRequired
	}
	if err := m.store.Save(ctx, s); err != nil {
		return err
	}
	if err := m.store.SaveUser(ctx, u); err != nil {
		_ = m.store.Clear(ctx)
		return err
	}

	m.mu.Lock()
	m.session, m.user = s, u
	m.state, m.loading, m.err = StateAuthenticated, false, nil
	m.mu.Unlock()
	return nil
}

// Register creates the account, then signs in with the same credentials.
// The consent flag is forwarded as given.
func (m *Manager) Register(ctx context.Context, req domain.RegisterRequest) error {
	gen := m.beginAuth()

	var profile domain.User
	err := m.backend.Do(ctx, api.Request{Method: http.MethodPost, Path: "/auth/register", Body: req}, "", &profile)
	if err != nil {
		return m.failAuth(ctx, gen, err)
	}
	slog.Info("Account registered", slog.String("user_id", string(profile.ID)))

	if err := m.Login(ctx, req.Email, req.Password); err != nil {
		return fmt.Errorf("sign in after registration: %w", err)
	}
	return nil
}

// Refresh renews the access token. stale is the token a request was
// rejected with ("" means the current one). When the session already holds
// a different token, that token is returned without a backend call.
// Concurrent callers with the same stale token share one backend call and
// its outcome. A missing or rejected refresh token signs the user out and
// returns ErrSessionExpired.
func (m *Manager) Refresh(ctx context.Context, stale string) (string, error) {
	if stale == "" {
		stale = m.AccessToken()
	}
	v, err, shared := m.refresh.Do("refresh:"+stale, func() (any, error) {
		return m.doRefresh(ctx, stale)
	})
	if shared {
		slog.Debug("Joined in-flight refresh")
	}
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (m *Manager) doRefresh(ctx context.Context, stale string) (string, error) {
	m.mu.Lock()
	s, gen := m.session, m.generation
	if s == nil {
		m.mu.Unlock()
		return "", domain.ErrAuthenticationRequired
	}
	if s.AccessToken != stale {
		m.mu.Unlock()
		slog.Debug("Access token already refreshed")
		return s.AccessToken, nil
	}
	if !s.HasRefreshToken() {
		m.mu.Unlock()
		slog.Warn("No refresh token, signing out")
		_ = m.Logout(ctx)
		return "", domain.ErrSessionExpired
	}
	m.state = StateRefreshing
	m.mu.Unlock()
	m.notify()

	var resp domain.TokenResponse
	err := m.backend.Do(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/auth/refresh",
		Body:   domain.RefreshRequest{RefreshToken: s.RefreshToken},
	}, "", &resp)

	var ne *domain.NetworkError
	switch {
	case errors.As(err, &ne):
		if !m.discard(gen) {
			m.finish(StateAuthenticated, err)
		}
		return "", err
	case err == nil && resp.AccessToken == "":
		err = errors.New("refresh response carried no access token")
		fallthrough
	case err != nil:
		slog.Warn("Refresh rejected, signing out", slog.Any("error", err))
		if !m.discard(gen) {
			_ = m.Logout(ctx)
		}
		return "", fmt.Errorf("%w: %v", domain.ErrSessionExpired, err)
	}

	next := s.Rotate(resp, m.now())
	if !m.commitRefresh(ctx, gen, next) {
		slog.Info("Discarding refresh result after sign-out")
		return "", domain.ErrAuthenticationRequired
	}
	m.notify()

	slog.Info("Access token refreshed", slog.Bool("rotated", resp.RefreshToken != ""))
	return next.AccessToken, nil
}

func (m *Manager) commitRefresh(ctx context.Context, gen uint64, next *domain.Session) bool {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return false
	}
	m.session = next
	m.state, m.err = StateAuthenticated, nil
	m.mu.Unlock()

	if err := m.store.Save(ctx, next); err != nil {
		slog.Error("Failed to persist refreshed session", slog.Any("error", err))
	}
	return true
}

// Logout signs out locally regardless of the backend outcome. Results of
// operations started before the call are discarded afterwards.
func (m *Manager) Logout(ctx context.Context) error {
	m.mu.Lock()
	s := m.session
	already := s == nil && m.state == StateLoggedOut
	m.generation++
	m.session, m.user = nil, nil
	m.state, m.loading = StateLoggedOut, false
	m.mu.Unlock()

	if s != nil {
		err := m.backend.Do(ctx, api.Request{Method: http.MethodPost, Path: "/auth/logout"}, s.AccessToken, nil)
		if err != nil {
			slog.Debug("Backend logout failed, continuing locally", slog.Any("error", err))
		}
	}

	m.storeMu.Lock()
	err := m.store.Clear(ctx)
	m.storeMu.Unlock()

	m.mu.Lock()
	m.err = err
	m.mu.Unlock()

	if err != nil {
		slog.Error("Failed to clear credentials", slog.Any("error", err))
	}
	if !already {
		slog.Info("Signed out")
		m.notify()
	}
	return err
}

// AccessToken returns the current access token, or "".
func (m *Manager) AccessToken() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.session == nil {
		return ""
	}
	return m.session.AccessToken
}

// IsAuthenticated reports whether a session is held.
func (m *Manager) IsAuthenticated() bool {
	return m.Status().Authenticated
}

// User returns a copy of the cached profile, or nil.
func (m *Manager) User() *domain.User {
	return m.Status().User
}

// Status returns the current state snapshot.
func (m *Manager) Status() Status {
	m.mu.RLock()
	defer m.mu.RUnlock()

	authenticated := m.session != nil &&
		(m.state == StateAuthenticated || m.state == StateRefreshing)
	st := Status{
		State:         m.state,
		Authenticated: authenticated,
		Loading:       m.loading,
		Err:           m.err,
	}
	if m.user != nil {
		u := *m.user
		st.User = &u
	}
	return st
}

// Subscribe registers fn to run after every state change. Listeners run
// synchronously on the goroutine that made the change, one delivery at a
// time, outside the state locks. A listener must not call Login, Register,
// Refresh or Logout synchronously.
func (m *Manager) Subscribe(fn func(Status)) (unsubscribe func()) {
	m.listenersMu.Lock()
	id := m.nextID
	m.nextID++
	m.listeners[id] = fn
	m.listenersMu.Unlock()

	return func() {
		m.listenersMu.Lock()
		delete(m.listeners, id)
		m.listenersMu.Unlock()
	}
}

func (m *Manager) notify() {
	m.notifyMu.Lock()
	defer m.notifyMu.Unlock()

	st := m.Status()

	m.listenersMu.Lock()
	ids := make([]int, 0, len(m.listeners))
	for id := range m.listeners {
		ids = append(ids, id)
	}
	fns := make([]func(Status), 0, len(ids))
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, m.listeners[id])
	}
	m.listenersMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}

// beginAuth starts a login or registration and returns its generation.
func (m *Manager) beginAuth() uint64 {
	m.mu.Lock()
	m.generation++
	gen := m.generation
	m.state, m.loading, m.err = StateAuthenticating, true, nil
	m.mu.Unlock()
	m.notify()
	return gen
}

// failAuth ends a login or registration as Unauthenticated. A session held
// before the attempt is cleared from the store as well.
func (m *Manager) failAuth(ctx context.Context, gen uint64, err error) error {
	m.storeMu.Lock()
	m.mu.Lock()
	current := m.generation == gen
	held := current && m.session != nil
	if current {
		m.session, m.user = nil, nil
		m.state, m.loading, m.err = StateUnauthenticated, false, err
	}
	m.mu.Unlock()
	if held {
		if cerr := m.store.Clear(context.WithoutCancel(ctx)); cerr != nil {
			slog.Error("Failed to clear previous credentials", slog.Any("error", cerr))
		}
	}
	m.storeMu.Unlock()
	m.notify()
	slog.Warn("Authentication failed", slog.Any("error", err))
	return err
}

func (m *Manager) setLoading(state State) {
	m.mu.Lock()
	m.state, m.loading, m.err = state, true, nil
	m.mu.Unlock()
	m.notify()
}

func (m *Manager) finish(state State, err error) {
	m.mu.Lock()
	m.state, m.loading, m.err = state, false, err
	m.mu.Unlock()
	m.notify()
}

// discard reports whether a sign-out happened since gen was taken.
func (m *Manager) discard(gen uint64) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.generation != gen
}

func (m *Manager) storeUser(ctx context.Context, gen uint64, u *domain.User) {
	m.storeMu.Lock()
	defer m.storeMu.Unlock()

	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return
	}
	m.user = u
	m.mu.Unlock()

	if err := m.store.SaveUser(ctx, u); err != nil {
		slog.Warn("Failed to cache user profile", slog.Any("error", err))
	}
}

// signOut clears local credentials without a backend call.
func (m *Manager) signOut(ctx context.Context, state State) error {
	m.mu.Lock()
	m.generation++
	m.session, m.user = nil, nil
	m.mu.Unlock()

	m.storeMu.Lock()
	err := m.store.Clear(ctx)
	m.storeMu.Unlock()

	m.finish(state, err)
	return err
}
