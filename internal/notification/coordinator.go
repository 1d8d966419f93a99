package notification

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"sync"

	"marketsync/internal/api"
	"marketsync/internal/domain"
	"marketsync/internal/session"
)

// ErrNotReady is returned by RegisterNow when permission, push token or
// sign-in is missing.
var ErrNotReady = errors.New("notifications are not ready to register")

// State is the registration state.
type State int

const (
	StateUninitialized State = iota
	StatePermissionRequested
	StateTokenAcquired
	StateRegistering
	StateRegistered
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "UNINITIALIZED"
	case StatePermissionRequested:
		return "PERMISSION_REQUESTED"
	case StateTokenAcquired:
		return "TOKEN_ACQUIRED"
	case StateRegistering:
		return "REGISTERING"
	case StateRegistered:
		return "REGISTERED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// Status is the snapshot exposed to the UI.
type Status struct {
	State             State
	PermissionGranted bool
	PushToken         string
	Registered        bool
	Err               error
}

// Caller sends authenticated backend requests.
type Caller interface {
	Call(ctx context.Context, req api.Request, requireAuth bool, out any) error
}

// TokenCache keeps the push token across launches.
type TokenCache interface {
	SavePushToken(ctx context.Context, token string) error
	LoadPushToken(ctx context.Context) (string, error)
}

// SessionSource reports authentication changes.
type SessionSource interface {
	Status() session.Status
	Subscribe(fn func(session.Status)) (unsubscribe func())
}

// regKey identifies one backend registration.
type regKey struct {
	token  string
	userID string
}

// Coordinator registers the push token with the backend once per
// (token, user) pair, as soon as permission, token and sign-in are all
// present. It reacts to every change of those facts.
type Coordinator struct {
	api        Caller
	platform   Platform
	cache      TokenCache
	deviceType string
	deviceName string

	mu         sync.Mutex
	ctx        context.Context
	state      State
	prompting  bool
	permission bool
	token      string
	userID     string
	epoch      uint64 // bumped when the signed-in user changes
	registered regKey
	inFlight   bool
	dirty      bool // a fact changed while a registration was in flight
	err        error
	done       chan struct{} // closed when the in-flight attempt ends; nil when idle

	notifyMu    sync.Mutex
	listenersMu sync.Mutex
	listeners   map[int]func(Status)
	nextID      int
}

// NewCoordinator creates a coordinator. cache may be nil.
func NewCoordinator(caller Caller, platform Platform, cache TokenCache, deviceType, deviceName string) *Coordinator {
	if deviceType == "" {
		deviceType = domain.DeviceAndroid
	}
	return &Coordinator{
		api:        caller,
		platform:   platform,
		cache:      cache,
		deviceType: deviceType,
		deviceName: deviceName,
		ctx:        context.Background(),
		listeners:  make(map[int]func(Status)),
	}
}

// Start restores the cached push token. ctx bounds background
// registrations.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	c.ctx = ctx
	c.mu.Unlock()

	if c.cache == nil {
		return nil
	}
	token, err := c.cache.LoadPushToken(ctx)
	if err != nil {
		return err
	}
	if token != "" {
		slog.Debug("Reusing cached push token")
		c.update(func() bool {
			if c.token == token {
				return false
			}
			c.token = token
			return true
		})
	}
	return nil
}

// Bind follows the session's signed-in user.
func (c *Coordinator) Bind(src SessionSource) (unbind func()) {
	unbind = src.Subscribe(func(st session.Status) {
		c.SetUser(st.UserID())
	})
	c.SetUser(src.Status().UserID())
	return unbind
}

// RequestPermission prompts for permission and, once granted, acquires and
// caches the push token.
func (c *Coordinator) RequestPermission(ctx context.Context) error {
	c.mu.Lock()
	c.prompting = true
	c.refreshStateLocked()
	c.mu.Unlock()
	c.notify()

	granted, err := c.platform.RequestPermission(ctx)

	c.mu.Lock()
	c.prompting = false
	c.refreshStateLocked()
	c.mu.Unlock()

	if err != nil {
		c.setError(err)
		return err
	}
	c.SetPermission(granted)
	if !granted {
		return ErrPermissionDenied
	}

	token, err := c.platform.PushToken(ctx)
	if err != nil {
		c.setError(err)
		return err
	}
	if c.cache != nil {
		if err := c.cache.SavePushToken(ctx, token); err != nil {
			slog.Warn("Failed to cache push token", slog.Any("error", err))
		}
	}
	c.SetPushToken(token)
	return nil
}

// SetPermission records the platform permission.
func (c *Coordinator) SetPermission(granted bool) {
	c.update(func() bool {
		if c.permission == granted {
			return false
		}
		c.permission = granted
		return true
	})
}

// SetPushToken records a new or rotated push token.
func (c *Coordinator) SetPushToken(token string) {
	c.update(func() bool {
		if c.token == token {
			return false
		}
		c.token = token
		return true
	})
}

// SetUser records the signed-in user id ("" when signed out). Registrations
// in flight for a previous user are discarded.
func (c *Coordinator) SetUser(userID string) {
	c.update(func() bool {
		if c.userID == userID {
			return false
		}
		c.userID = userID
		c.epoch++
		return true
	})
}

// RegisterNow retries a failed registration and waits for the outcome.
func (c *Coordinator) RegisterNow(ctx context.Context) error {
	c.mu.Lock()
	if !c.readyLocked() {
		c.mu.Unlock()
		return ErrNotReady
	}
	started := c.evaluateLocked()
	c.mu.Unlock()
	if started {
		c.notify()
	}

	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.Status().Err
}

// Wait blocks until no registration is in flight.
func (c *Coordinator) Wait() {
	_ = c.wait(context.Background())
}

// wait follows attempt after attempt until the coordinator is idle or ctx
// ends.
func (c *Coordinator) wait(ctx context.Context) error {
	for {
		c.mu.Lock()
		done := c.done
		c.mu.Unlock()
		if done == nil {
			return nil
		}

		select {
		case <-done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Status returns the current snapshot.
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:             c.state,
		PermissionGranted: c.permission,
		PushToken:         c.token,
		Registered:        c.readyLocked() && c.registered == c.keyLocked(),
		Err:               c.err,
	}
}

// Subscribe registers fn to run after every status change.
func (c *Coordinator) Subscribe(fn func(Status)) (unsubscribe func()) {
	c.listenersMu.Lock()
	id := c.nextID
	c.nextID++
	c.listeners[id] = fn
	c.listenersMu.Unlock()

	return func() {
		c.listenersMu.Lock()
		delete(c.listeners, id)
		c.listenersMu.Unlock()
	}
}

// update applies a fact change and re-evaluates when it changed anything.
func (c *Coordinator) update(change func() bool) {
	c.mu.Lock()
	if !change() {
		c.mu.Unlock()
		return
	}
	if c.inFlight {
		c.dirty = true
	} else {
		c.evaluateLocked()
	}
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) readyLocked() bool {
	return c.permission && c.token != "" && c.userID != ""
}

func (c *Coordinator) keyLocked() regKey {
	return regKey{token: c.token, userID: c.userID}
}

// evaluateLocked starts a registration when all facts hold and the current
// pair is not registered yet. Reports whether one was started.
func (c *Coordinator) evaluateLocked() bool {
	if !c.readyLocked() || c.inFlight || c.registered == c.keyLocked() {
		c.refreshStateLocked()
		return false
	}

	key := c.keyLocked()
	c.inFlight = true
	c.state, c.err = StateRegistering, nil
	c.done = make(chan struct{})
	go c.register(c.ctx, key, c.epoch, c.done)
	return true
}

func (c *Coordinator) register(ctx context.Context, key regKey, epoch uint64, done chan struct{}) {

	slog.Info("Registering device for notifications", slog.String("device_type", c.deviceType))

	var device domain.DeviceToken
	err := c.api.Call(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/notifications/device-tokens",
		Body: domain.DeviceRegistration{
			Token:      key.token,
			DeviceType: c.deviceType,
			DeviceName: c.deviceName,
		},
	}, true, &device)

	c.mu.Lock()
	c.inFlight = false
	c.done = nil
	close(done)
	switch {
	case c.epoch != epoch:
		slog.Info("Discarding registration result for a previous session")
	case err != nil:
		c.err = err
		c.state = StateFailed
		slog.Warn("Device registration failed", slog.Any("error", err))
	default:
		c.registered = key
		c.err = nil
		c.state = StateRegistered
		slog.Info("Device registered", slog.Int64("device_token_id", device.ID))
	}
	if c.dirty {
		c.dirty = false
		c.evaluateLocked()
	} else if c.epoch != epoch {
		c.refreshStateLocked()
	}
	c.mu.Unlock()
	c.notify()
}

// refreshStateLocked derives the resting state from the facts. Registering
// and Failed are kept until a fact change or retry replaces them.
func (c *Coordinator) refreshStateLocked() {
	switch {
	case c.inFlight:
		c.state = StateRegistering
	case c.readyLocked() && c.registered == c.keyLocked():
		c.state = StateRegistered
	case c.readyLocked() && c.state == StateFailed:
	case c.permission && c.token != "":
		c.state = StateTokenAcquired
	case c.permission || c.prompting:
		c.state = StatePermissionRequested
	default:
		c.state = StateUninitialized
	}
}

func (c *Coordinator) setError(err error) {
	c.mu.Lock()
	c.err = err
	c.refreshStateLocked()
	c.mu.Unlock()
	c.notify()
}

func (c *Coordinator) notify() {
	c.notifyMu.Lock()
	defer c.notifyMu.Unlock()

	st := c.Status()

	c.listenersMu.Lock()
	ids := make([]int, 0, len(c.listeners))
	for id := range c.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, c.listeners[id])
	}
	c.listenersMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
