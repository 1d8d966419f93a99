package storage

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"

	"marketsync/internal/domain"

	"github.com/google/uuid"
)

// Keys are disjoint per owner: auth.* belongs to the session manager,
// notifications.* to the notification coordinator.
const (
	keySession   = "auth.session"
	keyUser      = "auth.user"
	keyDeviceID  = "device.id"
	keyPushToken = "notifications.push_token"
)

// CredentialStore persists the session, the cached user and non-secret
// client preferences. Every failure is a *domain.StorageError.
type CredentialStore struct {
	kv     KV
	sealer *Sealer // nil stores secrets in plain JSON

	deviceMu sync.Mutex
}

// NewCredentialStore wraps kv. Pass a nil sealer to disable sealing.
func NewCredentialStore(kv KV, sealer *Sealer) *CredentialStore {
	return &CredentialStore{kv: kv, sealer: sealer}
}

// Save persists the session.
func (c *CredentialStore) Save(ctx context.Context, s *domain.Session) error {
	if s == nil {
		return storageErr("save session", errors.New("nil session"))
	}
	return c.putSecret(ctx, "save session", keySession, s)
}

// Load returns the stored session, or nil when signed out.
func (c *CredentialStore) Load(ctx context.Context) (*domain.Session, error) {
	var s domain.Session
	ok, err := c.getSecret(ctx, "load session", keySession, &s)
	if err != nil || !ok {
		return nil, err
	}
	return &s, nil
}

// SaveUser caches the profile for offline display.
func (c *CredentialStore) SaveUser(ctx context.Context, u *domain.User) error {
	if u == nil {
		return storageErr("save user", errors.New("nil user"))
	}
	return c.putSecret(ctx, "save user", keyUser, u)
}

// LoadUser returns the cached profile, or nil.
func (c *CredentialStore) LoadUser(ctx context.Context) (*domain.User, error) {
	var u domain.User
	ok, err := c.getSecret(ctx, "load user", keyUser, &u)
	if err != nil || !ok {
		return nil, err
	}
	return &u, nil
}

// Clear removes the session and the cached user together. Device id and
// push token are kept.
func (c *CredentialStore) Clear(ctx context.Context) error {
	if err := c.kv.Delete(ctx, keySession, keyUser); err != nil {
		return storageErr("clear", err)
	}
	return nil
}

// DeviceID returns the installation id, creating it on first use.
func (c *CredentialStore) DeviceID(ctx context.Context) (string, error) {
	c.deviceMu.Lock()
	defer c.deviceMu.Unlock()

	id, ok, err := c.kv.Get(ctx, keyDeviceID)
	if err != nil {
		return "", storageErr("load device id", err)
	}
	if ok && id != "" {
		return id, nil
	}

	id = uuid.NewString()
	if err := c.kv.Put(ctx, keyDeviceID, id); err != nil {
		return "", storageErr("save device id", err)
	}
	slog.Info("Generated device id", slog.String("device_id", id))
	return id, nil
}

// SavePushToken caches the platform push token for reuse across launches.
func (c *CredentialStore) SavePushToken(ctx context.Context, token string) error {
	if err := c.kv.Put(ctx, keyPushToken, token); err != nil {
		return storageErr("save push token", err)
	}
	return nil
}

// LoadPushToken returns the cached push token, or "".
func (c *CredentialStore) LoadPushToken(ctx context.Context) (string, error) {
	token, _, err := c.kv.Get(ctx, keyPushToken)
	if err != nil {
		return "", storageErr("load push token", err)
	}
	return token, nil
}

func (c *CredentialStore) putSecret(ctx context.Context, op, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return storageErr(op, err)
	}

	value := string(data)
	if c.sealer != nil {
		if value, err = c.sealer.Seal(key, data); err != nil {
			return storageErr(op, err)
		}
	}

	if err := c.kv.Put(ctx, key, value); err != nil {
		return storageErr(op, err)
	}
	return nil
}

func (c *CredentialStore) getSecret(ctx context.Context, op, key string, dst any) (bool, error) {
	value, ok, err := c.kv.Get(ctx, key)
	if err != nil {
		return false, storageErr(op, err)
	}
	if !ok {
		return false, nil
	}

	data := []byte(value)
	if c.sealer != nil {
		if data, err = c.sealer.Open(key, value); err != nil {
			return false, storageErr(op, err)
		}
	}

	if err := json.Unmarshal(data, dst); err != nil {
		return false, storageErr(op, err)
	}
	return true, nil
}

func storageErr(op string, err error) error {
	return &domain.StorageError{Op: op, Err: err}
}
