package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"

	"marketsync/internal/api"
	"marketsync/internal/infra"
	"marketsync/internal/infra/pricefeed"
	"marketsync/internal/notification"
	"marketsync/internal/session"
	"marketsync/internal/storage"
	"marketsync/internal/watchlist"
)

// Bootstrap wires the client core and owns its lifecycle.
type Bootstrap struct {
	Config        *infra.Config
	Paths         infra.DataPaths
	KV            storage.KV
	Credentials   *storage.CredentialStore
	Client        *api.Client
	Pipeline      *api.Pipeline
	Session       *session.Manager
	Watchlist     *watchlist.Synchronizer
	Notifications *notification.Coordinator
	PriceFeed     *pricefeed.Worker // nil when disabled

	unlock  func()
	unbinds []func()
}

// NewBootstrap creates a new Bootstrap instance
func NewBootstrap() *Bootstrap {
	return &Bootstrap{}
}

// Initialize loads configuration, opens storage and builds every component.
// Nothing touches the network until Start.
func (b *Bootstrap) Initialize(platform notification.Platform) error {
	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		return err
	}
	b.Config = cfg
	slog.SetDefault(infra.NewLogger(cfg))

	paths, err := infra.ResolveDataPaths(cfg)
	if err != nil {
		return err
	}
	b.Paths = paths

	unlock, err := infra.CreateLockFile(paths.Root)
	if err != nil {
		return err
	}
	b.unlock = unlock

	kv, err := openKV(cfg, paths)
	if err != nil {
		b.Close()
		return err
	}
	b.KV = kv

	sealer, err := newSealer(cfg)
	if err != nil {
		b.Close()
		return err
	}
	b.Credentials = storage.NewCredentialStore(kv, sealer)

	b.Client = api.NewClient(cfg, b.Credentials)
	b.Pipeline = api.NewPipeline(b.Client, nil)
	b.Session = session.NewManager(b.Client, b.Credentials)
	b.Pipeline.SetAuthenticator(b.Session)

	snapshots := storage.NewSnapshotManager(paths.SnapshotDir)
	b.Watchlist = watchlist.NewSynchronizer(b.Pipeline, snapshots, cfg.Storage.SnapshotKeep)
	b.unbinds = append(b.unbinds, b.Watchlist.Bind(b.Session))

	b.Notifications = notification.NewCoordinator(b.Pipeline, platform, b.Credentials,
		cfg.Notifications.DeviceType, cfg.Notifications.DeviceName)
	b.unbinds = append(b.unbinds, b.Notifications.Bind(b.Session))

	if cfg.PriceFeed.Enabled {
		b.wirePriceFeed(cfg.PriceFeed.WSURL)
	}

	slog.Info("Client core initialized",
		slog.String("storage", cfg.Storage.Driver),
		slog.Bool("sealed", sealer != nil),
		slog.Bool("price_feed", b.PriceFeed != nil))
	return nil
}

// Start restores the session, loads the watchlist and starts background
// workers. Offline is not an error.
func (b *Bootstrap) Start(ctx context.Context) error {
	if err := b.Notifications.Start(ctx); err != nil {
		slog.Warn("Failed to restore push token", slog.Any("error", err))
	}

	if err := b.Session.Initialize(ctx); err != nil {
		return fmt.Errorf("restore session: %w", err)
	}

	if b.Session.IsAuthenticated() {
		if err := b.Watchlist.Load(ctx); err != nil {
			slog.Warn("Watchlist not refreshed", slog.Any("error", err))
		}
	}

	if err := b.Notifications.RequestPermission(ctx); err != nil {
		slog.Warn("Notifications unavailable", slog.Any("error", err))
	}

	if b.PriceFeed != nil {
		b.PriceFeed.Start(ctx)
	}
	return nil
}

// Close stops workers and releases storage. Safe to call more than once.
func (b *Bootstrap) Close() {
	if b.PriceFeed != nil {
		b.PriceFeed.Stop()
		b.PriceFeed = nil
	}
	for _, unbind := range b.unbinds {
		unbind()
	}
	b.unbinds = nil
	if b.Notifications != nil {
		b.Notifications.Wait()
	}
	if b.KV != nil {
		if err := b.KV.Close(); err != nil {
			slog.Warn("Failed to close storage", slog.Any("error", err))
		}
		b.KV = nil
	}
	if b.unlock != nil {
		b.unlock()
		b.unlock = nil
	}
}

// wirePriceFeed streams prices for the watched symbols into the watchlist
// and resubscribes whenever the symbol set changes.
func (b *Bootstrap) wirePriceFeed(url string) {
	wl := b.Watchlist
	feed := pricefeed.NewWorker(url, wl.Symbols(), func(t pricefeed.Tick) {
		wl.ApplyPrice(t.Symbol, t.Price)
	})

	var mu sync.Mutex
	last := strings.Join(feed.Symbols(), ",")
	b.unbinds = append(b.unbinds, wl.Subscribe(func(watchlist.Status) {
		symbols := wl.Symbols()
		key := strings.Join(symbols, ",")

		mu.Lock()
		changed := key != last
		last = key
		mu.Unlock()

		if changed {
			if err := feed.Subscribe(symbols); err != nil {
				slog.Warn("Price feed resubscribe failed", slog.Any("error", err))
			}
		}
	}))
	b.PriceFeed = feed
}

func openKV(cfg *infra.Config, paths infra.DataPaths) (storage.KV, error) {
	switch cfg.Storage.Driver {
	case "redis":
		r := cfg.Storage.Redis
		kv := storage.NewRedisKV(&redis.Options{Addr: r.Addr, Password: r.Password, DB: r.DB}, r.Prefix)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := kv.Ping(ctx); err != nil {
			kv.Close()
			return nil, fmt.Errorf("redis %s unreachable: %w", r.Addr, err)
		}
		slog.Info("Credential store on Redis", slog.String("addr", r.Addr))
		return kv, nil
	default:
		kv, err := storage.OpenSQLite(paths.SQLitePath)
		if err != nil {
			return nil, err
		}
		slog.Info("Credential store on SQLite (WAL)", slog.String("path", paths.SQLitePath))
		return kv, nil
	}
}

func newSealer(cfg *infra.Config) (*storage.Sealer, error) {
	if cfg.Storage.SealKey == "" {
		slog.Warn("No seal key configured, credentials are stored unencrypted")
		return nil, nil
	}
	key, err := storage.ParseSealKey(cfg.Storage.SealKey)
	if err != nil {
		return nil, err
	}
	return storage.NewSealer(key)
}
