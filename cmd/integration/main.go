package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/app"
	"marketsync/internal/domain"
	"marketsync/internal/infra"
	"marketsync/internal/notification"
	"marketsync/internal/storage"
)

// Round trip against a live backend:
// login -> add -> update alerts -> remove -> logout.
func main() {
	defer infra.Recover()

	symbol := flag.String("symbol", "AAPL", "symbol to add and remove")
	market := flag.String("market", "stock", "stock or crypto")
	above := flag.String("above", "1000", "price alert threshold")
	flag.Parse()

	email, password := os.Getenv("MARKET_EMAIL"), os.Getenv("MARKET_PASSWORD")
	if email == "" || password == "" {
		fmt.Fprintln(os.Stderr, "MARKET_EMAIL and MARKET_PASSWORD are required")
		os.Exit(2)
	}

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(notification.StaticPlatform{}); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := run(ctx, bootstrap, email, password, *symbol, *market, *above); err != nil {
		slog.Error("Integration run failed", slog.String("message", domain.UserMessage(err)), slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("Integration run passed")
}

func run(ctx context.Context, b *app.Bootstrap, email, password, symbol, market, above string) error {
	if err := b.Start(ctx); err != nil {
		return err
	}

	step("login")
	if err := b.Session.Login(ctx, email, password); err != nil {
		return fmt.Errorf("login: %w", err)
	}
	if err := b.Watchlist.Load(ctx); err != nil {
		return fmt.Errorf("load: %w", err)
	}

	mt, err := domain.ParseMarketType(market)
	if err != nil {
		return err
	}
	threshold, err := decimal.NewFromString(above)
	if err != nil {
		return fmt.Errorf("invalid threshold: %w", err)
	}

	step("add " + symbol)
	item, err := b.Watchlist.Add(ctx, symbol, mt)
	if err != nil {
		return fmt.Errorf("add: %w", err)
	}
	slog.Info("Added", slog.Int64("id", item.ID), slog.String("symbol", item.Symbol))

	step("update alerts")
	prefs := item.Preferences()
	prefs.AlertEnabled, prefs.AlertOnOverbought = true, true
	prefs.PriceAlertEnabled, prefs.AlertPriceAbove = true, &threshold
	if _, err := b.Watchlist.UpdatePreferences(ctx, item.ID, prefs); err != nil {
		return fmt.Errorf("update: %w", err)
	}
	summary, _ := b.Watchlist.AlertSummary(symbol)
	slog.Info("Alert summary",
		slog.Bool("market", summary.HasMarketAlerts),
		slog.Bool("price", summary.HasPriceAlerts),
		slog.Any("types", append(summary.MarketAlertTypes, summary.PriceAlertTypes...)))

	step("remove " + symbol)
	if err := b.Watchlist.Remove(ctx, symbol); err != nil {
		return fmt.Errorf("remove: %w", err)
	}
	if b.Watchlist.IsWatched(symbol) {
		return fmt.Errorf("%s still watched after remove", symbol)
	}

	step("logout")
	if err := b.Session.Logout(ctx); err != nil {
		return fmt.Errorf("logout: %w", err)
	}
	if b.Session.IsAuthenticated() || len(b.Watchlist.Items()) != 0 {
		return fmt.Errorf("state not cleared after logout")
	}

	step("verify stored credentials")
	return checkCredentialsCleared(ctx, b.KV)
}

// checkCredentialsCleared lists the local store and fails when auth keys
// survived the logout. Values are never printed.
func checkCredentialsCleared(ctx context.Context, kv storage.KV) error {
	db, ok := kv.(*storage.SQLiteKV)
	if !ok {
		slog.Info("Store listing needs the sqlite driver, skipping")
		return nil
	}
	entries, err := db.Entries(ctx)
	if err != nil {
		return err
	}
	for _, e := range entries {
		slog.Info("Stored key",
			slog.String("key", e.Key),
			slog.Time("updated_at", time.UnixMicro(e.UpdatedAt)))
		if strings.HasPrefix(e.Key, "auth.") {
			return fmt.Errorf("%s still stored after logout", e.Key)
		}
	}
	return nil
}

func step(name string) {
	slog.Info("Step", slog.String("name", name))
}
