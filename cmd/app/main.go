package main

import (
	"context"
	"flag"
	"log/slog"
	"net/http"
	_ "net/http/pprof" // For pprof profiling
	"os"
	"os/signal"
	"syscall"

	"marketsync/internal/app"
	"marketsync/internal/domain"
	"marketsync/internal/infra"
	"marketsync/internal/notification"
	"marketsync/internal/session"
	"marketsync/internal/watchlist"
)

func main() {
	defer infra.Recover()

	pprofAddr := flag.String("pprof", "", "serve pprof on this address (e.g. localhost:6060)")
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			slog.Info("Pprof server started", slog.String("addr", *pprofAddr))
			if err := http.ListenAndServe(*pprofAddr, nil); err != nil {
				slog.Error("Pprof server failed", slog.Any("error", err))
			}
		}()
	}

	// Headless run: the push token comes from the environment.
	pushToken := os.Getenv("MARKET_PUSH_TOKEN")
	platform := notification.StaticPlatform{Granted: pushToken != "", Token: pushToken}

	bootstrap := app.NewBootstrap()
	if err := bootstrap.Initialize(platform); err != nil {
		slog.Error("Bootstrapping failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer bootstrap.Close()

	infra.PrintBanner(os.Stdout, bootstrap.Config)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	bootstrap.Session.Subscribe(func(st session.Status) {
		slog.Info("Session", slog.String("state", st.State.String()), slog.Bool("authenticated", st.Authenticated))
	})
	bootstrap.Watchlist.Subscribe(func(st watchlist.Status) {
		if st.Err != nil {
			slog.Warn("Watchlist", slog.String("message", domain.UserMessage(st.Err)))
		}
	})
	bootstrap.Notifications.Subscribe(func(st notification.Status) {
		slog.Info("Notifications", slog.String("state", st.State.String()), slog.Bool("registered", st.Registered))
	})

	if err := bootstrap.Start(ctx); err != nil {
		slog.Error("Start failed", slog.String("message", domain.UserMessage(err)), slog.Any("error", err))
		os.Exit(1)
	}

	if !bootstrap.Session.IsAuthenticated() {
		email, password := os.Getenv("MARKET_EMAIL"), os.Getenv("MARKET_PASSWORD")
		if email == "" || password == "" {
			slog.Warn("Signed out. Set MARKET_EMAIL and MARKET_PASSWORD to sign in.")
		} else if err := bootstrap.Session.Login(ctx, email, password); err != nil {
			slog.Error("Sign-in failed", slog.String("message", domain.UserMessage(err)))
		} else if err := bootstrap.Watchlist.Load(ctx); err != nil {
			slog.Warn("Watchlist not loaded", slog.String("message", domain.UserMessage(err)))
		}
	}

	for _, item := range bootstrap.Watchlist.Items() {
		summary := item.AlertSummary()
		slog.Info("Watching",
			slog.String("symbol", item.Symbol),
			slog.String("market", string(item.MarketType)),
			slog.Any("market_alerts", summary.MarketAlertTypes),
			slog.Any("price_alerts", summary.PriceAlertTypes))
	}

	slog.Info("Client core running. Press Ctrl+C to exit.")
	<-ctx.Done()
	slog.Info("Shutting down gracefully...")
}
