package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"marketsync/internal/infra"
	"marketsync/internal/infra/pricefeed"
)

// Prints live ticks from the configured price feed.
func main() {
	duration := flag.Duration("for", 30*time.Second, "how long to listen")
	flag.Parse()

	symbols := flag.Args()
	if len(symbols) == 0 {
		symbols = []string{"AAPL", "BTC"}
	}

	cfg, err := infra.LoadConfig(infra.ResolveConfigPath())
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if cfg.PriceFeed.WSURL == "" {
		fmt.Fprintln(os.Stderr, "price_feed.ws_url (or MARKET_PRICE_FEED_URL) is not set")
		os.Exit(2)
	}

	fmt.Println("=== Market Sync Price Feed ===")
	fmt.Printf("Feed:    %s\n", cfg.PriceFeed.WSURL)
	fmt.Printf("Symbols: %v\n\n", symbols)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	count := 0
	ticks := make(chan pricefeed.Tick, 64)
	worker := pricefeed.NewWorker(cfg.PriceFeed.WSURL, symbols, func(t pricefeed.Tick) {
		select {
		case ticks <- t:
		default:
		}
	})
	worker.Start(ctx)
	defer worker.Stop()

	for {
		select {
		case t := <-ticks:
			count++
			fmt.Printf("%s  %-8s $%s\n", t.Time.Format("15:04:05.000"), t.Symbol, t.Price.StringFixed(2))
		case <-ctx.Done():
			fmt.Printf("\n%d ticks received\n", count)
			return
		}
	}
}
