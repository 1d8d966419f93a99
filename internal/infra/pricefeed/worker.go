package pricefeed

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"marketsync/internal/domain"
	"marketsync/internal/infra"
)

// Tick is one live price update.
type Tick struct {
	Symbol string
	Price  decimal.Decimal
	Time   time.Time
}

// tickerMessage is the feed's ticker frame. Price accepts both quoted and
// bare JSON numbers.
type tickerMessage struct {
	Type      string          `json:"type"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Timestamp int64           `json:"timestamp,omitempty"` // Unix millis
}

type subscribeMessage struct {
	Action  string   `json:"action"`
	Ticket  string   `json:"ticket"`
	Symbols []string `json:"symbols"`
}

// Worker streams prices for the watched symbols over a BaseWSWorker and
// hands every tick to sink.
type Worker struct {
	base *infra.BaseWSWorker
	url  string
	sink func(Tick)

	mu      sync.Mutex
	symbols []string
}

// NewWorker creates a price feed worker.
func NewWorker(url string, symbols []string, sink func(Tick)) *Worker {
	w := &Worker{url: url, sink: sink, symbols: normalize(symbols)}
	w.base = infra.NewBaseWSWorker(w)
	return w
}

// ID returns the worker identifier.
func (w *Worker) ID() string { return "PRICEFEED" }

// URL returns the feed endpoint.
func (w *Worker) URL() string { return w.url }

// Start connects in the background.
func (w *Worker) Start(ctx context.Context) {
	w.base.Start(ctx)
}

// Stop closes the connection.
func (w *Worker) Stop() {
	w.base.Stop()
}

// Subscribe replaces the symbol set and resubscribes when connected.
func (w *Worker) Subscribe(symbols []string) error {
	w.mu.Lock()
	w.symbols = normalize(symbols)
	w.mu.Unlock()

	err := w.sendSubscription()
	if errors.Is(err, infra.ErrNotConnected) {
		// Sent by OnConnect once the connection is up.
		return nil
	}
	return err
}

// Symbols returns the current subscription.
func (w *Worker) Symbols() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]string(nil), w.symbols...)
}

// OnConnect subscribes after every (re)connect.
func (w *Worker) OnConnect(ctx context.Context, _ *infra.BaseWSWorker) error {
	return w.sendSubscription()
}

// OnMessage parses ticker frames and ignores everything else.
func (w *Worker) OnMessage(ctx context.Context, msg []byte) {
	var m tickerMessage
	if err := json.Unmarshal(msg, &m); err != nil || m.Type != "ticker" || m.Symbol == "" {
		return
	}
	if !m.Price.IsPositive() {
		slog.Debug("Ignoring non-positive price", slog.String("symbol", m.Symbol))
		return
	}

	ts := time.Now()
	if m.Timestamp > 0 {
		ts = time.UnixMilli(m.Timestamp)
	}
	w.sink(Tick{Symbol: domain.NormalizeSymbol(m.Symbol), Price: m.Price, Time: ts})
}

func (w *Worker) sendSubscription() error {
	symbols := w.Symbols()
	if len(symbols) == 0 {
		return nil
	}

	b, err := json.Marshal(subscribeMessage{
		Action:  "subscribe",
		Ticket:  uuid.NewString(),
		Symbols: symbols,
	})
	if err != nil {
		return err
	}
	return w.base.Write(b)
}

func normalize(symbols []string) []string {
	seen := make(map[string]struct{}, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		s = domain.NormalizeSymbol(s)
		if _, ok := seen[s]; ok || s == "" {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
