package infra

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrNotConnected is returned by Write while no connection is open.
var ErrNotConnected = errors.New("ws not connected")

// StreamHandler supplies the feed-specific parts of a BaseWSWorker.
type StreamHandler interface {
	ID() string
	URL() string
	// OnConnect runs after every (re)connect, typically to subscribe.
	OnConnect(ctx context.Context, w *BaseWSWorker) error
	OnMessage(ctx context.Context, msg []byte)
}

// BaseWSWorker keeps one websocket connection alive: reconnect with
// backoff, read deadline, control-frame pings and serialized writes.
type BaseWSWorker struct {
	handler StreamHandler

	mu      sync.RWMutex
	conn    *websocket.Conn
	writeMu sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	ReadTimeout  time.Duration
	PingInterval time.Duration
	UserAgent    string
	Backoff      Backoff
}

// NewBaseWSWorker creates a worker for handler.
func NewBaseWSWorker(handler StreamHandler) *BaseWSWorker {
	return &BaseWSWorker{
		handler:      handler,
		ReadTimeout:  60 * time.Second,
		PingInterval: 25 * time.Second,
		UserAgent:    AppName,
		Backoff:      DefaultBackoff,
	}
}

// Start runs the connection loop until ctx is done or Stop is called.
func (w *BaseWSWorker) Start(ctx context.Context) {
	ctx, w.cancel = context.WithCancel(ctx)
	w.wg.Add(1)
	go w.runLoop(ctx)
}

// Stop terminates the worker and waits for its goroutines.
func (w *BaseWSWorker) Stop() {
	if w.cancel != nil {
		w.cancel()
	}
	w.close()
	w.wg.Wait()
}

// Connected reports whether a connection is currently open.
func (w *BaseWSWorker) Connected() bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.conn != nil
}

func (w *BaseWSWorker) runLoop(ctx context.Context) {
	defer w.wg.Done()
	retry := 0

	for {
		if ctx.Err() != nil {
			return
		}

		if err := w.connect(ctx); err != nil {
			delay := w.Backoff.Delay(retry)
			slog.Warn("WS connection failed",
				slog.String("id", w.handler.ID()),
				slog.Any("error", err),
				slog.Int("retry", retry),
				slog.Duration("delay", delay))
			retry++

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		retry = 0
		w.readLoop(ctx)
	}
}

func (w *BaseWSWorker) connect(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	header := make(http.Header)
	header.Set("User-Agent", w.UserAgent)

	conn, _, err := dialer.DialContext(ctx, w.handler.URL(), header)
	if err != nil {
		return err
	}

	w.mu.Lock()
	w.conn = conn
	w.mu.Unlock()

	if err := w.handler.OnConnect(ctx, w); err != nil {
		w.close()
		return fmt.Errorf("OnConnect failed: %w", err)
	}

	if w.PingInterval > 0 {
		w.wg.Add(1)
		go w.pingLoop(ctx, conn)
	}

	slog.Info("WS connected", slog.String("id", w.handler.ID()))
	return nil
}

func (w *BaseWSWorker) readLoop(ctx context.Context) {
	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return
	}

	c.SetPongHandler(func(string) error {
		return c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
	})

	for {
		c.SetReadDeadline(time.Now().Add(w.ReadTimeout))
		_, msg, err := c.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				slog.Warn("WS read error", slog.String("id", w.handler.ID()), slog.Any("error", err))
			}
			w.close()
			return
		}
		w.handler.OnMessage(ctx, msg)
	}
}

func (w *BaseWSWorker) pingLoop(ctx context.Context, c *websocket.Conn) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.mu.RLock()
			current := w.conn
			w.mu.RUnlock()
			if current != c {
				return
			}

			w.writeMu.Lock()
			err := c.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			w.writeMu.Unlock()
			if err != nil {
				slog.Warn("WS ping error", slog.String("id", w.handler.ID()), slog.Any("error", err))
				w.close()
				return
			}
		}
	}
}

// Write sends one text message on the current connection.
func (w *BaseWSWorker) Write(data []byte) error {
	w.writeMu.Lock()
	defer w.writeMu.Unlock()

	w.mu.RLock()
	c := w.conn
	w.mu.RUnlock()
	if c == nil {
		return ErrNotConnected
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (w *BaseWSWorker) close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn != nil {
		w.conn.Close()
		w.conn = nil
	}
}
