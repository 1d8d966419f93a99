package watchlist

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"

	"marketsync/internal/api"
	"marketsync/internal/domain"
	"marketsync/internal/infra"
	"marketsync/internal/session"
	"marketsync/internal/storage"
)

// favoritesBackend is an in-memory /favorites service.
type favoritesBackend struct {
	mu      sync.Mutex
	items   []domain.WatchlistItem
	nextID  int64
	fail    int           // non-zero forces this status on mutations
	gate    chan struct{} // mutations block until closed
	entered chan struct{}

	gets    int32
	posts   int32
	patches int32
	deletes int32
}

func (b *favoritesBackend) configure(fn func(b *favoritesBackend)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	fn(b)
}

func (b *favoritesBackend) hold() {
	b.mu.Lock()
	gate, entered := b.gate, b.entered
	b.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if gate != nil {
		<-gate
	}
}

func (b *favoritesBackend) failure(w http.ResponseWriter) bool {
	b.mu.Lock()
	status := b.fail
	b.mu.Unlock()
	if status == 0 {
		return false
	}
	writeJSON(w, status, map[string]string{"detail": "Internal server error"})
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (b *favoritesBackend) router() *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/favorites", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.gets, 1)
		b.mu.Lock()
		items := append([]domain.WatchlistItem{}, b.items...)
		b.mu.Unlock()
		writeJSON(w, http.StatusOK, items)
	}).Methods(http.MethodGet)

	r.HandleFunc("/favorites", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.posts, 1)
		b.hold()
		if b.failure(w) {
			return
		}
		var body domain.AddFavoriteRequest
		_ = json.NewDecoder(req.Body).Decode(&body)

		b.mu.Lock()
		defer b.mu.Unlock()
		for _, it := range b.items {
			if strings.EqualFold(it.Symbol, body.Symbol) {
				writeJSON(w, http.StatusBadRequest, map[string]string{"detail": "Symbol already in favorites"})
				return
			}
		}
		b.nextID++
		item := domain.WatchlistItem{
			ID:         b.nextID,
			Symbol:     body.Symbol,
			MarketType: body.MarketType,
			CreatedAt:  "2026-01-02T03:04:05",
		}
		b.items = append(b.items, item)
		writeJSON(w, http.StatusCreated, item)
	}).Methods(http.MethodPost)

	r.HandleFunc("/favorites/{id:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.patches, 1)
		b.hold()
		if b.failure(w) {
			return
		}
		id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)
		var prefs domain.AlertPreferences
		_ = json.NewDecoder(req.Body).Decode(&prefs)

		b.mu.Lock()
		defer b.mu.Unlock()
		for i, it := range b.items {
			if it.ID == id {
				it.AlertEnabled = prefs.AlertEnabled
				it.AlertOnOverbought = prefs.AlertOnOverbought
				it.AlertOnOversold = prefs.AlertOnOversold
				it.AlertOnNeutral = prefs.AlertOnNeutral
				it.PriceAlertEnabled = prefs.PriceAlertEnabled
				it.AlertPriceAbove = prefs.AlertPriceAbove
				it.AlertPriceBelow = prefs.AlertPriceBelow
				it.UpdatedAt = "2026-01-03T00:00:00"
				b.items[i] = it
				writeJSON(w, http.StatusOK, it)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Favorite not found"})
	}).Methods(http.MethodPatch)

	r.HandleFunc("/favorites/{id:[0-9]+}", func(w http.ResponseWriter, req *http.Request) {
		atomic.AddInt32(&b.deletes, 1)
		b.hold()
		if b.failure(w) {
			return
		}
		id, _ := strconv.ParseInt(mux.Vars(req)["id"], 10, 64)

		b.mu.Lock()
		defer b.mu.Unlock()
		for i, it := range b.items {
			if it.ID == id {
				b.items = append(b.items[:i], b.items[i+1:]...)
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		writeJSON(w, http.StatusNotFound, map[string]string{"detail": "Favorite not found"})
	}).Methods(http.MethodDelete)

	return r
}

type staticAuth struct{}

func (staticAuth) AccessToken() string { return "token" }
func (staticAuth) Refresh(context.Context, string) (string, error) {
	return "", domain.ErrSessionExpired
}
func (staticAuth) Logout(context.Context) error { return nil }

type fixture struct {
	backend   *favoritesBackend
	server    *httptest.Server
	pipeline  *api.Pipeline
	snapshots *storage.SnapshotManager
	sync      *Synchronizer
}

func newFixture(t *testing.T, seed ...domain.WatchlistItem) *fixture {
	t.Helper()
	fb := &favoritesBackend{items: seed, nextID: int64(len(seed))}
	srv := httptest.NewServer(fb.router())
	t.Cleanup(srv.Close)

	cfg := infra.DefaultConfig()
	cfg.Backend.BaseURL = srv.URL
	cfg.Backend.RateLimit.Burst = 100
	pipeline := api.NewPipeline(api.NewClient(cfg, nil), staticAuth{})
	snapshots := storage.NewSnapshotManager(t.TempDir())

	s := NewSynchronizer(pipeline, snapshots, 2)
	s.onSession(signedIn("u1"))

	return &fixture{backend: fb, server: srv, pipeline: pipeline, snapshots: snapshots, sync: s}
}

func signedIn(id string) session.Status {
	return session.Status{State: session.StateAuthenticated, Authenticated: true, User: &domain.User{ID: domain.UserID(id)}}
}

func dec(v string) *decimal.Decimal {
	d := decimal.RequireFromString(v)
	return &d
}

func seedItems() []domain.WatchlistItem {
	return []domain.WatchlistItem{
		{ID: 1, Symbol: "AAPL", MarketType: domain.MarketStock, AlertEnabled: true, AlertOnOverbought: true},
		{ID: 2, Symbol: "BTC", MarketType: domain.MarketCrypto},
	}
}

func TestSynchronizer_LoadAndQueries(t *testing.T) {
	f := newFixture(t, seedItems()...)

	if err := f.sync.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if !f.sync.IsWatched("aapl") || !f.sync.IsWatched(" BTC ") {
		t.Error("Expected case-insensitive lookups to succeed")
	}
	if f.sync.IsWatched("ETH") {
		t.Error("ETH is not watched")
	}

	item, ok := f.sync.Item("AAPL")
	if !ok || item.ID != 1 {
		t.Errorf("Unexpected item %+v ok=%v", item, ok)
	}

	summary, ok := f.sync.AlertSummary("AAPL")
	if !ok || !summary.HasMarketAlerts || summary.HasPriceAlerts {
		t.Errorf("Unexpected summary %+v", summary)
	}
	again, _ := f.sync.AlertSummary("AAPL")
	if len(again.MarketAlertTypes) != 1 || again.MarketAlertTypes[0] != summary.MarketAlertTypes[0] {
		t.Errorf("Summary is not stable: %+v vs %+v", summary, again)
	}

	if _, ok := f.sync.AlertSummary("ETH"); ok {
		t.Error("Expected no summary for unwatched symbol")
	}
	if st := f.sync.Status(); st.Count != 2 || st.Loading || st.Err != nil {
		t.Errorf("Unexpected status %+v", st)
	}
}

func TestSynchronizer_AddDuplicateIsLocal(t *testing.T) {
	f := newFixture(t, seedItems()...)
	ctx := context.Background()
	_ = f.sync.Load(ctx)

	_, err := f.sync.Add(ctx, "aapl", domain.MarketStock)
	var de *domain.DuplicateError
	if !errors.As(err, &de) {
		t.Fatalf("Expected DuplicateError, got %v", err)
	}
	if de.Symbol != "AAPL" {
		t.Errorf("Expected normalized symbol, got %q", de.Symbol)
	}
	if n := atomic.LoadInt32(&f.backend.posts); n != 0 {
		t.Errorf("Expected no remote call, got %d", n)
	}
}

func TestSynchronizer_AddUsesServerItem(t *testing.T) {
	f := newFixture(t)

	item, err := f.sync.Add(context.Background(), "msft", domain.MarketStock)
	if err != nil {
		t.Fatalf("Add failed: %v", err)
	}
	if item.ID != 1 || item.Symbol != "MSFT" || item.CreatedAt == "" {
		t.Errorf("Expected server-assigned fields, got %+v", item)
	}
	cached, ok := f.sync.Item("MSFT")
	if !ok || cached.ID != item.ID {
		t.Errorf("Expected cached server item, got %+v", cached)
	}
}

func TestSynchronizer_AddValidation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	tests := []struct {
		name   string
		symbol string
		market domain.MarketType
	}{
		{"empty symbol", "  ", domain.MarketStock},
		{"bad market", "AAPL", domain.MarketType("bond")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.sync.Add(ctx, tt.symbol, tt.market)
			var ve *domain.ValidationError
			if !errors.As(err, &ve) {
				t.Errorf("Expected ValidationError, got %v", err)
			}
		})
	}
	if n := atomic.LoadInt32(&f.backend.posts); n != 0 {
		t.Errorf("Expected no remote call, got %d", n)
	}
}

func TestSynchronizer_ConcurrentAddsSerialized(t *testing.T) {
	f := newFixture(t)

	const callers = 6
	var wg sync.WaitGroup
	var ok, dup int32
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.sync.Add(context.Background(), "ETH", domain.MarketCrypto)
			var de *domain.DuplicateError
			switch {
			case err == nil:
				atomic.AddInt32(&ok, 1)
			case errors.As(err, &de):
				atomic.AddInt32(&dup, 1)
			default:
				t.Errorf("Unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	if ok != 1 || dup != callers-1 {
		t.Errorf("Expected 1 success and %d duplicates, got %d and %d", callers-1, ok, dup)
	}
	if n := atomic.LoadInt32(&f.backend.posts); n != 1 {
		t.Errorf("Expected exactly one remote create, got %d", n)
	}
}

func TestSynchronizer_Remove(t *testing.T) {
	f := newFixture(t, seedItems()...)
	ctx := context.Background()
	_ = f.sync.Load(ctx)

	if err := f.sync.Remove(ctx, "ETH"); !errors.Is(err, domain.ErrNotWatched) {
		t.Fatalf("Expected ErrNotWatched, got %v", err)
	}
	if n := atomic.LoadInt32(&f.backend.deletes); n != 0 {
		t.Errorf("Expected no remote call for unknown symbol, got %d", n)
	}

	f.backend.configure(func(b *favoritesBackend) { b.fail = http.StatusInternalServerError })
	err := f.sync.Remove(ctx, "AAPL")
	var be *domain.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("Expected BackendError, got %v", err)
	}
	if !f.sync.IsWatched("AAPL") {
		t.Error("Failed remove must leave the item cached")
	}

	f.backend.configure(func(b *favoritesBackend) { b.fail = 0 })
	if err := f.sync.Remove(ctx, "aapl"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if f.sync.IsWatched("AAPL") {
		t.Error("Expected AAPL removed")
	}
	if item, ok := f.sync.Item("BTC"); !ok || item.ID != 2 {
		t.Errorf("Index out of sync after remove: %+v ok=%v", item, ok)
	}
}

func TestSynchronizer_UpdatePreferences(t *testing.T) {
	f := newFixture(t, seedItems()...)
	ctx := context.Background()
	_ = f.sync.Load(ctx)

	_, err := f.sync.UpdatePreferences(ctx, 1, domain.AlertPreferences{PriceAlertEnabled: true, AlertPriceAbove: dec("-1")})
	var ve *domain.ValidationError
	if !errors.As(err, &ve) {
		t.Fatalf("Expected ValidationError, got %v", err)
	}
	if n := atomic.LoadInt32(&f.backend.patches); n != 0 {
		t.Errorf("Expected no remote call for invalid prefs, got %d", n)
	}

	prefs := domain.AlertPreferences{
		AlertEnabled:      true,
		AlertOnOversold:   true,
		PriceAlertEnabled: true,
		AlertPriceAbove:   dec("200"),
	}

	f.backend.configure(func(b *favoritesBackend) { b.fail = http.StatusInternalServerError })
	if _, err := f.sync.UpdatePreferences(ctx, 1, prefs); err == nil {
		t.Fatal("Expected error")
	}
	if item, _ := f.sync.Item("AAPL"); item.PriceAlertEnabled || !item.AlertOnOverbought {
		t.Errorf("Failed update must not change the cache: %+v", item)
	}

	f.backend.configure(func(b *favoritesBackend) { b.fail = 0 })
	updated, err := f.sync.UpdatePreferences(ctx, 1, prefs)
	if err != nil {
		t.Fatalf("UpdatePreferences failed: %v", err)
	}
	if updated.UpdatedAt == "" {
		t.Error("Expected server timestamp on updated item")
	}

	summary, _ := f.sync.AlertSummary("AAPL")
	if !summary.HasPriceAlerts || len(summary.PriceAlertTypes) != 1 || summary.PriceAlertTypes[0] != "Above $200.00" {
		t.Errorf("Unexpected price summary %+v", summary)
	}
	if len(summary.MarketAlertTypes) != 1 || summary.MarketAlertTypes[0] != "Oversold" {
		t.Errorf("Unexpected market summary %+v", summary)
	}

	if _, err := f.sync.UpdatePreferences(ctx, 99, prefs); !errors.Is(err, domain.ErrNotWatched) {
		t.Errorf("Expected ErrNotWatched for unknown id, got %v", err)
	}
}

func TestSynchronizer_ResetDiscardsInFlight(t *testing.T) {
	f := newFixture(t)
	gate, entered := make(chan struct{}), make(chan struct{}, 1)
	f.backend.configure(func(b *favoritesBackend) { b.gate, b.entered = gate, entered })

	done := make(chan error, 1)
	go func() {
		_, err := f.sync.Add(context.Background(), "AAPL", domain.MarketStock)
		done <- err
	}()
	<-entered

	f.sync.Reset()
	close(gate)

	if err := <-done; !errors.Is(err, domain.ErrAuthenticationRequired) {
		t.Errorf("Expected stale result error, got %v", err)
	}
	if items := f.sync.Items(); len(items) != 0 {
		t.Errorf("Stale add leaked into the cache: %+v", items)
	}
}

// fakeSession emits session statuses.
type fakeSession struct {
	status   session.Status
	listener func(session.Status)
}

func (s *fakeSession) Status() session.Status { return s.status }
func (s *fakeSession) Subscribe(fn func(session.Status)) func() {
	s.listener = fn
	return func() {}
}
func (s *fakeSession) emit(st session.Status) {
	s.status = st
	s.listener(st)
}

func TestSynchronizer_LogoutEmptiesList(t *testing.T) {
	f := newFixture(t, seedItems()...)
	src := &fakeSession{status: signedIn("u1")}
	f.sync.Bind(src)
	_ = f.sync.Load(context.Background())

	src.emit(session.Status{State: session.StateLoggedOut})

	if len(f.sync.Items()) != 0 || f.sync.IsWatched("AAPL") {
		t.Error("Expected empty watchlist after logout")
	}
	if snap, _ := f.snapshots.LoadLatest(); snap != nil {
		t.Errorf("Expected snapshots purged, got %+v", snap)
	}
}

func TestSynchronizer_UserSwitchClearsList(t *testing.T) {
	f := newFixture(t, seedItems()...)
	src := &fakeSession{status: signedIn("u1")}
	f.sync.Bind(src)
	_ = f.sync.Load(context.Background())

	src.emit(signedIn("u2"))

	if len(f.sync.Items()) != 0 {
		t.Error("Expected previous user's items cleared")
	}
}

func TestSynchronizer_SignedOutWithoutLogoutClearsList(t *testing.T) {
	f := newFixture(t, seedItems()...)
	src := &fakeSession{status: signedIn("u1")}
	f.sync.Bind(src)
	_ = f.sync.Load(context.Background())

	// A failed re-login ends Unauthenticated rather than LoggedOut.
	src.emit(session.Status{State: session.StateAuthenticating, Loading: true})
	if !f.sync.IsWatched("AAPL") {
		t.Fatal("Items must survive while the attempt is in progress")
	}
	src.emit(session.Status{State: session.StateUnauthenticated, Err: errors.New("Incorrect email or password")})

	if len(f.sync.Items()) != 0 {
		t.Error("Expected previous user's items cleared")
	}
	if snap, _ := f.snapshots.LoadLatest(); snap != nil {
		t.Errorf("Expected snapshots purged, got %+v", snap)
	}
}

func TestSynchronizer_ColdStartKeepsSnapshot(t *testing.T) {
	f := newFixture(t, seedItems()...)
	if err := f.sync.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	s := NewSynchronizer(f.pipeline, f.snapshots, 2)
	src := &fakeSession{status: session.Status{State: session.StateUnauthenticated, Loading: true}}
	s.Bind(src)
	src.emit(session.Status{State: session.StateUnauthenticated})

	if snap, _ := f.snapshots.LoadLatest(); snap == nil || snap.Owner != "u1" {
		t.Errorf("Expected snapshot kept on a signed-out cold start, got %+v", snap)
	}
}

func TestSynchronizer_OfflineSnapshot(t *testing.T) {
	f := newFixture(t, seedItems()...)
	if err := f.sync.Load(context.Background()); err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	f.server.Close()

	t.Run("same user", func(t *testing.T) {
		s := NewSynchronizer(f.pipeline, f.snapshots, 2)
		s.onSession(signedIn("u1"))

		err := s.Load(context.Background())
		var ne *domain.NetworkError
		if !errors.As(err, &ne) {
			t.Fatalf("Expected NetworkError, got %v", err)
		}
		st := s.Status()
		if !st.Offline || st.Count != 2 {
			t.Errorf("Expected snapshot served offline, got %+v", st)
		}
		if !s.IsWatched("BTC") {
			t.Error("Expected BTC from snapshot")
		}
	})

	t.Run("other user", func(t *testing.T) {
		s := NewSynchronizer(f.pipeline, f.snapshots, 2)
		s.onSession(signedIn("u2"))

		_ = s.Load(context.Background())
		if st := s.Status(); st.Offline || st.Count != 0 {
			t.Errorf("Another user's snapshot must not be served, got %+v", st)
		}
	})
}

func TestSynchronizer_ApplyPrice(t *testing.T) {
	f := newFixture(t, seedItems()...)
	ctx := context.Background()
	_ = f.sync.Load(ctx)

	if !f.sync.ApplyPrice("aapl", decimal.RequireFromString("201.5")) {
		t.Fatal("Expected AAPL to be watched")
	}
	if f.sync.ApplyPrice("ETH", decimal.NewFromInt(1)) {
		t.Error("Expected ETH to be ignored")
	}

	item, _ := f.sync.Item("AAPL")
	if item.CurrentPrice == nil || !item.CurrentPrice.Equal(decimal.RequireFromString("201.5")) {
		t.Errorf("Unexpected price %v", item.CurrentPrice)
	}

	// A reload without server prices keeps the live price.
	_ = f.sync.Load(ctx)
	item, _ = f.sync.Item("AAPL")
	if item.CurrentPrice == nil {
		t.Error("Expected live price to survive reload")
	}
}

func TestSynchronizer_ApplyPriceNotifies(t *testing.T) {
	f := newFixture(t, seedItems()...)
	_ = f.sync.Load(context.Background())

	var notified int32
	unsubscribe := f.sync.Subscribe(func(Status) { atomic.AddInt32(&notified, 1) })
	defer unsubscribe()

	f.sync.ApplyPrice("BTC", decimal.NewFromInt(64000))
	if n := atomic.LoadInt32(&notified); n != 1 {
		t.Errorf("Expected one notification for a watched price, got %d", n)
	}

	f.sync.ApplyPrice("ETH", decimal.NewFromInt(3000))
	if n := atomic.LoadInt32(&notified); n != 1 {
		t.Errorf("Expected no notification for an unwatched symbol, got %d", n)
	}
}

func TestSynchronizer_Symbols(t *testing.T) {
	f := newFixture(t, seedItems()...)
	_ = f.sync.Load(context.Background())

	got := f.sync.Symbols()
	if len(got) != 2 || got[0] != "AAPL" || got[1] != "BTC" {
		t.Errorf("Unexpected symbols %v", got)
	}
}
