package watchlist

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"marketsync/internal/api"
	"marketsync/internal/domain"
	"marketsync/internal/session"
	"marketsync/internal/storage"
)

// Caller sends authenticated backend requests.
type Caller interface {
	Call(ctx context.Context, req api.Request, requireAuth bool, out any) error
}

// SnapshotStore keeps the last confirmed list for offline display.
type SnapshotStore interface {
	Save(snap *storage.Snapshot) error
	LoadLatest() (*storage.Snapshot, error)
	Cleanup(keepCount int) error
	Purge() error
}

// SessionSource reports authentication changes.
type SessionSource interface {
	Status() session.Status
	Subscribe(fn func(session.Status)) (unsubscribe func())
}

// Status is the snapshot exposed to the UI.
type Status struct {
	Loading bool
	Offline bool // items come from the local snapshot
	Count   int
	Err     error
}

// Synchronizer is the local watchlist cache. Reads are served from memory;
// every mutation is applied only after the backend confirms it, using the
// item the backend returned.
type Synchronizer struct {
	api       Caller
	snapshots SnapshotStore // nil disables offline snapshots
	keep      int

	// mutate serializes Load, Add, Remove and UpdatePreferences.
	mutate sync.Mutex

	mu         sync.RWMutex
	items      []domain.WatchlistItem
	index      map[string]int // normalized symbol -> position in items
	owner      string
	generation uint64 // bumped by Reset
	seq        uint64
	loading    bool
	offline    bool
	err        error

	notifyMu    sync.Mutex
	listenersMu sync.Mutex
	listeners   map[int]func(Status)
	nextID      int
}

// NewSynchronizer creates an empty watchlist. snapshots may be nil.
func NewSynchronizer(caller Caller, snapshots SnapshotStore, keep int) *Synchronizer {
	if keep <= 0 {
		keep = 1
	}
	return &Synchronizer{
		api:       caller,
		snapshots: snapshots,
		keep:      keep,
		index:     make(map[string]int),
		seq:       uint64(time.Now().UnixNano()),
		listeners: make(map[int]func(Status)),
	}
}

// errStale is returned for results that arrive after a sign-out.
var errStale = fmt.Errorf("watchlist reset during request: %w", domain.ErrAuthenticationRequired)

// Bind follows the session: signing out empties the list and a different
// user never sees the previous user's items.
func (s *Synchronizer) Bind(src SessionSource) (unbind func()) {
	s.onSession(src.Status())
	return src.Subscribe(s.onSession)
}

func (s *Synchronizer) onSession(st session.Status) {
	switch {
	case st.State == session.StateLoggedOut:
		s.Reset()
		return
	case st.State == session.StateUnauthenticated && !st.Loading:
		// A rejected stored session or a failed re-login.
		s.mu.RLock()
		held := s.owner != "" || len(s.items) > 0
		s.mu.RUnlock()
		if held {
			s.Reset()
		}
		return
	}

	uid := st.UserID()
	if uid == "" {
		return
	}

	s.mu.Lock()
	prev := s.owner
	s.owner = uid
	s.mu.Unlock()

	if prev != "" && prev != uid {
		slog.Info("Signed-in user changed, clearing watchlist")
		s.Reset()
		s.mu.Lock()
		s.owner = uid
		s.mu.Unlock()
	}
}

// Load replaces the cache with the server's list. When the backend is
// unreachable and the cache is empty, the owner's last snapshot is served
// and the network error is still returned.
func (s *Synchronizer) Load(ctx context.Context) error {
	s.mutate.Lock()
	defer s.mutate.Unlock()

	gen := s.begin()

	var items []domain.WatchlistItem
	err := s.api.Call(ctx, api.Request{Method: http.MethodGet, Path: "/favorites"}, true, &items)
	if err != nil {
		var ne *domain.NetworkError
		if errors.As(err, &ne) {
			s.restoreSnapshot(gen)
		}
		s.end(gen, err)
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return errStale
	}
	live := make(map[string]*decimal.Decimal, len(s.items))
	for _, it := range s.items {
		live[domain.NormalizeSymbol(it.Symbol)] = it.CurrentPrice
	}
	for i := range items {
		if items[i].CurrentPrice == nil {
			items[i].CurrentPrice = live[domain.NormalizeSymbol(items[i].Symbol)]
		}
	}
	s.replaceLocked(items)
	s.offline = false
	s.mu.Unlock()

	s.saveSnapshot(gen)
	s.end(gen, nil)
	slog.Info("Watchlist loaded", slog.Int("items", len(items)))
	return nil
}

// Add watches symbol. A symbol already in the cache is rejected with
// *domain.DuplicateError without contacting the backend.
func (s *Synchronizer) Add(ctx context.Context, symbol string, marketType domain.MarketType) (domain.WatchlistItem, error) {
	sym := domain.NormalizeSymbol(symbol)
	if sym == "" {
		return domain.WatchlistItem{}, &domain.ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	mt, err := domain.ParseMarketType(string(marketType))
	if err != nil {
		return domain.WatchlistItem{}, err
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if s.IsWatched(sym) {
		return domain.WatchlistItem{}, &domain.DuplicateError{Symbol: sym}
	}

	gen := s.begin()

	var item domain.WatchlistItem
	err = s.api.Call(ctx, api.Request{
		Method: http.MethodPost,
		Path:   "/favorites",
		Body:   domain.AddFavoriteRequest{Symbol: sym, MarketType: mt},
	}, true, &item)
	if err != nil {
		s.end(gen, err)
		return domain.WatchlistItem{}, err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return domain.WatchlistItem{}, errStale
	}
	s.items = append(s.items, item)
	s.index[domain.NormalizeSymbol(item.Symbol)] = len(s.items) - 1
	s.mu.Unlock()

	s.saveSnapshot(gen)
	s.end(gen, nil)
	slog.Info("Symbol added to watchlist", slog.String("symbol", item.Symbol), slog.Int64("id", item.ID))
	return item, nil
}

// Remove unwatches symbol. The cache changes only after the backend
// confirms the delete.
func (s *Synchronizer) Remove(ctx context.Context, symbol string) error {
	sym := domain.NormalizeSymbol(symbol)

	s.mutate.Lock()
	defer s.mutate.Unlock()

	item, ok := s.Item(sym)
	if !ok {
		return domain.ErrNotWatched
	}

	gen := s.begin()

	err := s.api.Call(ctx, api.Request{
		Method: http.MethodDelete,
		Path:   fmt.Sprintf("/favorites/%d", item.ID),
	}, true, nil)
	if err != nil {
		s.end(gen, err)
		return err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return errStale
	}
	if pos, ok := s.index[sym]; ok {
		items := make([]domain.WatchlistItem, 0, len(s.items)-1)
		items = append(items, s.items[:pos]...)
		items = append(items, s.items[pos+1:]...)
		s.replaceLocked(items)
	}
	s.mu.Unlock()

	s.saveSnapshot(gen)
	s.end(gen, nil)
	slog.Info("Symbol removed from watchlist", slog.String("symbol", sym))
	return nil
}

// UpdatePreferences changes the alert settings of the item with id. The
// cache is overwritten with the backend's returned item only on success.
func (s *Synchronizer) UpdatePreferences(ctx context.Context, id int64, prefs domain.AlertPreferences) (domain.WatchlistItem, error) {
	if err := prefs.Validate(); err != nil {
		return domain.WatchlistItem{}, err
	}

	s.mutate.Lock()
	defer s.mutate.Unlock()

	if _, ok := s.positionByID(id); !ok {
		return domain.WatchlistItem{}, domain.ErrNotWatched
	}

	gen := s.begin()

	var item domain.WatchlistItem
	err := s.api.Call(ctx, api.Request{
		Method: http.MethodPatch,
		Path:   fmt.Sprintf("/favorites/%d", id),
		Body:   prefs,
	}, true, &item)
	if err != nil {
		s.end(gen, err)
		return domain.WatchlistItem{}, err
	}

	s.mu.Lock()
	if s.generation != gen {
		s.mu.Unlock()
		return domain.WatchlistItem{}, errStale
	}
	if pos, ok := s.positionByIDLocked(id); ok {
		if item.CurrentPrice == nil {
			item.CurrentPrice = s.items[pos].CurrentPrice
		}
		s.items[pos] = item
		s.reindexLocked()
	}
	s.mu.Unlock()

	s.saveSnapshot(gen)
	s.end(gen, nil)
	slog.Info("Alert preferences updated", slog.String("symbol", item.Symbol))
	return item, nil
}

// ApplyPrice records a live price for symbol and notifies subscribers.
// Reports whether the symbol is watched.
func (s *Synchronizer) ApplyPrice(symbol string, price decimal.Decimal) bool {
	s.mu.Lock()
	pos, ok := s.index[domain.NormalizeSymbol(symbol)]
	if ok {
		p := price
		s.items[pos].CurrentPrice = &p
	}
	s.mu.Unlock()

	if ok {
		s.notify()
	}
	return ok
}

// Reset empties the cache and purges snapshots. Mutations still in flight
// are discarded when they complete.
func (s *Synchronizer) Reset() {
	s.mu.Lock()
	s.generation++
	s.items = nil
	s.index = make(map[string]int)
	s.owner = ""
	s.loading, s.offline, s.err = false, false, nil
	s.mu.Unlock()

	if s.snapshots != nil {
		if err := s.snapshots.Purge(); err != nil {
			slog.Warn("Failed to purge watchlist snapshots", slog.Any("error", err))
		}
	}
	s.notify()
}

// IsWatched reports whether symbol is cached. O(1).
func (s *Synchronizer) IsWatched(symbol string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.index[domain.NormalizeSymbol(symbol)]
	return ok
}

// Item returns a copy of the cached item for symbol.
func (s *Synchronizer) Item(symbol string) (domain.WatchlistItem, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, ok := s.index[domain.NormalizeSymbol(symbol)]
	if !ok {
		return domain.WatchlistItem{}, false
	}
	return s.items[pos], true
}

// AlertSummary derives the alert summary of the cached item for symbol.
func (s *Synchronizer) AlertSummary(symbol string) (domain.AlertSummary, bool) {
	item, ok := s.Item(symbol)
	if !ok {
		return domain.AlertSummary{}, false
	}
	return item.AlertSummary(), true
}

// Items returns a copy of the cached list in server order.
func (s *Synchronizer) Items() []domain.WatchlistItem {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.WatchlistItem, len(s.items))
	copy(out, s.items)
	return out
}

// Symbols returns the watched symbols sorted.
func (s *Synchronizer) Symbols() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.index))
	for sym := range s.index {
		out = append(out, sym)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Status returns the current snapshot.
func (s *Synchronizer) Status() Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return Status{Loading: s.loading, Offline: s.offline, Count: len(s.items), Err: s.err}
}

// Subscribe registers fn to run after every change of the list, status or
// live prices. A listener must not mutate the watchlist synchronously.
func (s *Synchronizer) Subscribe(fn func(Status)) (unsubscribe func()) {
	s.listenersMu.Lock()
	id := s.nextID
	s.nextID++
	s.listeners[id] = fn
	s.listenersMu.Unlock()

	return func() {
		s.listenersMu.Lock()
		delete(s.listeners, id)
		s.listenersMu.Unlock()
	}
}

func (s *Synchronizer) begin() uint64 {
	s.mu.Lock()
	gen := s.generation
	s.loading, s.err = true, nil
	s.mu.Unlock()
	s.notify()
	return gen
}

func (s *Synchronizer) end(gen uint64, err error) {
	s.mu.Lock()
	if s.generation == gen {
		s.loading, s.err = false, err
	}
	s.mu.Unlock()
	s.notify()
}

func (s *Synchronizer) replaceLocked(items []domain.WatchlistItem) {
	s.items = items
	s.reindexLocked()
}

func (s *Synchronizer) reindexLocked() {
	s.index = make(map[string]int, len(s.items))
	for i, it := range s.items {
		s.index[domain.NormalizeSymbol(it.Symbol)] = i
	}
}

func (s *Synchronizer) positionByID(id int64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.positionByIDLocked(id)
}

func (s *Synchronizer) positionByIDLocked(id int64) (int, bool) {
	for i, it := range s.items {
		if it.ID == id {
			return i, true
		}
	}
	return 0, false
}

func (s *Synchronizer) saveSnapshot(gen uint64) {
	if s.snapshots == nil {
		return
	}

	s.mu.Lock()
	if s.generation != gen || s.owner == "" {
		s.mu.Unlock()
		return
	}
	s.seq++
	snap := storage.NewSnapshot(s.seq, s.owner, s.items)
	s.mu.Unlock()

	if err := s.snapshots.Save(snap); err != nil {
		slog.Warn("Failed to save watchlist snapshot", slog.Any("error", err))
		return
	}
	if err := s.snapshots.Cleanup(s.keep); err != nil {
		slog.Warn("Failed to clean up watchlist snapshots", slog.Any("error", err))
	}
}

func (s *Synchronizer) restoreSnapshot(gen uint64) {
	if s.snapshots == nil {
		return
	}

	s.mu.RLock()
	owner, empty := s.owner, len(s.items) == 0
	s.mu.RUnlock()
	if owner == "" || !empty {
		return
	}

	snap, err := s.snapshots.LoadLatest()
	if err != nil {
		slog.Warn("Failed to read watchlist snapshot", slog.Any("error", err))
		return
	}
	if snap == nil || snap.Owner != owner {
		return
	}

	s.mu.Lock()
	if s.generation == gen && len(s.items) == 0 {
		s.replaceLocked(snap.Items)
		s.offline = true
		slog.Info("Serving watchlist from snapshot", slog.Int("items", len(snap.Items)))
	}
	s.mu.Unlock()
}

func (s *Synchronizer) notify() {
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()

	st := s.Status()

	s.listenersMu.Lock()
	ids := make([]int, 0, len(s.listeners))
	for id := range s.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]func(Status), 0, len(ids))
	for _, id := range ids {
		fns = append(fns, s.listeners[id])
	}
	s.listenersMu.Unlock()

	for _, fn := range fns {
		fn(st)
	}
}
