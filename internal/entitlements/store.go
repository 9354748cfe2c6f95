// Package entitlements owns the active business's entitlement snapshot and
// keeps it in step with the session.
package entitlements

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wabaconsole/console/internal/auth"
	internalerrors "github.com/wabaconsole/console/internal/errors"
	"github.com/wabaconsole/console/internal/logging"
	"github.com/wabaconsole/console/internal/metrics"
	"github.com/wabaconsole/console/pkg/entitlements"
)

// Fetcher loads a normalized snapshot for one business.
type Fetcher interface {
	FetchEntitlements(ctx context.Context, businessID string) (*entitlements.Snapshot, error)
}

// SnapshotCache persists the last good snapshot per business.
type SnapshotCache interface {
	Load(ctx context.Context, businessID string) (*entitlements.Snapshot, time.Time, error)
	Save(ctx context.Context, snap *entitlements.Snapshot, fetchedAt time.Time) error
}

// RefreshOptions controls a single refresh.
type RefreshOptions struct {
	// Silent refreshes leave the loading flag alone.
	Silent bool
}

// State is a read-only copy of the store's state.
type State struct {
	BusinessID string                 `json:"businessId,omitempty"`
	Snapshot   *entitlements.Snapshot `json:"snapshot"`
	Loading    bool                   `json:"loading"`
	Err        error                  `json:"-"`
	FetchedAt  time.Time              `json:"fetchedAt,omitempty"`
	FromCache  bool                   `json:"fromCache,omitempty"`
}

// Store holds the current entitlement view. Queries never block on the network.
type Store struct {
	fetcher Fetcher
	auth    auth.Provider
	cache   SnapshotCache
	nowFn   func() time.Time

	mu         sync.RWMutex
	view       *entitlements.View
	businessID string
	loading    bool
	err        error
	fetchedAt  time.Time
	fromCache  bool

	generation     uint64
	cancelInflight context.CancelFunc

	listenerMu sync.RWMutex
	listenerID int
	listeners  map[int]func(State)
}

// Option configures a Store.
type Option func(*Store)

// WithCache enables the last-known-good snapshot cache.
func WithCache(c SnapshotCache) Option {
	return func(s *Store) { s.cache = c }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.nowFn = now }
}

// NewStore creates a store over the given collaborators.
func NewStore(fetcher Fetcher, provider auth.Provider, opts ...Option) *Store {
	s := &Store{
		fetcher:   fetcher,
		auth:      provider,
		nowFn:     time.Now,
		listeners: make(map[int]func(State)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Refresh fetches the snapshot for the session's current business. Without a
// business it resets the store and makes no call. Failures are recorded in
// State().Err and never returned; the previous snapshot is kept.
func (s *Store) Refresh(ctx context.Context, opts RefreshOptions) {
	businessID := s.auth.Session().BusinessID()

	s.mu.Lock()
	s.generation++
	gen := s.generation
	if s.cancelInflight != nil {
		s.cancelInflight()
		s.cancelInflight = nil
	}

	if businessID == "" {
		changed := s.view != nil || s.loading || s.err != nil || s.businessID != ""
		s.view = nil
		s.businessID = ""
		s.loading = false
		s.err = nil
		s.fetchedAt = time.Time{}
		s.fromCache = false
		s.mu.Unlock()

		metrics.RecordRefresh(metrics.RefreshNoBusiness, 0, 0)
		if changed {
			log.Debug().Msg("No active business; entitlements cleared")
			s.notify()
		}
		return
	}

	fetchCtx, cancel := context.WithCancel(logging.WithBusiness(ctx, businessID))
	s.cancelInflight = cancel
	// Last-known-good only applies within one business.
	switched := businessID != s.businessID
	if switched {
		s.view = nil
		s.err = nil
		s.fetchedAt = time.Time{}
		s.fromCache = false
	}
	s.businessID = businessID
	changed := switched
	if !opts.Silent && !s.loading {
		s.loading = true
		changed = true
	}
	s.mu.Unlock()
	defer cancel()

	if changed {
		s.notify()
	}
	if switched {
		s.seedFromCache(fetchCtx, businessID, gen)
	}

	start := s.nowFn()
	snap, err := s.fetcher.FetchEntitlements(fetchCtx, businessID)
	elapsed := s.nowFn().Sub(start)

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		metrics.RecordRefresh(metrics.RefreshStale, elapsed, 0)
		log.Debug().
			Str("business_id", businessID).
			Uint64("generation", gen).
			Msg("Discarding superseded entitlement response")
		return
	}
	s.cancelInflight = nil
	s.loading = false

	if err == nil && snap == nil {
		err = errors.New("empty entitlement snapshot")
	}
	if err != nil {
		s.err = err
		s.mu.Unlock()

		logger := logging.FromContext(fetchCtx)
		if internalerrors.IsAuthError(err) {
			metrics.RecordRefresh(metrics.RefreshUnauthorized, elapsed, 0)
			logger.Warn().
				Err(err).
				Int("status", internalerrors.StatusCode(err)).
				Msg("No entitlements available yet for business")
		} else {
			metrics.RecordRefresh(metrics.RefreshError, elapsed, 0)
			logger.Error().
				Err(err).
				Int("status", internalerrors.StatusCode(err)).
				Bool("retryable", internalerrors.IsRetryable(err)).
				Bool("silent", opts.Silent).
				Msg("Failed to refresh entitlements")
		}
		s.notify()
		return
	}

	if snap.BusinessID == "" {
		snap.BusinessID = businessID
	}
	fetchedAt := s.nowFn()
	s.view = entitlements.NewView(snap)
	s.err = nil
	s.fetchedAt = fetchedAt
	s.fromCache = false
	features := len(snap.GrantedPermissions)
	s.mu.Unlock()

	metrics.RecordRefresh(metrics.RefreshSuccess, elapsed, features)
	log.Debug().
		Str("business_id", businessID).
		Int("features", features).
		Int("quotas", len(snap.Quotas)).
		Dur("elapsed", elapsed).
		Msg("Entitlements refreshed")

	if s.cache != nil {
		if err := s.cache.Save(ctx, snap, fetchedAt); err != nil {
			log.Warn().Err(err).Str("business_id", businessID).Msg("Failed to cache entitlement snapshot")
		}
	}
	s.notify()
}

// Run refreshes once for the current business and again on every business
// change until ctx is done. Each refresh runs on its own goroutine; responses
// that arrive after a newer refresh started are discarded.
func (s *Store) Run(ctx context.Context) error {
	wake := make(chan struct{}, 1)
	unsubscribe := s.auth.Subscribe(func(auth.Session) {
		select {
		case wake <- struct{}{}:
		default:
		}
	})
	defer unsubscribe()

	s.SeedFromCache(ctx)

	var (
		wg      sync.WaitGroup
		started bool
		last    string
	)
	check := func() {
		session := s.auth.Session()
		if session.Loading {
			return
		}
		id := session.BusinessID()
		if started && id == last {
			return
		}
		started, last = true, id
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Refresh(ctx, RefreshOptions{})
		}()
	}

	check()
	for {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-wake:
			check()
		}
	}
}

// SeedFromCache loads the cached snapshot for the session's business when the
// store holds none yet.
func (s *Store) SeedFromCache(ctx context.Context) {
	businessID := s.auth.Session().BusinessID()
	if businessID == "" {
		return
	}
	s.mu.RLock()
	gen := s.generation
	s.mu.RUnlock()
	s.seedFromCache(ctx, businessID, gen)
}

// seedFromCache installs the cached snapshot for businessID unless a refresh
// newer than gen started or a view is already present.
func (s *Store) seedFromCache(ctx context.Context, businessID string, gen uint64) {
	if s.cache == nil {
		return
	}
	snap, fetchedAt, err := s.cache.Load(ctx, businessID)
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			log.Warn().Err(err).Str("business_id", businessID).Msg("Failed to load cached entitlements")
		}
		return
	}
	if snap == nil {
		return
	}

	s.mu.Lock()
	if s.view != nil || s.generation != gen || (s.businessID != "" && s.businessID != businessID) {
		s.mu.Unlock()
		return
	}
	s.view = entitlements.NewView(snap)
	s.businessID = businessID
	s.fetchedAt = fetchedAt
	s.fromCache = true
	s.mu.Unlock()

	log.Info().
		Str("business_id", businessID).
		Time("fetched_at", fetchedAt).
		Msg("Loaded cached entitlements")
	s.notify()
}

// State returns a copy of the current state.
func (s *Store) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return State{
		BusinessID: s.businessID,
		Snapshot:   s.view.Snapshot(),
		Loading:    s.loading,
		Err:        s.err,
		FetchedAt:  s.fetchedAt,
		FromCache:  s.fromCache,
	}
}

// View returns the current immutable view. It may be nil.
func (s *Store) View() *entitlements.View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// Loading reports whether a non-silent refresh is in flight.
func (s *Store) Loading() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.loading
}

// Err returns the last refresh error, if any.
func (s *Store) Err() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.err
}

// HasFeature reports whether code is granted to the current business.
func (s *Store) HasFeature(code string) bool {
	return s.View().HasFeature(code)
}

// GetFeature returns the feature record for code, or nil.
func (s *Store) GetFeature(code string) *entitlements.FeatureRecord {
	return s.View().GetFeature(code)
}

// GetQuota returns the quota record for key, or nil.
func (s *Store) GetQuota(key string) *entitlements.QuotaRecord {
	return s.View().GetQuota(key)
}

// CanSpend reports whether amount may be consumed from key. Missing data allows.
func (s *Store) CanSpend(key string, amount float64) bool {
	return s.View().CanSpend(key, amount)
}

// CanSpendOne is CanSpend with the default amount of 1.
func (s *Store) CanSpendOne(key string) bool {
	return s.CanSpend(key, 1)
}

// OnChange registers fn to receive the state after every change.
func (s *Store) OnChange(fn func(State)) (unsubscribe func()) {
	s.listenerMu.Lock()
	s.listenerID++
	id := s.listenerID
	s.listeners[id] = fn
	s.listenerMu.Unlock()

	return func() {
		s.listenerMu.Lock()
		delete(s.listeners, id)
		s.listenerMu.Unlock()
	}
}

func (s *Store) notify() {
	s.listenerMu.RLock()
	if len(s.listeners) == 0 {
		s.listenerMu.RUnlock()
		return
	}
	fns := make([]func(State), 0, len(s.listeners))
	for id := 1; id <= s.listenerID; id++ {
		if fn, ok := s.listeners[id]; ok {
			fns = append(fns, fn)
		}
	}
	s.listenerMu.RUnlock()

	state := s.State()
	for _, fn := range fns {
		fn(state)
	}
}
