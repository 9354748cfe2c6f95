package entitlements

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabaconsole/console/internal/auth"
	internalerrors "github.com/wabaconsole/console/internal/errors"
	"github.com/wabaconsole/console/internal/metrics"
	"github.com/wabaconsole/console/pkg/entitlements"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   []string
	respond func(ctx context.Context, businessID string) (*entitlements.Snapshot, error)
}

func (f *fakeFetcher) FetchEntitlements(ctx context.Context, businessID string) (*entitlements.Snapshot, error) {
	f.mu.Lock()
	f.calls = append(f.calls, businessID)
	respond := f.respond
	f.mu.Unlock()
	return respond(ctx, businessID)
}

func (f *fakeFetcher) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

func ptr(v float64) *float64 { return &v }

func snapshotFor(businessID string, codes ...string) *entitlements.Snapshot {
	return &entitlements.Snapshot{
		BusinessID:         businessID,
		GrantedPermissions: codes,
		Quotas: []entitlements.QuotaRecord{
			{QuotaKey: entitlements.QuotaMessagesPerMonth, Remaining: ptr(5)},
		},
	}
}

func staticFetcher(snap *entitlements.Snapshot) *fakeFetcher {
	return &fakeFetcher{respond: func(context.Context, string) (*entitlements.Snapshot, error) {
		return snap.Clone(), nil
	}}
}

func TestRefreshLoadsSnapshotForActiveBusiness(t *testing.T) {
	holder := auth.NewHolder(auth.Session{UserID: "u1", Business: &auth.Business{ID: "biz-1"}})
	fetcher := staticFetcher(snapshotFor("", entitlements.FeatureCRMContactView))
	store := NewStore(fetcher, holder)

	store.Refresh(context.Background(), RefreshOptions{})

	state := store.State()
	require.NoError(t, state.Err)
	assert.False(t, state.Loading)
	assert.Equal(t, "biz-1", state.BusinessID)
	require.NotNil(t, state.Snapshot)
	assert.Equal(t, "biz-1", state.Snapshot.BusinessID)
	assert.False(t, state.FetchedAt.IsZero())

	assert.True(t, store.HasFeature("crm_contact_view"))
	assert.False(t, store.HasFeature(entitlements.FeatureCampaignCreate))
	assert.True(t, store.CanSpend(entitlements.QuotaMessagesPerMonth, 5))
	assert.False(t, store.CanSpend(entitlements.QuotaMessagesPerMonth, 6))
	assert.True(t, store.CanSpendOne(entitlements.QuotaContactsMax), "unknown quota allows")
	assert.Nil(t, store.GetQuota(entitlements.QuotaContactsMax))
	assert.Equal(t, []string{"biz-1"}, fetcher.calls)
}

func TestRefreshWithoutBusinessResetsAndSkipsFetch(t *testing.T) {
	holder := auth.NewHolder(auth.Session{UserID: "u1", Business: &auth.Business{ID: "biz-1"}})
	fetcher := staticFetcher(snapshotFor("biz-1", entitlements.FeatureCRMContactView))
	store := NewStore(fetcher, holder)

	store.Refresh(context.Background(), RefreshOptions{})
	require.True(t, store.HasFeature(entitlements.FeatureCRMContactView))

	holder.SetBusiness("")
	store.Refresh(context.Background(), RefreshOptions{})

	state := store.State()
	assert.Nil(t, state.Snapshot)
	assert.False(t, state.Loading)
	assert.NoError(t, state.Err)
	assert.Empty(t, state.BusinessID)
	assert.Equal(t, 1, fetcher.callCount())

	assert.False(t, store.HasFeature(entitlements.FeatureCRMContactView))
	assert.Nil(t, store.GetFeature(entitlements.FeatureCRMContactView))
	assert.True(t, store.CanSpend(entitlements.QuotaMessagesPerMonth, 1000))
}

func TestRefreshFailureKeepsLastKnownGood(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	fail := false
	fetcher := &fakeFetcher{respond: func(context.Context, string) (*entitlements.Snapshot, error) {
		if fail {
			return nil, errors.New("backend down")
		}
		return snapshotFor("biz-1", entitlements.FeatureReportsView), nil
	}}
	store := NewStore(fetcher, holder)

	store.Refresh(context.Background(), RefreshOptions{})
	require.NoError(t, store.Err())

	fail = true
	store.Refresh(context.Background(), RefreshOptions{})

	state := store.State()
	assert.EqualError(t, state.Err, "backend down")
	assert.False(t, state.Loading)
	assert.True(t, store.HasFeature(entitlements.FeatureReportsView))

	fail = false
	store.Refresh(context.Background(), RefreshOptions{Silent: true})
	assert.NoError(t, store.Err())
}

func TestRefreshNilSnapshotIsAnError(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	fetcher := &fakeFetcher{respond: func(context.Context, string) (*entitlements.Snapshot, error) {
		return nil, nil
	}}
	store := NewStore(fetcher, holder)

	store.Refresh(context.Background(), RefreshOptions{})
	assert.Error(t, store.Err())
	assert.Nil(t, store.View())
}

func TestRefreshLoadingFlag(t *testing.T) {
	tests := []struct {
		name        string
		silent      bool
		wantLoading bool
	}{
		{name: "regular", silent: false, wantLoading: true},
		{name: "silent", silent: true, wantLoading: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
			entered := make(chan struct{})
			release := make(chan struct{})
			fetcher := &fakeFetcher{respond: func(context.Context, string) (*entitlements.Snapshot, error) {
				close(entered)
				<-release
				return snapshotFor("biz-1"), nil
			}}
			store := NewStore(fetcher, holder)

			done := make(chan struct{})
			go func() {
				store.Refresh(context.Background(), RefreshOptions{Silent: tt.silent})
				close(done)
			}()

			<-entered
			assert.Equal(t, tt.wantLoading, store.Loading())
			close(release)
			<-done
			assert.False(t, store.Loading())
		})
	}
}

func TestSupersededResponseIsDiscarded(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-a"}})
	entered := make(chan struct{})
	release := make(chan struct{})
	fetcher := &fakeFetcher{respond: func(ctx context.Context, businessID string) (*entitlements.Snapshot, error) {
		if businessID == "biz-a" {
			close(entered)
			<-release
			return snapshotFor("biz-a", entitlements.FeatureAdminBilling), nil
		}
		return snapshotFor("biz-b", entitlements.FeatureReportsView), nil
	}}
	store := NewStore(fetcher, holder)

	done := make(chan struct{})
	go func() {
		store.Refresh(context.Background(), RefreshOptions{})
		close(done)
	}()
	<-entered

	holder.SetBusiness("biz-b")
	store.Refresh(context.Background(), RefreshOptions{})

	close(release)
	<-done

	state := store.State()
	assert.Equal(t, "biz-b", state.BusinessID)
	assert.False(t, state.Loading)
	assert.True(t, store.HasFeature(entitlements.FeatureReportsView))
	assert.False(t, store.HasFeature(entitlements.FeatureAdminBilling))
}

func TestSupersededFetchContextIsCancelled(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-a"}})
	entered := make(chan struct{})
	cancelled := make(chan struct{})
	fetcher := &fakeFetcher{respond: func(ctx context.Context, businessID string) (*entitlements.Snapshot, error) {
		if businessID == "biz-a" {
			close(entered)
			<-ctx.Done()
			close(cancelled)
			return nil, ctx.Err()
		}
		return snapshotFor("biz-b"), nil
	}}
	store := NewStore(fetcher, holder)

	go store.Refresh(context.Background(), RefreshOptions{})
	<-entered

	holder.SetBusiness("biz-b")
	store.Refresh(context.Background(), RefreshOptions{})

	select {
	case <-cancelled:
	case <-time.After(5 * time.Second):
		t.Fatal("superseded fetch was not cancelled")
	}
	assert.NoError(t, store.Err())
}

func TestSilentRefreshIsIdempotent(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	snap := snapshotFor("biz-1", entitlements.FeatureCRMTagsView, entitlements.FeatureCRMContactView)
	snap.Quotas = append(snap.Quotas, entitlements.QuotaRecord{QuotaKey: entitlements.QuotaAgentSeats, Limit: ptr(3)})
	store := NewStore(staticFetcher(snap), holder)

	store.Refresh(context.Background(), RefreshOptions{Silent: true})
	firstFeatures := store.View().FeatureSet()
	firstQuotas := store.View().QuotaMap()

	store.Refresh(context.Background(), RefreshOptions{Silent: true})
	assert.Equal(t, firstFeatures, store.View().FeatureSet())
	assert.Equal(t, firstQuotas, store.View().QuotaMap())
}

func TestOnChangeReceivesStateUpdates(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	store := NewStore(staticFetcher(snapshotFor("biz-1", entitlements.FeatureReportsView)), holder)

	var states []State
	unsubscribe := store.OnChange(func(s State) { states = append(states, s) })

	store.Refresh(context.Background(), RefreshOptions{})
	require.Len(t, states, 2)
	assert.True(t, states[0].Loading)
	assert.False(t, states[1].Loading)
	require.NotNil(t, states[1].Snapshot)

	unsubscribe()
	store.Refresh(context.Background(), RefreshOptions{})
	assert.Len(t, states, 2)
}

func TestRunFollowsBusinessChanges(t *testing.T) {
	holder := auth.NewHolder(auth.Session{UserID: "u1", Loading: true})
	fetcher := &fakeFetcher{respond: func(_ context.Context, businessID string) (*entitlements.Snapshot, error) {
		return snapshotFor(businessID, entitlements.FeatureMessagingInbox), nil
	}}
	store := NewStore(fetcher, holder)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- store.Run(ctx) }()

	holder.SetBusiness("biz-1")
	require.Eventually(t, func() bool {
		return store.State().BusinessID == "biz-1" && store.HasFeature(entitlements.FeatureMessagingInbox)
	}, 5*time.Second, 10*time.Millisecond)

	holder.SetBusiness("biz-2")
	require.Eventually(t, func() bool {
		s := store.State()
		return s.Snapshot != nil && s.Snapshot.BusinessID == "biz-2"
	}, 5*time.Second, 10*time.Millisecond)

	holder.SetBusiness("")
	require.Eventually(t, func() bool {
		return store.View() == nil
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, 2, fetcher.callCount())
}

type memoryCache struct {
	mu    sync.Mutex
	snaps map[string]*entitlements.Snapshot
	saved int
}

func (m *memoryCache) Load(_ context.Context, businessID string) (*entitlements.Snapshot, time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[businessID]
	if !ok {
		return nil, time.Time{}, nil
	}
	return snap.Clone(), time.Unix(1700000000, 0), nil
}

func (m *memoryCache) Save(_ context.Context, snap *entitlements.Snapshot, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snaps[snap.BusinessID] = snap.Clone()
	m.saved++
	return nil
}

func TestRunSeedsFromCacheBeforeFetch(t *testing.T) {
	cache := &memoryCache{snaps: map[string]*entitlements.Snapshot{
		"biz-1": snapshotFor("biz-1", entitlements.FeatureCatalogProductView),
	}}
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	release := make(chan struct{})
	fetcher := &fakeFetcher{respond: func(context.Context, string) (*entitlements.Snapshot, error) {
		<-release
		return snapshotFor("biz-1", entitlements.FeatureCatalogProductEdit), nil
	}}
	store := NewStore(fetcher, holder, WithCache(cache))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = store.Run(ctx) }()

	require.Eventually(t, func() bool { return store.State().FromCache }, 5*time.Second, 10*time.Millisecond)
	assert.True(t, store.HasFeature(entitlements.FeatureCatalogProductView))

	close(release)
	require.Eventually(t, func() bool {
		return store.HasFeature(entitlements.FeatureCatalogProductEdit)
	}, 5*time.Second, 10*time.Millisecond)
	assert.False(t, store.State().FromCache)

	require.Eventually(t, func() bool {
		cache.mu.Lock()
		defer cache.mu.Unlock()
		return cache.saved == 1
	}, 5*time.Second, 10*time.Millisecond)
}

func TestBusinessSwitchDoesNotCarryGrants(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-a"}})
	fetcher := &fakeFetcher{respond: func(_ context.Context, businessID string) (*entitlements.Snapshot, error) {
		if businessID == "biz-a" {
			return snapshotFor("biz-a", entitlements.FeatureAdminBilling), nil
		}
		return nil, errors.New("backend down")
	}}
	store := NewStore(fetcher, holder)

	store.Refresh(context.Background(), RefreshOptions{})
	require.True(t, store.HasFeature(entitlements.FeatureAdminBilling))

	holder.SetBusiness("biz-b")
	store.Refresh(context.Background(), RefreshOptions{})

	state := store.State()
	assert.Equal(t, "biz-b", state.BusinessID)
	assert.Nil(t, state.Snapshot)
	assert.True(t, state.FetchedAt.IsZero())
	assert.EqualError(t, state.Err, "backend down")
	assert.False(t, store.HasFeature(entitlements.FeatureAdminBilling))
	assert.True(t, store.CanSpend(entitlements.QuotaMessagesPerMonth, 100), "no data allows")
}

func TestBusinessSwitchSeedsFromCache(t *testing.T) {
	cache := &memoryCache{snaps: map[string]*entitlements.Snapshot{
		"biz-b": snapshotFor("biz-b", entitlements.FeatureReportsView),
	}}
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-a"}})
	fetcher := &fakeFetcher{respond: func(_ context.Context, businessID string) (*entitlements.Snapshot, error) {
		if businessID == "biz-a" {
			return snapshotFor("biz-a", entitlements.FeatureAdminBilling), nil
		}
		return nil, errors.New("backend down")
	}}
	store := NewStore(fetcher, holder, WithCache(cache))

	store.Refresh(context.Background(), RefreshOptions{})
	holder.SetBusiness("biz-b")
	store.Refresh(context.Background(), RefreshOptions{})

	state := store.State()
	assert.Equal(t, "biz-b", state.BusinessID)
	require.NotNil(t, state.Snapshot)
	assert.Equal(t, "biz-b", state.Snapshot.BusinessID)
	assert.True(t, state.FromCache)
	assert.Error(t, state.Err)
	assert.True(t, store.HasFeature(entitlements.FeatureReportsView))
	assert.False(t, store.HasFeature(entitlements.FeatureAdminBilling))
}

func refreshCount(t *testing.T, result string) float64 {
	t.Helper()
	var m dto.Metric
	require.NoError(t, metrics.EntitlementRefreshTotal.WithLabelValues(result).Write(&m))
	return m.GetCounter().GetValue()
}

func TestAuthFailureCountsAsUnauthorized(t *testing.T) {
	holder := auth.NewHolder(auth.Session{Business: &auth.Business{ID: "biz-1"}})
	fetcher := &fakeFetcher{respond: func(_ context.Context, businessID string) (*entitlements.Snapshot, error) {
		return nil, internalerrors.NewAPIError(internalerrors.ErrorTypeAPI, "fetch_entitlements", businessID,
			errors.New("forbidden")).WithStatusCode(403)
	}}
	store := NewStore(fetcher, holder)

	unauthorized := refreshCount(t, metrics.RefreshUnauthorized)
	failed := refreshCount(t, metrics.RefreshError)

	store.Refresh(context.Background(), RefreshOptions{})

	assert.True(t, internalerrors.IsAuthError(store.Err()))
	assert.Equal(t, unauthorized+1, refreshCount(t, metrics.RefreshUnauthorized))
	assert.Equal(t, failed, refreshCount(t, metrics.RefreshError))
}
