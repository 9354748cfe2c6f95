package gate

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wabaconsole/console/internal/auth"
	"github.com/wabaconsole/console/internal/upgrade"
	"github.com/wabaconsole/console/pkg/entitlements"
)

type stubChecker struct {
	view    *entitlements.View
	loading bool
}

func (s *stubChecker) HasFeature(code string) bool              { return s.view.HasFeature(code) }
func (s *stubChecker) CanSpend(key string, amount float64) bool { return s.view.CanSpend(key, amount) }
func (s *stubChecker) View() *entitlements.View                 { return s.view }
func (s *stubChecker) Loading() bool                            { return s.loading }

func ptr(v float64) *float64 { return &v }

func newChecker() *stubChecker {
	return &stubChecker{view: entitlements.NewView(&entitlements.Snapshot{
		BusinessID:         "biz-1",
		PlanTier:           "growth",
		GrantedPermissions: []string{entitlements.FeatureCRMContactView},
		Quotas: []entitlements.QuotaRecord{
			{QuotaKey: entitlements.QuotaMessagesPerMonth, Remaining: ptr(2)},
		},
	})}
}

func collect(bus *upgrade.Bus) *[]upgrade.Request {
	var got []upgrade.Request
	bus.SubscribeUpgrade(func(r upgrade.Request) { got = append(got, r) })
	return &got
}

func TestRequireFeature(t *testing.T) {
	bus := upgrade.NewBus()
	got := collect(bus)
	g := New(newChecker(), bus)

	assert.True(t, g.RequireFeature("crm_contact_view", "contacts"))
	assert.Empty(t, *got)

	assert.False(t, g.RequireFeature("campaign_create", "campaigns"))
	require.Len(t, *got, 1)
	assert.Equal(t, upgrade.ReasonFeature, (*got)[0].Reason)
	assert.Equal(t, entitlements.FeatureCampaignCreate, (*got)[0].Code)
	assert.Equal(t, "campaigns", (*got)[0].Source)
}

func TestRequireQuota(t *testing.T) {
	bus := upgrade.NewBus()
	got := collect(bus)
	g := New(newChecker(), bus)

	assert.True(t, g.RequireQuota(entitlements.QuotaMessagesPerMonth, 2, "send"))
	assert.True(t, g.RequireQuota(entitlements.QuotaContactsMax, 1000, "import"))
	assert.Empty(t, *got)

	assert.False(t, g.RequireQuota("messages_per_month", 3, "send"))
	require.Len(t, *got, 1)
	assert.Equal(t, upgrade.ReasonQuota, (*got)[0].Reason)
	assert.Equal(t, entitlements.QuotaMessagesPerMonth, (*got)[0].QuotaKey)
}

func TestRequirePlan(t *testing.T) {
	bus := upgrade.NewBus()
	got := collect(bus)
	g := New(newChecker(), bus)

	assert.True(t, g.RequirePlan(entitlements.PlanStarter, "reports"))
	assert.True(t, g.RequirePlan("pro", "reports"))
	assert.False(t, g.RequirePlan(entitlements.PlanEnterprise, "audit"))
	require.Len(t, *got, 1)
	assert.Equal(t, upgrade.ReasonPlan, (*got)[0].Reason)
	assert.Equal(t, "enterprise", (*got)[0].PlanTier)

	empty := New(&stubChecker{}, bus)
	assert.False(t, empty.RequirePlan(entitlements.PlanFree, "any"))
}

func TestGateWithoutPublisher(t *testing.T) {
	g := New(&stubChecker{}, nil)
	assert.False(t, g.RequireFeature(entitlements.FeatureReportsView, "reports"))
	assert.True(t, g.RequireQuota(entitlements.QuotaAgentSeats, 1, "seats"))
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, hasSession := auth.SessionFromContext(r.Context())
		if !hasSession {
			http.Error(w, "no session in context", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})

	tests := []struct {
		name       string
		session    auth.Session
		checker    *stubChecker
		code       string
		wantStatus int
		wantError  string
		wantEvents int
	}{
		{
			name:       "no session",
			session:    auth.Session{},
			checker:    newChecker(),
			code:       entitlements.FeatureCRMContactView,
			wantStatus: http.StatusUnauthorized,
			wantError:  "unauthorized",
		},
		{
			name:       "loading without snapshot",
			session:    auth.Session{UserID: "u1"},
			checker:    &stubChecker{loading: true},
			code:       entitlements.FeatureCRMContactView,
			wantStatus: http.StatusServiceUnavailable,
			wantError:  "entitlements_loading",
		},
		{
			name:       "missing feature",
			session:    auth.Session{UserID: "u1"},
			checker:    newChecker(),
			code:       entitlements.FeatureReportsExport,
			wantStatus: http.StatusPaymentRequired,
			wantError:  "license_required",
			wantEvents: 1,
		},
		{
			name:       "granted",
			session:    auth.Session{UserID: "u1"},
			checker:    newChecker(),
			code:       entitlements.FeatureCRMContactView,
			wantStatus: http.StatusNoContent,
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			bus := upgrade.NewBus()
			got := collect(bus)
			g := New(tt.checker, bus,
				WithSessions(auth.NewHolder(tt.session)),
				WithUpgradeURL(func(feature string) string { return "https://example.test/upgrade?feature=" + feature }),
			)

			rec := httptest.NewRecorder()
			g.Middleware(tt.code)(ok).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/reports", nil))

			assert.Equal(t, tt.wantStatus, rec.Code)
			assert.Len(t, *got, tt.wantEvents)
			if tt.wantError == "" {
				return
			}
			var body map[string]string
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantError, body["error"])
			if tt.wantStatus == http.StatusPaymentRequired {
				assert.Equal(t, tt.code, body["feature"])
				assert.Equal(t, "https://example.test/upgrade?feature="+tt.code, body["upgrade_url"])
				assert.Equal(t, "/api/reports", (*got)[0].Source)
			}
			if tt.wantStatus == http.StatusServiceUnavailable {
				assert.Equal(t, "2", rec.Header().Get("Retry-After"))
			}
		})
	}
}
