// Package gate connects entitlement checks to upgrade requests. Every denial
// made through a Gate publishes an upgrade.Request so the prompt can react.
package gate

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/wabaconsole/console/internal/auth"
	"github.com/wabaconsole/console/internal/metrics"
	"github.com/wabaconsole/console/internal/upgrade"
	"github.com/wabaconsole/console/pkg/entitlements"
)

// Checker answers entitlement questions. *entitlements.Store satisfies it.
type Checker interface {
	HasFeature(code string) bool
	CanSpend(key string, amount float64) bool
	View() *entitlements.View
	Loading() bool
}

// Publisher emits upgrade requests. *upgrade.Bus satisfies it.
type Publisher interface {
	RequestUpgrade(req upgrade.Request)
}

// UpgradeURLResolver resolves a feature-specific upgrade URL.
type UpgradeURLResolver func(feature string) string

// Gate evaluates checks and publishes upgrade requests on denial.
type Gate struct {
	checker    Checker
	publisher  Publisher
	sessions   auth.Provider
	upgradeURL UpgradeURLResolver
	retryAfter time.Duration
}

// Option configures a Gate.
type Option func(*Gate)

// WithSessions enables the session check in Middleware.
func WithSessions(p auth.Provider) Option {
	return func(g *Gate) { g.sessions = p }
}

// WithUpgradeURL sets the resolver used in 402 payloads.
func WithUpgradeURL(fn UpgradeURLResolver) Option {
	return func(g *Gate) { g.upgradeURL = fn }
}

// WithRetryAfter sets the Retry-After hint sent while entitlements load.
func WithRetryAfter(d time.Duration) Option {
	return func(g *Gate) { g.retryAfter = d }
}

// New creates a gate.
func New(checker Checker, publisher Publisher, opts ...Option) *Gate {
	g := &Gate{
		checker:    checker,
		publisher:  publisher,
		retryAfter: 2 * time.Second,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// RequireFeature reports whether code is granted and requests an upgrade when not.
func (g *Gate) RequireFeature(code, source string) bool {
	if g.checker.HasFeature(code) {
		return true
	}
	g.publish(upgrade.Request{
		Reason: upgrade.ReasonFeature,
		Code:   entitlements.NormalizeCode(code),
		Source: source,
	})
	return false
}

// RequireQuota reports whether amount can be spent from key and requests an
// upgrade when not. Missing quota data allows the action.
func (g *Gate) RequireQuota(key string, amount float64, source string) bool {
	if g.checker.CanSpend(key, amount) {
		return true
	}
	key = entitlements.NormalizeCode(key)
	metrics.RecordQuotaDenial(key)
	g.publish(upgrade.Request{
		Reason:   upgrade.ReasonQuota,
		QuotaKey: key,
		Source:   source,
	})
	return false
}

// RequirePlan reports whether the current plan is at least tier.
func (g *Gate) RequirePlan(tier entitlements.PlanTier, source string) bool {
	if entitlements.PlanAtLeast(g.checker.View().PlanTier(), tier) {
		return true
	}
	g.publish(upgrade.Request{
		Reason:   upgrade.ReasonPlan,
		PlanTier: string(entitlements.ParsePlanTier(string(tier))),
		Source:   source,
	})
	return false
}

func (g *Gate) publish(req upgrade.Request) {
	log.Debug().
		Str("reason", string(req.Reason)).
		Str("code", req.Code).
		Str("quota_key", req.QuotaKey).
		Str("source", req.Source).
		Msg("Entitlement check denied")
	if g.publisher != nil {
		g.publisher.RequestUpgrade(req)
	}
}

// Middleware guards a route with a feature code. Checks run in order: session,
// entitlement loading, feature.
func (g *Gate) Middleware(code string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if g.sessions != nil {
				session := g.sessions.Session()
				if !session.Authenticated() {
					writeJSONError(w, http.StatusUnauthorized, "unauthorized", "sign in required")
					return
				}
				r = r.WithContext(auth.WithSession(r.Context(), session))
			}
			if g.checker.Loading() && g.checker.View() == nil {
				w.Header().Set("Retry-After", strconv.Itoa(int(g.retryAfter.Round(time.Second).Seconds())))
				writeJSONError(w, http.StatusServiceUnavailable, "entitlements_loading", "entitlements are loading")
				return
			}
			if !g.RequireFeature(code, r.URL.Path) {
				WriteLicenseRequired(w, entitlements.NormalizeCode(code), "feature not included in current plan", g.upgradeURL)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// PlanMiddleware guards a route with a minimum plan tier. It runs after
// Middleware, so session and loading checks are not repeated.
func (g *Gate) PlanMiddleware(tier entitlements.PlanTier) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !g.RequirePlan(tier, r.URL.Path) {
				upgradeURL := ""
				if g.upgradeURL != nil {
					upgradeURL = g.upgradeURL("")
				}
				WritePaymentRequired(w, map[string]interface{}{
					"error":       "plan_required",
					"message":     "current plan is below " + string(entitlements.ParsePlanTier(string(tier))),
					"plan":        string(entitlements.ParsePlanTier(string(tier))),
					"upgrade_url": upgradeURL,
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WritePaymentRequired writes a JSON 402 response payload.
func WritePaymentRequired(w http.ResponseWriter, payload map[string]interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(payload)
}

// WriteLicenseRequired writes the canonical 402 response for missing features.
func WriteLicenseRequired(w http.ResponseWriter, feature, message string, resolveURL UpgradeURLResolver) {
	upgradeURL := ""
	if resolveURL != nil {
		upgradeURL = resolveURL(feature)
	}

	WritePaymentRequired(w, map[string]interface{}{
		"error":       "license_required",
		"message":     message,
		"feature":     feature,
		"upgrade_url": upgradeURL,
	})
}

func writeJSONError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{
		"error":   code,
		"message": message,
	})
}
