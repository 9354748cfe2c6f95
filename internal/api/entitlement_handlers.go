package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	store "github.com/wabaconsole/console/internal/entitlements"
	"github.com/wabaconsole/console/internal/upgrade"
	"github.com/wabaconsole/console/pkg/entitlements"
)

// EntitlementsPayload is the entitlement response for console clients.
// Clients should gate on Capabilities, never on PlanTier.
type EntitlementsPayload struct {
	BusinessID string `json:"businessId,omitempty"`

	// PlanTier is the marketing tier name (for display only).
	PlanTier string `json:"planTier"`

	// Capabilities lists all granted feature codes.
	Capabilities []string `json:"capabilities"`

	Features []entitlements.FeatureRecord `json:"features"`

	// Limits lists consumable quotas with their UX state.
	Limits []LimitStatus `json:"limits"`

	// UpgradeReasons lists quotas that are close to or at their limit.
	UpgradeReasons []UpgradeReason `json:"upgradeReasons"`

	Loading   bool   `json:"loading"`
	Error     string `json:"error,omitempty"`
	FetchedAt int64  `json:"fetchedAt,omitempty"`
	FromCache bool   `json:"fromCache,omitempty"`
}

// LimitStatus represents a quota with its current usage state.
type LimitStatus struct {
	Key       string   `json:"key"`
	Limit     *float64 `json:"limit,omitempty"`
	Consumed  *float64 `json:"consumed,omitempty"`
	Remaining *float64 `json:"remaining,omitempty"`

	// State is one of ok, warning, enforced, unknown.
	State string `json:"state"`
}

// UpgradeReason provides context for why a user should upgrade.
type UpgradeReason struct {
	Key       string `json:"key"`
	Reason    string `json:"reason"`
	ActionURL string `json:"actionUrl,omitempty"`
}

// NewEntitlementsPayload builds the client payload from a store state.
// resolveURL may be nil.
func NewEntitlementsPayload(state store.State, resolveURL func(string) string) EntitlementsPayload {
	payload := EntitlementsPayload{
		BusinessID:     state.BusinessID,
		Capabilities:   []string{},
		Features:       []entitlements.FeatureRecord{},
		Limits:         []LimitStatus{},
		UpgradeReasons: []UpgradeReason{},
		Loading:        state.Loading,
		FromCache:      state.FromCache,
	}
	if state.Err != nil {
		payload.Error = state.Err.Error()
	}
	if !state.FetchedAt.IsZero() {
		payload.FetchedAt = state.FetchedAt.Unix()
	}
	if state.Snapshot == nil {
		return payload
	}

	view := entitlements.NewView(state.Snapshot)
	payload.PlanTier = string(view.PlanTier())
	payload.Capabilities = view.FeatureSet()
	if len(state.Snapshot.Features) > 0 {
		payload.Features = append(payload.Features, state.Snapshot.Features...)
	}

	for _, q := range state.Snapshot.Quotas {
		q := q
		limit := LimitStatus{
			Key:       q.QuotaKey,
			Limit:     q.Limit,
			Consumed:  q.Consumed,
			Remaining: q.Remaining,
			State:     entitlements.QuotaState(&q),
		}
		payload.Limits = append(payload.Limits, limit)

		switch limit.State {
		case entitlements.QuotaStateEnforced, entitlements.QuotaStateWarning:
			reason := UpgradeReason{Key: q.QuotaKey, Reason: quotaReason(q.QuotaKey, limit.State)}
			if resolveURL != nil {
				reason.ActionURL = resolveURL(q.QuotaKey)
			}
			payload.UpgradeReasons = append(payload.UpgradeReasons, reason)
		}
	}
	return payload
}

func quotaReason(key, state string) string {
	name := strings.ReplaceAll(strings.ToLower(key), "_", " ")
	if state == entitlements.QuotaStateEnforced {
		return "You have used all of your " + name + ". Upgrade to keep going."
	}
	return "You are close to your " + name + " limit."
}

// handleEntitlements returns the entitlement payload for the active business.
func (r *Router) handleEntitlements(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, NewEntitlementsPayload(r.store.State(), r.upgradeURL))
}

// handleRefresh re-fetches entitlements. ?silent=true keeps the loading flag off.
func (r *Router) handleRefresh(w http.ResponseWriter, req *http.Request) {
	silent := false
	if raw := req.URL.Query().Get("silent"); raw != "" {
		v, err := strconv.ParseBool(raw)
		if err != nil {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_parameter", "silent must be a boolean")
			return
		}
		silent = v
	}

	r.store.Refresh(req.Context(), store.RefreshOptions{Silent: silent})
	writeJSON(w, http.StatusOK, NewEntitlementsPayload(r.store.State(), r.upgradeURL))
}

type featureResponse struct {
	Code       string                      `json:"code"`
	Allowed    bool                        `json:"allowed"`
	Feature    *entitlements.FeatureRecord `json:"feature,omitempty"`
	Workspaces []string                    `json:"workspaces"`
}

func (r *Router) handleFeature(w http.ResponseWriter, req *http.Request) {
	code := entitlements.NormalizeCode(req.PathValue("code"))
	if code == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_parameter", "feature code is required")
		return
	}
	workspaces := r.workspaces.Matching(code)
	if workspaces == nil {
		workspaces = []string{}
	}
	writeJSON(w, http.StatusOK, featureResponse{
		Code:       code,
		Allowed:    r.store.HasFeature(code),
		Feature:    r.store.GetFeature(code),
		Workspaces: workspaces,
	})
}

type quotaResponse struct {
	QuotaKey string                    `json:"quotaKey"`
	Quota    *entitlements.QuotaRecord `json:"quota,omitempty"`
	Amount   float64                   `json:"amount"`
	CanSpend bool                      `json:"canSpend"`
	State    string                    `json:"state"`
}

// handleQuota reports whether ?amount (default 1) can be spent from a quota.
func (r *Router) handleQuota(w http.ResponseWriter, req *http.Request) {
	key := entitlements.NormalizeCode(req.PathValue("key"))
	if key == "" {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_parameter", "quota key is required")
		return
	}
	amount := 1.0
	if raw := req.URL.Query().Get("amount"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 {
			writeErrorResponse(w, http.StatusBadRequest, "invalid_parameter", "amount must be a non-negative number")
			return
		}
		amount = v
	}

	quota := r.store.GetQuota(key)
	writeJSON(w, http.StatusOK, quotaResponse{
		QuotaKey: key,
		Quota:    quota,
		Amount:   amount,
		CanSpend: r.store.CanSpend(key, amount),
		State:    entitlements.QuotaState(quota),
	})
}

type upgradeBody struct {
	Reason   upgrade.Reason `json:"reason"`
	Code     string         `json:"code,omitempty"`
	QuotaKey string         `json:"quotaKey,omitempty"`
	PlanTier string         `json:"planTier,omitempty"`
	Source   string         `json:"source,omitempty"`
}

func (b upgradeBody) validate() error {
	switch b.Reason {
	case upgrade.ReasonFeature:
		if strings.TrimSpace(b.Code) == "" {
			return errors.New("code is required for reason feature")
		}
	case upgrade.ReasonQuota, upgrade.ReasonLimit:
		if strings.TrimSpace(b.QuotaKey) == "" {
			return errors.New("quotaKey is required for reason " + string(b.Reason))
		}
	case upgrade.ReasonPlan:
		if strings.TrimSpace(b.PlanTier) == "" {
			return errors.New("planTier is required for reason plan")
		}
	default:
		return errors.New("unknown reason")
	}
	return nil
}

// handleUpgrade publishes an upgrade request raised by a client.
func (r *Router) handleUpgrade(w http.ResponseWriter, req *http.Request) {
	var body upgradeBody
	if err := decodeJSON(req, &body); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if err := body.validate(); err != nil {
		writeErrorResponse(w, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}

	out := upgrade.Request{
		Reason:   body.Reason,
		Code:     entitlements.NormalizeCode(body.Code),
		QuotaKey: entitlements.NormalizeCode(body.QuotaKey),
		Source:   body.Source,
	}
	if body.PlanTier != "" {
		out.PlanTier = string(entitlements.ParsePlanTier(body.PlanTier))
	}
	if out.Source == "" {
		out.Source = "api"
	}
	r.bus.RequestUpgrade(out)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

// handlePendingUpgrade returns the upgrade prompt currently on display, or 204.
func (r *Router) handlePendingUpgrade(w http.ResponseWriter, req *http.Request) {
	pending, ok := r.prompt.Pending()
	if !ok {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"request": pending,
		"shown":   r.prompt.Shown(),
	})
}

func (r *Router) handleDismissUpgrade(w http.ResponseWriter, req *http.Request) {
	r.prompt.Dismiss()
	w.WriteHeader(http.StatusNoContent)
}
