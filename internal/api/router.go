package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	store "github.com/wabaconsole/console/internal/entitlements"
	"github.com/wabaconsole/console/internal/gate"
	"github.com/wabaconsole/console/internal/upgrade"
	"github.com/wabaconsole/console/internal/websocket"
	"github.com/wabaconsole/console/internal/workspace"
	"github.com/wabaconsole/console/pkg/entitlements"
)

const maxBodyBytes = 64 << 10

// EntitlementStore is the subset of the entitlements store served over HTTP.
type EntitlementStore interface {
	Refresh(ctx context.Context, opts store.RefreshOptions)
	State() store.State
	View() *entitlements.View
	HasFeature(code string) bool
	GetFeature(code string) *entitlements.FeatureRecord
	GetQuota(key string) *entitlements.QuotaRecord
	CanSpend(key string, amount float64) bool
}

// Publisher accepts upgrade requests.
type Publisher interface {
	RequestUpgrade(req upgrade.Request)
}

type subscriberCounter interface {
	Subscribers() int
}

// Config wires the router's collaborators. Hub and Prompt may be nil.
type Config struct {
	Store        EntitlementStore
	Bus          Publisher
	Prompt       *upgrade.Prompt
	Gate         *gate.Gate
	Workspaces   *workspace.Registry
	Hub          *websocket.Hub
	APITokenHash string
	UpgradeURL   func(feature string) string
	Version      string
}

// Router handles HTTP routing
type Router struct {
	mux          *http.ServeMux
	handler      http.Handler
	store        EntitlementStore
	bus          Publisher
	prompt       *upgrade.Prompt
	gate         *gate.Gate
	workspaces   *workspace.Registry
	wsHub        *websocket.Hub
	apiTokenHash string
	upgradeURL   func(string) string
	version      string
	startedAt    time.Time
}

// NewRouter creates a new router instance
func NewRouter(cfg Config) *Router {
	r := &Router{
		mux:          http.NewServeMux(),
		store:        cfg.Store,
		bus:          cfg.Bus,
		prompt:       cfg.Prompt,
		gate:         cfg.Gate,
		workspaces:   cfg.Workspaces,
		wsHub:        cfg.Hub,
		apiTokenHash: cfg.APITokenHash,
		upgradeURL:   cfg.UpgradeURL,
		version:      cfg.Version,
		startedAt:    time.Now(),
	}
	if r.workspaces == nil {
		r.workspaces = workspace.Default()
	}
	if r.gate == nil {
		r.gate = gate.New(storeChecker{r.store}, r.bus, gate.WithUpgradeURL(r.upgradeURL))
	}

	r.setupRoutes()
	r.handler = RequestContext(r.mux)
	return r
}

// setupRoutes configures all routes
func (r *Router) setupRoutes() {
	protect := func(h http.HandlerFunc) http.Handler {
		return RequireAPIToken(r.apiTokenHash, h)
	}

	r.mux.HandleFunc("GET /api/health", r.handleHealth)
	r.mux.Handle("GET /api/version", protect(r.handleVersion))

	r.mux.Handle("GET /api/entitlements", protect(r.handleEntitlements))
	r.mux.Handle("POST /api/entitlements/refresh", protect(r.handleRefresh))
	r.mux.Handle("GET /api/features/{code}", protect(r.handleFeature))
	r.mux.Handle("GET /api/quotas/{key}", protect(r.handleQuota))
	r.mux.Handle("POST /api/upgrade", protect(r.handleUpgrade))
	if r.prompt != nil {
		r.mux.Handle("GET /api/upgrade/pending", protect(r.handlePendingUpgrade))
		r.mux.Handle("DELETE /api/upgrade/pending", protect(r.handleDismissUpgrade))
	}

	r.mux.Handle("GET /api/workspaces", protect(r.handleWorkspaces))
	r.mux.Handle("GET /api/workspaces/{ws}/tiles", protect(r.handleTiles))
	r.mux.Handle("GET /api/workspaces/{ws}/tiles/{tile}", protect(r.handleTile))
	r.mux.Handle("POST /api/workspaces/{ws}/tiles/{tile}/open", protect(r.handleOpenTile))

	if r.wsHub != nil {
		r.mux.Handle("GET /ws", protect(r.wsHub.HandleWebSocket))
	}
}

// ServeHTTP implements http.Handler
func (r *Router) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.handler.ServeHTTP(w, req)
}

type healthResponse struct {
	Status             string `json:"status"`
	Uptime             string `json:"uptime"`
	BusinessID         string `json:"businessId,omitempty"`
	EntitlementsOK     bool   `json:"entitlementsLoaded"`
	Loading            bool   `json:"loading"`
	LastError          string `json:"lastError,omitempty"`
	WebSocketClients   int    `json:"websocketClients"`
	UpgradeSubscribers int    `json:"upgradeSubscribers"`
}

// handleHealth always answers 200. A failed refresh with a cached snapshot is
// reported as degraded.
func (r *Router) handleHealth(w http.ResponseWriter, req *http.Request) {
	state := r.store.State()
	resp := healthResponse{
		Status:         "healthy",
		Uptime:         time.Since(r.startedAt).Round(time.Second).String(),
		BusinessID:     state.BusinessID,
		EntitlementsOK: state.Snapshot != nil,
		Loading:        state.Loading,
	}
	if state.Err != nil {
		resp.Status = "degraded"
		resp.LastError = state.Err.Error()
	}
	if r.wsHub != nil {
		resp.WebSocketClients = r.wsHub.ClientCount()
	}
	if counter, ok := r.bus.(subscriberCounter); ok {
		resp.UpgradeSubscribers = counter.Subscribers()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (r *Router) handleVersion(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"version": r.version})
}

func (r *Router) handleWorkspaces(w http.ResponseWriter, req *http.Request) {
	writeJSON(w, http.StatusOK, r.workspaces.Workspaces(r.store.View()))
}

func (r *Router) handleTiles(w http.ResponseWriter, req *http.Request) {
	tiles, err := r.workspaces.Tiles(req.PathValue("ws"), r.store.View())
	if err != nil {
		writeWorkspaceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tiles)
}

// handleTile serves a tile's detail behind the tile's feature gate.
func (r *Router) handleTile(w http.ResponseWriter, req *http.Request) {
	tile, err := r.workspaces.Tile(req.PathValue("ws"), req.PathValue("tile"))
	if err != nil {
		writeWorkspaceError(w, err)
		return
	}

	var detail http.Handler = http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		resp := map[string]interface{}{"tile": tile}
		if tile.QuotaKey != "" {
			quota := r.store.GetQuota(tile.QuotaKey)
			resp["quota"] = quota
			resp["quotaState"] = entitlements.QuotaState(quota)
		}
		writeJSON(w, http.StatusOK, resp)
	})
	if tile.MinPlan != "" {
		detail = r.gate.PlanMiddleware(tile.MinPlan)(detail)
	}
	r.gate.Middleware(tile.Feature)(detail).ServeHTTP(w, req)
}

// handleOpenTile checks a tile's feature and quota. A locked tile answers 402
// and an upgrade request is published.
func (r *Router) handleOpenTile(w http.ResponseWriter, req *http.Request) {
	tile, err := r.workspaces.Open(req.PathValue("ws"), req.PathValue("tile"), r.gate)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, tile)
	case errors.Is(err, workspace.ErrTileLocked):
		upgradeURL := ""
		if r.upgradeURL != nil {
			upgradeURL = r.upgradeURL(tile.Feature)
		}
		gate.WritePaymentRequired(w, map[string]interface{}{
			"error":       "license_required",
			"message":     err.Error(),
			"feature":     tile.Feature,
			"upgrade_url": upgradeURL,
			"tile":        tile,
		})
	default:
		writeWorkspaceError(w, err)
	}
}

func writeWorkspaceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrUnknownWorkspace), errors.Is(err, workspace.ErrUnknownTile):
		writeErrorResponse(w, http.StatusNotFound, "not_found", err.Error())
	default:
		log.Error().Err(err).Msg("Workspace lookup failed")
		writeErrorResponse(w, http.StatusInternalServerError, "internal_error", "workspace lookup failed")
	}
}

func decodeJSON(req *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(req.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return fmt.Errorf("invalid JSON: %w", err)
	}
	return nil
}

// storeChecker adapts an EntitlementStore to gate.Checker when no gate is
// supplied.
type storeChecker struct {
	EntitlementStore
}

func (c storeChecker) Loading() bool {
	return c.State().Loading
}
