// Package workspace describes the console dashboards and the entitlement each
// tile needs.
package workspace

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/IGLOU-EU/go-wildcard/v2"

	"github.com/wabaconsole/console/pkg/entitlements"
)

var (
	// ErrTileLocked is returned when the current plan does not include a tile.
	ErrTileLocked = errors.New("tile locked")
	// ErrUnknownWorkspace is returned for an unregistered workspace id.
	ErrUnknownWorkspace = errors.New("unknown workspace")
	// ErrUnknownTile is returned for an unregistered tile id.
	ErrUnknownTile = errors.New("unknown tile")
)

// Gate is the subset of gate.Gate used when opening tiles.
type Gate interface {
	RequireFeature(code, source string) bool
	RequireQuota(key string, amount float64, source string) bool
	RequirePlan(tier entitlements.PlanTier, source string) bool
}

// Tile is one entry point inside a workspace. An empty MinPlan admits any plan.
type Tile struct {
	ID       string                `json:"id"`
	Title    string                `json:"title"`
	Feature  string                `json:"feature"`
	QuotaKey string                `json:"quotaKey,omitempty"`
	MinPlan  entitlements.PlanTier `json:"minPlan,omitempty"`
	Locked   bool                  `json:"locked"`
}

// Workspace groups tiles for one product area. It is visible when any granted
// feature matches one of its patterns.
type Workspace struct {
	ID       string   `json:"id"`
	Title    string   `json:"title"`
	Patterns []string `json:"patterns"`
	Tiles    []Tile   `json:"tiles"`
}

// Summary is a workspace as listed for a given view.
type Summary struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	Visible  bool   `json:"visible"`
	Unlocked int    `json:"unlocked"`
	Total    int    `json:"total"`
}

// Registry holds the known workspaces.
type Registry struct {
	workspaces map[string]Workspace
	order      []string
}

// NewRegistry builds a registry. Workspace and tile ids must be unique.
func NewRegistry(workspaces ...Workspace) (*Registry, error) {
	r := &Registry{workspaces: make(map[string]Workspace, len(workspaces))}
	for _, ws := range workspaces {
		id := strings.ToLower(strings.TrimSpace(ws.ID))
		if id == "" {
			return nil, errors.New("workspace id is required")
		}
		if _, exists := r.workspaces[id]; exists {
			return nil, fmt.Errorf("duplicate workspace %q", id)
		}
		seen := make(map[string]struct{}, len(ws.Tiles))
		tiles := make([]Tile, 0, len(ws.Tiles))
		for _, tile := range ws.Tiles {
			tile.ID = strings.ToLower(strings.TrimSpace(tile.ID))
			if tile.ID == "" {
				return nil, fmt.Errorf("workspace %q: tile id is required", id)
			}
			if _, dup := seen[tile.ID]; dup {
				return nil, fmt.Errorf("workspace %q: duplicate tile %q", id, tile.ID)
			}
			seen[tile.ID] = struct{}{}
			tile.Feature = entitlements.NormalizeCode(tile.Feature)
			tile.QuotaKey = entitlements.NormalizeCode(tile.QuotaKey)
			if tile.MinPlan != "" {
				tile.MinPlan = entitlements.ParsePlanTier(string(tile.MinPlan))
				if !tile.MinPlan.Known() {
					return nil, fmt.Errorf("workspace %q: tile %q: unknown plan %q", id, tile.ID, tile.MinPlan)
				}
			}
			tiles = append(tiles, tile)
		}
		ws.ID = id
		ws.Tiles = tiles
		r.workspaces[id] = ws
		r.order = append(r.order, id)
	}
	return r, nil
}

// Default returns the built-in console workspaces.
func Default() *Registry {
	r, err := NewRegistry(defaultWorkspaces()...)
	if err != nil {
		panic(err)
	}
	return r
}

// Workspaces lists every workspace with its visibility for view.
func (r *Registry) Workspaces(view *entitlements.View) []Summary {
	out := make([]Summary, 0, len(r.order))
	for _, id := range r.order {
		ws := r.workspaces[id]
		s := Summary{ID: ws.ID, Title: ws.Title, Total: len(ws.Tiles)}
		s.Visible = view.HasAnyFeature(ws.Patterns...)
		for _, tile := range ws.Tiles {
			if unlocked(tile, view) {
				s.Unlocked++
			}
		}
		out = append(out, s)
	}
	return out
}

// Tiles returns the tiles of workspace id annotated with Locked for view.
func (r *Registry) Tiles(id string, view *entitlements.View) ([]Tile, error) {
	ws, ok := r.workspaces[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWorkspace, id)
	}
	tiles := make([]Tile, len(ws.Tiles))
	for i, tile := range ws.Tiles {
		tile.Locked = !unlocked(tile, view)
		tiles[i] = tile
	}
	return tiles, nil
}

// Tile looks up a single tile without evaluating entitlements.
func (r *Registry) Tile(id, tileID string) (Tile, error) {
	ws, ok := r.workspaces[strings.ToLower(strings.TrimSpace(id))]
	if !ok {
		return Tile{}, fmt.Errorf("%w: %s", ErrUnknownWorkspace, id)
	}
	tileID = strings.ToLower(strings.TrimSpace(tileID))
	for _, tile := range ws.Tiles {
		if tile.ID == tileID {
			return tile, nil
		}
	}
	return Tile{}, fmt.Errorf("%w: %s/%s", ErrUnknownTile, ws.ID, tileID)
}

// Open checks a tile through g. A locked tile returns ErrTileLocked and the gate
// publishes the upgrade request.
func (r *Registry) Open(id, tileID string, g Gate) (Tile, error) {
	tile, err := r.Tile(id, tileID)
	if err != nil {
		return Tile{}, err
	}
	source := strings.ToLower(strings.TrimSpace(id)) + "/" + tile.ID
	if !g.RequireFeature(tile.Feature, source) {
		tile.Locked = true
		return tile, fmt.Errorf("%w: %s requires %s", ErrTileLocked, source, tile.Feature)
	}
	if tile.MinPlan != "" && !g.RequirePlan(tile.MinPlan, source) {
		tile.Locked = true
		return tile, fmt.Errorf("%w: %s requires the %s plan", ErrTileLocked, source, tile.MinPlan)
	}
	if tile.QuotaKey != "" && !g.RequireQuota(tile.QuotaKey, 1, source) {
		tile.Locked = true
		return tile, fmt.Errorf("%w: %s quota %s exhausted", ErrTileLocked, source, tile.QuotaKey)
	}
	return tile, nil
}

// Matching returns the ids of workspaces whose patterns match code.
func (r *Registry) Matching(code string) []string {
	code = entitlements.NormalizeCode(code)
	var out []string
	for _, id := range r.order {
		for _, p := range r.workspaces[id].Patterns {
			if wildcard.Match(entitlements.NormalizeCode(p), code) {
				out = append(out, id)
				break
			}
		}
	}
	sort.Strings(out)
	return out
}

func unlocked(tile Tile, view *entitlements.View) bool {
	if !view.HasFeature(tile.Feature) {
		return false
	}
	if tile.MinPlan != "" && !entitlements.PlanAtLeast(view.PlanTier(), tile.MinPlan) {
		return false
	}
	return tile.QuotaKey == "" || view.CanSpend(tile.QuotaKey, 1)
}

func defaultWorkspaces() []Workspace {
	return []Workspace{
		{
			ID: "crm", Title: "CRM", Patterns: []string{"CRM_*"},
			Tiles: []Tile{
				{ID: "contacts", Title: "Contacts", Feature: entitlements.FeatureCRMContactView},
				{ID: "contact-edit", Title: "Edit contacts", Feature: entitlements.FeatureCRMContactEdit},
				{ID: "contact-import", Title: "Import contacts", Feature: entitlements.FeatureCRMContactImport, QuotaKey: entitlements.QuotaContactsMax},
				{ID: "tags", Title: "Tags", Feature: entitlements.FeatureCRMTagsView},
				{ID: "segments", Title: "Segments", Feature: entitlements.FeatureCRMSegmentsView},
			},
		},
		{
			ID: "campaigns", Title: "Campaigns", Patterns: []string{"CAMPAIGN_*", "TEMPLATE_*"},
			Tiles: []Tile{
				{ID: "list", Title: "Campaigns", Feature: entitlements.FeatureCampaignView},
				{ID: "create", Title: "New campaign", Feature: entitlements.FeatureCampaignCreate, QuotaKey: entitlements.QuotaCampaignsPerMonth},
				{ID: "schedule", Title: "Schedule", Feature: entitlements.FeatureCampaignSchedule, MinPlan: entitlements.PlanGrowth},
				{ID: "templates", Title: "Templates", Feature: entitlements.FeatureTemplateManage},
			},
		},
		{
			ID: "catalog", Title: "Catalog", Patterns: []string{"CATALOG_*"},
			Tiles: []Tile{
				{ID: "products", Title: "Products", Feature: entitlements.FeatureCatalogProductView},
				{ID: "product-edit", Title: "Edit products", Feature: entitlements.FeatureCatalogProductEdit},
				{ID: "sync", Title: "Catalog sync", Feature: entitlements.FeatureCatalogSync},
			},
		},
		{
			ID: "messaging", Title: "Messaging", Patterns: []string{"MESSAGING_*"},
			Tiles: []Tile{
				{ID: "inbox", Title: "Inbox", Feature: entitlements.FeatureMessagingInbox},
				{ID: "send-text", Title: "Send text", Feature: entitlements.FeatureMessagingSendText, QuotaKey: entitlements.QuotaMessagesPerMonth},
				{ID: "send-media", Title: "Send media", Feature: entitlements.FeatureMessagingSendMedia, QuotaKey: entitlements.QuotaMessagesPerMonth},
				{ID: "assign", Title: "Assign conversations", Feature: entitlements.FeatureMessagingAssign, QuotaKey: entitlements.QuotaAgentSeats},
			},
		},
		{
			ID: "automation", Title: "Automation", Patterns: []string{"AUTOMATION_*"},
			Tiles: []Tile{
				{ID: "flows", Title: "Flows", Feature: entitlements.FeatureAutomationFlowView},
				{ID: "flow-edit", Title: "Flow builder", Feature: entitlements.FeatureAutomationFlowEdit, QuotaKey: entitlements.QuotaAutomationsMax},
				{ID: "ai-reply", Title: "Smart replies", Feature: entitlements.FeatureAutomationAIReply, MinPlan: entitlements.PlanBusiness},
			},
		},
		{
			ID: "admin", Title: "Admin", Patterns: []string{"ADMIN_*"},
			Tiles: []Tile{
				{ID: "users", Title: "Users", Feature: entitlements.FeatureAdminUserManage, QuotaKey: entitlements.QuotaAgentSeats},
				{ID: "roles", Title: "Roles", Feature: entitlements.FeatureAdminRoleManage},
				{ID: "billing", Title: "Billing", Feature: entitlements.FeatureAdminBilling},
				{ID: "audit-log", Title: "Audit log", Feature: entitlements.FeatureAdminAuditLog, MinPlan: entitlements.PlanEnterprise},
			},
		},
		{
			ID: "reports", Title: "Reports", Patterns: []string{"REPORTS_*"},
			Tiles: []Tile{
				{ID: "overview", Title: "Overview", Feature: entitlements.FeatureReportsView},
				{ID: "export", Title: "Export", Feature: entitlements.FeatureReportsExport},
			},
		},
	}
}
