// Package entitlements defines the shared feature-code registry, the canonical
// entitlement snapshot shape and the read-only views derived from it.
//
// This package exists so any surface (server handlers, CLI, workspace tiles)
// can evaluate entitlements without importing the refresh machinery.
package entitlements

import "strings"

// Feature codes gate UI tiles and actions. The backend grants them per business;
// this package only cares about presence or absence.
const (
	// CRM
	FeatureCRMContactView   = "CRM_CONTACT_VIEW"
	FeatureCRMContactEdit   = "CRM_CONTACT_EDIT"
	FeatureCRMContactImport = "CRM_CONTACT_IMPORT"
	FeatureCRMTagsView      = "CRM_TAGS_VIEW"
	FeatureCRMSegmentsView  = "CRM_SEGMENTS_VIEW"

	// Campaigns
	FeatureCampaignView     = "CAMPAIGN_VIEW"
	FeatureCampaignCreate   = "CAMPAIGN_CREATE"
	FeatureCampaignSchedule = "CAMPAIGN_SCHEDULE"
	FeatureTemplateManage   = "TEMPLATE_MANAGE"

	// Catalog
	FeatureCatalogProductView = "CATALOG_PRODUCT_VIEW"
	FeatureCatalogProductEdit = "CATALOG_PRODUCT_EDIT"
	FeatureCatalogSync        = "CATALOG_SYNC"

	// Messaging
	FeatureMessagingInbox     = "MESSAGING_INBOX"
	FeatureMessagingSendText  = "MESSAGING_SEND_TEXT"
	FeatureMessagingSendMedia = "MESSAGING_SEND_MEDIA"
	FeatureMessagingAssign    = "MESSAGING_ASSIGN"

	// Automation
	FeatureAutomationFlowView = "AUTOMATION_FLOW_VIEW"
	FeatureAutomationFlowEdit = "AUTOMATION_FLOW_EDIT"
	FeatureAutomationAIReply  = "AUTOMATION_AI_REPLY"

	// Admin
	FeatureAdminUserManage = "ADMIN_USER_MANAGE"
	FeatureAdminRoleManage = "ADMIN_ROLE_MANAGE"
	FeatureAdminBilling    = "ADMIN_BILLING"
	FeatureAdminAuditLog   = "ADMIN_AUDIT_LOG"

	// Reports
	FeatureReportsView   = "REPORTS_VIEW"
	FeatureReportsExport = "REPORTS_EXPORT"
)

// Quota keys identify consumable numeric limits.
const (
	QuotaMessagesPerMonth  = "MESSAGES_PER_MONTH"
	QuotaContactsMax       = "CONTACTS_MAX"
	QuotaCampaignsPerMonth = "CAMPAIGNS_PER_MONTH"
	QuotaAutomationsMax    = "AUTOMATIONS_MAX"
	QuotaAgentSeats        = "AGENT_SEATS"
)

// NormalizeCode canonicalizes a feature code or quota key for lookups.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// PlanTier represents a subscription plan.
type PlanTier string

const (
	PlanFree       PlanTier = "free"
	PlanStarter    PlanTier = "starter"
	PlanGrowth     PlanTier = "growth"
	PlanBusiness   PlanTier = "business"
	PlanEnterprise PlanTier = "enterprise"
)

// planRank orders tiers; unknown tiers rank below free.
var planRank = map[PlanTier]int{
	PlanFree:       1,
	PlanStarter:    2,
	PlanGrowth:     3,
	PlanBusiness:   4,
	PlanEnterprise: 5,
}

// ParsePlanTier normalizes a backend plan name. Legacy names map onto current tiers.
func ParsePlanTier(raw string) PlanTier {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "free", "trial":
		return PlanFree
	case "starter", "basic":
		return PlanStarter
	case "growth", "pro":
		return PlanGrowth
	case "business", "scale":
		return PlanBusiness
	case "enterprise", "custom":
		return PlanEnterprise
	default:
		return PlanTier(strings.ToLower(strings.TrimSpace(raw)))
	}
}

// Known reports whether the tier is part of the plan ladder.
func (p PlanTier) Known() bool {
	_, ok := planRank[p]
	return ok
}

// ComparePlanTiers returns -1, 0 or 1 as a ranks below, equal to or above b.
func ComparePlanTiers(a, b PlanTier) int {
	ra, rb := planRank[ParsePlanTier(string(a))], planRank[ParsePlanTier(string(b))]
	switch {
	case ra < rb:
		return -1
	case ra > rb:
		return 1
	default:
		return 0
	}
}

// PlanAtLeast reports whether current satisfies the required tier.
// An unknown current tier never satisfies a known requirement.
func PlanAtLeast(current, required PlanTier) bool {
	if !ParsePlanTier(string(required)).Known() {
		return true
	}
	return ComparePlanTiers(current, required) >= 0
}
