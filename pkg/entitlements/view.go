package entitlements

import (
	"sort"

	"github.com/IGLOU-EU/go-wildcard/v2"
)

// View is the immutable, derived lookup structure for one snapshot. A nil *View
// answers every query as "no snapshot": features are denied, quotas fail open.
type View struct {
	snapshot *Snapshot
	features map[string]struct{}
	quotas   map[string]QuotaRecord
	rich     map[string]FeatureRecord
}

// NewView derives the feature set and quota map from s. The snapshot is cloned so
// later mutation by the caller cannot leak into the view.
func NewView(s *Snapshot) *View {
	if s == nil {
		return nil
	}
	snap := s.Clone()
	v := &View{
		snapshot: snap,
		features: make(map[string]struct{}, len(snap.GrantedPermissions)),
		quotas:   make(map[string]QuotaRecord, len(snap.Quotas)),
	}
	for _, code := range snap.GrantedPermissions {
		if code = NormalizeCode(code); code != "" {
			v.features[code] = struct{}{}
		}
	}
	for _, q := range snap.Quotas {
		if key := NormalizeCode(q.QuotaKey); key != "" {
			q.QuotaKey = key
			v.quotas[key] = q
		}
	}
	if snap.Features != nil {
		v.rich = make(map[string]FeatureRecord, len(snap.Features))
		for _, f := range snap.Features {
			if code := NormalizeCode(f.Code); code != "" {
				f.Code = code
				v.rich[code] = f
			}
		}
	}
	return v
}

// HasFeature reports whether code is granted. Matching is case-insensitive.
func (v *View) HasFeature(code string) bool {
	if v == nil {
		return false
	}
	code = NormalizeCode(code)
	if code == "" {
		return false
	}
	_, ok := v.features[code]
	return ok
}

// GetFeature returns the rich record for code when the backend sent one, or a
// synthesized allowed record when only the flat list is available.
func (v *View) GetFeature(code string) *FeatureRecord {
	if v == nil {
		return nil
	}
	code = NormalizeCode(code)
	if code == "" {
		return nil
	}
	if v.rich != nil {
		rec, ok := v.rich[code]
		if !ok {
			return nil
		}
		rec.Limit = cloneFloat(rec.Limit)
		return &rec
	}
	if _, ok := v.features[code]; ok {
		return &FeatureRecord{Code: code, Allowed: true}
	}
	return nil
}

// GetQuota returns the quota record for key, or nil when none exists. A nil
// result means "no quota entry", which is distinct from a zero remaining value.
func (v *View) GetQuota(key string) *QuotaRecord {
	if v == nil {
		return nil
	}
	key = NormalizeCode(key)
	if key == "" {
		return nil
	}
	rec, ok := v.quotas[key]
	if !ok {
		return nil
	}
	rec = rec.clone()
	return &rec
}

// CanSpend fails open: it only denies when a numeric remaining value exists and
// is smaller than amount.
func (v *View) CanSpend(key string, amount float64) bool {
	rec := v.GetQuota(key)
	if rec == nil || rec.Remaining == nil {
		return true
	}
	return amount <= *rec.Remaining
}

// FeatureSet returns the granted codes, sorted.
func (v *View) FeatureSet() []string {
	if v == nil {
		return []string{}
	}
	out := make([]string, 0, len(v.features))
	for code := range v.features {
		out = append(out, code)
	}
	sort.Strings(out)
	return out
}

// QuotaMap returns a copy of the quota map keyed by normalized quota key.
func (v *View) QuotaMap() map[string]QuotaRecord {
	out := map[string]QuotaRecord{}
	if v == nil {
		return out
	}
	for k, q := range v.quotas {
		out[k] = q.clone()
	}
	return out
}

// MatchFeatures returns the granted codes matching a wildcard pattern such as "CRM_*".
func (v *View) MatchFeatures(pattern string) []string {
	pattern = NormalizeCode(pattern)
	if v == nil || pattern == "" {
		return []string{}
	}
	out := []string{}
	for _, code := range v.FeatureSet() {
		if wildcard.Match(pattern, code) {
			out = append(out, code)
		}
	}
	return out
}

// HasAnyFeature reports whether any granted code matches one of the patterns.
func (v *View) HasAnyFeature(patterns ...string) bool {
	for _, p := range patterns {
		if len(v.MatchFeatures(p)) > 0 {
			return true
		}
	}
	return false
}

// PlanTier returns the snapshot's plan, or "" without a snapshot.
func (v *View) PlanTier() PlanTier {
	if v == nil {
		return ""
	}
	return ParsePlanTier(v.snapshot.PlanTier)
}

// Snapshot returns a copy of the snapshot the view was derived from.
func (v *View) Snapshot() *Snapshot {
	if v == nil {
		return nil
	}
	return v.snapshot.Clone()
}

func sortQuotas(quotas []QuotaRecord) {
	sort.SliceStable(quotas, func(i, j int) bool {
		return quotas[i].QuotaKey < quotas[j].QuotaKey
	})
}
