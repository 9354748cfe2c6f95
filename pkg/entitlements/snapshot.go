package entitlements

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// FeatureRecord is one entry of the rich feature list.
type FeatureRecord struct {
	Code     string   `json:"code"`
	Name     string   `json:"name,omitempty"`
	Allowed  bool     `json:"allowed"`
	PlanTier string   `json:"planTier,omitempty"`
	Limit    *float64 `json:"limit,omitempty"`
}

// QuotaRecord is a consumable limit. A nil field means the backend did not send a
// usable number for it.
type QuotaRecord struct {
	QuotaKey  string   `json:"quotaKey"`
	Remaining *float64 `json:"remaining,omitempty"`
	Limit     *float64 `json:"limit,omitempty"`
	Consumed  *float64 `json:"consumed,omitempty"`
}

// Snapshot is the canonical entitlement shape for one business.
type Snapshot struct {
	BusinessID         string          `json:"businessId,omitempty"`
	PlanTier           string          `json:"planTier,omitempty"`
	GrantedPermissions []string        `json:"grantedPermissions"`
	Features           []FeatureRecord `json:"features,omitempty"`
	Quotas             []QuotaRecord   `json:"quotas"`
}

// Clone returns a deep copy.
func (s *Snapshot) Clone() *Snapshot {
	if s == nil {
		return nil
	}
	c := &Snapshot{
		BusinessID:         s.BusinessID,
		PlanTier:           s.PlanTier,
		GrantedPermissions: append([]string(nil), s.GrantedPermissions...),
		Quotas:             make([]QuotaRecord, len(s.Quotas)),
	}
	if s.Features != nil {
		c.Features = make([]FeatureRecord, len(s.Features))
		for i, f := range s.Features {
			f.Limit = cloneFloat(f.Limit)
			c.Features[i] = f
		}
	}
	for i, q := range s.Quotas {
		c.Quotas[i] = q.clone()
	}
	return c
}

func (q QuotaRecord) clone() QuotaRecord {
	return QuotaRecord{
		QuotaKey:  q.QuotaKey,
		Remaining: cloneFloat(q.Remaining),
		Limit:     cloneFloat(q.Limit),
		Consumed:  cloneFloat(q.Consumed),
	}
}

func cloneFloat(v *float64) *float64 {
	if v == nil {
		return nil
	}
	c := *v
	return &c
}

// Field-name variants the backend has used over time. Keys are compared after
// foldKey, so casing, underscores and dashes do not matter.
var (
	permissionKeys = []string{"grantedpermissions", "permissions", "granted"}
	featureKeys    = []string{"features"}
	quotaListKeys  = []string{"quotas", "quota", "usage"}
	planKeys       = []string{"plantier", "plan", "tier"}
	businessKeys   = []string{"businessid", "business"}

	codeKeys      = []string{"code", "featurecode", "key"}
	nameKeys      = []string{"name", "label"}
	allowedKeys   = []string{"allowed", "enabled", "granted"}
	quotaKeyKeys  = []string{"quotakey", "key", "code"}
	remainingKeys = []string{"remaining", "remainingamount", "left"}
	limitKeys     = []string{"limit", "max", "total", "quota"}
	consumedKeys  = []string{"consumed", "used", "usage"}
)

// Normalize parses a backend entitlement body into the canonical Snapshot. It
// tolerates a {"data": {...}} envelope, flat or rich permission lists and the
// casing variants of quota fields. Only a body that is not a JSON object fails.
func Normalize(raw []byte) (*Snapshot, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var body map[string]any
	if err := dec.Decode(&body); err != nil {
		return nil, fmt.Errorf("decode entitlement snapshot: %w", err)
	}
	if body == nil {
		return nil, fmt.Errorf("decode entitlement snapshot: empty body")
	}
	fields := foldMap(body)
	if inner, ok := fields["data"].(map[string]any); ok {
		fields = foldMap(inner)
	}

	snap := &Snapshot{
		BusinessID: stringField(fields, businessKeys),
		PlanTier:   string(ParsePlanTier(stringField(fields, planKeys))),
		Quotas:     []QuotaRecord{},
	}

	if list, ok := lookup(fields, featureKeys).([]any); ok {
		snap.Features = make([]FeatureRecord, 0, len(list))
		for _, item := range list {
			if rec, ok := parseFeature(item); ok {
				snap.Features = append(snap.Features, rec)
			}
		}
	}

	if perms, ok := lookup(fields, permissionKeys).([]any); ok {
		snap.GrantedPermissions = parsePermissions(perms)
	} else {
		codes := make([]string, 0, len(snap.Features))
		for _, f := range snap.Features {
			if f.Allowed {
				codes = append(codes, f.Code)
			}
		}
		snap.GrantedPermissions = dedupe(codes)
	}

	switch quotas := lookup(fields, quotaListKeys).(type) {
	case []any:
		for _, item := range quotas {
			if rec, ok := parseQuota(item, ""); ok {
				snap.Quotas = append(snap.Quotas, rec)
			}
		}
	case map[string]any:
		// Keyed form: {"MESSAGES_PER_MONTH": {"remaining": 5}}
		for key, item := range quotas {
			if rec, ok := parseQuota(item, key); ok {
				snap.Quotas = append(snap.Quotas, rec)
			}
		}
		sortQuotas(snap.Quotas)
	}

	return snap, nil
}

func parsePermissions(items []any) []string {
	codes := make([]string, 0, len(items))
	for _, item := range items {
		switch v := item.(type) {
		case string:
			codes = append(codes, v)
		case map[string]any:
			codes = append(codes, stringField(foldMap(v), codeKeys))
		}
	}
	return dedupe(codes)
}

func parseFeature(item any) (FeatureRecord, bool) {
	switch v := item.(type) {
	case string:
		code := NormalizeCode(v)
		return FeatureRecord{Code: code, Allowed: true}, code != ""
	case map[string]any:
		fields := foldMap(v)
		code := NormalizeCode(stringField(fields, codeKeys))
		if code == "" {
			return FeatureRecord{}, false
		}
		allowed := true
		if b, ok := boolValue(lookup(fields, allowedKeys)); ok {
			allowed = b
		}
		return FeatureRecord{
			Code:     code,
			Name:     stringField(fields, nameKeys),
			Allowed:  allowed,
			PlanTier: stringField(fields, planKeys),
			Limit:    numberValue(lookup(fields, limitKeys)),
		}, true
	}
	return FeatureRecord{}, false
}

func parseQuota(item any, fallbackKey string) (QuotaRecord, bool) {
	fields, ok := item.(map[string]any)
	if !ok {
		// Keyed form with a bare number means "remaining".
		key := NormalizeCode(fallbackKey)
		if n := numberValue(item); n != nil && key != "" {
			return QuotaRecord{QuotaKey: key, Remaining: n}, true
		}
		return QuotaRecord{}, false
	}
	folded := foldMap(fields)
	key := NormalizeCode(stringField(folded, quotaKeyKeys))
	if key == "" {
		key = NormalizeCode(fallbackKey)
	}
	if key == "" {
		return QuotaRecord{}, false
	}
	return QuotaRecord{
		QuotaKey:  key,
		Remaining: numberValue(lookup(folded, remainingKeys)),
		Limit:     numberValue(lookup(folded, limitKeys)),
		Consumed:  numberValue(lookup(folded, consumedKeys)),
	}, true
}

func foldKey(k string) string {
	k = strings.ToLower(strings.TrimSpace(k))
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(k)
}

func foldMap(m map[string]any) map[string]any {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := make(map[string]any, len(m))
	for _, k := range keys {
		fk := foldKey(k)
		// Lexically first spelling wins when two variants collide.
		if _, exists := out[fk]; !exists {
			out[fk] = m[k]
		}
	}
	return out
}

func lookup(fields map[string]any, names []string) any {
	for _, name := range names {
		if v, ok := fields[name]; ok && v != nil {
			return v
		}
	}
	return nil
}

func stringField(fields map[string]any, names []string) string {
	switch v := lookup(fields, names).(type) {
	case string:
		return strings.TrimSpace(v)
	case json.Number:
		return v.String()
	}
	return ""
}

func numberValue(v any) *float64 {
	var f float64
	switch n := v.(type) {
	case json.Number:
		parsed, err := n.Float64()
		if err != nil {
			return nil
		}
		f = parsed
	case float64:
		f = n
	case int:
		f = float64(n)
	case int64:
		f = float64(n)
	case string:
		parsed, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return nil
		}
		f = parsed
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}

func boolValue(v any) (bool, bool) {
	switch b := v.(type) {
	case bool:
		return b, true
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(b))
		return parsed, err == nil
	}
	return false, false
}

func dedupe(codes []string) []string {
	seen := make(map[string]struct{}, len(codes))
	out := make([]string, 0, len(codes))
	for _, c := range codes {
		c = NormalizeCode(c)
		if c == "" {
			continue
		}
		if _, ok := seen[c]; ok {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	return out
}
