package entitlements

// Quota UX states.
const (
	QuotaStateOK       = "ok"
	QuotaStateWarning  = "warning"
	QuotaStateEnforced = "enforced"
	QuotaStateUnknown  = "unknown"
)

// QuotaState classifies a quota record for banners. Consumption is taken from
// Consumed, or derived from Limit-Remaining when only those are present.
func QuotaState(rec *QuotaRecord) string {
	if rec == nil {
		return QuotaStateOK
	}
	if rec.Remaining != nil && *rec.Remaining <= 0 {
		return QuotaStateEnforced
	}
	if rec.Limit == nil {
		return QuotaStateUnknown
	}
	limit := *rec.Limit
	if limit <= 0 {
		return QuotaStateOK // unlimited
	}

	var current float64
	switch {
	case rec.Consumed != nil:
		current = *rec.Consumed
	case rec.Remaining != nil:
		current = limit - *rec.Remaining
	default:
		return QuotaStateUnknown
	}
	return LimitState(current, limit)
}

// LimitState returns the over-limit UX state for current usage against limit.
func LimitState(current, limit float64) string {
	if limit <= 0 {
		return QuotaStateOK
	}
	if current >= limit {
		return QuotaStateEnforced
	}
	// Small limits warn one unit early; larger ones at 90%.
	if limit > 1 && limit <= 10 {
		if current >= limit-1 {
			return QuotaStateWarning
		}
	} else if current*10 >= limit*9 {
		return QuotaStateWarning
	}
	return QuotaStateOK
}
