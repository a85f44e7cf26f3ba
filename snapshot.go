package quotaledger

// QuotaSnapshot holds the figures derived from a ledger and its plan.
type QuotaSnapshot struct {
	MonthlyAllowanceSeconds  int64
	UsedBaseSecondsThisMonth int64
	BaseRemainingSeconds     int64
	CreditSeconds            int64
	TotalAvailableSeconds    int64
	DailyCapSeconds          *int64
	UsedSecondsToday         int64
	DailyRemainingSeconds    *int64 // nil when the plan has no daily cap
}

// Snapshot computes the quota figures for a ledger. It has no side effects.
func Snapshot(l UserLedger, cfg PlanConfig) QuotaSnapshot {
	baseRemaining := max(0, cfg.MonthlyAllowanceSeconds-l.UsedBaseSecondsThisMonth)
	credit := max(0, l.CreditSeconds)

	s := QuotaSnapshot{
		MonthlyAllowanceSeconds:  cfg.MonthlyAllowanceSeconds,
		UsedBaseSecondsThisMonth: l.UsedBaseSecondsThisMonth,
		BaseRemainingSeconds:     baseRemaining,
		CreditSeconds:            credit,
		TotalAvailableSeconds:    baseRemaining + credit,
		UsedSecondsToday:         l.UsedSecondsToday,
	}
	if cfg.DailyCapSeconds != nil {
		s.DailyCapSeconds = Int64Ptr(*cfg.DailyCapSeconds)
		s.DailyRemainingSeconds = Int64Ptr(max(0, *cfg.DailyCapSeconds-l.UsedSecondsToday))
	}
	return s
}
