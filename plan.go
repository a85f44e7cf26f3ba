package quotaledger

// Plan identifies a subscription plan.
type Plan string

const (
	PlanFree Plan = "free"
	PlanPro  Plan = "pro"
)

// PlanConfig holds the allowances granted by a plan.
type PlanConfig struct {
	MonthlyAllowanceSeconds int64  `yaml:"monthly_allowance_seconds"`
	DailyCapSeconds         *int64 `yaml:"daily_cap_seconds"` // nil = no daily cap
	MaxSessionSeconds       int64  `yaml:"max_session_seconds"`
	RetentionDays           int    `yaml:"retention_days"`
	CreateRateLimitPerMin   int    `yaml:"create_rate_limit_per_min"` // 0 = unlimited
	MaxConcurrentJobs       int    `yaml:"max_concurrent_jobs"`
}

// Plans maps a plan to its configuration.
type Plans map[Plan]PlanConfig

// DefaultPlans returns the built-in free and pro plans.
func DefaultPlans() Plans {
	return Plans{
		PlanFree: {
			MonthlyAllowanceSeconds: 1800,
			DailyCapSeconds:         Int64Ptr(600),
			MaxSessionSeconds:       600,
			RetentionDays:           7,
			CreateRateLimitPerMin:   6,
			MaxConcurrentJobs:       1,
		},
		PlanPro: {
			MonthlyAllowanceSeconds: 7200,
			MaxSessionSeconds:       7200,
			RetentionDays:           30,
			CreateRateLimitPerMin:   12,
			MaxConcurrentJobs:       1,
		},
	}
}

// Normalize maps unknown or empty plan names to the free plan.
func (p Plans) Normalize(plan Plan) Plan {
	if _, ok := p[plan]; ok {
		return plan
	}
	return PlanFree
}

// Resolve returns the normalized plan and a copy of its configuration.
func (p Plans) Resolve(plan Plan) (Plan, PlanConfig) {
	plan = p.Normalize(plan)
	return plan, p[plan].Clone()
}

// Clone returns a copy that shares no pointers with c.
func (c PlanConfig) Clone() PlanConfig {
	if c.DailyCapSeconds != nil {
		c.DailyCapSeconds = Int64Ptr(*c.DailyCapSeconds)
	}
	return c
}

// Clone returns a deep copy of the plan table.
func (p Plans) Clone() Plans {
	if p == nil {
		return nil
	}
	out := make(Plans, len(p))
	for name, cfg := range p {
		out[name] = cfg.Clone()
	}
	return out
}

// cloneInt64 copies an optional value.
func cloneInt64(v *int64) *int64 {
	if v == nil {
		return nil
	}
	return Int64Ptr(*v)
}

// Int64Ptr returns a pointer to the given int64.
func Int64Ptr(v int64) *int64 { return &v }
