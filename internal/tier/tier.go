// Package tier defines the subscription plans and the numeric limits the
// whitelist guard and the bulk mutation gate read.
package tier

const (
	// Unlimited disables a numeric limit.
	Unlimited = -1

	freeMaxWhitelist  = 10
	freeMaxSweepCount = 5
)

// Plan identifies a subscription tier.
type Plan string

const (
	// PlanFree is the default tier.
	PlanFree Plan = "FREE"
	// PlanPro removes the whitelist and sweep caps.
	PlanPro Plan = "PRO"
)

// Limits holds the numeric caps associated with a plan.
type Limits struct {
	MaxWhitelist  int
	MaxSweepCount int
}

var planLimits = map[Plan]Limits{
	PlanFree: {MaxWhitelist: freeMaxWhitelist, MaxSweepCount: freeMaxSweepCount},
	PlanPro:  {MaxWhitelist: Unlimited, MaxSweepCount: Unlimited},
}

// LimitsFor returns the limits for the plan. Unknown or empty plans fall
// back to the free tier.
func LimitsFor(plan Plan) Limits {
	if limits, known := planLimits[plan]; known {
		return limits
	}
	return planLimits[PlanFree]
}

// AllowsSweep reports whether a sweep over targetCount accounts fits the plan.
func (limits Limits) AllowsSweep(targetCount int) bool {
	return limits.MaxSweepCount == Unlimited || targetCount <= limits.MaxSweepCount
}

// AllowsWhitelistSize reports whether a whitelist of entryCount entries fits
// the plan.
func (limits Limits) AllowsWhitelistSize(entryCount int) bool {
	return limits.MaxWhitelist == Unlimited || entryCount <= limits.MaxWhitelist
}
