package domain

import (
	"fmt"
	"strings"
	"time"
)

// Tier is a tenant class determining queue priority and monthly quota.
type Tier string

// Known tiers, highest priority first.
const (
	TierEnterprise Tier = "enterprise"
	TierPro        Tier = "pro"
	TierIndie      Tier = "indie"
	TierFree       Tier = "free"
)

// MonthlyUnlimited disables the monthly quota for a tier.
const MonthlyUnlimited = -1

// TierLimits holds the per-tier policy. Priority is the sorted-set band
// (lower = claimed first); MonthlyLimit caps successful admissions per
// (user, calendar month).
type TierLimits struct {
	ConcurrentCap int `yaml:"concurrent_cap"`
	Priority      int `yaml:"priority"`
	MonthlyLimit  int `yaml:"monthly_limit"`
}

// TierTable maps tiers to their limits. The default table is a constant
// lookup; deployments may override it from a YAML file at startup, it is
// never mutated at runtime.
type TierTable map[Tier]TierLimits

// DefaultTiers returns the built-in tier policy table.
func DefaultTiers() TierTable {
	return TierTable{
		TierEnterprise: {ConcurrentCap: 5, Priority: 0, MonthlyLimit: MonthlyUnlimited},
		TierPro:        {ConcurrentCap: 3, Priority: 1, MonthlyLimit: MonthlyUnlimited},
		TierIndie:      {ConcurrentCap: 2, Priority: 2, MonthlyLimit: 10},
		TierFree:       {ConcurrentCap: 1, Priority: 3, MonthlyLimit: 1},
	}
}

// ParseTier normalizes and validates a tier string.
func (t TierTable) ParseTier(s string) (Tier, error) {
	tier := Tier(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := t[tier]; !ok {
		return "", fmt.Errorf("%w: %q", ErrInvalidTier, s)
	}
	return tier, nil
}

// Limits returns the limits for a known tier.
func (t TierTable) Limits(tier Tier) TierLimits { return t[tier] }

// prioShift spaces priority bands so far apart that the epoch-seconds
// component can never cross into the next band.
const prioShift = 1e10

// PriorityScore combines tier priority and submission time into the
// pending sorted-set score: strict priority across bands, FIFO at
// millisecond granularity within a band. Pure function, so a requeued
// job recomputes the exact score it was submitted with.
func PriorityScore(priority int, createdAt time.Time) float64 {
	return float64(priority)*prioShift + float64(createdAt.UnixMilli())/1000.0
}
