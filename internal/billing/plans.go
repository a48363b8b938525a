// Package billing answers plan questions for admission control. Plan
// assignment itself lives with the billing processor; this package only maps
// a plan tier to its storage limits.
package billing

import (
	"strings"

	"github.com/znz-systems/mailslot/internal/models"
)

type Limits struct {
	// HardCap is the number of stored messages after which new messages are
	// skipped. Zero or negative means unlimited.
	HardCap int64
	// CustomAlias reports whether the tier may receive on a custom alias.
	CustomAlias bool
}

func (l Limits) Unlimited() bool {
	return l.HardCap <= 0
}

// Reached reports whether an account holding stored messages may not admit
// another one.
func (l Limits) Reached(stored int64) bool {
	return !l.Unlimited() && stored >= l.HardCap
}

type Plans struct {
	tiers map[models.Plan]Limits
}

func NewPlans(freeHardCap, proHardCap int64) *Plans {
	return &Plans{tiers: map[models.Plan]Limits{
		models.PlanFree: {HardCap: freeHardCap},
		models.PlanPro:  {HardCap: proHardCap, CustomAlias: true},
	}}
}

// Limits returns the limits of the account's tier. Unknown tiers get the free
// tier limits.
func (p *Plans) Limits(account models.Account) Limits {
	plan := models.Plan(strings.ToLower(strings.TrimSpace(string(account.Plan))))
	if l, ok := p.tiers[plan]; ok {
		return l
	}
	return p.tiers[models.PlanFree]
}
