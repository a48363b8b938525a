package billing

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/znz-systems/mailslot/internal/models"
)

func TestPlans_Limits(t *testing.T) {
	plans := NewPlans(3, 0)

	free := plans.Limits(models.Account{Plan: models.PlanFree})
	assert.Equal(t, int64(3), free.HardCap)
	assert.False(t, free.CustomAlias)
	assert.False(t, free.Reached(2))
	assert.True(t, free.Reached(3))

	pro := plans.Limits(models.Account{Plan: "PRO"})
	assert.True(t, pro.Unlimited())
	assert.True(t, pro.CustomAlias)
	assert.False(t, pro.Reached(1_000_000))

	unknown := plans.Limits(models.Account{Plan: "enterprise"})
	assert.Equal(t, free, unknown)
}
