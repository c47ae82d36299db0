package cost

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCalculator_Savings(t *testing.T) {
	c := NewCalculator(Rates{StageUSD: map[string]float64{
		"profiling":    0.012,
		"monetization": 0.018,
	}})

	assert.InDelta(t, 0.012, c.FreshCall("profiling"), 1e-9)
	assert.Zero(t, c.FreshCall("unknown"))

	savings := c.Savings(map[string]int{
		"profiling":    2,
		"monetization": 1,
		"unknown":      5,
	})
	assert.InDelta(t, 0.042, savings, 1e-9)
}

func TestDefaultRates_CoverBuiltinStages(t *testing.T) {
	rates := DefaultRates()
	for _, stage := range []string{"profiling", "monetization", "competition"} {
		assert.Greater(t, rates.StageUSD[stage], 0.0, stage)
	}
}
