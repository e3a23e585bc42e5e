package market

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPercentChange(t *testing.T) {
	tests := []struct {
		name     string
		newValue float64
		oldValue float64
		want     float64
	}{
		{name: "increase", newValue: 150, oldValue: 100, want: 50},
		{name: "decrease", newValue: 50, oldValue: 100, want: -50},
		{name: "zero old value", newValue: 10, oldValue: 0, want: 0},
		{name: "both zero", newValue: 0, oldValue: 0, want: 0},
		{name: "infinite input", newValue: math.Inf(1), oldValue: 1, want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, PercentChange(tt.newValue, tt.oldValue), 1e-9)
		})
	}
}

func TestSafeRatio(t *testing.T) {
	assert.Equal(t, 0.0, SafeRatio(1, 0))
	assert.Equal(t, 0.0, SafeRatio(0, 0))
	assert.Equal(t, 2.5, SafeRatio(5, 2))
}

func TestDecIgnoresNonFinite(t *testing.T) {
	assert.True(t, dec(math.NaN()).IsZero())
	assert.True(t, dec(math.Inf(-1)).IsZero())
	assert.Equal(t, "0.1", dec(0.1).String())
}
