package rebalance

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

func TestCalculateRange(t *testing.T) {
	tests := []struct {
		name         string
		price, width float64
		lower, upper float64
	}{
		{"five percent around 100", 100, 5, 95, 105},
		{"five percent around 120", 120, 5, 114, 126},
		{"narrow band", 2000, 0.5, 1990, 2010},
		{"wide band", 1, 99, 0.01, 1.99},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rng, err := CalculateRange(tt.price, tt.width)
			require.NoError(t, err)
			assert.InDelta(t, tt.lower, rng.Lower, 1e-9)
			assert.InDelta(t, tt.upper, rng.Upper, 1e-9)
			assert.Less(t, rng.Lower, tt.price)
			assert.Greater(t, rng.Upper, tt.price)
			assert.InDelta(t, 2*tt.price*tt.width/100, rng.Width(), 1e-9)
		})
	}
}

func TestCalculateRangeRejectsBadInput(t *testing.T) {
	tests := []struct {
		name         string
		price, width float64
	}{
		{"zero price", 0, 5},
		{"negative price", -1, 5},
		{"nan price", math.NaN(), 5},
		{"infinite price", math.Inf(1), 5},
		{"zero width", 100, 0},
		{"negative width", 100, -5},
		{"width of 100", 100, 100},
		{"nan width", 100, math.NaN()},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := CalculateRange(tt.price, tt.width)
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidInput)
		})
	}
}
