package util

import (
	"math"
	"testing"
)

func TestRoundToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "basic rounding down",
			x:        1.2345,
			tick:     0.01,
			expected: 1.23,
		},
		{
			name:     "tie rounds away from zero",
			x:        1.235,
			tick:     0.01,
			expected: 1.24,
		},
		{
			name:     "negative tie rounds away from zero",
			x:        -1.235,
			tick:     0.01,
			expected: -1.24,
		},
		{
			name:     "negative basic rounding",
			x:        -1.2345,
			tick:     0.01,
			expected: -1.23,
		},
		{
			name:     "larger tick size",
			x:        1.27,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "exact multiple",
			x:        1.25,
			tick:     0.05,
			expected: 1.25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := RoundToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("RoundToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestFloorToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "exact multiple",
			x:        1.30,
			tick:     0.05,
			expected: 1.30,
		},
		{
			name:     "float precision boundary - just below",
			x:        1.2999999999999,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "just above tick boundary",
			x:        1.2500000000001,
			tick:     0.05,
			expected: 1.25,
		},
		{
			name:     "basic floor",
			x:        1.237,
			tick:     0.01,
			expected: 1.23,
		},
		{
			name:     "negative values",
			x:        -1.237,
			tick:     0.01,
			expected: -1.24,
		},
		{
			name:     "negative exact multiple",
			x:        -1.25,
			tick:     0.05,
			expected: -1.25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := FloorToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("FloorToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestCeilToTick(t *testing.T) {
	tests := []struct {
		name     string
		x        float64
		tick     float64
		expected float64
	}{
		{
			name:     "exact multiple",
			x:        1.30,
			tick:     0.05,
			expected: 1.30,
		},
		{
			name:     "float precision boundary - just above",
			x:        1.2500000000001,
			tick:     0.05,
			expected: 1.30,
		},
		{
			name:     "just below tick boundary",
			x:        1.2999999999999,
			tick:     0.05,
			expected: 1.30,
		},
		{
			name:     "basic ceil",
			x:        1.231,
			tick:     0.01,
			expected: 1.24,
		},
		{
			name:     "negative values",
			x:        -1.231,
			tick:     0.01,
			expected: -1.23,
		},
		{
			name:     "negative exact multiple",
			x:        -1.25,
			tick:     0.05,
			expected: -1.25,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := CeilToTick(tt.x, tt.tick)
			if math.Abs(result-tt.expected) > 1e-10 {
				t.Errorf("CeilToTick(%v, %v) = %v, expected %v", tt.x, tt.tick, result, tt.expected)
			}
		})
	}
}

func TestTickRoundingEdgeCases(t *testing.T) {
	t.Run("zero tick returns input", func(t *testing.T) {
		input := 1.2345
		if result := RoundToTick(input, 0); result != input {
			t.Errorf("RoundToTick(%v, 0) = %v, expected %v", input, result, input)
		}
		if result := FloorToTick(input, 0); result != input {
			t.Errorf("FloorToTick(%v, 0) = %v, expected %v", input, result, input)
		}
		if result := CeilToTick(input, 0); result != input {
			t.Errorf("CeilToTick(%v, 0) = %v, expected %v", input, result, input)
		}
	})

	t.Run("NaN inputs return unchanged", func(t *testing.T) {
		nan := math.NaN()
		if result := RoundToTick(nan, 0.01); !math.IsNaN(result) {
			t.Errorf("RoundToTick(NaN, 0.01) = %v, expected NaN", result)
		}
		if result := FloorToTick(nan, 0.01); !math.IsNaN(result) {
			t.Errorf("FloorToTick(NaN, 0.01) = %v, expected NaN", result)
		}
		if result := CeilToTick(nan, 0.01); !math.IsNaN(result) {
			t.Errorf("CeilToTick(NaN, 0.01) = %v, expected NaN", result)
		}
	})

	t.Run("infinite inputs return unchanged", func(t *testing.T) {
		posInf := math.Inf(1)
		negInf := math.Inf(-1)

		if result := RoundToTick(posInf, 0.01); result != posInf {
			t.Errorf("RoundToTick(+Inf, 0.01) = %v, expected +Inf", result)
		}
		if result := RoundToTick(negInf, 0.01); result != negInf {
			t.Errorf("RoundToTick(-Inf, 0.01) = %v, expected -Inf", result)
		}
	})

	t.Run("negative tick uses absolute value", func(t *testing.T) {
		result := RoundToTick(1.235, -0.01)
		expected := 1.24
		if math.Abs(result-expected) > 1e-10 {
			t.Errorf("RoundToTick(1.235, -0.01) = %v, expected %v", result, expected)
		}
	})
}

func TestRoundToNickel(t *testing.T) {
	tests := []struct {
		x        float64
		expected float64
	}{
		{1.02, 1.00},
		{1.03, 1.05},
		{1.025, 1.05},
		{-1.82, -1.80},
		{0.00, 0.00},
		{2.675, 2.70},
	}
	for _, tt := range tests {
		if got := RoundToNickel(tt.x); math.Abs(got-tt.expected) > 1e-10 {
			t.Errorf("RoundToNickel(%v) = %v, expected %v", tt.x, got, tt.expected)
		}
	}
}

func TestRoundToStrike(t *testing.T) {
	tests := []struct {
		x        float64
		expected float64
	}{
		{4582.0, 4580.0},
		{4583.0, 4585.0},
		{4582.5, 4585.0},
		{6001.3, 6000.0},
	}
	for _, tt := range tests {
		if got := RoundToStrike(tt.x); math.Abs(got-tt.expected) > 1e-10 {
			t.Errorf("RoundToStrike(%v) = %v, expected %v", tt.x, got, tt.expected)
		}
	}
}

func TestAddTicksExactLadder(t *testing.T) {
	// 1.00 base with a 0.05 increment must walk the nickel grid exactly.
	want := []float64{1.00, 1.05, 1.10, 1.15, 1.20}
	for n, expected := range want {
		got := AddTicks(1.00, 0.05, n)
		if got != expected {
			t.Errorf("AddTicks(1.00, 0.05, %d) = %v, expected exactly %v", n, got, expected)
		}
	}
}

func TestAddTicksNegativeBase(t *testing.T) {
	// Credit prices are carried as negative numbers; stepping up shrinks
	// the credit that the order demands.
	got := AddTicks(-1.80, 0.05, 3)
	if got != -1.65 {
		t.Errorf("AddTicks(-1.80, 0.05, 3) = %v, expected -1.65", got)
	}
}
