package money

import (
	"math/big"
	"testing"
)

func TestParse_ValidAmounts(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected int64
	}{
		{"one dollar", "1.00", 1_000_000},
		{"fifty cents", "0.50", 500_000},
		{"hundred", "100", 100_000_000},
		{"smallest unit", "0.000001", 1},
		{"short frac", "1.5", 1_500_000},
		{"six decimals", "1.123456", 1_123_456},
		{"truncates extra decimals", "1.1234567", 1_123_456},
		{"large amount", "999999.999999", 999_999_999_999},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Parse(tt.input)
			if !ok {
				t.Fatalf("Parse(%q) returned ok=false", tt.input)
			}
			if got.Int64() != tt.expected {
				t.Errorf("Parse(%q) = %d, want %d", tt.input, got.Int64(), tt.expected)
			}
		})
	}
}

func TestParse_InvalidAmounts(t *testing.T) {
	for _, input := range []string{"-1.00", "1.2.3", "abc", "1,50"} {
		if _, ok := Parse(input); ok {
			t.Errorf("Parse(%q) = ok, want invalid", input)
		}
	}
}

func TestFormat(t *testing.T) {
	tests := []struct {
		input    int64
		expected string
	}{
		{1_000_000, "1.000000"},
		{1_500_000, "1.500000"},
		{1, "0.000001"},
		{0, "0.000000"},
		{123_456_789, "123.456789"},
	}

	for _, tt := range tests {
		if got := Format(big.NewInt(tt.input)); got != tt.expected {
			t.Errorf("Format(%d) = %q, want %q", tt.input, got, tt.expected)
		}
	}

	if got := Format(nil); got != "0.000000" {
		t.Errorf("Format(nil) = %q, want 0.000000", got)
	}
}

func TestMulBps(t *testing.T) {
	tests := []struct {
		name     string
		amount   int64
		bps      int64
		expected int64
	}{
		{"one percent", 1_000_000_000, 100, 10_000_000},
		{"four percent", 1_000_000_000, 400, 40_000_000},
		{"floors remainder", 3, 5000, 1}, // 3 * 0.5 = 1.5 -> 1
		{"zero bps", 1_000_000, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := MulBps(big.NewInt(tt.amount), tt.bps)
			if got.Int64() != tt.expected {
				t.Errorf("MulBps(%d, %d) = %d, want %d", tt.amount, tt.bps, got.Int64(), tt.expected)
			}
		})
	}
}

func TestShare(t *testing.T) {
	// 70% of 40 units
	got := Share(big.NewInt(40), 70, 100)
	if got.Int64() != 28 {
		t.Errorf("Share(40, 70, 100) = %d, want 28", got.Int64())
	}

	// Floor: 70% of 10 = 7, 70% of 5 = 3 (3.5 floored)
	if got := Share(big.NewInt(5), 70, 100); got.Int64() != 3 {
		t.Errorf("Share(5, 70, 100) = %d, want 3", got.Int64())
	}
}

func TestSum(t *testing.T) {
	got := Sum(big.NewInt(1), nil, big.NewInt(2), big.NewInt(3))
	if got.Int64() != 6 {
		t.Errorf("Sum = %d, want 6", got.Int64())
	}
}
