package models

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"25", "25.0"},
		{"25.5", "25.5"},
		{"0", "0.0"},
		{"0.000001", "0.000001"},
		{"1000000", "1000000.0"},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got := FormatAmount(decimal.RequireFromString(tt.in))
			if got != tt.want {
				t.Errorf("FormatAmount(%s) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}
