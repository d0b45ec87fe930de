package cost

import (
	"testing"
)

func TestCalculate(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		model   string
		in, out int
		wantMin float64
		wantMax float64
	}{
		{
			name:  "zero tokens",
			model: "claude-opus-4-6",
			in:    0, out: 0,
			wantMin: 0, wantMax: 0,
		},
		{
			name:  "opus 1M input 1M output",
			model: "claude-opus-4-6",
			in:    1_000_000, out: 1_000_000,
			wantMin: 30.0, wantMax: 30.0, // $5 + $25
		},
		{
			name:  "sonnet 1M input 1M output",
			model: "claude-sonnet-4-5",
			in:    1_000_000, out: 1_000_000,
			wantMin: 18.0, wantMax: 18.0, // $3 + $15
		},
		{
			name:  "model id is case insensitive",
			model: "Claude-Haiku-4-5",
			in:    1_000_000, out: 0,
			wantMin: 1.0, wantMax: 1.0,
		},
		{
			name:  "unknown model",
			model: "gpt-5",
			in:    1_000_000, out: 1_000_000,
			wantMin: 0, wantMax: 0,
		},
		{
			name:  "sonnet small tokens",
			model: "claude-sonnet-4-5",
			in:    45230, out: 12890,
			wantMin: 0.32, wantMax: 0.34,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got := Calculate(tc.model, tc.in, tc.out)
			if got < tc.wantMin || got > tc.wantMax {
				t.Fatalf("Calculate(%q, %d, %d) = %f, want [%f, %f]", tc.model, tc.in, tc.out, got, tc.wantMin, tc.wantMax)
			}
		})
	}
}

func TestFormatUSD(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cost float64
		want string
	}{
		{0, "$0.00"},
		{0.4212, "$0.42"},
		{1.236, "$1.24"},
		{12.5, "$12.50"},
	}
	for _, tc := range tests {
		if got := FormatUSD(tc.cost); got != tc.want {
			t.Fatalf("FormatUSD(%f) = %q, want %q", tc.cost, got, tc.want)
		}
	}
}

func TestFormatRate(t *testing.T) {
	t.Parallel()
	if got := FormatRate("claude-sonnet-4-5"); got != "$3.00/$15.00 per 1M tokens" {
		t.Fatalf("FormatRate(sonnet) = %q", got)
	}
	if got := FormatRate("mystery"); got != "unknown pricing" {
		t.Fatalf("FormatRate(unknown) = %q", got)
	}
}
