// Package cost estimates what an agent run spent on the model API.
package cost

import (
	"fmt"
	"strings"
)

// Rate holds per-1M-token pricing in USD.
type Rate struct {
	Input  float64 // USD per 1M input tokens
	Output float64 // USD per 1M output tokens
}

// familyRates is matched in order against the model ID.
var familyRates = []struct {
	family string
	rate   Rate
}{
	{"opus", Rate{Input: 5.00, Output: 25.00}},
	{"sonnet", Rate{Input: 3.00, Output: 15.00}},
	{"haiku", Rate{Input: 1.00, Output: 5.00}},
}

// RateFor returns the pricing for a model ID such as "claude-opus-4-6".
func RateFor(model string) (Rate, bool) {
	model = strings.ToLower(model)
	for _, fr := range familyRates {
		if strings.Contains(model, fr.family) {
			return fr.rate, true
		}
	}
	return Rate{}, false
}

// Calculate returns the estimated cost in USD for the given token counts.
// Unknown models cost 0.
func Calculate(model string, inputTokens, outputTokens int) float64 {
	rate, ok := RateFor(model)
	if !ok {
		return 0
	}
	inCost := float64(inputTokens) / 1_000_000 * rate.Input
	outCost := float64(outputTokens) / 1_000_000 * rate.Output
	return inCost + outCost
}

// FormatUSD formats a cost as a dollar string (e.g. "$0.42" or "$1.23").
func FormatUSD(cost float64) string {
	return fmt.Sprintf("$%.2f", cost)
}

// FormatRate returns a display string for a model's rate (e.g. "$3.00/$15.00 per 1M tokens").
func FormatRate(model string) string {
	rate, ok := RateFor(model)
	if !ok {
		return "unknown pricing"
	}
	return fmt.Sprintf("$%.2f/$%.2f per 1M tokens", rate.Input, rate.Output)
}
