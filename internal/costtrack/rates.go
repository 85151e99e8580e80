package costtrack

// Rates holds per-1K-token costs for one provider/model combination.
type Rates struct {
	InputPer1K  float64
	OutputPer1K float64
}

// defaultRates is the conservative fallback for unknown provider/model pairs.
var defaultRates = Rates{InputPer1K: 0.001, OutputPer1K: 0.002}

// rateTable maps "provider_model" keys to their cost rates.
var rateTable = map[string]Rates{
	// OpenAI GPT models.
	"openai_gpt-4":         {0.03, 0.06},
	"openai_gpt-4-turbo":   {0.01, 0.03},
	"openai_gpt-3.5-turbo": {0.001, 0.002},

	// Anthropic Claude models.
	"anthropic_claude-3-opus":   {0.015, 0.075},
	"anthropic_claude-3-sonnet": {0.003, 0.015},
	"anthropic_claude-3-haiku":  {0.00025, 0.00125},

	// Google models.
	"google_gemini-pro":   {0.001, 0.002},
	"google_gemini-ultra": {0.01, 0.03},

	// Azure OpenAI.
	"azure_gpt-4":        {0.03, 0.06},
	"azure_gpt-35-turbo": {0.001, 0.002},
}

// lookupRates returns the rates for a provider/model pair and whether the
// pair was found in the table.
func lookupRates(provider, model string) (Rates, bool) {
	r, ok := rateTable[provider+"_"+model]
	if !ok {
		return defaultRates, false
	}
	return r, true
}

// cost computes the estimated cost for the given token counts at the given
// rates.
func cost(inputTokens, outputTokens int, r Rates) float64 {
	return float64(inputTokens)/1000*r.InputPer1K + float64(outputTokens)/1000*r.OutputPer1K
}
