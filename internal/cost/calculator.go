package cost

// ModelRate holds per-model token pricing (per million tokens).
type ModelRate struct {
	Input         float64 `yaml:"input" mapstructure:"input"`
	Output        float64 `yaml:"output" mapstructure:"output"`
	BatchDiscount float64 `yaml:"batch_discount" mapstructure:"batch_discount"`
}

// Rates maps model identifiers to their pricing.
type Rates map[string]ModelRate

// Calculator computes costs for batch API usage.
type Calculator struct {
	rates Rates
}

// NewCalculator creates a Calculator with the given rates. Models missing from
// rates are priced at zero.
func NewCalculator(rates Rates) *Calculator {
	if rates == nil {
		rates = Rates{}
	}
	return &Calculator{rates: rates}
}

// Known reports whether the calculator has a rate for model.
func (c *Calculator) Known(model string) bool {
	_, ok := c.rates[model]
	return ok
}

// Tokens computes the cost of input and output tokens for model. Batch calls
// apply the model's batch discount multiplier when one is configured.
func (c *Calculator) Tokens(model string, isBatch bool, input, output int64) float64 {
	rate, ok := c.rates[model]
	if !ok {
		return 0
	}

	mul := 1.0
	if isBatch && rate.BatchDiscount > 0 {
		mul = rate.BatchDiscount
	}

	inCost := (float64(input) / 1e6) * rate.Input * mul
	outCost := (float64(output) / 1e6) * rate.Output * mul
	return inCost + outCost
}

// EstimateBatch returns the worst-case cost of a batch submission: the
// estimated input tokens plus every request using its full output budget.
func (c *Calculator) EstimateBatch(model string, inputTokens int64, requests, maxOutputTokens int) float64 {
	return c.Tokens(model, true, inputTokens, int64(requests)*int64(maxOutputTokens))
}

// DefaultRates returns the default pricing rates.
func DefaultRates() Rates {
	return Rates{
		"gemini-2.5-flash": {
			Input: 0.30, Output: 2.50, BatchDiscount: 0.5,
		},
		"gemini-2.5-flash-lite": {
			Input: 0.10, Output: 0.40, BatchDiscount: 0.5,
		},
		"gemini-2.5-pro": {
			Input: 1.25, Output: 10.00, BatchDiscount: 0.5,
		},
		"claude-haiku-4-5-20251001": {
			Input: 0.80, Output: 4.00, BatchDiscount: 0.5,
		},
		"claude-sonnet-4-5-20250929": {
			Input: 3.00, Output: 15.00, BatchDiscount: 0.5,
		},
	}
}

// Merge returns a copy of r with overrides applied on top.
func (r Rates) Merge(overrides Rates) Rates {
	out := make(Rates, len(r)+len(overrides))
	for k, v := range r {
		out[k] = v
	}
	for k, v := range overrides {
		out[k] = v
	}
	return out
}
