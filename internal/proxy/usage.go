package proxy

import (
	"math"
	"sync"

	"github.com/jmanhype/runestone/internal/cost"
	"github.com/jmanhype/runestone/internal/providers"
)

// messageOverheadTokens approximates the per-message formatting cost when
// estimating prompt tokens.
const messageOverheadTokens = 3

// UsageReport is the usage block attached to final chunks and non-streaming
// responses. Cost fields are omitted when the model has no pricing entry.
type UsageReport struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	EstimatedCost    float64 `json:"estimated_cost,omitempty"`
}

// EstimateTokens approximates the token count of text for the given model
// family using chars-per-token ratios.
func EstimateTokens(model, text string) int {
	if text == "" {
		return 0
	}
	return int(math.Ceil(float64(len(text)) / familyRatio(model)))
}

// EstimatePromptTokens approximates the prompt size over all input messages,
// adding a fixed per-message formatting overhead.
func EstimatePromptTokens(model string, msgs []providers.Message) int {
	total := 0
	for _, m := range msgs {
		total += EstimateTokens(model, m.Content) + messageOverheadTokens
	}
	return total
}

// UsageAccumulator tracks token counts for one streaming response. The
// prompt estimate is computed up front; completion tokens accrue per delta;
// provider-reported figures override the estimates at finalize.
type UsageAccumulator struct {
	mu sync.Mutex

	model            string
	provider         string
	promptEstimate   int
	completionTokens int

	reportedPrompt     int
	reportedCompletion int
}

// NewUsageAccumulator sets up tracking for one stream.
func NewUsageAccumulator(provider, model string, msgs []providers.Message) *UsageAccumulator {
	return &UsageAccumulator{
		model:          model,
		provider:       provider,
		promptEstimate: EstimatePromptTokens(model, msgs),
	}
}

// AddDelta accrues the estimated token count of one text delta.
func (u *UsageAccumulator) AddDelta(text string) {
	if text == "" {
		return
	}
	n := EstimateTokens(u.model, text)
	u.mu.Lock()
	u.completionTokens += n
	u.mu.Unlock()
}

// SetReported records provider-supplied figures, which win over estimates.
func (u *UsageAccumulator) SetReported(usage providers.Usage) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if usage.InputTokens > 0 {
		u.reportedPrompt = usage.InputTokens
	}
	if usage.OutputTokens > 0 {
		u.reportedCompletion = usage.OutputTokens
	}
}

// Finalize produces the report. Reported values take precedence; the total
// is always prompt + completion. Cost is filled from the table when the
// model has rates.
func (u *UsageAccumulator) Finalize(table *cost.Table) UsageReport {
	u.mu.Lock()
	defer u.mu.Unlock()

	prompt := u.promptEstimate
	if u.reportedPrompt > 0 {
		prompt = u.reportedPrompt
	}
	completion := u.completionTokens
	if u.reportedCompletion > 0 {
		completion = u.reportedCompletion
	}

	report := UsageReport{
		PromptTokens:     prompt,
		CompletionTokens: completion,
		TotalTokens:      prompt + completion,
	}
	if table != nil {
		if c, ok := table.Estimate(u.provider, u.model, prompt, completion); ok {
			report.EstimatedCost = c
		}
	}
	return report
}
