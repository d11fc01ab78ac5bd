// Package inference talks to the external model endpoint. Only Gateway holds a Client, so every
// prompt is redacted and budgeted before it leaves the process.
package inference

import (
	"context"
	"time"
)

// Request is one chat completion. Prompts must already be redacted when they reach a Client.
type Request struct {
	SystemPrompt string
	UserPrompt   string
	Model        string
	MaxTokens    int
	Temperature  float32
	Timeout      time.Duration
}

// Response carries the model output and reported token usage.
type Response struct {
	Content   string
	Model     string
	TokensIn  int
	TokensOut int
}

// Tokens returns total reported usage.
func (r Response) Tokens() int {
	return r.TokensIn + r.TokensOut
}

// Client performs a single completion.
type Client interface {
	Complete(ctx context.Context, req Request) (Response, error)
}

// Price is the USD cost per thousand tokens for one model.
type Price struct {
	InputPer1K  float64 `yaml:"inputPer1K"`
	OutputPer1K float64 `yaml:"outputPer1K"`
}

// Pricing maps model identifiers to prices. Unknown models cost nothing.
type Pricing map[string]Price

// Cost prices a completion.
func (p Pricing) Cost(model string, tokensIn, tokensOut int) float64 {
	price, ok := p[model]
	if !ok {
		return 0
	}
	return float64(tokensIn)/1000*price.InputPer1K + float64(tokensOut)/1000*price.OutputPer1K
}
