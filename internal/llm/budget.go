package llm

import (
	"math"
	"strings"
)

// EstimateTokens is a conservative count of ~4 bytes per token, rounded up.
func EstimateTokens(s string) int {
	if len(s) == 0 {
		return 0
	}
	return int(math.Ceil(float64(len(s)) / 4.0))
}

// ContextTokens returns an estimated context window for a model name.
// Unknown models get 8192.
func ContextTokens(model string) int {
	name := strings.ToLower(strings.TrimSpace(model))
	if v, ok := knownContext[name]; ok {
		return v
	}
	for _, s := range []struct {
		suffix string
		tokens int
	}{{"1m", 1_000_000}, {"512k", 512_000}, {"200k", 200_000}, {"128k", 128_000}, {"32k", 32_768}} {
		if strings.HasSuffix(name, s.suffix) {
			return s.tokens
		}
	}
	if strings.Contains(name, "-mini") {
		return 128_000
	}
	return 8192
}

// headroom covers tokenizer drift and message framing: 5% of the window,
// at least 512 tokens.
func headroom(model string) int {
	h := int(math.Ceil(float64(ContextTokens(model)) * 0.05))
	if h < 512 {
		return 512
	}
	return h
}

// InputBudget returns how many bytes of user content fit next to the system
// prompt while leaving reservedOut tokens for the reply. Never negative.
func InputBudget(model, system string, reservedOut int) int {
	if reservedOut < 0 {
		reservedOut = 0
	}
	left := ContextTokens(model) - headroom(model) - reservedOut - EstimateTokens(system)
	if left < 0 {
		return 0
	}
	return left * 4
}

var knownContext = map[string]int{
	"gpt-4o":             128_000,
	"gpt-4o-mini":        128_000,
	"gpt-4-turbo":        128_000,
	"gpt-3.5-turbo":      16_384,
	"llama-3":            8_192,
	"llama-3.1":          128_000,
	"openai/gpt-oss-20b": 4_096,
	"gpt-oss-20b":        4_096,
}
