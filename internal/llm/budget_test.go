package llm

import "testing"

func TestEstimateTokens(t *testing.T) {
	cases := []struct {
		in   string
		want int
	}{
		{"", 0},
		{"a", 1},
		{"abcd", 1},
		{"abcde", 2},
	}
	for _, c := range cases {
		if got := EstimateTokens(c.in); got != c.want {
			t.Fatalf("EstimateTokens(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestContextTokens(t *testing.T) {
	if ContextTokens("") != 8192 {
		t.Fatal("empty model should default to 8192")
	}
	if ContextTokens("LLAMA-3.1") != 128_000 {
		t.Fatal("lookup should be case-insensitive")
	}
	if ContextTokens("mystery-512k") != 512_000 {
		t.Fatal("512k suffix not recognized")
	}
	if ContextTokens("acme-mini") != 128_000 {
		t.Fatal("mini heuristic not applied")
	}
}

func TestInputBudget(t *testing.T) {
	// 4096 - 512 headroom - 256 reply - 1 system token = 3327 tokens.
	if got := InputBudget("gpt-oss-20b", "sys", 256); got != 3327*4 {
		t.Fatalf("InputBudget = %d", got)
	}
	if got := InputBudget("gpt-oss-20b", "", 10_000); got != 0 {
		t.Fatalf("over-reserved budget should clamp to 0, got %d", got)
	}
}
