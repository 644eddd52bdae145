package plugins

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync/atomic"
	"unicode"

	openai "github.com/sashabaranov/go-openai"
	"golang.org/x/net/html"

	"github.com/hyperifyio/metaextract/internal/failure"
	"github.com/hyperifyio/metaextract/internal/llm"
	"github.com/hyperifyio/metaextract/internal/plugin"
)

const depLLM = "llm"

// Summary derives keywords locally and, when a model endpoint is reachable,
// a one-sentence description and topic labels.
type Summary struct {
	Client   llm.Client
	Model    string
	MaxBytes int

	online atomic.Bool
}

func (*Summary) Name() string { return "summary" }

func (*Summary) Fields() []plugin.FieldSpec {
	return []plugin.FieldSpec{
		{Name: "keywords"},
		{Name: "description", Tier: plugin.TierStandard, Requires: depLLM},
		{Name: "topics", Tier: plugin.TierStandard, Requires: depLLM},
	}
}

func (s *Summary) Dependencies() []plugin.Dependency {
	return []plugin.Dependency{{
		Name:  depLLM,
		Check: func(ctx context.Context) error { return llm.Check(ctx, s.Client, s.Model) },
	}}
}

func (s *Summary) Init(missing []string) error {
	online := s.Client != nil
	for _, m := range missing {
		if m == depLLM {
			online = false
		}
	}
	s.online.Store(online)
	return nil
}

func (*Summary) Accepts(name, mime string) bool {
	return mimeIs(mime, "text/plain", "text/markdown", "text/html") || hasExt(name, ".txt", ".md", ".rst", ".html", ".htm")
}

const (
	keywordSampleBytes = 1 << 20
	summaryReplyTokens = 256
)

func (s *Summary) Extract(ctx context.Context, in *plugin.Input) (*plugin.Fields, error) {
	sample, err := readHead(ctx, in, keywordSampleBytes)
	if err != nil {
		return nil, err
	}
	text := string(sample)
	if mimeIs(in.MIME, "text/html") || hasExt(in.Name, ".html", ".htm") {
		text = htmlText(sample)
	}
	fields := plugin.NewFields().Set("keywords", keywords(text, 10))
	if !s.online.Load() || in.Option("summary") == "off" {
		return fields, nil
	}
	max := s.MaxBytes
	if max <= 0 {
		max = 16 << 10
	}
	if b := llm.InputBudget(s.Model, summaryPrompt, summaryReplyTokens); b < max {
		max = b
	}
	if len(text) > max {
		text = text[:max]
	}
	desc, topics, err := s.describe(ctx, text)
	if err != nil {
		return nil, err
	}
	return fields.Set("description", desc).Set("topics", topics), nil
}

func htmlText(b []byte) string {
	doc, err := html.Parse(bytes.NewReader(b))
	if err != nil {
		return string(b)
	}
	var sb strings.Builder
	collectText(&sb, doc)
	return sb.String()
}

const summaryPrompt = "You label documents. Respond with strict JSON only: " +
	`{"description": "<one sentence>", "topics": ["<topic>", ...]} with at most 5 topics.`

type summaryReply struct {
	Description string   `json:"description"`
	Topics      []string `json:"topics"`
}

func (s *Summary) describe(ctx context.Context, text string) (string, []string, error) {
	resp, err := s.Client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: s.Model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: summaryPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0.1,
	})
	if err != nil {
		if ctx.Err() != nil {
			return "", nil, fmt.Errorf("%w: %w", failure.ErrCancelled, ctx.Err())
		}
		return "", nil, failure.Transient(fmt.Errorf("summary request: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", nil, failure.Transient(fmt.Errorf("summary request: empty response"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.Trim(content, "` \n")
	var reply summaryReply
	if err := json.Unmarshal([]byte(content), &reply); err != nil {
		return "", nil, fmt.Errorf("summary reply is not JSON: %w", err)
	}
	if len(reply.Topics) > 5 {
		reply.Topics = reply.Topics[:5]
	}
	if reply.Topics == nil {
		reply.Topics = []string{}
	}
	return strings.TrimSpace(reply.Description), reply.Topics, nil
}

var stopwords = map[string]bool{}

func init() {
	for _, w := range strings.Fields(`a about above after again against all also am an and any are as at be
		because been before being below between both but by can could did do does doing down during each
		few for from further had has have having he her here hers herself him himself his how i if in into
		is it its itself just me more most my myself no nor not now of off on once only or other our ours
		out over own same she should so some such than that the their theirs them themselves then there
		these they this those through to too under until up very was we were what when where which while
		who whom why will with would you your yours yourself`) {
		stopwords[w] = true
	}
}

// keywords returns the n most frequent non-stopword terms, ties broken
// alphabetically.
func keywords(text string, n int) []string {
	counts := make(map[string]int)
	words := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '-'
	})
	for _, w := range words {
		w = strings.Trim(w, "-")
		if len([]rune(w)) < 3 || stopwords[w] || isNumber(w) {
			continue
		}
		counts[w]++
	}
	out := make([]string, 0, len(counts))
	for w := range counts {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool {
		if counts[out[i]] != counts[out[j]] {
			return counts[out[i]] > counts[out[j]]
		}
		return out[i] < out[j]
	})
	if len(out) > n {
		out = out[:n]
	}
	return out
}

func isNumber(s string) bool {
	for _, r := range s {
		if !unicode.IsDigit(r) {
			return false
		}
	}
	return true
}
