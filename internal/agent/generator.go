package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/llm"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/records"
)

// maxToolIterations limits how many tool call rounds one reply can perform.
const maxToolIterations = 5

// continuationNote opens a request whose oldest kept turn is a reply.
const continuationNote = "(continuing our conversation)"

// Generator produces the next reply from a bounded context.
type Generator interface {
	Generate(ctx context.Context, tenantID string, c domain.Context) (string, error)
}

// GeneratorFunc adapts a function to Generator.
type GeneratorFunc func(ctx context.Context, tenantID string, c domain.Context) (string, error)

func (f GeneratorFunc) Generate(ctx context.Context, tenantID string, c domain.Context) (string, error) {
	return f(ctx, tenantID, c)
}

// GeneratorConfig configures the LLM-backed generator.
type GeneratorConfig struct {
	MaxTokens   int
	Temperature *float64
	ExtraPrompt string
}

// LLMGenerator answers with an LLM and lets it call the tenant's record tools.
type LLMGenerator struct {
	cfg     GeneratorConfig
	client  llm.Client
	records *records.Gateway
	log     *logging.Logger
	now     func() time.Time
}

// NewLLMGenerator creates a generator. A nil gateway disables record tools.
func NewLLMGenerator(cfg GeneratorConfig, client llm.Client, gw *records.Gateway, log *logging.Logger) *LLMGenerator {
	g := &LLMGenerator{
		cfg:     cfg,
		client:  client,
		records: gw,
		log:     log.Sub("generator"),
		now:     time.Now,
	}
	if gw != nil {
		g.now = gw.Today
	}
	return g
}

// Generate runs the tool loop and returns the cleaned final reply.
func (g *LLMGenerator) Generate(ctx context.Context, tenantID string, c domain.Context) (string, error) {
	tools := NewToolRegistry()
	if g.records != nil {
		tools = RecordTools(g.records, tenantID)
	}

	system := BuildSystemPrompt(PromptConfig{
		Today:       g.now(),
		Summary:     c.Summary,
		Tools:       tools.Definitions(),
		ExtraPrompt: g.cfg.ExtraPrompt,
	})

	// Tool exchanges live only in this request.
	messages := toMessages(c.Recent)
	if len(messages) == 0 {
		return "", errors.New("empty context")
	}

	var final *llm.CompletionResponse
	for i := 0; i < maxToolIterations; i++ {
		resp, err := g.client.Complete(ctx, llm.CompletionRequest{
			System:      system,
			Messages:    messages,
			MaxTokens:   g.cfg.MaxTokens,
			Temperature: g.cfg.Temperature,
		})
		if err != nil {
			return "", fmt.Errorf("LLM completion: %w", err)
		}
		final = resp

		calls := parseToolCalls(resp.Content)
		if len(calls) == 0 {
			break
		}

		g.log.Info().Str("tenant", tenantID).Int("toolCalls", len(calls)).Msg("executing tool calls")
		results := executeToolCalls(ctx, tools, calls, g.log)
		messages = append(messages,
			llm.Message{Role: llm.RoleAssistant, Content: resp.Content},
			llm.Message{Role: llm.RoleUser, Content: formatToolResults(results)},
		)
	}

	reply := stripToolCalls(final.Content, g.log)
	if reply == "" {
		return "", errors.New("LLM returned no reply text")
	}

	g.log.Debug().
		Str("tenant", tenantID).
		Str("model", final.Model).
		Int("inputTokens", final.Usage.InputTokens).
		Int("outputTokens", final.Usage.OutputTokens).
		Msg("reply generated")
	return reply, nil
}

// toMessages maps turns to LLM messages, merging adjacent turns of the same
// role so the request alternates and starts with the user.
func toMessages(turns []domain.Turn) []llm.Message {
	out := make([]llm.Message, 0, len(turns)+1)
	for _, t := range turns {
		role := llm.RoleUser
		if t.Role == domain.RoleGenerator {
			role = llm.RoleAssistant
		}
		if n := len(out); n > 0 && out[n-1].Role == role {
			out[n-1].Content += "\n\n" + t.Content
			continue
		}
		out = append(out, llm.Message{Role: role, Content: t.Content})
	}
	if len(out) > 0 && out[0].Role == llm.RoleAssistant {
		out = append([]llm.Message{{Role: llm.RoleUser, Content: continuationNote}}, out...)
	}
	return out
}

// toolCall is a parsed ```tool_call block.
type toolCall struct {
	Tool  string          `json:"tool"`
	Input json.RawMessage `json:"input"`
}

// toolResult holds the output from executing a tool.
type toolResult struct {
	Tool   string
	Output string
	Err    error
}

// toolCallRe matches ```tool_call\n{...}\n``` blocks in LLM output.
var toolCallRe = regexp.MustCompile("(?s)```tool_call\\s*\n(\\{.*?\\})\n\\s*```")

// xmlFuncCallRe matches <function_calls>...</function_calls> XML blocks.
var xmlFuncCallRe = regexp.MustCompile(`(?s)<function_calls>.*?</function_calls>`)

// codeFenceRe matches fence markers on their own line.
var codeFenceRe = regexp.MustCompile(`(?m)^\s*` + "```" + `\w*\s*$`)

var (
	whitespaceLineRe    = regexp.MustCompile(`(?m)^[ \t]+$`)
	blankLineCollapseRe = regexp.MustCompile(`\n{3,}`)
)

// parseToolCalls extracts tool_call blocks from LLM response text.
func parseToolCalls(text string) []toolCall {
	matches := toolCallRe.FindAllStringSubmatch(text, -1)
	var calls []toolCall
	for _, match := range matches {
		if len(match) < 2 {
			continue
		}
		var tc toolCall
		if err := json.Unmarshal([]byte(match[1]), &tc); err != nil {
			continue
		}
		if tc.Tool != "" {
			calls = append(calls, tc)
		}
	}
	return calls
}

// executeToolCalls runs each tool and returns results.
func executeToolCalls(ctx context.Context, tools *ToolRegistry, calls []toolCall, log *logging.Logger) []toolResult {
	results := make([]toolResult, 0, len(calls))
	for _, tc := range calls {
		tool, ok := tools.Get(tc.Tool)
		if !ok {
			results = append(results, toolResult{Tool: tc.Tool, Err: fmt.Errorf("unknown tool: %s", tc.Tool)})
			continue
		}

		log.Debug().Str("tool", tc.Tool).Msg("executing tool")
		output, err := tool.Execute(ctx, string(tc.Input))
		if err != nil {
			log.Warn().Str("tool", tc.Tool).Err(err).Msg("tool failed")
		}
		results = append(results, toolResult{Tool: tc.Tool, Output: output, Err: err})
	}
	return results
}

// formatToolResults renders tool execution results for the LLM.
func formatToolResults(results []toolResult) string {
	var b strings.Builder
	b.WriteString("Tool execution results:\n\n")
	for _, r := range results {
		fmt.Fprintf(&b, "### %s\n", r.Tool)
		if r.Err != nil {
			fmt.Fprintf(&b, "Error: %s\n", r.Err)
		} else {
			b.WriteString(r.Output)
			b.WriteString("\n")
		}
		b.WriteString("\n")
	}
	return b.String()
}

// stripToolCalls removes tool_call blocks and XML function_calls blocks from
// the reply, leaving surrounding text.
func stripToolCalls(text string, log *logging.Logger) string {
	cleaned := toolCallRe.ReplaceAllString(text, "\n\n")

	for _, m := range xmlFuncCallRe.FindAllString(cleaned, -1) {
		log.Info().Str("xml", m).Msg("stripped XML function_calls from LLM response")
	}
	cleaned = xmlFuncCallRe.ReplaceAllString(cleaned, "\n\n")

	cleaned = codeFenceRe.ReplaceAllString(cleaned, "")
	cleaned = whitespaceLineRe.ReplaceAllString(cleaned, "")
	cleaned = blankLineCollapseRe.ReplaceAllString(cleaned, "\n\n")
	return strings.TrimSpace(cleaned)
}
