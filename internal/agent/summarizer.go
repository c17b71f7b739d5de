package agent

import (
	"context"
	"fmt"
	"strings"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/llm"
)

const summaryPrompt = `You are summarizing a pregnancy consultation conversation. Extract and preserve ALL critical information:

Patient information: name, age, phone number, location and country, contact preferences.
Pregnancy details: last menstrual period (LMP) date, estimated due date (EDD), gestational age, pregnancy number.
Medical information: risk level, risk factors, medical history and conditions, medications, allergies, previous complications.
Care plan: ANC schedule provided, appointments scheduled, facility recommendations, advice given.
Follow-up items: questions for the next visit, tests or procedures recommended, red flags to watch for.

When a previous summary is given, merge it with the new conversation into one summary. Newer facts replace older ones.
Provide a structured summary (200-400 words) that preserves all factual details. Use bullet points for clarity.`

// LLMSummarizer condenses turns with an LLM.
type LLMSummarizer struct {
	client      llm.Client
	maxTokens   int
	temperature *float64
}

// NewLLMSummarizer creates a summarizer.
func NewLLMSummarizer(client llm.Client, maxTokens int, temperature *float64) *LLMSummarizer {
	return &LLMSummarizer{client: client, maxTokens: maxTokens, temperature: temperature}
}

// Summarize returns the merged summary text.
func (s *LLMSummarizer) Summarize(ctx context.Context, previous *domain.Summary, turns []domain.Turn) (string, error) {
	resp, err := s.client.Complete(ctx, llm.CompletionRequest{
		System:      summaryPrompt,
		Messages:    []llm.Message{{Role: llm.RoleUser, Content: formatConversation(previous, turns)}},
		MaxTokens:   s.maxTokens,
		Temperature: s.temperature,
	})
	if err != nil {
		return "", fmt.Errorf("summarize: %w", err)
	}
	return strings.TrimSpace(resp.Content), nil
}

func formatConversation(previous *domain.Summary, turns []domain.Turn) string {
	var b strings.Builder
	if previous != nil && previous.Text != "" {
		fmt.Fprintf(&b, "Previous summary (turns %d-%d):\n%s\n\n", previous.StartTurn, previous.EndTurn, previous.Text)
	}
	b.WriteString("Conversation:\n")
	for _, t := range turns {
		speaker := "Patient"
		if t.Role == domain.RoleGenerator {
			speaker = "Companion"
		}
		fmt.Fprintf(&b, "[%d] %s: %s\n", t.Seq, speaker, t.Content)
	}
	return b.String()
}
