package agent

import (
	"fmt"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

// PromptConfig controls system prompt generation.
type PromptConfig struct {
	Today       time.Time
	Summary     *domain.Summary
	Tools       []ToolDef
	ExtraPrompt string
}

const persona = `You are the Pregnancy Companion, a caring assistant supporting pregnant women.
You provide evidence-based pregnancy support while putting patient safety first.
You are a support companion, not a replacement for medical care.`

// BuildSystemPrompt constructs the system prompt for one reply.
func BuildSystemPrompt(cfg PromptConfig) string {
	var b strings.Builder

	b.WriteString(persona)
	b.WriteString("\n\n")
	if !cfg.Today.IsZero() {
		fmt.Fprintf(&b, "Current date: %s\n\n", cfg.Today.Format("2006-01-02"))
	}

	b.WriteString("Guidelines:\n")
	b.WriteString("- Use simple, caring language without medical jargon or acronyms.\n")
	b.WriteString("- If name, age or last menstrual period (LMP) are unknown, ask for them politely.\n")
	b.WriteString("- Bleeding, fainting, severe headache, fever, severe pain, reduced fetal movement or severe swelling need urgent care. Say so calmly and firmly.\n")
	b.WriteString("- When in doubt, recommend consulting a healthcare provider.\n")

	if cfg.Summary != nil && cfg.Summary.Text != "" {
		fmt.Fprintf(&b, "\n## Earlier in this conversation (turns %d-%d)\n\n%s\n",
			cfg.Summary.StartTurn, cfg.Summary.EndTurn, cfg.Summary.Text)
	}

	if len(cfg.Tools) > 0 {
		b.WriteString("\n## Available Tools\n\n")
		b.WriteString("You can call tools by outputting a fenced code block with the language tag `tool_call`:\n\n")
		b.WriteString("```tool_call\n{\"tool\": \"tool_name\", \"input\": {\"param\": \"value\"}}\n```\n\n")
		b.WriteString("After a tool is executed, the result will be provided. You may call multiple tools before giving your final response.\n\n")
		for _, t := range cfg.Tools {
			fmt.Fprintf(&b, "### %s\n%s\n", t.Name, t.Description)
			if t.InputSchema != "" {
				fmt.Fprintf(&b, "Input schema: %s\n", t.InputSchema)
			}
			b.WriteString("\n")
		}
	}

	if cfg.ExtraPrompt != "" {
		b.WriteString("\n")
		b.WriteString(cfg.ExtraPrompt)
		b.WriteString("\n")
	}

	return b.String()
}
