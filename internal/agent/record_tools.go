package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/records"
)

// RecordTools returns the record tools bound to tenantID. No tool accepts a
// tenant key in its input, so a reply can only reach its own tenant's record.
func RecordTools(gw *records.Gateway, tenantID string) *ToolRegistry {
	reg := NewToolRegistry()

	reg.Register(&funcTool{
		name:        "get_record",
		description: "Fetch this patient's pregnancy record with EDD, gestational age, ANC schedule, next visit and overdue visits.",
		schema:      `{"type":"object","properties":{}}`,
		fn: func(ctx context.Context, _ string) (string, error) {
			v, err := gw.Fetch(ctx, tenantID)
			if errors.Is(err, domain.ErrNotFound) {
				return `{"found":false}`, nil
			}
			if err != nil {
				return "", err
			}
			return toJSON(map[string]any{"found": true, "record": v.Record, "derived": v.Derived})
		},
	})

	reg.Register(&funcTool{
		name:        "upsert_record",
		description: "Create or update this patient's record. Creating requires name and lmp_date (YYYY-MM-DD). Only the given fields change.",
		schema: `{"type":"object","properties":{"name":{"type":"string"},"age":{"type":"integer"},` +
			`"lmp_date":{"type":"string"},"location":{"type":"string"},"country":{"type":"string"},` +
			`"risk_level":{"type":"string","enum":["low","moderate","high","unknown"]},` +
			`"additional_data":{"type":"object"}}}`,
		fn: func(ctx context.Context, input string) (string, error) {
			var f records.Fields
			if err := decodeInput(input, &f); err != nil {
				return "", err
			}
			// Status changes are an operator action.
			f.Status = nil
			v, err := gw.Upsert(ctx, tenantID, f)
			if err != nil {
				return "", err
			}
			return toJSON(v)
		},
	})

	reg.Register(&funcTool{
		name:        "complete_anc_visit",
		description: "Mark an ANC visit (1-8) as completed. completed_date defaults to today.",
		schema: `{"type":"object","properties":{"visit_number":{"type":"integer","minimum":1,"maximum":8},` +
			`"completed_date":{"type":"string"},"notes":{"type":"string"}},"required":["visit_number"]}`,
		fn: func(ctx context.Context, input string) (string, error) {
			var in struct {
				Visit int    `json:"visit_number"`
				Date  string `json:"completed_date"`
				Notes string `json:"notes"`
			}
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			v, err := gw.CompleteVisit(ctx, tenantID, in.Visit, in.Date, in.Notes)
			if err != nil {
				return "", err
			}
			return toJSON(v)
		},
	})

	reg.Register(&funcTool{
		name:        "calculate_edd",
		description: "Calculate the estimated due date, gestational age and ANC schedule from an LMP date (YYYY-MM-DD) without saving it.",
		schema:      `{"type":"object","properties":{"lmp_date":{"type":"string"}},"required":["lmp_date"]}`,
		fn: func(_ context.Context, input string) (string, error) {
			var in struct {
				LMP string `json:"lmp_date"`
			}
			if err := decodeInput(input, &in); err != nil {
				return "", err
			}
			d, err := records.Derive(strings.TrimSpace(in.LMP), nil, gw.Today())
			if err != nil {
				return "", err
			}
			return toJSON(d)
		},
	})

	return reg
}

func decodeInput(input string, v any) error {
	if strings.TrimSpace(input) == "" || input == "null" {
		return nil
	}
	if err := json.Unmarshal([]byte(input), v); err != nil {
		return fmt.Errorf("invalid tool input: %w", err)
	}
	return nil
}

func toJSON(v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(b), nil
}
