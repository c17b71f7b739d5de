// Package records is the gateway to the external tenant record store. A
// successful lookup returns the record together with its derived ANC view.
package records

import (
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
)

var (
	// ErrInvalidRecord reports fields that fail validation.
	ErrInvalidRecord = fmt.Errorf("%w: record", domain.ErrInvalidInput)

	// ErrConfirmationRequired is returned by Delete without confirm=true.
	ErrConfirmationRequired = errors.New("deletion requires explicit confirmation")
)

// Status is the lifecycle status of a record.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusInactive  Status = "inactive"
	StatusArchived  Status = "archived"

	// StatusAll selects every status in List.
	StatusAll Status = "all"
)

var validStatuses = []Status{StatusActive, StatusCompleted, StatusInactive, StatusArchived}

// RiskLevel is the assessed pregnancy risk.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskModerate RiskLevel = "moderate"
	RiskHigh     RiskLevel = "high"
	RiskUnknown  RiskLevel = "unknown"
)

var validRisks = []RiskLevel{RiskLow, RiskModerate, RiskHigh, RiskUnknown}

// VisitLog records a completed antenatal visit.
type VisitLog struct {
	Number        int    `json:"visit_number"`
	CompletedDate string `json:"completed_date"`
	Notes         string `json:"notes,omitempty"`
}

// Record is one tenant's pregnancy record, keyed by phone number.
type Record struct {
	Phone          string         `json:"phone"`
	Name           string         `json:"name"`
	Age            int            `json:"age,omitempty"`
	LMPDate        string         `json:"lmp_date"`
	EDD            string         `json:"edd,omitempty"`
	Location       string         `json:"location,omitempty"`
	Country        string         `json:"country,omitempty"`
	RiskLevel      RiskLevel      `json:"risk_level,omitempty"`
	Status         Status         `json:"status"`
	Visits         []VisitLog     `json:"anc_visits,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Fields is a partial update. Nil pointers leave a field unchanged;
// AdditionalData keys are merged.
type Fields struct {
	Name           *string        `json:"name,omitempty"`
	Age            *int           `json:"age,omitempty"`
	LMPDate        *string        `json:"lmp_date,omitempty"`
	Location       *string        `json:"location,omitempty"`
	Country        *string        `json:"country,omitempty"`
	RiskLevel      *RiskLevel     `json:"risk_level,omitempty"`
	Status         *Status        `json:"status,omitempty"`
	AdditionalData map[string]any `json:"additional_data,omitempty"`
}

// View is what the gateway returns: the raw record plus, when the record has
// an LMP date, its derived schedule.
type View struct {
	Record  Record   `json:"record"`
	Derived *Derived `json:"derived,omitempty"`
}

func (f Fields) apply(r *Record) {
	if f.Name != nil {
		r.Name = strings.TrimSpace(*f.Name)
	}
	if f.Age != nil {
		r.Age = *f.Age
	}
	if f.LMPDate != nil {
		r.LMPDate = strings.TrimSpace(*f.LMPDate)
	}
	if f.Location != nil {
		r.Location = *f.Location
	}
	if f.Country != nil {
		r.Country = *f.Country
	}
	if f.RiskLevel != nil {
		r.RiskLevel = RiskLevel(strings.ToLower(string(*f.RiskLevel)))
	}
	if f.Status != nil {
		r.Status = *f.Status
	}
	if len(f.AdditionalData) > 0 {
		if r.AdditionalData == nil {
			r.AdditionalData = make(map[string]any, len(f.AdditionalData))
		}
		for k, v := range f.AdditionalData {
			r.AdditionalData[k] = v
		}
	}
}

// validate checks r as of today.
func (r *Record) validate(today time.Time) error {
	if r.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidRecord)
	}
	if r.LMPDate == "" {
		return fmt.Errorf("%w: lmp_date is required", ErrInvalidRecord)
	}
	lmp, err := ParseDate(r.LMPDate)
	if err != nil {
		return err
	}
	if lmp.After(today) {
		return fmt.Errorf("%w: lmp_date %s is in the future", ErrInvalidRecord, r.LMPDate)
	}
	if r.Age < 0 || r.Age > 120 {
		return fmt.Errorf("%w: age %d out of range", ErrInvalidRecord, r.Age)
	}
	if r.RiskLevel != "" && !slices.Contains(validRisks, r.RiskLevel) {
		return fmt.Errorf("%w: risk_level must be one of %v, got %q", ErrInvalidRecord, validRisks, r.RiskLevel)
	}
	if !slices.Contains(validStatuses, r.Status) {
		return fmt.Errorf("%w: status must be one of %v, got %q", ErrInvalidRecord, validStatuses, r.Status)
	}
	return nil
}
