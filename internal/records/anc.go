package records

import (
	"fmt"
	"time"
)

// DateLayout is the calendar date format used by every record field.
const DateLayout = "2006-01-02"

// GestationDays is the Naegele's rule offset from LMP to EDD.
const GestationDays = 280

// ANCWeeks are the gestational weeks of the eight antenatal contacts.
var ANCWeeks = []int{10, 20, 26, 30, 34, 36, 38, 40}

// VisitStatus classifies one scheduled visit relative to today.
type VisitStatus string

const (
	VisitCompleted VisitStatus = "completed"
	VisitOverdue   VisitStatus = "overdue"
	VisitDueNow    VisitStatus = "due_now"
	VisitUpcoming  VisitStatus = "upcoming"
	VisitScheduled VisitStatus = "scheduled"
)

// Window bounds, in days relative to the scheduled date.
const (
	overdueAfterDays = 7  // more than this many days late is overdue
	upcomingDays     = 14 // next visit is looked for within this horizon
)

// Visit is one entry of the derived ANC schedule.
type Visit struct {
	Number        int         `json:"visit_number"`
	Week          int         `json:"week"`
	ScheduledDate string      `json:"scheduled_date"`
	DaysUntil     int         `json:"days_until"`
	Status        VisitStatus `json:"status"`
	CompletedDate string      `json:"completed_date,omitempty"`
}

// OverdueVisit is a missed visit.
type OverdueVisit struct {
	Visit
	DaysOverdue int `json:"days_overdue"`
}

// Derived is computed from the LMP date and the visit log.
type Derived struct {
	EDD              string         `json:"edd"`
	GestationalWeeks int            `json:"gestational_weeks"`
	GestationalDays  int            `json:"gestational_days"`
	Trimester        int            `json:"trimester"`
	DaysUntilEDD     int            `json:"days_until_edd"`
	Schedule         []Visit        `json:"anc_schedule"`
	NextVisit        *Visit         `json:"next_visit,omitempty"`
	OverdueVisits    []OverdueVisit `json:"overdue_visits,omitempty"`
}

// ParseDate parses a YYYY-MM-DD calendar date.
func ParseDate(s string) (time.Time, error) {
	t, err := time.Parse(DateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: date %q must be YYYY-MM-DD", ErrInvalidRecord, s)
	}
	return t, nil
}

// civilDate returns the calendar date of t in loc as midnight UTC, so day
// differences are exact.
func civilDate(t time.Time, loc *time.Location) time.Time {
	y, m, d := t.In(loc).Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func daysBetween(from, to time.Time) int {
	return int(to.Sub(from).Hours() / 24)
}

// CalculateEDD returns the estimated due date for an LMP date.
func CalculateEDD(lmp string) (string, error) {
	t, err := ParseDate(lmp)
	if err != nil {
		return "", err
	}
	return t.AddDate(0, 0, GestationDays).Format(DateLayout), nil
}

// Derive computes EDD, gestational age and the ANC schedule as of today.
func Derive(lmp string, visits []VisitLog, today time.Time) (*Derived, error) {
	start, err := ParseDate(lmp)
	if err != nil {
		return nil, err
	}
	edd := start.AddDate(0, 0, GestationDays)
	age := daysBetween(start, today)

	d := &Derived{
		EDD:          edd.Format(DateLayout),
		DaysUntilEDD: daysBetween(today, edd),
		Schedule:     make([]Visit, 0, len(ANCWeeks)),
	}
	if age > 0 {
		d.GestationalWeeks = age / 7
		d.GestationalDays = age % 7
	}
	switch {
	case d.GestationalWeeks < 13:
		d.Trimester = 1
	case d.GestationalWeeks < 28:
		d.Trimester = 2
	default:
		d.Trimester = 3
	}

	done := make(map[int]string, len(visits))
	for _, v := range visits {
		done[v.Number] = v.CompletedDate
	}

	for i, week := range ANCWeeks {
		date := start.AddDate(0, 0, week*7)
		v := Visit{
			Number:        i + 1,
			Week:          week,
			ScheduledDate: date.Format(DateLayout),
			DaysUntil:     daysBetween(today, date),
		}
		if completed, ok := done[v.Number]; ok {
			v.Status = VisitCompleted
			v.CompletedDate = completed
		} else {
			v.Status = classify(v.DaysUntil)
		}
		d.Schedule = append(d.Schedule, v)
	}

	for i := range d.Schedule {
		v := d.Schedule[i]
		if v.Status == VisitCompleted {
			continue
		}
		if d.NextVisit == nil && v.DaysUntil >= 0 && v.DaysUntil <= upcomingDays {
			next := v
			d.NextVisit = &next
		}
		if v.Status == VisitOverdue {
			d.OverdueVisits = append(d.OverdueVisits, OverdueVisit{Visit: v, DaysOverdue: -v.DaysUntil})
		}
	}
	return d, nil
}

func classify(daysUntil int) VisitStatus {
	switch {
	case daysUntil < -overdueAfterDays:
		return VisitOverdue
	case daysUntil <= 0:
		return VisitDueNow
	case daysUntil <= upcomingDays:
		return VisitUpcoming
	default:
		return VisitScheduled
	}
}
