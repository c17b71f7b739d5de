// Package reminder sends ANC visit reminders. It reads tenant records only;
// it never touches conversation sessions.
package reminder

import (
	"context"
	"fmt"

	"github.com/soyeahso/companion/internal/hooks"
	"github.com/soyeahso/companion/internal/logging"
)

// Kind distinguishes reminder types.
type Kind string

const (
	KindUpcoming Kind = "upcoming"
	KindOverdue  Kind = "overdue"
)

// upcomingWindow is how many days ahead an upcoming visit triggers a reminder.
const upcomingWindow = 7

// Reminder is one notification for one tenant.
type Reminder struct {
	TenantID      string `json:"tenant_id"`
	Name          string `json:"name,omitempty"`
	Kind          Kind   `json:"kind"`
	Visit         int    `json:"visit_number"`
	ScheduledDate string `json:"scheduled_date"`
	Days          int    `json:"days"` // until the visit, or overdue by
	Day           string `json:"day"`  // calendar day the reminder is for
	Message       string `json:"message"`
}

func upcomingMessage(days, visit int, date string) string {
	return fmt.Sprintf("Reminder: You have an ANC visit coming up in %d days (Visit #%d on %s)", days, visit, date)
}

func overdueMessage(visit, days int) string {
	return fmt.Sprintf("Important: Your ANC Visit #%d is %d days overdue. Please schedule an appointment.", visit, days)
}

// Notifier delivers a reminder.
type Notifier interface {
	Notify(ctx context.Context, r Reminder) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, r Reminder) error

func (f NotifierFunc) Notify(ctx context.Context, r Reminder) error { return f(ctx, r) }

// LogNotifier writes reminders to the log.
type LogNotifier struct {
	log *logging.Logger
}

func NewLogNotifier(log *logging.Logger) *LogNotifier {
	return &LogNotifier{log: log.Sub("reminder.log")}
}

func (n *LogNotifier) Notify(_ context.Context, r Reminder) error {
	n.log.Info().
		Str("tenant", r.TenantID).
		Str("kind", string(r.Kind)).
		Int("visit", r.Visit).
		Msg(r.Message)
	return nil
}

// HookNotifier emits reminder_due hooks so other components can deliver them.
type HookNotifier struct {
	hooks *hooks.Manager
}

func NewHookNotifier(h *hooks.Manager) *HookNotifier { return &HookNotifier{hooks: h} }

func (n *HookNotifier) Notify(ctx context.Context, r Reminder) error {
	n.hooks.Emit(ctx, hooks.EventReminderDue, r.TenantID, map[string]any{
		"kind":           string(r.Kind),
		"visit_number":   r.Visit,
		"scheduled_date": r.ScheduledDate,
		"days":           r.Days,
		"message":        r.Message,
	})
	return nil
}
