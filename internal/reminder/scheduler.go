package reminder

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/metrics"
	"github.com/soyeahso/companion/internal/records"
)

// DefaultSchedule runs the check daily at 09:00.
const DefaultSchedule = "0 9 * * *"

// Source lists tenant records. *records.Gateway implements it.
type Source interface {
	List(ctx context.Context, status records.Status) ([]records.View, error)
}

// Stats describes scheduler activity.
type Stats struct {
	Running   bool      `json:"running"`
	Checks    int       `json:"total_checks"`
	Sent      int       `json:"total_reminders_sent"`
	LastCheck time.Time `json:"last_check,omitempty"`
	NextRun   time.Time `json:"next_run,omitempty"`
	Schedule  string    `json:"schedule,omitempty"`
}

type sentKey struct {
	tenant string
	visit  int
	kind   Kind
	day    string
}

// Scheduler checks records on a cron schedule and notifies due reminders.
type Scheduler struct {
	src       Source
	notifiers []Notifier
	log       *logging.Logger
	metrics   *metrics.Metrics
	loc       *time.Location
	now       func() time.Time

	runMu sync.Mutex // serializes RunOnce

	mu       sync.Mutex
	sent     map[sentKey]struct{}
	stats    Stats
	cron     *cron.Cron
	entry    cron.EntryID
	schedule string
	done     chan struct{} // closed when the running schedule stops

	watchers sync.WaitGroup
}

// Option configures a Scheduler.
type Option func(*Scheduler)

func WithLogger(l *logging.Logger) Option   { return func(s *Scheduler) { s.log = l.Sub("reminder") } }
func WithMetrics(m *metrics.Metrics) Option { return func(s *Scheduler) { s.metrics = m } }
func WithClock(now func() time.Time) Option { return func(s *Scheduler) { s.now = now } }
func WithNotifiers(n ...Notifier) Option {
	return func(s *Scheduler) { s.notifiers = append(s.notifiers, n...) }
}

// WithLocation sets the time zone for the schedule and for "today".
func WithLocation(loc *time.Location) Option {
	return func(s *Scheduler) {
		if loc != nil {
			s.loc = loc
		}
	}
}

// New creates a scheduler over src.
func New(src Source, opts ...Option) *Scheduler {
	s := &Scheduler{
		src:  src,
		log:  logging.New(nil, "silent"),
		loc:  time.UTC,
		now:  time.Now,
		sent: make(map[sentKey]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Due computes the reminders for one record as of today. It does not
// consult or update deduplication state.
func Due(v records.View, today time.Time) ([]Reminder, error) {
	rec := v.Record
	d, err := records.Derive(rec.LMPDate, rec.Visits, today)
	if err != nil {
		return nil, err
	}
	day := today.Format(records.DateLayout)

	var out []Reminder
	if n := d.NextVisit; n != nil && n.DaysUntil >= 0 && n.DaysUntil <= upcomingWindow {
		out = append(out, Reminder{
			TenantID:      rec.Phone,
			Name:          rec.Name,
			Kind:          KindUpcoming,
			Visit:         n.Number,
			ScheduledDate: n.ScheduledDate,
			Days:          n.DaysUntil,
			Day:           day,
			Message:       upcomingMessage(n.DaysUntil, n.Number, n.ScheduledDate),
		})
	}
	for _, o := range d.OverdueVisits {
		out = append(out, Reminder{
			TenantID:      rec.Phone,
			Name:          rec.Name,
			Kind:          KindOverdue,
			Visit:         o.Number,
			ScheduledDate: o.ScheduledDate,
			Days:          o.DaysOverdue,
			Day:           day,
			Message:       overdueMessage(o.Number, o.DaysOverdue),
		})
	}
	return out, nil
}

// RunOnce checks every active record as of now and notifies each reminder
// not yet sent today. It returns the reminders delivered.
func (s *Scheduler) RunOnce(ctx context.Context, now time.Time) ([]Reminder, error) {
	s.runMu.Lock()
	defer s.runMu.Unlock()

	views, err := s.src.List(ctx, records.StatusActive)
	if err != nil {
		return nil, fmt.Errorf("listing records: %w", err)
	}

	y, m, d := now.In(s.loc).Date()
	today := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	s.prune(today.Format(records.DateLayout))

	var delivered []Reminder
	var errs []error
	for _, v := range views {
		due, err := Due(v, today)
		if err != nil {
			s.log.Warn().Err(err).Str("tenant", v.Record.Phone).Msg("skipping record")
			continue
		}
		for _, r := range due {
			key := sentKey{tenant: r.TenantID, visit: r.Visit, kind: r.Kind, day: r.Day}
			if s.wasSent(key) {
				continue
			}
			if err := s.notify(ctx, r); err != nil {
				s.log.Error().Err(err).Str("tenant", r.TenantID).Str("kind", string(r.Kind)).Msg("reminder delivery failed")
				errs = append(errs, err)
				continue
			}
			s.markSent(key)
			s.metrics.ReminderSent(string(r.Kind))
			delivered = append(delivered, r)
		}
	}

	s.mu.Lock()
	s.stats.Checks++
	s.stats.Sent += len(delivered)
	s.stats.LastCheck = now
	s.mu.Unlock()

	s.log.Info().Int("records", len(views)).Int("sent", len(delivered)).Msg("reminder check complete")
	return delivered, errors.Join(errs...)
}

func (s *Scheduler) notify(ctx context.Context, r Reminder) error {
	for _, n := range s.notifiers {
		if err := n.Notify(ctx, r); err != nil {
			return err
		}
	}
	return nil
}

func (s *Scheduler) wasSent(k sentKey) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sent[k]
	return ok
}

func (s *Scheduler) markSent(k sentKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent[k] = struct{}{}
}

// prune forgets reminders from days before today.
func (s *Scheduler) prune(today string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.sent {
		if k.day < today {
			delete(s.sent, k)
		}
	}
}

// Start runs RunOnce on the cron schedule until ctx is done or Stop is called.
func (s *Scheduler) Start(ctx context.Context, schedule string) error {
	if schedule == "" {
		schedule = DefaultSchedule
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cron != nil {
		return errors.New("reminder scheduler already running")
	}

	c := cron.New(cron.WithLocation(s.loc))
	id, err := c.AddFunc(schedule, func() {
		if _, err := s.RunOnce(ctx, s.now()); err != nil {
			s.log.Error().Err(err).Msg("scheduled reminder check failed")
		}
	})
	if err != nil {
		return fmt.Errorf("invalid reminder schedule %q: %w", schedule, err)
	}
	c.Start()
	done := make(chan struct{})
	s.cron, s.entry, s.schedule, s.done = c, id, schedule, done
	s.log.Info().Str("schedule", schedule).Time("next", c.Entry(id).Next).Msg("reminder scheduler started")

	s.watchers.Add(1)
	go func() {
		defer s.watchers.Done()
		select {
		case <-ctx.Done():
			s.stop(c)
		case <-done:
		}
	}()
	return nil
}

// Stop halts the schedule and waits for a running check to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.mu.Unlock()
	s.stop(c)
}

func (s *Scheduler) stop(c *cron.Cron) {
	s.mu.Lock()
	if c == nil || s.cron != c {
		s.mu.Unlock()
		return
	}
	s.cron = nil
	close(s.done)
	s.mu.Unlock()

	<-c.Stop().Done()
	s.log.Info().Msg("reminder scheduler stopped")
}

// Stats returns a snapshot of scheduler activity.
func (s *Scheduler) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Running = s.cron != nil
	if s.cron != nil {
		st.NextRun = s.cron.Entry(s.entry).Next
		st.Schedule = s.schedule
	}
	return st
}
