package records

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/soyeahso/companion/internal/domain"
	"github.com/soyeahso/companion/internal/logging"
	"github.com/soyeahso/companion/internal/store"
)

// Backend is the external record store.
type Backend = store.RecordStore

// Gateway reads and writes tenant records and attaches derived data.
type Gateway struct {
	backend Backend
	log     *logging.Logger
	now     func() time.Time
	loc     *time.Location
}

// Option configures a Gateway.
type Option func(*Gateway)

func WithLogger(l *logging.Logger) Option   { return func(g *Gateway) { g.log = l.Sub("records") } }
func WithClock(now func() time.Time) Option { return func(g *Gateway) { g.now = now } }

// WithLocation sets the time zone that decides "today".
func WithLocation(loc *time.Location) Option {
	return func(g *Gateway) {
		if loc != nil {
			g.loc = loc
		}
	}
}

// NewGateway creates a gateway over backend.
func NewGateway(backend Backend, opts ...Option) *Gateway {
	g := &Gateway{
		backend: backend,
		log:     logging.New(nil, "silent"),
		now:     time.Now,
		loc:     time.UTC,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Today returns the current calendar date.
func (g *Gateway) Today() time.Time {
	return civilDate(g.now(), g.loc)
}

func normalizeKey(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("%w: empty tenant key", domain.ErrIsolationViolation)
	}
	return key, nil
}

// view decodes a row and derives its schedule.
func (g *Gateway) view(row store.RecordRow, today time.Time) (*View, error) {
	var rec Record
	if err := json.Unmarshal(row.Data, &rec); err != nil {
		return nil, fmt.Errorf("%w: decoding record %s: %v", domain.ErrStoreUnavailable, row.TenantID, err)
	}
	if rec.Phone != row.TenantID {
		return nil, fmt.Errorf("%w: record payload does not match key %s", domain.ErrIsolationViolation, row.TenantID)
	}

	v := &View{Record: rec}
	if rec.LMPDate != "" {
		d, err := Derive(rec.LMPDate, rec.Visits, today)
		if err != nil {
			g.log.Warn().Err(err).Str("tenant", rec.Phone).Msg("record has unusable lmp_date")
		} else {
			v.Derived = d
		}
	}
	return v, nil
}

// Fetch returns the record and its derived view in one call.
func (g *Gateway) Fetch(ctx context.Context, key string) (*View, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	row, err := g.backend.GetRecord(ctx, key)
	if err != nil {
		return nil, err
	}
	return g.view(row, g.Today())
}

// Upsert creates or updates the record for key. Creation requires name and
// lmp_date; EDD is recomputed whenever the LMP changes.
func (g *Gateway) Upsert(ctx context.Context, key string, f Fields) (*View, error) {
	key, err := normalizeKey(key)
	if err != nil {
		return nil, err
	}
	now := g.now()

	var rec Record
	created := false
	row, err := g.backend.GetRecord(ctx, key)
	switch {
	case err == nil:
		existing, err := g.view(row, g.Today())
		if err != nil {
			return nil, err
		}
		rec = existing.Record
	case errors.Is(err, domain.ErrNotFound):
		created = true
		rec = Record{Phone: key, Status: StatusActive, CreatedAt: now}
	default:
		return nil, err
	}

	f.apply(&rec)
	if err := rec.validate(g.Today()); err != nil {
		return nil, err
	}
	if rec.EDD, err = CalculateEDD(rec.LMPDate); err != nil {
		return nil, err
	}
	rec.UpdatedAt = now

	if err := g.put(ctx, rec); err != nil {
		return nil, err
	}

	op := "updated"
	if created {
		op = "created"
	}
	g.log.Info().Str("tenant", key).Str("op", op).Msg("record saved")
	return g.view(store.RecordRow{TenantID: key, Data: mustJSON(rec)}, g.Today())
}

// CompleteVisit marks ANC visit number (1-8) as completed on date. An empty
// date means today.
func (g *Gateway) CompleteVisit(ctx context.Context, key string, number int, date, notes string) (*View, error) {
	if number < 1 || number > len(ANCWeeks) {
		return nil, fmt.Errorf("%w: visit number must be 1-%d, got %d", ErrInvalidRecord, len(ANCWeeks), number)
	}
	if date == "" {
		date = g.Today().Format(DateLayout)
	}
	if _, err := ParseDate(date); err != nil {
		return nil, err
	}

	v, err := g.Fetch(ctx, key)
	if err != nil {
		return nil, err
	}
	rec := v.Record

	entry := VisitLog{Number: number, CompletedDate: date, Notes: notes}
	i := slices.IndexFunc(rec.Visits, func(l VisitLog) bool { return l.Number == number })
	if i >= 0 {
		if notes == "" {
			entry.Notes = rec.Visits[i].Notes
		}
		rec.Visits[i] = entry
	} else {
		rec.Visits = append(rec.Visits, entry)
	}
	slices.SortFunc(rec.Visits, func(a, b VisitLog) int { return a.Number - b.Number })
	rec.UpdatedAt = g.now()

	if err := g.put(ctx, rec); err != nil {
		return nil, err
	}
	g.log.Info().Str("tenant", rec.Phone).Int("visit", number).Msg("anc visit completed")
	return g.view(store.RecordRow{TenantID: rec.Phone, Data: mustJSON(rec)}, g.Today())
}

// List returns records with the given status. StatusAll or "" lists all.
func (g *Gateway) List(ctx context.Context, status Status) ([]View, error) {
	filter := string(status)
	if status == StatusAll {
		filter = ""
	}
	rows, err := g.backend.ListRecords(ctx, filter)
	if err != nil {
		return nil, err
	}
	today := g.Today()
	out := make([]View, 0, len(rows))
	for _, row := range rows {
		v, err := g.view(row, today)
		if err != nil {
			g.log.Error().Err(err).Str("tenant", row.TenantID).Msg("skipping unreadable record")
			continue
		}
		out = append(out, *v)
	}
	return out, nil
}

// Delete removes the record for key. confirm must be true.
func (g *Gateway) Delete(ctx context.Context, key string, confirm bool) error {
	if !confirm {
		return ErrConfirmationRequired
	}
	key, err := normalizeKey(key)
	if err != nil {
		return err
	}
	if err := g.backend.DeleteRecord(ctx, key); err != nil {
		return err
	}
	g.log.Warn().Str("tenant", key).Msg("record deleted")
	return nil
}

func (g *Gateway) put(ctx context.Context, rec Record) error {
	return g.backend.PutRecord(ctx, store.RecordRow{
		TenantID:  rec.Phone,
		Status:    string(rec.Status),
		Data:      mustJSON(rec),
		CreatedAt: rec.CreatedAt,
		UpdatedAt: rec.UpdatedAt,
	})
}

// mustJSON encodes a Record; it has no unencodable fields besides
// AdditionalData, which came from JSON in the first place.
func mustJSON(rec Record) []byte {
	data, err := json.Marshal(rec)
	if err != nil {
		panic(fmt.Sprintf("records: encoding record: %v", err))
	}
	return data
}
