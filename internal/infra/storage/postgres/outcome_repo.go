package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/wlantunnel/internal/core/domain"
	"github.com/vietddude/wlantunnel/internal/infra/storage"
)

// outcomeRow is the table form of a tunnel outcome.
type outcomeRow struct {
	ID           string    `db:"id"`
	TunnelID     string    `db:"tunnel_id"`
	Slot         int       `db:"slot"`
	APN          string    `db:"apn"`
	Kind         string    `db:"kind"`
	Handover     bool      `db:"handover"`
	Error        string    `db:"error"`
	FailCause    string    `db:"fail_cause"`
	RetryDelayMs int64     `db:"retry_delay_ms"`
	DurationMs   int64     `db:"duration_ms"`
	CreatedAt    time.Time `db:"created_at"`
}

func toRow(out *domain.TunnelOutcome) outcomeRow {
	return outcomeRow{
		ID:           out.ID,
		TunnelID:     out.TunnelID,
		Slot:         out.Slot,
		APN:          out.APN,
		Kind:         string(out.Kind),
		Handover:     out.Handover,
		Error:        out.Error,
		FailCause:    out.FailCause,
		RetryDelayMs: out.RetryDelay.Milliseconds(),
		DurationMs:   out.Duration.Milliseconds(),
		CreatedAt:    out.CreatedAt,
	}
}

func (r outcomeRow) toDomain() *domain.TunnelOutcome {
	return &domain.TunnelOutcome{
		ID:         r.ID,
		TunnelID:   r.TunnelID,
		Slot:       r.Slot,
		APN:        r.APN,
		Kind:       domain.OutcomeKind(r.Kind),
		Handover:   r.Handover,
		Error:      r.Error,
		FailCause:  r.FailCause,
		RetryDelay: time.Duration(r.RetryDelayMs) * time.Millisecond,
		Duration:   time.Duration(r.DurationMs) * time.Millisecond,
		CreatedAt:  r.CreatedAt,
	}
}

const insertOutcome = `
	INSERT INTO tunnel_outcomes
		(id, tunnel_id, slot, apn, kind, handover, error, fail_cause, retry_delay_ms, duration_ms, created_at)
	VALUES
		(:id, :tunnel_id, :slot, :apn, :kind, :handover, :error, :fail_cause, :retry_delay_ms, :duration_ms, :created_at)
	ON CONFLICT (id) DO NOTHING
`

// OutcomeRepo implements storage.OutcomeRepository using PostgreSQL.
type OutcomeRepo struct {
	db *DB
}

func NewOutcomeRepo(db *DB) *OutcomeRepo {
	return &OutcomeRepo{db: db}
}

func (r *OutcomeRepo) Save(ctx context.Context, out *domain.TunnelOutcome) error {
	if _, err := r.db.NamedExecContext(ctx, insertOutcome, toRow(out)); err != nil {
		return fmt.Errorf("failed to save outcome: %w", err)
	}
	return nil
}

func (r *OutcomeRepo) SaveBatch(ctx context.Context, outs []*domain.TunnelOutcome) error {
	if len(outs) == 0 {
		return nil
	}
	rows := make([]outcomeRow, 0, len(outs))
	for _, out := range outs {
		rows = append(rows, toRow(out))
	}
	if _, err := r.db.NamedExecContext(ctx, insertOutcome, rows); err != nil {
		return fmt.Errorf("failed to save outcomes: %w", err)
	}
	return nil
}

func (r *OutcomeRepo) List(ctx context.Context, filter storage.OutcomeFilter) ([]*domain.TunnelOutcome, error) {
	query, args := buildListQuery(filter)
	var rows []outcomeRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list outcomes: %w", err)
	}
	result := make([]*domain.TunnelOutcome, 0, len(rows))
	for _, row := range rows {
		result = append(result, row.toDomain())
	}
	return result, nil
}

func (r *OutcomeRepo) Count(ctx context.Context, slot int) (int, error) {
	var count int
	if err := r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM tunnel_outcomes WHERE slot = $1`, slot); err != nil {
		return 0, fmt.Errorf("failed to count outcomes: %w", err)
	}
	return count, nil
}

func (r *OutcomeRepo) DeleteOlderThan(ctx context.Context, t time.Time) (int64, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tunnel_outcomes WHERE created_at < $1`, t)
	if err != nil {
		return 0, fmt.Errorf("failed to delete outcomes: %w", err)
	}
	return res.RowsAffected()
}

func buildListQuery(filter storage.OutcomeFilter) (string, []any) {
	var (
		conds []string
		args  []any
	)
	add := func(cond string, arg any) {
		args = append(args, arg)
		conds = append(conds, fmt.Sprintf(cond, len(args)))
	}

	if filter.Slot != nil {
		add("slot = $%d", *filter.Slot)
	}
	if filter.APN != "" {
		add("apn = $%d", filter.APN)
	}
	if filter.Kind != "" {
		add("kind = $%d", string(filter.Kind))
	}
	if !filter.Since.IsZero() {
		add("created_at >= $%d", filter.Since)
	}

	var b strings.Builder
	b.WriteString(`SELECT id, tunnel_id, slot, apn, kind, handover, error, fail_cause, retry_delay_ms, duration_ms, created_at FROM tunnel_outcomes`)
	if len(conds) > 0 {
		b.WriteString(" WHERE ")
		b.WriteString(strings.Join(conds, " AND "))
	}
	b.WriteString(" ORDER BY created_at DESC")
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		fmt.Fprintf(&b, " LIMIT $%d", len(args))
	}
	return b.String(), args
}
