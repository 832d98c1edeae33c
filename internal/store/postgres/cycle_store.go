package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/clmmbot/internal/domain"
)

// CycleStore implements domain.CycleStore.
type CycleStore struct {
	pool *pgxpool.Pool
}

// NewCycleStore creates a CycleStore backed by pool.
func NewCycleStore(pool *pgxpool.Pool) *CycleStore {
	return &CycleStore{pool: pool}
}

const cycleCols = `id, pool_id, started_at, finished_at, price, outcome, failed_step,
	error, withdrawn, opened, state, next_delay_ms`

// Insert stores a report. Re-inserting the same id is a no-op.
func (s *CycleStore) Insert(ctx context.Context, r domain.CycleReport) error {
	withdrawn, err := positionJSON(r.Withdrawn)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %s: %w", r.ID, err)
	}
	opened, err := positionJSON(r.Opened)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %s: %w", r.ID, err)
	}

	const query = `INSERT INTO rebalance_cycles (` + cycleCols + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.PoolID, r.StartedAt, r.FinishedAt, r.Price, string(r.Outcome), r.FailedStep,
		r.Error, withdrawn, opened, string(r.State), r.NextDelay.Milliseconds(),
	)
	if err != nil {
		return fmt.Errorf("postgres: insert cycle %s: %w", r.ID, err)
	}
	return nil
}

// ListRecent returns a pool's cycles, newest first.
func (s *CycleStore) ListRecent(ctx context.Context, poolID string, opts domain.ListOpts) ([]domain.CycleReport, error) {
	query := `SELECT ` + cycleCols + ` FROM rebalance_cycles WHERE pool_id = $1`
	args := []any{poolID}

	if opts.Since != nil {
		args = append(args, *opts.Since)
		query += fmt.Sprintf(" AND started_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		query += fmt.Sprintf(" AND started_at <= $%d", len(args))
	}
	query += " ORDER BY started_at DESC"

	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	args = append(args, limit)
	query += fmt.Sprintf(" LIMIT $%d", len(args))
	if opts.Offset > 0 {
		args = append(args, opts.Offset)
		query += fmt.Sprintf(" OFFSET $%d", len(args))
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles: %w", err)
	}
	reports, err := scanCycles(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles: %w", err)
	}
	return reports, nil
}

// ListBefore returns every cycle that started before the cutoff, oldest
// first, for archiving.
func (s *CycleStore) ListBefore(ctx context.Context, before time.Time) ([]domain.CycleReport, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+cycleCols+` FROM rebalance_cycles WHERE started_at < $1 ORDER BY started_at`, before)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles before %s: %w", before.Format(time.RFC3339), err)
	}
	reports, err := scanCycles(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cycles before: %w", err)
	}
	return reports, nil
}

// DeleteBefore removes cycles that started before the cutoff.
func (s *CycleStore) DeleteBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM rebalance_cycles WHERE started_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("postgres: delete cycles before: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanCycles(rows pgx.Rows) ([]domain.CycleReport, error) {
	defer rows.Close()

	var out []domain.CycleReport
	for rows.Next() {
		var (
			r                 domain.CycleReport
			outcome, state    string
			withdrawn, opened []byte
			delayMS           int64
		)
		if err := rows.Scan(
			&r.ID, &r.PoolID, &r.StartedAt, &r.FinishedAt, &r.Price, &outcome, &r.FailedStep,
			&r.Error, &withdrawn, &opened, &state, &delayMS,
		); err != nil {
			return nil, fmt.Errorf("scan cycle: %w", err)
		}
		r.Outcome = domain.CycleOutcome(outcome)
		r.State = domain.EngineState(state)
		r.NextDelay = time.Duration(delayMS) * time.Millisecond

		var err error
		if r.Withdrawn, err = parsePosition(withdrawn); err != nil {
			return nil, err
		}
		if r.Opened, err = parsePosition(opened); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func positionJSON(p *domain.Position) ([]byte, error) {
	if p == nil {
		return nil, nil
	}
	return json.Marshal(p)
}

func parsePosition(b []byte) (*domain.Position, error) {
	if len(b) == 0 {
		return nil, nil
	}
	var p domain.Position
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("unmarshal position: %w", err)
	}
	return &p, nil
}

var _ domain.CycleStore = (*CycleStore)(nil)
