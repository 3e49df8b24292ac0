package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vietddude/brokerdata/internal/core/domain"
	"github.com/vietddude/brokerdata/internal/infra/storage"
)

// FailedQueryRepo implements storage.FailedQueryRepository using PostgreSQL.
type FailedQueryRepo struct {
	db *DB
}

// NewFailedQueryRepo creates a new PostgreSQL failed query repository.
func NewFailedQueryRepo(db *DB) *FailedQueryRepo {
	return &FailedQueryRepo{db: db}
}

type failedQueryRow struct {
	ID           string    `db:"id"`
	CallID       string    `db:"call_id"`
	Broker       string    `db:"broker"`
	InstrumentID string    `db:"instrument_id"`
	Kind         string    `db:"kind"`
	ErrorKind    string    `db:"error_kind"`
	ErrorMsg     string    `db:"error_msg"`
	Attempts     []byte    `db:"attempts"`
	CreatedAt    time.Time `db:"created_at"`
}

func (row failedQueryRow) toDomain() (*domain.FailedQuery, error) {
	fq := &domain.FailedQuery{
		ID:           row.ID,
		CallID:       row.CallID,
		Broker:       domain.BrokerID(row.Broker),
		InstrumentID: row.InstrumentID,
		Kind:         domain.QueryKind(row.Kind),
		ErrorKind:    row.ErrorKind,
		Error:        row.ErrorMsg,
		CreatedAt:    row.CreatedAt,
	}
	if len(row.Attempts) > 0 {
		if err := json.Unmarshal(row.Attempts, &fq.Attempts); err != nil {
			return nil, fmt.Errorf("failed to decode attempts of %s: %w", row.ID, err)
		}
	}
	return fq, nil
}

const selectFailedQuery = `
	SELECT id, call_id, broker, instrument_id, kind, error_kind, error_msg, attempts, created_at
	FROM failed_queries
`

// Add inserts a failed query; re-adding an id is a no-op.
func (r *FailedQueryRepo) Add(ctx context.Context, fq *domain.FailedQuery) error {
	attempts, err := json.Marshal(fq.Attempts)
	if err != nil {
		return fmt.Errorf("failed to encode attempts: %w", err)
	}
	createdAt := fq.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	query := `
		INSERT INTO failed_queries (id, call_id, broker, instrument_id, kind, error_kind, error_msg, attempts, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.ExecContext(
		ctx,
		query,
		fq.ID,
		fq.CallID,
		string(fq.Broker),
		fq.InstrumentID,
		string(fq.Kind),
		fq.ErrorKind,
		fq.Error,
		attempts,
		createdAt,
	)
	if err != nil {
		return fmt.Errorf("failed to add failed query: %w", err)
	}
	return nil
}

// Get returns a failed query by id.
func (r *FailedQueryRepo) Get(ctx context.Context, id string) (*domain.FailedQuery, error) {
	var row failedQueryRow
	err := r.db.GetContext(ctx, &row, selectFailedQuery+" WHERE id = $1", id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrFailedQueryNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get failed query: %w", err)
	}
	return row.toDomain()
}

// List returns failed queries matching the filter, newest first.
func (r *FailedQueryRepo) List(
	ctx context.Context,
	filter storage.FailedQueryFilter,
) ([]*domain.FailedQuery, error) {
	var (
		conds []string
		args  []any
	)
	if filter.Broker != "" {
		args = append(args, string(filter.Broker))
		conds = append(conds, fmt.Sprintf("broker = $%d", len(args)))
	}
	if filter.ErrorKind != "" {
		args = append(args, filter.ErrorKind)
		conds = append(conds, fmt.Sprintf("error_kind = $%d", len(args)))
	}
	if !filter.Since.IsZero() {
		args = append(args, filter.Since)
		conds = append(conds, fmt.Sprintf("created_at >= $%d", len(args)))
	}

	query := selectFailedQuery
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, filter.EffectiveLimit())
	query += fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d", len(args))

	var rows []failedQueryRow
	if err := r.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list failed queries: %w", err)
	}

	out := make([]*domain.FailedQuery, 0, len(rows))
	for _, row := range rows {
		fq, err := row.toDomain()
		if err != nil {
			return nil, err
		}
		out = append(out, fq)
	}
	return out, nil
}

// Count returns the number of failed queries for a broker, or all when empty.
func (r *FailedQueryRepo) Count(ctx context.Context, broker domain.BrokerID) (int, error) {
	var count int
	var err error
	if broker == "" {
		err = r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_queries`)
	} else {
		err = r.db.GetContext(ctx, &count, `SELECT COUNT(*) FROM failed_queries WHERE broker = $1`, string(broker))
	}
	if err != nil {
		return 0, fmt.Errorf("failed to count failed queries: %w", err)
	}
	return count, nil
}

// Prune deletes failed queries created before the cutoff.
func (r *FailedQueryRepo) Prune(ctx context.Context, before time.Time) (int, error) {
	res, err := r.db.ExecContext(ctx, `DELETE FROM failed_queries WHERE created_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed queries: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to prune failed queries: %w", err)
	}
	return int(n), nil
}
