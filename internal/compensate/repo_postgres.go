package compensate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresRepository stores compensation records in the compensation_records
// table.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ Repository = (*PostgresRepository)(nil)

func (r *PostgresRepository) Insert(ctx context.Context, rec *Record) error {
	ctxJSON, err := json.Marshal(rec.Context)
	if err != nil {
		return fmt.Errorf("encoding compensation context: %w", err)
	}
	_, err = r.pool.Exec(ctx,
		`INSERT INTO compensation_records
		   (record_id, record_type, role_id, context, status,
		    retry_count, max_retries, last_error, next_retry_at, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
		rec.RecordID, rec.Type, rec.RoleID, ctxJSON, string(rec.Status),
		rec.RetryCount, rec.MaxRetries, rec.LastError, rec.NextRetryAt, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting compensation record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (r *PostgresRepository) Update(ctx context.Context, rec *Record) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE compensation_records
		 SET status = $2, retry_count = $3, last_error = $4,
		     next_retry_at = $5, updated_at = $6
		 WHERE record_id = $1`,
		rec.RecordID, string(rec.Status), rec.RetryCount, rec.LastError,
		rec.NextRetryAt, rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("updating compensation record %s: %w", rec.RecordID, err)
	}
	return nil
}

func (r *PostgresRepository) Delete(ctx context.Context, recordID string) error {
	_, err := r.pool.Exec(ctx,
		`DELETE FROM compensation_records WHERE record_id = $1`, recordID)
	if err != nil {
		return fmt.Errorf("deleting compensation record %s: %w", recordID, err)
	}
	return nil
}

func (r *PostgresRepository) DueForRetry(ctx context.Context, now time.Time, limit int) ([]*Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT record_id, record_type, role_id, context, status,
		        retry_count, max_retries, last_error, next_retry_at, created_at, updated_at
		 FROM compensation_records
		 WHERE status = $1 AND next_retry_at <= $2
		 ORDER BY next_retry_at
		 LIMIT $3`,
		string(StatusFailed), now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("querying due compensation records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) ListManualRequired(ctx context.Context) ([]*Record, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT record_id, record_type, role_id, context, status,
		        retry_count, max_retries, last_error, next_retry_at, created_at, updated_at
		 FROM compensation_records
		 WHERE status = $1
		 ORDER BY updated_at`,
		string(StatusManualRequired),
	)
	if err != nil {
		return nil, fmt.Errorf("querying manual compensation records: %w", err)
	}
	defer rows.Close()
	return scanRecords(rows)
}

func (r *PostgresRepository) PurgeTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx,
		`DELETE FROM compensation_records
		 WHERE status = ANY($1) AND updated_at < $2`,
		[]string{string(StatusCompensated), string(StatusManualRequired)}, cutoff,
	)
	if err != nil {
		return 0, fmt.Errorf("purging compensation records: %w", err)
	}
	return tag.RowsAffected(), nil
}

func scanRecords(rows pgx.Rows) ([]*Record, error) {
	var out []*Record
	for rows.Next() {
		var (
			rec     Record
			status  string
			ctxJSON []byte
		)
		if err := rows.Scan(
			&rec.RecordID, &rec.Type, &rec.RoleID, &ctxJSON, &status,
			&rec.RetryCount, &rec.MaxRetries, &rec.LastError,
			&rec.NextRetryAt, &rec.CreatedAt, &rec.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning compensation record: %w", err)
		}
		rec.Status = Status(status)
		if len(ctxJSON) > 0 {
			if err := json.Unmarshal(ctxJSON, &rec.Context); err != nil {
				return nil, fmt.Errorf("decoding compensation context %s: %w", rec.RecordID, err)
			}
		}
		out = append(out, &rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("reading compensation records: %w", err)
	}
	return out, nil
}
