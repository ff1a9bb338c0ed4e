// Package sendlog persists outbound send tasks durably so an in-flight send
// survives a cluster-controller restart, rather than living only in an
// in-memory scheduler queue. Follows an outbox shape: claim rows with
// FOR UPDATE SKIP LOCKED, mark success/failure, back off with jitter, and
// dead-letter after too many attempts.
package sendlog

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	claimBatchSize = 50
	maxAttempts    = 12
	inFlightLease  = 15 * time.Second
)

type Status string

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusDead    Status = "dead"
)

// Record is a durable snapshot of one outbound send task.
type Record struct {
	ID                uuid.UUID
	MessageID         string
	To                string
	AddressKind       int
	SerializedMessage []byte
	DecayTime         time.Time
	Attempt           int
	Status            Status
	NextRetryAt       time.Time
	LastError         string
}

// Repository is the pgx-backed send-task ledger.
type Repository struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// Persist inserts a new pending send task, to be claimed by ClaimDueBatch if
// the process crashes before the in-memory scheduler delivers it.
func (r *Repository) Persist(ctx context.Context, rec Record) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO send_log (id, message_id, to_participant, address_kind, serialized_message, decay_time, attempt, status, next_retry_at)
		VALUES ($1, $2, $3, $4, $5, $6, 0, 'pending', NOW())
		ON CONFLICT (id) DO NOTHING
	`, rec.ID, rec.MessageID, rec.To, rec.AddressKind, rec.SerializedMessage, rec.DecayTime)
	return err
}

// ClaimDueBatch claims up to claimBatchSize due records for recovery,
// leasing them in-flight (via the same next_retry_at bump used for normal
// retry backoff) so a second controller instance, or a second recovery
// pass, does not double-claim them while this one is working through the
// batch.
func (r *Repository) ClaimDueBatch(ctx context.Context) ([]Record, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	rows, err := tx.Query(ctx, `
		SELECT id, message_id, to_participant, address_kind, serialized_message, decay_time, attempt, status, next_retry_at, COALESCE(last_error, '')
		FROM send_log
		WHERE status = 'pending' AND next_retry_at <= NOW() AND decay_time > NOW()
		ORDER BY next_retry_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, claimBatchSize)
	if err != nil {
		return nil, err
	}

	var records []Record
	for rows.Next() {
		var rec Record
		if err := rows.Scan(&rec.ID, &rec.MessageID, &rec.To, &rec.AddressKind, &rec.SerializedMessage,
			&rec.DecayTime, &rec.Attempt, &rec.Status, &rec.NextRetryAt, &rec.LastError); err != nil {
			rows.Close()
			return nil, err
		}
		records = append(records, rec)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, tx.Commit(ctx)
	}

	inFlightUntil := time.Now().Add(inFlightLease)
	for _, rec := range records {
		if _, err := tx.Exec(ctx, `UPDATE send_log SET next_retry_at = $2 WHERE id = $1`, rec.ID, inFlightUntil); err != nil {
			return nil, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return records, nil
}

// MarkSent finalizes a successfully delivered task.
func (r *Repository) MarkSent(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE send_log SET status = 'sent', last_error = NULL WHERE id = $1`, id)
	return err
}

// MarkFailed records a retry attempt, scheduling the next one with backoff,
// or dead-letters the task once its attempt count reaches maxAttempts.
func (r *Repository) MarkFailed(ctx context.Context, id uuid.UUID, attempt int, errMsg string) error {
	next := attempt + 1
	if next >= maxAttempts {
		_, err := r.pool.Exec(ctx, `
			UPDATE send_log SET status = 'dead', attempt = $2, last_error = $3 WHERE id = $1
		`, id, next, errMsg)
		return err
	}

	delay := computeBackoff(next)
	_, err := r.pool.Exec(ctx, `
		UPDATE send_log SET attempt = $2, next_retry_at = NOW() + $3::interval, last_error = $4 WHERE id = $1
	`, id, next, fmt.Sprintf("%f seconds", delay.Seconds()), errMsg)
	return err
}

// MarkExpired drops a task whose decay time has passed without calling
// MarkFailed's backoff path: an expired message is dropped, not retried.
func (r *Repository) MarkExpired(ctx context.Context, id uuid.UUID) error {
	_, err := r.pool.Exec(ctx, `UPDATE send_log SET status = 'dead', last_error = 'expired' WHERE id = $1`, id)
	return err
}

func computeBackoff(attempt int) time.Duration {
	sec := math.Pow(2, float64(attempt))
	if sec < 2 {
		sec = 2
	}
	if sec > 900 {
		sec = 900
	}
	d := time.Duration(sec) * time.Second
	jitter := time.Duration(rand.Int63n(int64(d/5))) - d/10
	return d + jitter
}
