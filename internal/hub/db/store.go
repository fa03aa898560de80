package db

import (
	"context"
	"database/sql"
	"time"
)

// Store wraps a *sql.DB with typed query methods for the hub's tables.
type Store struct {
	db *sql.DB
}

// New returns a Store backed by the given database handle.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Instance is a registered VM worker.
type Instance struct {
	ID         string
	UserID     string
	Name       string
	VMType     string
	TokenHash  string
	Status     string
	CreatedAt  time.Time
	LastSeenAt sql.NullTime
}

// CreateInstanceParams holds the fields for CreateInstance.
type CreateInstanceParams struct {
	ID        string
	UserID    string
	Name      string
	VMType    string
	TokenHash string
}

func (s *Store) CreateInstance(ctx context.Context, arg CreateInstanceParams) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO instances (id, user_id, name, vm_type, token_hash)
		VALUES (?, ?, ?, ?, ?)`,
		arg.ID, arg.UserID, arg.Name, arg.VMType, arg.TokenHash)
	return err
}

func (s *Store) GetInstanceByID(ctx context.Context, id string) (Instance, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, vm_type, token_hash, status, created_at, last_seen_at
		FROM instances WHERE id = ? AND status != 'deleted'`, id)
	return scanInstance(row)
}

func (s *Store) ListInstancesByUserID(ctx context.Context, userID string) ([]Instance, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, name, vm_type, token_hash, status, created_at, last_seen_at
		FROM instances WHERE user_id = ? AND status != 'deleted'
		ORDER BY created_at`, userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var instances []Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

func (s *Store) UpdateInstanceStatus(ctx context.Context, id, status string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) UpdateInstanceLastSeen(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET last_seen_at = CURRENT_TIMESTAMP WHERE id = ?`, id)
	return err
}

// MarkInstanceDeleted soft-deletes an instance. The row is kept so that
// persisted events referring to it remain interpretable.
func (s *Store) MarkInstanceDeleted(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = 'deleted' WHERE id = ?`, id)
	return err
}

// MarkAllInstancesOffline resets every online or busy instance to
// offline. Run at startup, when no worker can be connected.
func (s *Store) MarkAllInstancesOffline(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE instances SET status = 'offline' WHERE status IN ('online', 'busy')`)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInstance(row rowScanner) (Instance, error) {
	var inst Instance
	err := row.Scan(&inst.ID, &inst.UserID, &inst.Name, &inst.VMType,
		&inst.TokenHash, &inst.Status, &inst.CreatedAt, &inst.LastSeenAt)
	return inst, err
}

// EventRow is a persisted event in a job's history.
type EventRow struct {
	ID          int64
	JobID       string
	Seq         int64
	Type        string
	Timestamp   string
	Payload     []byte
	Compression string
}

// AppendEventParams holds the fields for AppendEvent.
type AppendEventParams struct {
	JobID       string
	Type        string
	Timestamp   string
	Payload     []byte
	Compression string
}

// AppendEvent inserts an event at the next sequence number for its job
// and returns that sequence number.
func (s *Store) AppendEvent(ctx context.Context, arg AppendEventParams) (int64, error) {
	if arg.Payload == nil {
		arg.Payload = []byte{}
	}
	row := s.db.QueryRowContext(ctx, `
		INSERT INTO events (job_id, seq, type, timestamp, payload, compression)
		VALUES (?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM events WHERE job_id = ?), ?, ?, ?, ?)
		RETURNING seq`,
		arg.JobID, arg.JobID, arg.Type, arg.Timestamp, arg.Payload, arg.Compression)

	var seq int64
	if err := row.Scan(&seq); err != nil {
		return 0, err
	}
	return seq, nil
}

// ListEventsByJobID returns events for a job with seq greater than
// afterSeq, in sequence order, up to limit rows.
func (s *Store) ListEventsByJobID(ctx context.Context, jobID string, afterSeq, limit int64) ([]EventRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, job_id, seq, type, timestamp, payload, compression
		FROM events WHERE job_id = ? AND seq > ?
		ORDER BY seq LIMIT ?`, jobID, afterSeq, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var events []EventRow
	for rows.Next() {
		var ev EventRow
		if err := rows.Scan(&ev.ID, &ev.JobID, &ev.Seq, &ev.Type,
			&ev.Timestamp, &ev.Payload, &ev.Compression); err != nil {
			return nil, err
		}
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CountEventsByJobID returns the number of persisted events for a job.
func (s *Store) CountEventsByJobID(ctx context.Context, jobID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT count(*) FROM events WHERE job_id = ?`, jobID).Scan(&count)
	return count, err
}
