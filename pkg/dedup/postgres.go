package dedup

import (
	"context"
	"database/sql"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

const schema = `
CREATE TABLE IF NOT EXISTS relay_dedup_records (
	key        TEXT PRIMARY KEY,
	status     TEXT NOT NULL,
	owner      TEXT NOT NULL DEFAULT '',
	tx_hash    TEXT NOT NULL DEFAULT '',
	reason     TEXT NOT NULL DEFAULT '',
	updated_at BIGINT NOT NULL
);
ALTER TABLE relay_dedup_records ADD COLUMN IF NOT EXISTS raw_tx TEXT NOT NULL DEFAULT '';
ALTER TABLE relay_dedup_records ADD COLUMN IF NOT EXISTS reopened BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS relay_dedup_records_pending_idx ON relay_dedup_records (status) WHERE status = 'pending';
CREATE TABLE IF NOT EXISTS relay_dedup_errors (
	key        TEXT PRIMARY KEY,
	error      TEXT NOT NULL,
	updated_at BIGINT NOT NULL
);`

// PostgresStore keeps records in a relational table, claims rely on the primary key
type PostgresStore struct {
	db     *sql.DB
	logger logger.Logger
}

var _ Store = (*PostgresStore)(nil)

// NewPostgresStore creates a store on an open database handle
func NewPostgresStore(db *sql.DB, log logger.Logger) *PostgresStore {
	return &PostgresStore{db: db, logger: log}
}

// Migrate creates the tables when missing
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return unavailable(err)
	}
	return nil
}

// Claim implements Store with INSERT ... ON CONFLICT DO NOTHING
func (s *PostgresStore) Claim(ctx context.Context, key, owner string) (Claim, error) {
	now := models.NowMillis()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_dedup_records (key, status, owner, updated_at) VALUES ($1, $2, $3, $4) ON CONFLICT (key) DO NOTHING`,
		key, string(models.StatusPending), owner, now)
	if err != nil {
		return Claim{}, unavailable(err)
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return Claim{}, unavailable(err)
	}
	if inserted == 1 {
		return Claim{
			Result: Granted,
			Record: models.DedupRecord{Status: models.StatusPending, Owner: owner, Timestamp: now},
		}, nil
	}

	existing, err := s.Lookup(ctx, key)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			// deleted between insert and select, treat as held until the next attempt
			return Claim{}, unavailable(err)
		}
		return Claim{}, err
	}
	if existing.Status == models.StatusPending && existing.Owner == owner {
		return Claim{Result: Granted, Record: *existing, Resumed: true}, nil
	}
	return Claim{Result: AlreadyClaimed, Record: *existing}, nil
}

// MarkSubmitted implements Store. The previous hash is part of the WHERE
// clause so two deliveries cannot both store a transaction.
func (s *PostgresStore) MarkSubmitted(ctx context.Context, key, owner string, sub Submission) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_dedup_records SET tx_hash = $4, raw_tx = $5, reopened = FALSE, updated_at = $6 WHERE key = $1 AND owner = $2 AND status = 'pending' AND tx_hash = $3`,
		key, owner, sub.Previous, sub.TxHash.Hex(), hexutil.Encode(sub.RawTx), models.NowMillis())
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 1 {
		return nil
	}

	record, err := s.Lookup(ctx, key)
	switch {
	case err != nil:
		return err
	case record.Status != models.StatusPending:
		return ErrNotPending
	case record.Owner != owner:
		return ErrNotOwner
	default:
		return ErrSuperseded
	}
}

// Reopen implements Store
func (s *PostgresStore) Reopen(ctx context.Context, key, owner string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_dedup_records SET status = 'pending', owner = $2, reopened = TRUE, reason = 'reopened after: ' || reason, updated_at = $3 WHERE key = $1 AND status = 'failed'`,
		key, owner, models.NowMillis())
	if err != nil {
		return unavailable(err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 1 {
		return nil
	}
	if _, err := s.Lookup(ctx, key); err != nil {
		return err
	}
	return ErrNotFailed
}

// RecordOutcome implements Store
func (s *PostgresStore) RecordOutcome(ctx context.Context, key string, outcome models.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return errors.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE relay_dedup_records SET status = $2, tx_hash = COALESCE(NULLIF($3, ''), tx_hash), reason = $4, updated_at = $5 WHERE key = $1 AND status = 'pending'`,
		key, string(outcome.Status), outcome.TxHash, outcome.Reason, models.NowMillis())
	if err != nil {
		return unavailable(err)
	}
	return s.expectOneRow(ctx, res, key, "")
}

// RecordError implements Store
func (s *PostgresStore) RecordError(ctx context.Context, key, detail string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO relay_dedup_errors (key, error, updated_at) VALUES ($1, $2, $3) ON CONFLICT (key) DO UPDATE SET error = EXCLUDED.error, updated_at = EXCLUDED.updated_at`,
		key, detail, models.NowMillis())
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// Lookup implements Store
func (s *PostgresStore) Lookup(ctx context.Context, key string) (*models.DedupRecord, error) {
	var (
		record models.DedupRecord
		status string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT status, owner, tx_hash, raw_tx, reason, reopened, updated_at FROM relay_dedup_records WHERE key = $1`, key).
		Scan(&status, &record.Owner, &record.TxHash, &record.RawTx, &record.Reason, &record.Reopened, &record.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	record.Status = models.RecordStatus(status)
	return &record, nil
}

// LastError implements Store
func (s *PostgresStore) LastError(ctx context.Context, key string) (*models.ErrorDetail, error) {
	var detail models.ErrorDetail
	err := s.db.QueryRowContext(ctx,
		`SELECT error, updated_at FROM relay_dedup_errors WHERE key = $1`, key).
		Scan(&detail.Error, &detail.Timestamp)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}
	return &detail, nil
}

// ListPending implements Store
func (s *PostgresStore) ListPending(ctx context.Context) ([]PendingRecord, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, owner, tx_hash, raw_tx, reason, reopened, updated_at FROM relay_dedup_records WHERE status = 'pending' ORDER BY key`)
	if err != nil {
		return nil, unavailable(err)
	}
	defer rows.Close()

	var pending []PendingRecord
	for rows.Next() {
		p := PendingRecord{Record: models.DedupRecord{Status: models.StatusPending}}
		if err := rows.Scan(&p.Key, &p.Record.Owner, &p.Record.TxHash, &p.Record.RawTx, &p.Record.Reason, &p.Record.Reopened, &p.Record.Timestamp); err != nil {
			return nil, unavailable(err)
		}
		pending = append(pending, p)
	}
	if err := rows.Err(); err != nil {
		return nil, unavailable(err)
	}
	return pending, nil
}

// Ping implements Store
func (s *PostgresStore) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close implements Store
func (s *PostgresStore) Close() error {
	return s.db.Close()
}

// expectOneRow explains why a conditional update touched nothing
func (s *PostgresStore) expectOneRow(ctx context.Context, res sql.Result, key, owner string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return unavailable(err)
	}
	if n == 1 {
		return nil
	}

	record, err := s.Lookup(ctx, key)
	if err != nil {
		return err
	}
	if record.Status != models.StatusPending {
		return ErrNotPending
	}
	if owner != "" && record.Owner != owner {
		return ErrNotOwner
	}
	return ErrNotPending
}
