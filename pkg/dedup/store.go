package dedup

import (
	"context"
	"database/sql"
	"net/url"

	"github.com/ethereum/go-ethereum/common"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"

	// postgres driver for database/sql
	_ "github.com/lib/pq"
)

var (
	// ErrStoreUnavailable wraps every backend failure; claims fail closed on it
	ErrStoreUnavailable = errors.New("dedup store unavailable")
	// ErrNotFound is returned by Lookup for an identifier never claimed
	ErrNotFound = errors.New("dedup record not found")
	// ErrNotPending is returned when a transition targets a record that is not pending
	ErrNotPending = errors.New("dedup record is not pending")
	// ErrNotOwner is returned when a job updates a claim held by another job
	ErrNotOwner = errors.New("dedup record is claimed by another job")
	// ErrSuperseded is returned when another delivery stored a transaction first
	ErrSuperseded = errors.New("dedup record holds another submission")
	// ErrNotFailed is returned when reopening a record that did not fail
	ErrNotFailed = errors.New("dedup record is not failed")
)

// ClaimResult is the answer to a claim attempt
type ClaimResult int

const (
	Granted ClaimResult = iota
	AlreadyClaimed
)

func (r ClaimResult) String() string {
	if r == Granted {
		return "granted"
	}
	return "already_claimed"
}

// Claim describes a claim attempt. Resumed is set when the caller already
// held the pending claim, which happens on retries and lease redelivery.
type Claim struct {
	Result  ClaimResult
	Record  models.DedupRecord
	Resumed bool
}

// Submission is a signed relay transaction about to be broadcast. Previous is
// the hash the record must still hold, empty for the first submission.
type Submission struct {
	Previous string
	TxHash   common.Hash
	RawTx    []byte
}

// PendingRecord is a pending entry returned for reconciliation
type PendingRecord struct {
	Key    string
	Record models.DedupRecord
}

// Store records the state of every deposit and purchase identifier
type Store interface {
	// Claim atomically takes the identifier for owner. Two concurrent claims
	// by different owners never both return Granted.
	Claim(ctx context.Context, key, owner string) (Claim, error)
	// MarkSubmitted stores a signed transaction before it is broadcast. It
	// fails with ErrSuperseded unless the record still holds sub.Previous.
	MarkSubmitted(ctx context.Context, key, owner string, sub Submission) error
	// RecordOutcome moves a pending record to confirmed or failed
	RecordOutcome(ctx context.Context, key string, outcome models.Outcome) error
	// Reopen moves a failed record back to pending for owner, keeping its
	// last submission. Confirmed records are never reopened.
	Reopen(ctx context.Context, key, owner string) error
	// RecordError keeps the last failure detail under <key>:error
	RecordError(ctx context.Context, key, detail string) error
	Lookup(ctx context.Context, key string) (*models.DedupRecord, error)
	LastError(ctx context.Context, key string) (*models.ErrorDetail, error)
	ListPending(ctx context.Context) ([]PendingRecord, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open connects to the store named by url: redis:// or postgres://
func Open(ctx context.Context, rawURL string, log logger.Logger) (Store, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid dedup store url")
	}

	switch u.Scheme {
	case "redis", "rediss":
		opts, err := redis.ParseURL(rawURL)
		if err != nil {
			return nil, errors.Wrap(err, "invalid redis url")
		}
		store := NewRedisStore(redis.NewClient(opts), log)
		if err := store.Ping(ctx); err != nil {
			_ = store.Close()
			return nil, err
		}
		return store, nil
	case "postgres", "postgresql":
		db, err := sql.Open("postgres", rawURL)
		if err != nil {
			return nil, errors.Wrap(err, "failed to open postgres")
		}
		store := NewPostgresStore(db, log)
		if err := store.Ping(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		if err := store.Migrate(ctx); err != nil {
			_ = db.Close()
			return nil, err
		}
		return store, nil
	}
	return nil, errors.Errorf("unsupported dedup store scheme %q", u.Scheme)
}

func unavailable(err error) error {
	return errors.WithMessage(ErrStoreUnavailable, err.Error())
}
