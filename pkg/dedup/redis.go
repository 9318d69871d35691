package dedup

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// pendingSetKey indexes pending records for reconciliation
const pendingSetKey = "dedup:pending"

// maxTxRetries bounds optimistic transaction retries under contention
const maxTxRetries = 10

// RedisStore keeps records as JSON strings under deposit:<id> and purchase:<id>
type RedisStore struct {
	client *redis.Client
	logger logger.Logger
}

var _ Store = (*RedisStore)(nil)

// NewRedisStore creates a store on an existing client
func NewRedisStore(client *redis.Client, log logger.Logger) *RedisStore {
	return &RedisStore{client: client, logger: log}
}

// Claim implements Store using WATCH on the record key so that only one
// MULTI/EXEC creating the record can succeed.
func (s *RedisStore) Claim(ctx context.Context, key, owner string) (Claim, error) {
	var claim Claim

	txf := func(tx *redis.Tx) error {
		existing, err := getRecord(ctx, tx, key)
		if err != nil && !errors.Is(err, ErrNotFound) {
			return err
		}

		if existing != nil {
			claim = Claim{Result: AlreadyClaimed, Record: *existing}
			if existing.Status == models.StatusPending && existing.Owner == owner {
				claim.Result = Granted
				claim.Resumed = true
			}
			return nil
		}

		record := models.DedupRecord{
			Status:    models.StatusPending,
			Owner:     owner,
			Timestamp: models.NowMillis(),
		}
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, pendingSetKey, key)
			return nil
		})
		if err != nil {
			return err
		}
		claim = Claim{Result: Granted, Record: record}
		return nil
	}

	if err := s.watch(ctx, txf, key); err != nil {
		return Claim{}, err
	}
	return claim, nil
}

// MarkSubmitted implements Store
func (s *RedisStore) MarkSubmitted(ctx context.Context, key, owner string, sub Submission) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		record, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if record.Status != models.StatusPending {
			return ErrNotPending
		}
		if record.Owner != owner {
			return ErrNotOwner
		}
		if record.TxHash != sub.Previous {
			return ErrSuperseded
		}

		record.TxHash = sub.TxHash.Hex()
		record.RawTx = hexutil.Encode(sub.RawTx)
		record.Reopened = false
		record.Timestamp = models.NowMillis()
		return setRecord(ctx, tx, key, record, false)
	}, key)
}

// Reopen implements Store
func (s *RedisStore) Reopen(ctx context.Context, key, owner string) error {
	return s.watch(ctx, func(tx *redis.Tx) error {
		record, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if record.Status != models.StatusFailed {
			return ErrNotFailed
		}

		record.Status = models.StatusPending
		record.Owner = owner
		record.Reopened = true
		record.Reason = "reopened after: " + record.Reason
		record.Timestamp = models.NowMillis()
		data, err := json.Marshal(record)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.SAdd(ctx, pendingSetKey, key)
			return nil
		})
		return err
	}, key)
}

// RecordOutcome implements Store
func (s *RedisStore) RecordOutcome(ctx context.Context, key string, outcome models.Outcome) error {
	if !outcome.Status.IsTerminal() {
		return errors.Errorf("outcome status %q is not terminal", outcome.Status)
	}

	return s.watch(ctx, func(tx *redis.Tx) error {
		record, err := getRecord(ctx, tx, key)
		if err != nil {
			return err
		}
		if record.Status != models.StatusPending {
			return ErrNotPending
		}

		record.Status = outcome.Status
		if outcome.TxHash != "" {
			record.TxHash = outcome.TxHash
		}
		record.Reason = outcome.Reason
		record.Timestamp = models.NowMillis()
		return setRecord(ctx, tx, key, record, true)
	}, key)
}

// RecordError implements Store
func (s *RedisStore) RecordError(ctx context.Context, key, detail string) error {
	data, err := json.Marshal(models.ErrorDetail{Error: detail, Timestamp: models.NowMillis()})
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, models.ErrorKey(key), data, 0).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Lookup implements Store
func (s *RedisStore) Lookup(ctx context.Context, key string) (*models.DedupRecord, error) {
	record, err := getRecord(ctx, s.client, key)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, unavailable(err)
	}
	return record, err
}

// LastError implements Store
func (s *RedisStore) LastError(ctx context.Context, key string) (*models.ErrorDetail, error) {
	raw, err := s.client.Get(ctx, models.ErrorKey(key)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, unavailable(err)
	}

	var detail models.ErrorDetail
	if err := json.Unmarshal(raw, &detail); err != nil {
		return nil, errors.Wrapf(err, "corrupt error detail at %s", models.ErrorKey(key))
	}
	return &detail, nil
}

// ListPending implements Store
func (s *RedisStore) ListPending(ctx context.Context) ([]PendingRecord, error) {
	keys, err := s.client.SMembers(ctx, pendingSetKey).Result()
	if err != nil {
		return nil, unavailable(err)
	}
	sort.Strings(keys)

	pending := make([]PendingRecord, 0, len(keys))
	for _, key := range keys {
		record, err := s.Lookup(ctx, key)
		if errors.Is(err, ErrNotFound) {
			s.client.SRem(ctx, pendingSetKey, key)
			continue
		}
		if err != nil {
			return nil, err
		}
		if record.Status != models.StatusPending {
			s.client.SRem(ctx, pendingSetKey, key)
			continue
		}
		pending = append(pending, PendingRecord{Key: key, Record: *record})
	}
	return pending, nil
}

// Ping implements Store
func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return unavailable(err)
	}
	return nil
}

// Close implements Store
func (s *RedisStore) Close() error {
	return s.client.Close()
}

// watch runs fn in an optimistic transaction, retrying when the key changed underneath.
func (s *RedisStore) watch(ctx context.Context, fn func(tx *redis.Tx) error, key string) error {
	for i := 0; i < maxTxRetries; i++ {
		err := s.client.Watch(ctx, fn, key)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, redis.TxFailedErr):
			s.logger.Debug("Dedup transaction on %s lost a race, retrying", key)
			continue
		case errors.Is(err, ErrNotFound), errors.Is(err, ErrNotPending), errors.Is(err, ErrNotOwner),
			errors.Is(err, ErrSuperseded), errors.Is(err, ErrNotFailed):
			return err
		default:
			return unavailable(err)
		}
	}
	return unavailable(errors.Errorf("too much contention on %s", key))
}

// getter is satisfied by both *redis.Client and *redis.Tx
type getter interface {
	Get(ctx context.Context, key string) *redis.StringCmd
}

func getRecord(ctx context.Context, cmd getter, key string) (*models.DedupRecord, error) {
	raw, err := cmd.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	var record models.DedupRecord
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, errors.Wrapf(err, "corrupt dedup record at %s", key)
	}
	return &record, nil
}

func setRecord(ctx context.Context, tx *redis.Tx, key string, record *models.DedupRecord, terminal bool) error {
	data, err := json.Marshal(record)
	if err != nil {
		return err
	}
	_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, key, data, 0)
		if terminal {
			pipe.SRem(ctx, pendingSetKey, key)
		}
		return nil
	})
	return err
}
