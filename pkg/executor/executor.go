package executor

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/dedup"
	"github.com/speedrun-hq/bridge-relayer/pkg/finality"
	"github.com/speedrun-hq/bridge-relayer/pkg/logger"
	"github.com/speedrun-hq/bridge-relayer/pkg/metrics"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// Chain is the target chain surface used to submit and follow relay transactions.
// *chainclient.Client implements it.
type Chain interface {
	Transactor(ctx context.Context) (*bind.TransactOpts, error)
	ReleaseTransactor(opts *bind.TransactOpts)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	BlockNumber(ctx context.Context) (uint64, error)
	TrackTransaction(tx *types.Transaction)
	TransactionMined(tx *types.Transaction)
	TransactionNotSent(tx *types.Transaction, err error)
	RequiredConfirmations() uint64
}

// DefaultReceiptTimeout bounds the wait for a relay transaction to be mined
const DefaultReceiptTimeout = 5 * time.Minute

// TxBuilder signs, without sending, the contract call relaying job
type TxBuilder func(opts *bind.TransactOpts, job *models.Job) (*types.Transaction, error)

// Status is the result of a successful Process call
type Status int

const (
	// StatusConfirmed means the relay transaction is final and recorded
	StatusConfirmed Status = iota
	// StatusDiscarded means another job holds or finished the operation
	StatusDiscarded
	// StatusAlreadyProcessed means the target contract reported the operation as done
	StatusAlreadyProcessed
)

func (s Status) String() string {
	switch s {
	case StatusConfirmed:
		return "confirmed"
	case StatusDiscarded:
		return "already_claimed"
	default:
		return "already_processed"
	}
}

// Result describes a processed job
type Result struct {
	Status Status
	TxHash common.Hash
}

// Config holds executor tuning
type Config struct {
	Kind            models.JobKind
	ChainID         int
	PollInterval    time.Duration
	ReceiptTimeout  time.Duration
	FinalityMaxWait time.Duration
}

// Executor relays one kind of job to its target chain. The dedup claim is
// taken before any transaction is built, and the signed transaction is
// stored before it is broadcast.
type Executor struct {
	cfg    Config
	chain  Chain
	store  dedup.Store
	build  TxBuilder
	gate   *finality.Gate
	logger logger.Logger
}

// New creates an executor
func New(cfg Config, chain Chain, store dedup.Store, build TxBuilder, log logger.Logger) *Executor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.ReceiptTimeout <= 0 {
		cfg.ReceiptTimeout = DefaultReceiptTimeout
	}
	return &Executor{
		cfg:    cfg,
		chain:  chain,
		store:  store,
		build:  build,
		gate:   finality.NewGate(chain, cfg.ChainID, chain.RequiredConfirmations(), cfg.PollInterval, cfg.FinalityMaxWait, log),
		logger: log,
	}
}

// Kind returns the job kind handled by the executor
func (e *Executor) Kind() models.JobKind {
	return e.cfg.Kind
}

// Store returns the dedup store the executor claims in
func (e *Executor) Store() dedup.Store {
	return e.store
}

// Process runs one attempt of job. Errors are meant for ClassifyError; the
// dedup record stays pending on every error so no other job can take it.
func (e *Executor) Process(ctx context.Context, job *models.Job) (Result, error) {
	if job.Kind != e.cfg.Kind {
		return Result{}, errors.Wrapf(ErrInvalidJob, "%s executor got a %s job", e.cfg.Kind, job.Kind)
	}
	if err := job.Validate(); err != nil {
		return Result{}, err
	}

	key := job.DedupKey()
	claim, err := e.store.Claim(ctx, key, job.ID)
	if err != nil {
		return Result{}, errors.Wrapf(err, "failed to claim %s", key)
	}
	if claim.Result == dedup.AlreadyClaimed {
		e.logger.InfoWithChain(e.cfg.ChainID, "Skipping job %s: %s is %s by %s", job.ID, key, claim.Record.Status, claim.Record.Owner)
		return Result{Status: StatusDiscarded}, nil
	}

	if claim.Resumed && claim.Record.TxHash != "" {
		return e.resume(ctx, job, key, &claim.Record)
	}
	return e.submitAndFollow(ctx, job, key, "")
}

// resume continues from the transaction stored by an earlier attempt. That
// transaction is rebroadcast unchanged; a new one is signed only when its nonce
// is used on chain and it has no receipt, so it can no longer be mined.
func (e *Executor) resume(ctx context.Context, job *models.Job, key string, record *models.DedupRecord) (Result, error) {
	prior := common.HexToHash(record.TxHash)
	receipt, err := e.chain.TransactionReceipt(ctx, prior)
	switch {
	case err == nil && record.Reopened && receipt.Status != types.ReceiptStatusSuccessful:
		e.logger.NoticeWithChain(e.cfg.ChainID, "Reopened %s replaces reverted transaction %s", key, prior.Hex())
		return e.submitAndFollow(ctx, job, key, record.TxHash)
	case err == nil:
		e.logger.InfoWithChain(e.cfg.ChainID, "Job %s resumes mined transaction %s", job.ID, prior.Hex())
		return e.finalize(ctx, job, key, nil, receipt)
	case !errors.Is(err, ethereum.NotFound):
		return Result{}, errors.Wrapf(err, "failed to check previous transaction %s", prior.Hex())
	}

	tx, err := decodeTransaction(record.RawTx)
	if err != nil || tx.Hash() != prior {
		return Result{}, errors.Wrapf(ErrUnknownSubmission, "%s of %s", prior.Hex(), key)
	}

	e.chain.TrackTransaction(tx)
	sendErr := e.chain.SendTransaction(ctx, tx)
	switch {
	case sendErr == nil || isAlreadyKnown(sendErr):
		e.logger.NoticeWithChain(e.cfg.ChainID, "Rebroadcast unmined %s for %s (job %s, attempt %d, nonce %d)",
			prior.Hex(), key, job.ID, job.Attempts, tx.Nonce())
		return e.follow(ctx, job, key, tx)
	case !isNonceTooLow(sendErr):
		e.chain.TransactionNotSent(tx, sendErr)
		return Result{}, errors.Wrapf(sendErr, "failed to rebroadcast %s for %s", prior.Hex(), key)
	}

	// the nonce is used, either by this transaction mined since the first lookup or by another one
	receipt, err = e.chain.TransactionReceipt(ctx, prior)
	if err == nil {
		return e.finalize(ctx, job, key, tx, receipt)
	}
	if !errors.Is(err, ethereum.NotFound) {
		return Result{}, errors.Wrapf(err, "failed to check previous transaction %s", prior.Hex())
	}
	e.chain.TransactionNotSent(tx, sendErr)
	e.logger.NoticeWithChain(e.cfg.ChainID, "Nonce %d of %s was used by another transaction, signing a new one for %s",
		tx.Nonce(), prior.Hex(), key)
	return e.submitAndFollow(ctx, job, key, record.TxHash)
}

// submitAndFollow signs a new transaction replacing previous and follows it to finality
func (e *Executor) submitAndFollow(ctx context.Context, job *models.Job, key, previous string) (Result, error) {
	tx, err := e.submit(ctx, job, key, previous)
	if err != nil {
		return Result{}, err
	}
	return e.follow(ctx, job, key, tx)
}

// follow waits for tx to be mined and finalizes it
func (e *Executor) follow(ctx context.Context, job *models.Job, key string, tx *types.Transaction) (Result, error) {
	receipt, err := e.waitReceipt(ctx, tx.Hash())
	if err != nil {
		return Result{}, err
	}
	return e.finalize(ctx, job, key, tx, receipt)
}

// submit signs the relay transaction, stores it and broadcasts it. The store
// only accepts it while the record still holds previous, so of two deliveries
// of one job a single transaction reaches the network.
func (e *Executor) submit(ctx context.Context, job *models.Job, key, previous string) (*types.Transaction, error) {
	opts, err := e.chain.Transactor(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "failed to prepare transactor")
	}

	tx, err := e.build(opts, job)
	if err != nil {
		e.chain.ReleaseTransactor(opts)
		return nil, errors.Wrapf(err, "failed to build transaction for %s", key)
	}

	raw, err := tx.MarshalBinary()
	if err != nil {
		e.chain.TransactionNotSent(tx, nil)
		return nil, errors.Wrapf(err, "failed to encode transaction for %s", key)
	}

	sub := dedup.Submission{Previous: previous, TxHash: tx.Hash(), RawTx: raw}
	if err := e.store.MarkSubmitted(ctx, key, job.ID, sub); err != nil {
		e.chain.TransactionNotSent(tx, nil)
		return nil, errors.Wrapf(err, "failed to record transaction for %s", key)
	}

	e.chain.TrackTransaction(tx)
	if err := e.chain.SendTransaction(ctx, tx); err != nil && !isAlreadyKnown(err) {
		e.chain.TransactionNotSent(tx, err)
		return nil, errors.Wrapf(err, "failed to send transaction for %s", key)
	}

	e.logger.InfoWithChain(e.cfg.ChainID, "Submitted %s for %s (job %s, attempt %d, nonce %d)",
		tx.Hash().Hex(), key, job.ID, job.Attempts, tx.Nonce())
	return tx, nil
}

// waitReceipt polls until the transaction is mined or the receipt timeout passes
func (e *Executor) waitReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, e.cfg.ReceiptTimeout)
	defer cancel()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		receipt, err := e.chain.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if !errors.Is(err, ethereum.NotFound) && ctx.Err() == nil {
			e.logger.DebugWithChain(e.cfg.ChainID, "Receipt lookup for %s failed: %v", hash.Hex(), err)
		}

		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return nil, errors.Wrapf(ErrReceiptTimeout, "%s after %v", hash.Hex(), e.cfg.ReceiptTimeout)
			}
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// finalize waits for the mined transaction to be final and records the outcome
func (e *Executor) finalize(ctx context.Context, job *models.Job, key string, tx *types.Transaction, receipt *types.Receipt) (Result, error) {
	if tx != nil {
		e.chain.TransactionMined(tx)
	}
	metrics.GasUsed.WithLabelValues(strconv.Itoa(e.cfg.ChainID)).Observe(float64(receipt.GasUsed))

	if receipt.Status != types.ReceiptStatusSuccessful {
		return Result{}, errors.Wrapf(ErrReverted, "%s in block %d", receipt.TxHash.Hex(), receipt.BlockNumber.Uint64())
	}

	res, err := e.gate.AwaitFinality(ctx, receipt.BlockNumber.Uint64())
	if err != nil {
		return Result{}, err
	}
	if res == finality.TimedOut {
		return Result{}, errors.Wrapf(ErrFinalityTimeout, "%s in block %d", receipt.TxHash.Hex(), receipt.BlockNumber.Uint64())
	}

	// the receipt is fetched again so a reorg during the wait is noticed
	final, err := e.chain.TransactionReceipt(ctx, receipt.TxHash)
	if errors.Is(err, ethereum.NotFound) {
		return Result{}, errors.Wrapf(ErrDroppedByReorg, "%s was in block %d", receipt.TxHash.Hex(), receipt.BlockNumber.Uint64())
	}
	if err != nil {
		return Result{}, errors.Wrapf(err, "failed to re-check receipt of %s", receipt.TxHash.Hex())
	}
	if final.BlockHash != receipt.BlockHash {
		e.logger.NoticeWithChain(e.cfg.ChainID, "Transaction %s moved from block %d to %d", receipt.TxHash.Hex(), receipt.BlockNumber, final.BlockNumber)
		return e.finalize(ctx, job, key, nil, final)
	}

	if err := e.store.RecordOutcome(ctx, key, models.Confirmed(receipt.TxHash)); err != nil {
		if !errors.Is(err, dedup.ErrNotPending) {
			return Result{}, errors.Wrapf(err, "failed to record outcome of %s", key)
		}
		e.logger.NoticeWithChain(e.cfg.ChainID, "Outcome of %s was already recorded", key)
	}

	e.logger.InfoWithChain(e.cfg.ChainID, "Confirmed %s with %s in block %d (job %s)", key, receipt.TxHash.Hex(), receipt.BlockNumber, job.ID)
	return Result{Status: StatusConfirmed, TxHash: receipt.TxHash}, nil
}

// isAlreadyKnown matches nodes rejecting a transaction they already hold
func isAlreadyKnown(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "already known") || strings.Contains(msg, "known transaction")
}

// isNonceTooLow matches nodes rejecting a transaction whose nonce is already used
func isNonceTooLow(err error) bool {
	return strings.Contains(err.Error(), "nonce too low")
}

func decodeTransaction(raw string) (*types.Transaction, error) {
	data, err := hexutil.Decode(raw)
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, errors.New("empty transaction")
	}
	tx := new(types.Transaction)
	if err := tx.UnmarshalBinary(data); err != nil {
		return nil, err
	}
	return tx, nil
}
