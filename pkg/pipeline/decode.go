package pipeline

import (
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/contracts"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// Decoder turns a raw event log into a job
type Decoder func(lg types.Log) (*models.Job, error)

// DecodeDeposit decodes a TokensDeposited log
func DecodeDeposit(lg types.Log) (*models.Job, error) {
	ev, err := contracts.ParseTokensDeposited(lg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode TokensDeposited")
	}
	return models.NewDepositJob(JobID(models.JobKindDeposit, lg), &models.DepositEvent{
		DepositID:          common.Hash(ev.DepositId),
		User:               ev.User,
		Token:              ev.Token,
		Amount:             ev.Amount,
		DestinationChainID: ev.DestinationChainId,
		BlockNumber:        lg.BlockNumber,
		BlockHash:          lg.BlockHash,
		TxHash:             lg.TxHash,
		LogIndex:           lg.Index,
		DetectedAt:         time.Now(),
	}), nil
}

// DecodePurchase decodes a PurchaseInitiated log
func DecodePurchase(lg types.Log) (*models.Job, error) {
	ev, err := contracts.ParsePurchaseInitiated(lg)
	if err != nil {
		return nil, errors.Wrap(err, "failed to decode PurchaseInitiated")
	}
	return models.NewPurchaseJob(JobID(models.JobKindPurchase, lg), &models.PurchaseIntent{
		PurchaseID:    common.Hash(ev.PurchaseId),
		User:          ev.User,
		Token:         ev.Token,
		Amount:        ev.Amount,
		TargetChainID: ev.TargetChainId,
		NFTContract:   ev.NftContract,
		NFTID:         ev.NftId,
		BlockNumber:   lg.BlockNumber,
		BlockHash:     lg.BlockHash,
		TxHash:        lg.TxHash,
		LogIndex:      lg.Index,
		DetectedAt:    time.Now(),
	}), nil
}

// JobID derives the job id from the log position, so a replayed log maps to
// the job already queued for it.
func JobID(kind models.JobKind, lg types.Log) string {
	name := fmt.Sprintf("%s:%s:%d", kind, lg.TxHash.Hex(), lg.Index)
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(name)).String()
}

// logKey names an undecodable log in the error records
func logKey(kind models.JobKind, lg types.Log) string {
	return fmt.Sprintf("%s:log:%s:%d", kind, lg.TxHash.Hex(), lg.Index)
}
