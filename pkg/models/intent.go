package models

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// DepositEvent represents one TokensDeposited occurrence on the source chain
type DepositEvent struct {
	DepositID          common.Hash    `json:"deposit_id"`
	User               common.Address `json:"user"`
	Token              common.Address `json:"token"`
	Amount             *big.Int       `json:"amount"`
	DestinationChainID *big.Int       `json:"destination_chain_id"`
	BlockNumber        uint64         `json:"block_number"`
	BlockHash          common.Hash    `json:"block_hash"`
	TxHash             common.Hash    `json:"tx_hash"`
	LogIndex           uint           `json:"log_index"`
	DetectedAt         time.Time      `json:"detected_at"`
}

// PurchaseIntent represents one PurchaseInitiated occurrence on the settlement chain
type PurchaseIntent struct {
	PurchaseID    common.Hash    `json:"purchase_id"`
	User          common.Address `json:"user"`
	Token         common.Address `json:"token"`
	Amount        *big.Int       `json:"amount"`
	TargetChainID *big.Int       `json:"target_chain_id"`
	NFTContract   common.Address `json:"nft_contract"`
	NFTID         *big.Int       `json:"nft_id"`
	BlockNumber   uint64         `json:"block_number"`
	BlockHash     common.Hash    `json:"block_hash"`
	TxHash        common.Hash    `json:"tx_hash"`
	LogIndex      uint           `json:"log_index"`
	DetectedAt    time.Time      `json:"detected_at"`
}
