package executor

import (
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/pkg/errors"
	"github.com/speedrun-hq/bridge-relayer/pkg/contracts"
	"github.com/speedrun-hq/bridge-relayer/pkg/models"
)

// ConfirmDeposit builds confirmDeposit(user, token, amount, depositId) calls on the settlement bridge
func ConfirmDeposit(bridge *contracts.SettlementBridge) TxBuilder {
	return func(opts *bind.TransactOpts, job *models.Job) (*types.Transaction, error) {
		d := job.Deposit
		if d == nil {
			return nil, errors.Wrap(ErrInvalidJob, "deposit payload missing")
		}
		return bridge.ConfirmDeposit(opts, d.User, d.Token, d.Amount, d.DepositID)
	}
}

// ExecutePurchase builds executeNFTPurchase(user, nftContract, nftId, price, purchaseId) calls on the destination receiver
func ExecutePurchase(receiver *contracts.DestinationReceiver) TxBuilder {
	return func(opts *bind.TransactOpts, job *models.Job) (*types.Transaction, error) {
		p := job.Purchase
		if p == nil {
			return nil, errors.Wrap(ErrInvalidJob, "purchase payload missing")
		}
		return receiver.ExecuteNFTPurchase(opts, p.User, p.NFTContract, p.NFTID, p.Amount, p.PurchaseID)
	}
}
