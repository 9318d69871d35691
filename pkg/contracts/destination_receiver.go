package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// DestinationReceiverABI is the ABI of the destination chain bridge receiver
const DestinationReceiverABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "address", "name": "nftContract", "type": "address"},
			{"internalType": "uint256", "name": "nftId", "type": "uint256"},
			{"internalType": "uint256", "name": "price", "type": "uint256"},
			{"internalType": "bytes32", "name": "purchaseId", "type": "bytes32"}
		],
		"name": "executeNFTPurchase",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	}
]`

// ParsedDestinationReceiverABI is the parsed form of DestinationReceiverABI
var ParsedDestinationReceiverABI = mustParseABI(DestinationReceiverABI)

// DestinationReceiver is a Go binding around the destination chain bridge receiver.
type DestinationReceiver struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewDestinationReceiver creates a new instance of DestinationReceiver, bound to a specific deployed contract.
func NewDestinationReceiver(address common.Address, backend bind.ContractBackend) *DestinationReceiver {
	return &DestinationReceiver{
		address:  address,
		contract: bind.NewBoundContract(address, ParsedDestinationReceiverABI, backend, backend, backend),
	}
}

// Address returns the bound contract address
func (r *DestinationReceiver) Address() common.Address {
	return r.address
}

// ExecuteNFTPurchase is a paid mutator transaction binding the contract method executeNFTPurchase.
//
// Solidity: function executeNFTPurchase(address user, address nftContract, uint256 nftId, uint256 price, bytes32 purchaseId) returns()
func (r *DestinationReceiver) ExecuteNFTPurchase(opts *bind.TransactOpts, user common.Address, nftContract common.Address, nftId *big.Int, price *big.Int, purchaseId [32]byte) (*types.Transaction, error) {
	return r.contract.Transact(opts, "executeNFTPurchase", user, nftContract, nftId, price, purchaseId)
}
