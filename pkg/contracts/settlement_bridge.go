package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SettlementBridgeABI is the ABI of the settlement chain bridge hub
const SettlementBridgeABI = `[
	{
		"inputs": [
			{"internalType": "address", "name": "user", "type": "address"},
			{"internalType": "address", "name": "token", "type": "address"},
			{"internalType": "uint256", "name": "amount", "type": "uint256"},
			{"internalType": "bytes32", "name": "depositId", "type": "bytes32"}
		],
		"name": "confirmDeposit",
		"outputs": [],
		"stateMutability": "nonpayable",
		"type": "function"
	},
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "token", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "targetChainId", "type": "uint256"},
			{"indexed": false, "internalType": "address", "name": "nftContract", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "nftId", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "purchaseId", "type": "bytes32"}
		],
		"name": "PurchaseInitiated",
		"type": "event"
	}
]`

// ParsedSettlementBridgeABI is the parsed form of SettlementBridgeABI
var ParsedSettlementBridgeABI = mustParseABI(SettlementBridgeABI)

// SettlementBridgePurchaseInitiated represents a PurchaseInitiated event raised by the settlement bridge.
type SettlementBridgePurchaseInitiated struct {
	User          common.Address
	Token         common.Address
	Amount        *big.Int
	TargetChainId *big.Int
	NftContract   common.Address
	NftId         *big.Int
	PurchaseId    [32]byte
	Raw           types.Log // Blockchain specific contextual infos
}

// SettlementBridge is a Go binding around the settlement chain bridge hub.
type SettlementBridge struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewSettlementBridge creates a new instance of SettlementBridge, bound to a specific deployed contract.
func NewSettlementBridge(address common.Address, backend bind.ContractBackend) *SettlementBridge {
	return &SettlementBridge{
		address:  address,
		contract: bind.NewBoundContract(address, ParsedSettlementBridgeABI, backend, backend, backend),
	}
}

// Address returns the bound contract address
func (b *SettlementBridge) Address() common.Address {
	return b.address
}

// ConfirmDeposit is a paid mutator transaction binding the contract method confirmDeposit.
//
// Solidity: function confirmDeposit(address user, address token, uint256 amount, bytes32 depositId) returns()
func (b *SettlementBridge) ConfirmDeposit(opts *bind.TransactOpts, user common.Address, token common.Address, amount *big.Int, depositId [32]byte) (*types.Transaction, error) {
	return b.contract.Transact(opts, "confirmDeposit", user, token, amount, depositId)
}

// PurchaseInitiatedTopic returns the topic hash of the PurchaseInitiated event.
//
// Solidity: event PurchaseInitiated(address indexed user, address indexed token, uint256 amount, uint256 targetChainId, address nftContract, uint256 nftId, bytes32 purchaseId)
func PurchaseInitiatedTopic() common.Hash {
	return ParsedSettlementBridgeABI.Events["PurchaseInitiated"].ID
}

// ParsePurchaseInitiated decodes a PurchaseInitiated log.
func ParsePurchaseInitiated(log types.Log) (*SettlementBridgePurchaseInitiated, error) {
	event := new(SettlementBridgePurchaseInitiated)
	if err := unpackLog(ParsedSettlementBridgeABI, event, "PurchaseInitiated", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// PackPurchaseInitiatedData encodes the non-indexed PurchaseInitiated fields.
func PackPurchaseInitiatedData(amount, targetChainID *big.Int, nftContract common.Address, nftID *big.Int, purchaseID [32]byte) ([]byte, error) {
	return nonIndexed(ParsedSettlementBridgeABI, "PurchaseInitiated").Pack(amount, targetChainID, nftContract, nftID, purchaseID)
}
