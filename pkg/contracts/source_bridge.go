package contracts

import (
	"math/big"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// SourceBridgeABI is the ABI of the source chain bridge contract
const SourceBridgeABI = `[
	{
		"anonymous": false,
		"inputs": [
			{"indexed": true, "internalType": "address", "name": "user", "type": "address"},
			{"indexed": true, "internalType": "address", "name": "token", "type": "address"},
			{"indexed": false, "internalType": "uint256", "name": "amount", "type": "uint256"},
			{"indexed": false, "internalType": "uint256", "name": "destinationChainId", "type": "uint256"},
			{"indexed": false, "internalType": "bytes32", "name": "depositId", "type": "bytes32"}
		],
		"name": "TokensDeposited",
		"type": "event"
	}
]`

// ParsedSourceBridgeABI is the parsed form of SourceBridgeABI
var ParsedSourceBridgeABI = mustParseABI(SourceBridgeABI)

// SourceBridgeTokensDeposited represents a TokensDeposited event raised by the source bridge.
type SourceBridgeTokensDeposited struct {
	User               common.Address
	Token              common.Address
	Amount             *big.Int
	DestinationChainId *big.Int
	DepositId          [32]byte
	Raw                types.Log // Blockchain specific contextual infos
}

// SourceBridge is a Go binding around the source chain bridge contract.
type SourceBridge struct {
	address  common.Address
	contract *bind.BoundContract
}

// NewSourceBridge creates a new instance of SourceBridge, bound to a specific deployed contract.
func NewSourceBridge(address common.Address, backend bind.ContractBackend) *SourceBridge {
	return &SourceBridge{
		address:  address,
		contract: bind.NewBoundContract(address, ParsedSourceBridgeABI, backend, backend, backend),
	}
}

// Address returns the bound contract address
func (b *SourceBridge) Address() common.Address {
	return b.address
}

// TokensDepositedTopic returns the topic hash of the TokensDeposited event.
//
// Solidity: event TokensDeposited(address indexed user, address indexed token, uint256 amount, uint256 destinationChainId, bytes32 depositId)
func TokensDepositedTopic() common.Hash {
	return ParsedSourceBridgeABI.Events["TokensDeposited"].ID
}

// ParseTokensDeposited decodes a TokensDeposited log.
func ParseTokensDeposited(log types.Log) (*SourceBridgeTokensDeposited, error) {
	event := new(SourceBridgeTokensDeposited)
	if err := unpackLog(ParsedSourceBridgeABI, event, "TokensDeposited", log); err != nil {
		return nil, err
	}
	event.Raw = log
	return event, nil
}

// PackTokensDepositedData encodes the non-indexed TokensDeposited fields.
func PackTokensDepositedData(amount, destinationChainID *big.Int, depositID [32]byte) ([]byte, error) {
	return nonIndexed(ParsedSourceBridgeABI, "TokensDeposited").Pack(amount, destinationChainID, depositID)
}

func nonIndexed(contractABI abi.ABI, eventName string) abi.Arguments {
	return contractABI.Events[eventName].Inputs.NonIndexed()
}
