package contracts

import (
	"fmt"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/core/types"
)

func mustParseABI(definition string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(definition))
	if err != nil {
		panic(fmt.Sprintf("invalid contract ABI: %v", err))
	}
	return parsed
}

// unpackLog decodes both the indexed and the data fields of an event log into out.
func unpackLog(contractABI abi.ABI, out interface{}, eventName string, log types.Log) error {
	event, ok := contractABI.Events[eventName]
	if !ok {
		return fmt.Errorf("event %s not found in ABI", eventName)
	}
	if len(log.Topics) == 0 || log.Topics[0] != event.ID {
		return fmt.Errorf("log is not a %s event", eventName)
	}
	if len(log.Data) > 0 {
		if err := contractABI.UnpackIntoInterface(out, eventName, log.Data); err != nil {
			return fmt.Errorf("failed to unpack %s data: %v", eventName, err)
		}
	}
	var indexed abi.Arguments
	for _, arg := range event.Inputs {
		if arg.Indexed {
			indexed = append(indexed, arg)
		}
	}
	if err := abi.ParseTopics(out, indexed, log.Topics[1:]); err != nil {
		return fmt.Errorf("failed to parse %s topics: %v", eventName, err)
	}
	return nil
}
