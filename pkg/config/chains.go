package config

import "strings"

// Role identifies which hop of the relay a chain serves.
type Role string

const (
	RoleSource      Role = "source"
	RoleSettlement  Role = "settlement"
	RoleDestination Role = "destination"
)

// Roles lists the relay hops in pipeline order.
var Roles = []Role{RoleSource, RoleSettlement, RoleDestination}

// envPrefixes maps each role to its environment variable prefix
var envPrefixes = map[Role]string{
	RoleSource:      "SOURCE",
	RoleSettlement:  "SETTLEMENT",
	RoleDestination: "DESTINATION",
}

// logTags maps each role to the short tag used in log prefixes
var logTags = map[Role]string{
	RoleSource:      "SRC",
	RoleSettlement:  "SETL",
	RoleDestination: "DEST",
}

// chainNames maps well known chain IDs to their names
var chainNames = map[int]string{
	1:        "ETHEREUM",
	11155111: "SEPOLIA",
	336699:   "ESPRESSO",
	42161:    "ARBITRUM",
	421614:   "ARBITRUM_SEPOLIA",
}

// GetChainName returns the name of the chain for a given chain ID
func GetChainName(chainID int) string {
	name, exists := chainNames[chainID]
	if !exists {
		return ""
	}
	return name
}

// EnvPrefix returns the environment variable prefix of a role
func EnvPrefix(role Role) string {
	return envPrefixes[role]
}

// LogTag returns the short log tag of a role
func LogTag(role Role) string {
	return logTags[role]
}

// IsWebsocketURL reports whether an RPC URL supports push subscriptions
func IsWebsocketURL(rpcURL string) bool {
	lower := strings.ToLower(rpcURL)
	return strings.HasPrefix(lower, "ws://") || strings.HasPrefix(lower, "wss://")
}
