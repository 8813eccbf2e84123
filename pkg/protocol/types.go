// Package protocol defines the wire shapes exchanged between the page
// provider, the content-script relay and the background handlers, and the
// parsers that turn untrusted JSON into validated values.
package protocol

// Page channel message tags.
const (
	TypeRequest  = "request"
	TypeResponse = "response"
	TypeEvent    = "event"
)

// Extension channel message tags.
const (
	TypeDappRequest     = "DappRequest"
	TypeAccountResponse = "AccountResponse"
	TypeChainIDResponse = "ChainIdResponse"
	TypeResultResponse  = "ResultResponse"
	TypeErrorResponse   = "ErrorResponse"
	TypeProviderEvent   = "ProviderEvent"
)

// Provider event names.
const (
	EventConnect         = "connect"
	EventDisconnect      = "disconnect"
	EventAccountsChanged = "accountsChanged"
	EventChainChanged    = "chainChanged"
	EventMessage         = "message"
)

// Methods the background understands.
const (
	MethodRequestAccounts = "eth_requestAccounts"
	MethodAccounts        = "eth_accounts"
	MethodChainID         = "eth_chainId"
	MethodNetVersion      = "net_version"
	MethodSwitchChain     = "wallet_switchEthereumChain"
	MethodRevoke          = "wallet_revokePermissions"
)

// JSONRPCVersion is echoed to legacy callback-style callers.
const JSONRPCVersion = "2.0"

const (
	maxRequestIDLen = 128
	maxMethodLen    = 256
)
