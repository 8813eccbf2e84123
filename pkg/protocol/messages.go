package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rexliu/dappbridge/pkg/core"
)

// ResponseEnvelope is what the relay posts back to the page. Exactly one of
// Result and Error is set; a JSON null result is a present result.
type ResponseEnvelope struct {
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     *RPCError       `json:"error,omitempty"`
}

// ResultEnvelope builds a successful response. A nil result is sent as null.
func ResultEnvelope(requestID string, result json.RawMessage) ResponseEnvelope {
	if result == nil {
		result = json.RawMessage("null")
	}
	return ResponseEnvelope{RequestID: requestID, Result: result}
}

// ErrorEnvelope builds a failed response.
func ErrorEnvelope(requestID string, err *RPCError) ResponseEnvelope {
	return ResponseEnvelope{RequestID: requestID, Error: err}
}

// ErrAmbiguousResponse is reported for a response with both or neither of
// result and error.
var ErrAmbiguousResponse = errors.New("response must carry exactly one of result or error")

func (r ResponseEnvelope) Validate() error {
	if r.RequestID == "" {
		return errors.New("response: missing requestId")
	}
	if (r.Result != nil) == (r.Error != nil) {
		return ErrAmbiguousResponse
	}
	return nil
}

// ProviderEvent is an EIP-1193 event pushed to the page.
type ProviderEvent struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

func (e ProviderEvent) Validate() error {
	switch e.Event {
	case EventConnect, EventDisconnect, EventAccountsChanged, EventChainChanged, EventMessage:
		return nil
	case "":
		return errors.New("event: missing name")
	default:
		return fmt.Errorf("event: unknown name %q", e.Event)
	}
}

// NewProviderEvent marshals data into an event.
func NewProviderEvent(name string, data any) (ProviderEvent, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return ProviderEvent{}, err
	}
	return ProviderEvent{Event: name, Data: raw}, nil
}

// ConnectInfo is the payload of the connect event.
type ConnectInfo struct {
	ChainID     string `json:"chainId"`
	ProviderURL string `json:"providerUrl,omitempty"`
}

// DappRequest is what the relay hands to the background.
type DappRequest struct {
	RequestID string          `json:"requestId"`
	Request   EthereumRequest `json:"request"`
}

func (r DappRequest) Validate() error {
	if r.RequestID == "" || len(r.RequestID) > maxRequestIDLen {
		return WrongShapeError("requestId has an invalid length")
	}
	if r.Request.Method == "" {
		return WrongShapeError("missing method")
	}
	return nil
}

// AccountResponse answers an account request.
type AccountResponse struct {
	Type               string   `json:"type"`
	RequestID          string   `json:"requestId"`
	ConnectedAddresses []string `json:"connectedAddresses"`
	ChainID            string   `json:"chainId"`
	ProviderURL        string   `json:"providerUrl"`
}

// NewAccountResponse fills the type tag.
func NewAccountResponse(requestID string, addresses []string, chainID core.ChainID, providerURL string) AccountResponse {
	if addresses == nil {
		addresses = []string{}
	}
	return AccountResponse{
		Type:               TypeAccountResponse,
		RequestID:          requestID,
		ConnectedAddresses: addresses,
		ChainID:            chainID.Hex(),
		ProviderURL:        providerURL,
	}
}

func (r AccountResponse) Validate() error {
	if r.Type != TypeAccountResponse {
		return fmt.Errorf("account response: unexpected type %q", r.Type)
	}
	if r.RequestID == "" {
		return errors.New("account response: missing requestId")
	}
	if _, err := core.ParseChainID(r.ChainID); err != nil {
		return fmt.Errorf("account response: %w", err)
	}
	for _, a := range r.ConnectedAddresses {
		if _, err := core.ParseAddress(a); err != nil {
			return fmt.Errorf("account response: %w", err)
		}
	}
	return nil
}

// ChainIDResponse answers eth_chainId.
type ChainIDResponse struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	ChainID   string `json:"chainId"`
}

func NewChainIDResponse(requestID string, chainID core.ChainID) ChainIDResponse {
	return ChainIDResponse{Type: TypeChainIDResponse, RequestID: requestID, ChainID: chainID.Hex()}
}

func (r ChainIDResponse) Validate() error {
	if r.Type != TypeChainIDResponse || r.RequestID == "" {
		return errors.New("chain id response: bad envelope")
	}
	_, err := core.ParseChainID(r.ChainID)
	return err
}

// ResultResponse carries an arbitrary JSON result, used for methods whose
// answer has no dedicated shape (wallet_switchEthereumChain returns null).
type ResultResponse struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Result    json.RawMessage `json:"result"`
}

func NewResultResponse(requestID string, result json.RawMessage) ResultResponse {
	if result == nil {
		result = json.RawMessage("null")
	}
	return ResultResponse{Type: TypeResultResponse, RequestID: requestID, Result: result}
}

func (r ResultResponse) Validate() error {
	if r.Type != TypeResultResponse || r.RequestID == "" {
		return errors.New("result response: bad envelope")
	}
	return nil
}

// ErrorResponse reports a failed request.
type ErrorResponse struct {
	Type      string    `json:"type"`
	RequestID string    `json:"requestId"`
	Error     *RPCError `json:"error"`
}

func NewErrorResponse(requestID string, err *RPCError) ErrorResponse {
	return ErrorResponse{Type: TypeErrorResponse, RequestID: requestID, Error: err}
}

func (r ErrorResponse) Validate() error {
	if r.Type != TypeErrorResponse || r.RequestID == "" {
		return errors.New("error response: bad envelope")
	}
	return r.Error.Validate()
}
