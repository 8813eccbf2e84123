package protocol

import (
	"context"
	"errors"
	"fmt"
)

// Standard JSON-RPC and EIP-1193 error codes.
const (
	CodeInvalidRequest    = -32600
	CodeInvalidParams     = -32602
	CodeInternal          = -32603
	CodeUnauthorized      = 4100
	CodeUnsupportedMethod = 4200
	CodeDisconnected      = 4900
	CodeUnrecognizedChain = 4902
)

var (
	// ErrWrongShape marks input that parsed as JSON but does not have the
	// request shape (not an object, bad method or params type).
	ErrWrongShape = errors.New("wrong shape")
	// ErrMalformed marks any other unusable input.
	ErrMalformed = errors.New("malformed request")
)

// RPCError is the only error form that crosses the page boundary.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`

	cause error
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

func (e *RPCError) Unwrap() error {
	return e.cause
}

// Validate checks the wire invariants of an error payload.
func (e *RPCError) Validate() error {
	if e == nil {
		return errors.New("missing error payload")
	}
	if e.Code == 0 {
		return errors.New("error payload: missing code")
	}
	if e.Message == "" {
		return errors.New("error payload: missing message")
	}
	return nil
}

func newRPCError(code int, msg string, cause error) *RPCError {
	return &RPCError{Code: code, Message: msg, cause: cause}
}

// WrongShapeError reports a request that failed schema validation.
func WrongShapeError(detail string) *RPCError {
	return newRPCError(CodeInvalidRequest, "Invalid request: wrong shape: "+detail, ErrWrongShape)
}

// InvalidRequestError reports malformed input that is not a shape problem.
func InvalidRequestError(detail string) *RPCError {
	return newRPCError(CodeInvalidRequest, "Invalid request: "+detail, ErrMalformed)
}

func InvalidParamsError(detail string) *RPCError {
	return newRPCError(CodeInvalidParams, "Invalid params: "+detail, nil)
}

// InternalError carries a fixed public message; the cause stays local.
func InternalError(cause error) *RPCError {
	return newRPCError(CodeInternal, "Internal error", cause)
}

func UnauthorizedError() *RPCError {
	return newRPCError(CodeUnauthorized, "Unauthorized: the dapp is not connected to an account", nil)
}

func UnsupportedMethodError(method string) *RPCError {
	return newRPCError(CodeUnsupportedMethod, fmt.Sprintf("Unsupported method: %s", method), nil)
}

func DisconnectedError() *RPCError {
	return newRPCError(CodeDisconnected, "The provider is disconnected", nil)
}

func UnrecognizedChainError(chainID string) *RPCError {
	return newRPCError(CodeUnrecognizedChain, fmt.Sprintf("Unrecognized chain ID %s", chainID), nil)
}

// TimeoutError is returned when no response arrived in time.
func TimeoutError() *RPCError {
	return newRPCError(CodeInternal, "request timed out", context.DeadlineExceeded)
}

// ToRPCError converts err into a payload safe to hand to a page. RPC errors
// pass through; anything else becomes a generic internal error.
func ToRPCError(err error) *RPCError {
	if err == nil {
		return nil
	}
	var rpcErr *RPCError
	if errors.As(err, &rpcErr) {
		return rpcErr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return TimeoutError()
	}
	if errors.Is(err, context.Canceled) {
		return newRPCError(CodeInternal, "request cancelled", err)
	}
	return InternalError(err)
}
