package sip

import "github.com/voicegrid/sipcore/internal/errorutil"

// Common errors.
const (
	ErrInvalidArgument  = errorutil.ErrInvalidArgument
	ErrActionNotAllowed Error = "action not allowed"
)

// Transaction errors.
const (
	ErrTransactionNotFound    Error = "transaction not found"
	ErrTransactionExists      Error = "transaction already exists"
	ErrTransactionTimedOut    Error = "transaction timed out"
	ErrTransactionTerminated  Error = "transaction terminated"
	ErrTransactionLayerClosed Error = "transaction layer closed"
)

// Transport errors.
const (
	ErrTransportClosed  Error = "transport closed"
	ErrTransportFailure Error = "transport failure"
	ErrNoTransport      Error = "no transport resolved"
	ErrNoTarget         Error = "no target resolved"
)

// Message errors.
const (
	ErrInvalidMessage    Error = "invalid message"
	ErrMethodNotAllowed  Error = "request method not allowed"
	ErrMessageNotMatched Error = "message not matched"
)

// Dialog errors.
const (
	ErrDialogNotFound    Error = "dialog not found"
	ErrDialogExists      Error = "dialog already exists"
	ErrDialogMismatch    Error = "message matches no dialog"
	ErrDialogTerminated  Error = "dialog terminated"
	ErrDialogLayerClosed Error = "dialog layer closed"
	ErrSequenceViolation Error = "out of order request sequence"
)

// Authentication errors.
const (
	ErrNoCredentials   Error = "no credentials for realm"
	ErrAuthExhausted   Error = "authentication attempts exhausted"
	ErrUnsupportedAuth Error = "unsupported authentication scheme"
)

// Error represents a SIP error.
// See [errorutil.Error].
type Error = errorutil.Error

// NewInvalidArgumentError creates a new error with [ErrInvalidArgument] or
// wraps provided error with [ErrInvalidArgument].
func NewInvalidArgumentError(args ...any) error {
	return errorutil.NewInvalidArgumentError(args...) //errtrace:skip
}

// NewInvalidMessageError wraps the provided error with [ErrInvalidMessage].
func NewInvalidMessageError(err error) error {
	return errorutil.NewWrapperError(ErrInvalidMessage, err) //errtrace:skip
}

func newMissHdrErr(name HeaderName) error {
	return errorutil.Errorf("missing %q header", name) //errtrace:skip
}
