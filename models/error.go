package models

import (
	"errors"
	"fmt"
)

// Validation failures. These are never retried automatically.
var (
	ErrNotFound            = errors.New("request not found")
	ErrInvalidParticipant  = errors.New("invalid participant")
	ErrUnauthorized        = errors.New("caller is not a party to this request")
	ErrWalletNotConfigured = errors.New("collector wallet not configured")
	ErrPayeeMismatch       = errors.New("payee does not match collector wallet")
	ErrInvalidAmount       = errors.New("invalid escrow amount")
	ErrAlreadyLinked       = errors.New("escrow already linked")
	ErrEscrowNotLinked     = errors.New("escrow not linked")
	ErrTxMismatch          = errors.New("transaction does not match the recorded link transaction")
	ErrInvalidDecision     = errors.New("decision must be ACCEPTED or REJECTED")
	ErrAlreadyReviewed     = errors.New("request already reviewed")
	ErrInvalidReview       = errors.New("invalid review")
	ErrNotCompleted        = errors.New("request is not completed")
	ErrEscrowClaimed       = errors.New("escrow or link transaction belongs to another request")
)

// Transient infrastructure failures. No side effect has happened and the whole operation can be retried.
var (
	ErrStoreUnavailable = errors.New("request store unavailable")
	ErrChainUnavailable = errors.New("chain rpc unavailable")
	ErrTxRejected       = errors.New("transaction rejected before broadcast")
	ErrTxDropped        = errors.New("transaction dropped by the node before mining")
)

// Chain-side failures
var (
	ErrTxReverted    = errors.New("transaction reverted")
	ErrEventNotFound = errors.New("expected event not found in receipt")
	// Returned by chain clients when a receipt is not available within the allotted wait
	ErrReceiptPending = errors.New("transaction receipt pending")
)

type InvalidTransitionError struct {
	RequestId string
	From      RequestStatus
	To        RequestStatus
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("request %s: invalid transition %s -> %s", e.RequestId, e.From, e.To)
}

// EscrowDeployedButUnlinkedError means money may have moved on-chain but the escrow address is not stored. Resubmitting
// would deploy a second escrow; only ReconcileEscrowLink may resolve this.
type EscrowDeployedButUnlinkedError struct {
	RequestId string
	TxHash    string
	Err       error
}

func (e *EscrowDeployedButUnlinkedError) Error() string {
	return fmt.Sprintf("request %s: escrow deployed but unlinked, tx=%s: %v", e.RequestId, e.TxHash, e.Err)
}

func (e *EscrowDeployedButUnlinkedError) Unwrap() error {
	return e.Err
}

// ReleasedButStaleError means funds were released on-chain but the COMPLETED status could not be stored.
type ReleasedButStaleError struct {
	RequestId string
	TxHash    string
	Err       error
}

func (e *ReleasedButStaleError) Error() string {
	return fmt.Sprintf("request %s: released on-chain but status stale, tx=%s: %v", e.RequestId, e.TxHash, e.Err)
}

func (e *ReleasedButStaleError) Unwrap() error {
	return e.Err
}

// ConfirmationTimeoutError means the transaction was broadcast but not confirmed in time. It may still confirm.
type ConfirmationTimeoutError struct {
	RequestId string
	TxHash    string
}

func (e *ConfirmationTimeoutError) Error() string {
	return fmt.Sprintf("request %s: timed out waiting for confirmation of tx=%s", e.RequestId, e.TxHash)
}

// ReleaseFailedError means the release transaction failed before confirmation. The request stays ACCEPTED.
type ReleaseFailedError struct {
	RequestId string
	TxHash    string
	Err       error
}

func (e *ReleaseFailedError) Error() string {
	return fmt.Sprintf("request %s: release failed, tx=%s: %v", e.RequestId, e.TxHash, e.Err)
}

func (e *ReleaseFailedError) Unwrap() error {
	return e.Err
}

type ErrorClass string

const (
	ErrorClass_Unknown    ErrorClass = "unknown"
	ErrorClass_Validation ErrorClass = "validation"
	ErrorClass_Transient  ErrorClass = "transient"
	ErrorClass_Divergence ErrorClass = "divergence"
	ErrorClass_Timeout    ErrorClass = "timeout"
)

// Classify maps an error returned by the coordinator to the retry policy that applies to it.
func Classify(err error) ErrorClass {
	var transitionErr *InvalidTransitionError
	var unlinkedErr *EscrowDeployedButUnlinkedError
	var staleErr *ReleasedButStaleError
	var timeoutErr *ConfirmationTimeoutError
	var releaseErr *ReleaseFailedError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &unlinkedErr), errors.As(err, &staleErr):
		return ErrorClass_Divergence
	case errors.As(err, &timeoutErr):
		return ErrorClass_Timeout
	case errors.As(err, &releaseErr),
		errors.Is(err, ErrStoreUnavailable),
		errors.Is(err, ErrChainUnavailable),
		errors.Is(err, ErrTxRejected),
		errors.Is(err, ErrTxDropped),
		errors.Is(err, ErrTxReverted):
		return ErrorClass_Transient
	case errors.As(err, &transitionErr),
		errors.Is(err, ErrNotFound),
		errors.Is(err, ErrInvalidParticipant),
		errors.Is(err, ErrUnauthorized),
		errors.Is(err, ErrWalletNotConfigured),
		errors.Is(err, ErrPayeeMismatch),
		errors.Is(err, ErrInvalidAmount),
		errors.Is(err, ErrAlreadyLinked),
		errors.Is(err, ErrEscrowNotLinked),
		errors.Is(err, ErrTxMismatch),
		errors.Is(err, ErrInvalidDecision),
		errors.Is(err, ErrAlreadyReviewed),
		errors.Is(err, ErrInvalidReview),
		errors.Is(err, ErrNotCompleted),
		errors.Is(err, ErrEscrowClaimed):
		return ErrorClass_Validation
	}
	return ErrorClass_Unknown
}
