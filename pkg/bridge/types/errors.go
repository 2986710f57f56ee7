// Package types defines error types and shared data types used across the bridge components.
package types

import (
	"errors"
	"fmt"
)

// ErrorKind classifies how a caller must treat a bridge failure.
type ErrorKind int

const (
	// KindTransient failures leave state untouched and may succeed in a later block.
	KindTransient ErrorKind = iota
	// KindRejected failures are caller or input faults; no state change.
	KindRejected
	// KindNoOp failures report an idempotent repeat; no state change and not fatal
	// to surrounding batched work.
	KindNoOp
	// KindFatal failures are internal invariant violations and must halt the operation.
	KindFatal
)

// String returns a human-readable representation of the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindTransient:
		return "transient"
	case KindRejected:
		return "rejected"
	case KindNoOp:
		return "noop"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// ErrorCode names a specific bridge failure.
type ErrorCode string

const (
	CodeInsufficientConfirmations ErrorCode = "InsufficientConfirmations"

	CodeInvalidProofOfWork      ErrorCode = "InvalidProofOfWork"
	CodeOrphanHeader            ErrorCode = "OrphanHeader"
	CodeReorgTooDeep            ErrorCode = "ReorgTooDeep"
	CodeHeaderNotFound          ErrorCode = "HeaderNotFound"
	CodeBlockNotInBestChain     ErrorCode = "BlockNotInBestChain"
	CodeInvalidMerkleProof      ErrorCode = "InvalidMerkleProof"
	CodeUnknownSigner           ErrorCode = "UnknownSigner"
	CodeInvalidSignature        ErrorCode = "InvalidSignature"
	CodeUnknownTransaction      ErrorCode = "UnknownTransaction"
	CodeBelowMinimum            ErrorCode = "BelowMinimum"
	CodeNotADeposit             ErrorCode = "NotADeposit"
	CodeUnknownSender           ErrorCode = "UnknownSender"
	CodePendingAlreadyExists    ErrorCode = "PendingAlreadyExists"
	CodeChangeAlreadyInProgress ErrorCode = "ChangeAlreadyInProgress"
	CodeDuplicateMember         ErrorCode = "DuplicateMember"
	CodeNoPendingFederation     ErrorCode = "NoPendingFederation"
	CodePendingHashMismatch     ErrorCode = "PendingHashMismatch"
	CodeUnauthorizedVoter       ErrorCode = "UnauthorizedVoter"
	CodeInvalidFeePerKb         ErrorCode = "InvalidFeePerKb"
	CodeInvalidLockingCap       ErrorCode = "InvalidLockingCap"
	CodeInvalidArgument         ErrorCode = "InvalidArgument"
	CodeUnknownOperation        ErrorCode = "UnknownOperation"

	CodeAlreadyProcessed ErrorCode = "AlreadyProcessed"
	CodeAlreadySigned    ErrorCode = "AlreadySigned"

	CodeInvariant ErrorCode = "Invariant"
)

var codeKinds = map[ErrorCode]ErrorKind{
	CodeInsufficientConfirmations: KindTransient,
	CodeAlreadyProcessed:          KindNoOp,
	CodeAlreadySigned:             KindNoOp,
	CodeInvariant:                 KindFatal,
}

// KindOf returns the kind associated with an error code. Codes without an explicit
// entry are rejections.
func KindOf(code ErrorCode) ErrorKind {
	if kind, ok := codeKinds[code]; ok {
		return kind
	}
	return KindRejected
}

// BridgeError represents a failure produced by a bridge operation.
type BridgeError struct {
	Kind    ErrorKind
	Code    ErrorCode
	Message string
	Cause   error
}

// NewBridgeError creates a bridge error for the given code.
func NewBridgeError(code ErrorCode, message string) *BridgeError {
	return &BridgeError{
		Kind:    KindOf(code),
		Code:    code,
		Message: message,
	}
}

// NewBridgeErrorWithCause creates a bridge error wrapping an underlying cause.
func NewBridgeErrorWithCause(code ErrorCode, message string, cause error) *BridgeError {
	return &BridgeError{
		Kind:    KindOf(code),
		Code:    code,
		Message: message,
		Cause:   cause,
	}
}

// Errorf creates a bridge error with a formatted message.
func Errorf(code ErrorCode, format string, args ...interface{}) *BridgeError {
	return NewBridgeError(code, fmt.Sprintf(format, args...))
}

// Error returns the string representation of the bridge error.
func (e *BridgeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("bridge error (%s/%s): %s - caused by: %v", e.Kind, e.Code, e.Message, e.Cause)
	}
	return fmt.Sprintf("bridge error (%s/%s): %s", e.Kind, e.Code, e.Message)
}

// Unwrap returns the underlying cause of the error for error unwrapping.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// Is reports whether target is a bridge error with the same code, so that
// errors.Is(err, ErrOrphanHeader) matches any orphan header failure.
func (e *BridgeError) Is(target error) bool {
	t, ok := target.(*BridgeError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

// Sentinel errors for use with errors.Is
var (
	ErrInsufficientConfirmations = NewBridgeError(CodeInsufficientConfirmations, "insufficient confirmations")
	ErrInvalidProofOfWork        = NewBridgeError(CodeInvalidProofOfWork, "invalid proof of work")
	ErrOrphanHeader              = NewBridgeError(CodeOrphanHeader, "orphan header")
	ErrReorgTooDeep              = NewBridgeError(CodeReorgTooDeep, "reorganization too deep")
	ErrHeaderNotFound            = NewBridgeError(CodeHeaderNotFound, "header not found")
	ErrBlockNotInBestChain       = NewBridgeError(CodeBlockNotInBestChain, "block not in best chain")
	ErrInvalidMerkleProof        = NewBridgeError(CodeInvalidMerkleProof, "invalid merkle proof")
	ErrUnknownSigner             = NewBridgeError(CodeUnknownSigner, "unknown signer")
	ErrInvalidSignature          = NewBridgeError(CodeInvalidSignature, "invalid signature")
	ErrUnknownTransaction        = NewBridgeError(CodeUnknownTransaction, "unknown transaction")
	ErrBelowMinimum              = NewBridgeError(CodeBelowMinimum, "amount below minimum")
	ErrNotADeposit               = NewBridgeError(CodeNotADeposit, "not a deposit")
	ErrUnknownSender             = NewBridgeError(CodeUnknownSender, "unknown sender")
	ErrPendingAlreadyExists      = NewBridgeError(CodePendingAlreadyExists, "pending federation already exists")
	ErrChangeAlreadyInProgress   = NewBridgeError(CodeChangeAlreadyInProgress, "federation change already in progress")
	ErrDuplicateMember           = NewBridgeError(CodeDuplicateMember, "duplicate member")
	ErrNoPendingFederation       = NewBridgeError(CodeNoPendingFederation, "no pending federation")
	ErrPendingHashMismatch       = NewBridgeError(CodePendingHashMismatch, "pending federation hash mismatch")
	ErrUnauthorizedVoter         = NewBridgeError(CodeUnauthorizedVoter, "unauthorized voter")
	ErrInvalidFeePerKb           = NewBridgeError(CodeInvalidFeePerKb, "invalid fee per kb")
	ErrInvalidLockingCap         = NewBridgeError(CodeInvalidLockingCap, "invalid locking cap")
	ErrInvalidArgument           = NewBridgeError(CodeInvalidArgument, "invalid argument")
	ErrUnknownOperation          = NewBridgeError(CodeUnknownOperation, "unknown operation")
	ErrAlreadyProcessed          = NewBridgeError(CodeAlreadyProcessed, "already processed")
	ErrAlreadySigned             = NewBridgeError(CodeAlreadySigned, "already signed")
	ErrInvariant                 = NewBridgeError(CodeInvariant, "invariant violation")
)

// IsKind checks if an error is a BridgeError of a specific kind.
func IsKind(err error, kind ErrorKind) bool {
	var bridgeErr *BridgeError
	if errors.As(err, &bridgeErr) {
		return bridgeErr.Kind == kind
	}
	return false
}

// IsNoOp reports whether err is an idempotent repeat that callers may ignore.
func IsNoOp(err error) bool {
	return IsKind(err, KindNoOp)
}

// IsFatal reports whether err signals an internal invariant violation.
func IsFatal(err error) bool {
	return IsKind(err, KindFatal)
}
