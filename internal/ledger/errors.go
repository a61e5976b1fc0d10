package ledger

import (
	"errors"
	"fmt"
	"strings"
)

// Error kinds. Match with errors.Is.
var (
	ErrValidation              = errors.New("validation failed")
	ErrInsufficientFunds       = errors.New("insufficient funds")
	ErrInsufficientLockedFunds = errors.New("insufficient locked funds")
	ErrInsufficientBonus       = errors.New("insufficient bonus balance")
	ErrInsufficientRollover    = errors.New("insufficient rollover remaining")
	ErrDuplicateTransaction    = errors.New("duplicate transaction in flight")
	ErrWalletNotFound          = errors.New("wallet not found")
	ErrEntryNotFound           = errors.New("ledger entry not found")
	ErrGrantNotFound           = errors.New("bonus grant not found")
	ErrCompensationFailure     = errors.New("compensation failed")
	ErrNothingToApply          = errors.New("nothing to apply")
)

// Error carries the kind of a ledger failure plus the operation context
type Error struct {
	Kind error  // One of the Err* kinds above
	Op   string // e.g. "apply BET"
	Ref  string // Reference id of the attempted change
	Err  error  // Underlying detail, may be nil
}

func (e *Error) Error() string {
	msg := e.Kind.Error()
	if e.Err != nil && errors.Is(e.Err, e.Kind) {
		// Detail already names the kind
		msg = e.Err.Error()
	} else if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	prefix := e.Op
	if e.Ref != "" {
		prefix = strings.TrimSpace(prefix + " (ref=" + e.Ref + ")")
	}
	if prefix != "" {
		msg = prefix + ": " + msg
	}
	return msg
}

// Unwrap exposes both the kind and the detail to errors.Is / errors.As
func (e *Error) Unwrap() []error {
	if e.Err == nil {
		return []error{e.Kind}
	}
	return []error{e.Kind, e.Err}
}

// NewError builds an Error of the given kind
func NewError(kind error, op, ref string, detail error) *Error {
	return &Error{Kind: kind, Op: op, Ref: ref, Err: detail}
}

// Validationf builds a validation error with a formatted detail
func Validationf(op, format string, args ...any) *Error {
	return &Error{Kind: ErrValidation, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the ledger error kind of err, or nil for unexpected failures
func KindOf(err error) error {
	for _, kind := range []error{
		ErrValidation,
		ErrInsufficientFunds,
		ErrInsufficientLockedFunds,
		ErrInsufficientBonus,
		ErrInsufficientRollover,
		ErrDuplicateTransaction,
		ErrWalletNotFound,
		ErrEntryNotFound,
		ErrGrantNotFound,
		ErrCompensationFailure,
		ErrNothingToApply,
	} {
		if errors.Is(err, kind) {
			return kind
		}
	}
	return nil
}

// PublicMessage maps an error to text safe to show to the end user.
// Never includes balances or internal identifiers.
func PublicMessage(err error) string {
	switch KindOf(err) {
	case nil:
		if err == nil {
			return ""
		}
		return "The operation could not be completed. Please try again later."
	case ErrValidation:
		return "The request is invalid."
	case ErrInsufficientFunds, ErrInsufficientBonus:
		return "Insufficient balance for this operation."
	case ErrInsufficientLockedFunds, ErrInsufficientRollover:
		return "This operation cannot be applied to the current account state."
	case ErrDuplicateTransaction:
		return "This operation is already being processed."
	case ErrWalletNotFound:
		return "Wallet not found."
	case ErrCompensationFailure:
		return "The operation is under review. Support has been notified."
	default:
		return "The operation could not be completed."
	}
}
