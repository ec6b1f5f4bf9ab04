package transit

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidInput            = errors.New("invalid input")
	ErrFileNotFound            = errors.New("file not found")
	ErrCorruptInstructionSet   = errors.New("corrupt or unrecoverable instruction set")
	ErrRecipientUnknown        = errors.New("recipient unknown")
	ErrRecipientRejected       = errors.New("recipient rejected transfer")
	ErrTransientNetworkFailure = errors.New("transient network failure")
	ErrDistributionNotAllowed  = errors.New("distribution not allowed")
)

// TransferError carries a non-delivered outcome as an error value.
type TransferError struct {
	Kind       OutcomeKind
	Reason     string
	StatusCode int
}

func (e *TransferError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Kind, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Reason)
}

func (e *TransferError) Is(target error) bool {
	switch target {
	case ErrTransientNetworkFailure:
		return e.Kind == OutcomeTransient
	case ErrRecipientRejected:
		return e.Kind == OutcomeRejected
	case ErrRecipientUnknown:
		return e.Kind == OutcomeRecipientUnknown
	}
	return false
}

func invalidInput(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidInput, fmt.Sprintf(format, args...))
}
