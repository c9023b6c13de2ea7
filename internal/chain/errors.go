package chain

import (
	"errors"
	"fmt"
	"strings"

	"github.com/GoPolymarket/otcgate/internal/pkg/apperrors"
)

var (
	// ErrRejected: pre-flight failure or on-chain revert. Not retryable.
	ErrRejected = errors.New("transaction rejected")
	// ErrNetwork: RPC unavailable, nonce race, dropped connection. Retryable.
	ErrNetwork = errors.New("chain network error")
	// ErrConfirmationTimeout: outcome unknown, reconciliation decides.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
	ErrEventNotFound       = errors.New("event not found in receipt")
	// ErrAlreadyDone: the revert says the target state already holds.
	ErrAlreadyDone   = errors.New("already in target state")
	ErrUnsupported   = errors.New("instruction not supported by adapter")
	ErrNotConfigured = errors.New("chain not configured")
)

var alreadyDoneReasons = []string{
	"already fulfilled",
	"already approved",
	"already cancelled",
	"already canceled",
	"already claimed",
	"already paid",
	"already refunded",
	"already withdrawn",
}

// ClassifyRevert maps a revert reason to ErrAlreadyDone or ErrRejected.
func ClassifyRevert(reason string) error {
	r := strings.ToLower(reason)
	for _, s := range alreadyDoneReasons {
		if strings.Contains(r, s) {
			return fmt.Errorf("%w: %s", ErrAlreadyDone, reason)
		}
	}
	return fmt.Errorf("%w: %s", ErrRejected, reason)
}

// IsTransient reports errors worth another submit attempt.
func IsTransient(err error) bool {
	return errors.Is(err, ErrNetwork)
}

// ToAppError lifts an adapter error into the API error taxonomy.
func ToAppError(err error) *apperrors.AppError {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNetwork), errors.Is(err, ErrConfirmationTimeout):
		return apperrors.New(apperrors.ErrChainTransient, "chain temporarily unavailable", err)
	case errors.Is(err, ErrRejected):
		return apperrors.New(apperrors.ErrStateConflict, "transaction rejected by escrow", err)
	case errors.Is(err, ErrNotConfigured):
		return apperrors.New(apperrors.ErrFatalConfig, "chain not configured", err)
	case errors.Is(err, ErrUnsupported):
		return apperrors.New(apperrors.ErrInvalidRequest, "signed transaction required for this chain", err)
	default:
		return apperrors.Wrap(err)
	}
}
