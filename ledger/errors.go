package ledger

import "errors"

var (
	// ErrAccountNotFound indicates the referenced account does not exist.
	ErrAccountNotFound = errors.New("ledger: account not found")
	// ErrInsufficientBalance is the expected outcome of a debit that would
	// violate the strict balance policy. Callers branch on it; it is not a
	// failure of the ledger.
	ErrInsufficientBalance = errors.New("ledger: insufficient balance")
	// ErrInvalidAmount is returned when a credit or debit amount is not positive.
	ErrInvalidAmount = errors.New("ledger: amount must be positive")
	// ErrInvalidKind is returned when a transaction kind is outside the enum.
	ErrInvalidKind = errors.New("ledger: invalid transaction kind")
	// ErrInvalidReceivePrice is returned when a receive price is outside the
	// configured bounds.
	ErrInvalidReceivePrice = errors.New("ledger: receive price out of bounds")
)
