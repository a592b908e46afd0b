package ledger

import "errors"

// Engine-level failure taxonomy. Every failing operation leaves ledger
// state exactly as it was before the call. The RPC layer maps these onto
// wire error codes.
var (
	ErrUserNotFound = errors.New("user not found")

	// ErrTransactionNotFound deliberately also covers "wrong state",
	// "wrong owner" and "amount mismatch", so a caller cannot probe for
	// the existence of other users' transactions.
	ErrTransactionNotFound = errors.New("transaction not found")

	ErrInsufficientAmount = errors.New("insufficient amount")
	ErrInvalidTimeout     = errors.New("invalid timeout")
	ErrInsufficientFunds  = errors.New("insufficient funds")
	ErrSignatureFailure   = errors.New("signature failure")
	ErrMissingData        = errors.New("report is missing required data")
)
