package engine

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

var (
	// ErrValidation is the base class for malformed trade requests.
	ErrValidation = errors.New("engine: invalid trade request")

	// ErrMarketClosed is returned when the contract's close time has passed.
	ErrMarketClosed = errors.New("engine: market is closed")

	// ErrMarketResolved is returned for trades on a resolved contract.
	ErrMarketResolved = errors.New("engine: market is resolved")

	// ErrMechanism is returned when the request shape does not match the
	// contract's mechanism (e.g. answer id on a binary market).
	ErrMechanism = errors.New("engine: request does not match market mechanism")

	// ErrUserBanned rejects trades from banned users.
	ErrUserBanned = errors.New("engine: user is banned from trading")

	// ErrInsufficientShares is returned when a seller does not hold the
	// shares being sold.
	ErrInsufficientShares = errors.New("engine: insufficient shares to sell")

	// ErrMakerSetChanged signals that new resting orders appeared between
	// simulation and lock acquisition. The pipeline retries with the
	// expanded lock set; it never reaches callers.
	ErrMakerSetChanged = errors.New("engine: maker set changed under lock")

	// ErrRetryExhausted is returned when commit conflicts persist past the
	// configured retry budget. Safe for the caller to resubmit.
	ErrRetryExhausted = errors.New("engine: trade conflicted too many times, retry later")

	// ErrExposureLimit is returned when a trade would breach position
	// limits.
	ErrExposureLimit = errors.New("engine: position limit exceeded")
)

// InsufficientFundsError carries the shortfall so callers can prompt a
// top-up of the exact missing amount.
type InsufficientFundsError struct {
	Shortfall decimal.Decimal
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("engine: insufficient funds, short %s", e.Shortfall)
}

// ErrInsufficientFunds matches any InsufficientFundsError via errors.Is.
var ErrInsufficientFunds = errors.New("engine: insufficient funds")

func (e *InsufficientFundsError) Is(target error) bool {
	return target == ErrInsufficientFunds
}
