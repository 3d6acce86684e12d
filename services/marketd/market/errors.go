package market

import "errors"

// Error categories. Every error returned by the service wraps exactly one of
// these so the boundary can map it without knowing the specific cause.
var (
	ErrInvalidInput     = errors.New("market: invalid input")
	ErrNotFound         = errors.New("market: not found")
	ErrForbidden        = errors.New("market: forbidden")
	ErrInvalidState     = errors.New("market: invalid state")
	ErrConflict         = errors.New("market: conflict")
	ErrSettlementFailed = errors.New("market: settlement failed")
)

// Error is a specific failure that belongs to one of the categories above.
type Error struct {
	Code     string
	msg      string
	category error
}

func (e *Error) Error() string { return e.msg }

// Unwrap exposes the category so errors.Is matches both levels.
func (e *Error) Unwrap() error { return e.category }

func newError(category error, code, msg string) *Error {
	return &Error{Code: code, msg: msg, category: category}
}

var (
	ErrInvalidPrice   = newError(ErrInvalidInput, "invalid_price", "market: invalid price")
	ErrAlreadyListed  = newError(ErrInvalidState, "already_listed", "market: nft already has an active listing")
	ErrNotOwner       = newError(ErrForbidden, "not_owner", "market: caller does not own the asset")
	ErrSelfOffer      = newError(ErrInvalidState, "self_offer", "market: cannot make an offer on your own listing")
	ErrSelfPurchase   = newError(ErrInvalidState, "self_purchase", "market: cannot buy your own listing")
	ErrExpired        = newError(ErrInvalidState, "expired", "market: expired")
	ErrDuplicateOffer = newError(ErrInvalidState, "duplicate_offer", "market: pending offer already exists")
)
