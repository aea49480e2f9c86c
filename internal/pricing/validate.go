package pricing

import (
	"errors"
	"fmt"

	"distribuidora/backend/internal/domain"
)

type Reason string

const (
	ReasonNoCustomer          Reason = "NO_CUSTOMER"
	ReasonEmptyCart           Reason = "EMPTY_CART"
	ReasonBelowMinimum        Reason = "BELOW_MINIMUM"
	ReasonCreditLimitExceeded Reason = "CREDIT_LIMIT_EXCEEDED"
)

var (
	ErrNoCustomer          = errors.New("no customer selected")
	ErrEmptyCart           = errors.New("cart is empty")
	ErrBelowMinimum        = errors.New("subtotal below customer minimum purchase")
	ErrCreditLimitExceeded = errors.New("order exceeds customer credit limit")
)

// Rejection names the first business precondition an order failed.
type Rejection struct {
	Reason Reason
	Detail string
	err    error
}

func (r *Rejection) Error() string {
	if r.Detail == "" {
		return r.err.Error()
	}
	return fmt.Sprintf("%s: %s", r.err.Error(), r.Detail)
}

func (r *Rejection) Unwrap() error {
	return r.err
}

func reject(reason Reason, err error, detail string) *Rejection {
	return &Rejection{Reason: reason, Detail: detail, err: err}
}

// CreditLimitRejection is returned when the store refuses a balance increment
// that a concurrent order has already pushed past the limit.
func CreditLimitRejection(detail string) *Rejection {
	return reject(ReasonCreditLimitExceeded, ErrCreditLimitExceeded, detail)
}

type Policy struct {
	EnforceCreditLimit bool
}

// Validate checks the order preconditions in a fixed order and returns the
// first failure, or nil when the order may be committed.
func Validate(lines []domain.CartLine, customer *domain.Customer, totals Totals, policy Policy) *Rejection {
	if customer == nil {
		return reject(ReasonNoCustomer, ErrNoCustomer, "")
	}
	if len(lines) == 0 {
		return reject(ReasonEmptyCart, ErrEmptyCart, "")
	}
	if len(totals.Lines) == 0 {
		return reject(ReasonEmptyCart, ErrEmptyCart, "no line matches a catalog product")
	}
	if customer.Tier == domain.TierWholesale && totals.Subtotal.LessThan(customer.MinimumPurchase) {
		return reject(ReasonBelowMinimum, ErrBelowMinimum, fmt.Sprintf(
			"subtotal %s is below minimum purchase %s for %s",
			Round(totals.Subtotal).StringFixed(MoneyPlaces),
			customer.MinimumPurchase.StringFixed(MoneyPlaces),
			customer.Name,
		))
	}
	if policy.EnforceCreditLimit && customer.CreditLimit.IsPositive() {
		exposure := customer.OutstandingBalance.Add(totals.Rounded().Total)
		if exposure.GreaterThan(customer.CreditLimit) {
			return reject(ReasonCreditLimitExceeded, ErrCreditLimitExceeded, fmt.Sprintf(
				"balance %s plus order %s exceeds credit limit %s",
				customer.OutstandingBalance.StringFixed(MoneyPlaces),
				totals.Rounded().Total.StringFixed(MoneyPlaces),
				customer.CreditLimit.StringFixed(MoneyPlaces),
			))
		}
	}
	return nil
}
