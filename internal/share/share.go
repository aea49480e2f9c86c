// Package share builds messaging deep links for persisted orders.
package share

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"distribuidora/backend/internal/domain"
)

const baseURL = "https://wa.me/"

var ErrNoPhone = errors.New("customer has no phone number")

// Link returns a wa.me link whose text summarizes the order. Only fields
// frozen at commit time are read; nothing is repriced.
func Link(order domain.Order) (string, error) {
	digits := phoneDigits(order.CustomerPhone)
	if digits == "" {
		return "", errors.Wrapf(ErrNoPhone, "order %s", order.ID)
	}
	return baseURL + digits + "?" + url.Values{"text": {Summary(order)}}.Encode(), nil
}

func Summary(order domain.Order) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Pedido %s\n", order.ID)
	if order.CustomerName != "" {
		fmt.Fprintf(&b, "Cliente: %s\n", order.CustomerName)
	}
	for _, line := range order.Lines {
		unit := "u."
		if line.UnitOfSale == domain.UnitOfSaleCase {
			unit = "caja"
		}
		lineTotal := line.PriceAtSale.Mul(decimal.NewFromInt(int64(line.Quantity)))
		fmt.Fprintf(&b, "- %d %s %s x $%s = $%s\n",
			line.Quantity, unit, line.ProductName, line.PriceAtSale.StringFixed(2), lineTotal.StringFixed(2))
	}
	fmt.Fprintf(&b, "Subtotal: $%s\n", order.Subtotal.StringFixed(2))
	if !order.DiscountAmount.IsZero() {
		fmt.Fprintf(&b, "Descuento: -$%s\n", order.DiscountAmount.StringFixed(2))
	}
	if !order.ShippingCost.IsZero() {
		fmt.Fprintf(&b, "Envio: $%s\n", order.ShippingCost.StringFixed(2))
	}
	fmt.Fprintf(&b, "Total: $%s", order.Total.StringFixed(2))
	return b.String()
}

func phoneDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}
