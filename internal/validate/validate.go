package validate

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"fuelpos/backend/internal/domain"
	"fuelpos/backend/internal/store"
)

var v = validator.New(validator.WithRequiredStructEnabled())

// Struct checks the validate tags of req and converts failures to a
// *store.ValidationError keyed by struct field.
func Struct(req any) error {
	err := v.Struct(req)
	if err == nil {
		return nil
	}
	var validationErrors validator.ValidationErrors
	if !errors.As(err, &validationErrors) {
		return err
	}
	fields := make(map[string]string, len(validationErrors))
	for _, fe := range validationErrors {
		fields[fe.Namespace()] = fe.Tag()
	}
	return &store.ValidationError{Fields: fields}
}

// Tolerance is the currency rounding slack allowed in total checks.
var Tolerance = decimal.RequireFromString("0.01")

func Close(a decimal.Decimal, b decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(Tolerance)
}

// Stored scale of money and litre columns.
const (
	MoneyPlaces    = 2
	QuantityPlaces = 3
)

// Scale rejects amounts with more decimal places than the column stores.
func Scale(name string, amount decimal.Decimal, places int32) error {
	if !amount.Equal(amount.Round(places)) {
		return store.Invalid("%s %s has more than %d decimal places", name, amount, places)
	}
	return nil
}

// Totals is the money header shared by sales and purchase orders.
type Totals struct {
	Subtotal          decimal.Decimal
	TaxAmount         decimal.Decimal
	TotalAmount       decimal.Decimal
	PaidAmount        decimal.Decimal
	OutstandingAmount decimal.Decimal
}

// CheckTotals enforces total = subtotal + tax and paid + outstanding = total.
// When neither paid nor outstanding is given the whole total is taken as
// paid, or as outstanding for a credit document. Only credit documents may
// carry an outstanding amount.
func CheckTotals(t Totals, credit bool) (Totals, error) {
	for name, amount := range map[string]decimal.Decimal{
		"subtotal":           t.Subtotal,
		"tax_amount":         t.TaxAmount,
		"total_amount":       t.TotalAmount,
		"paid_amount":        t.PaidAmount,
		"outstanding_amount": t.OutstandingAmount,
	} {
		if amount.IsNegative() {
			return Totals{}, store.Invalid("%s must not be negative", name)
		}
		if err := Scale(name, amount, MoneyPlaces); err != nil {
			return Totals{}, err
		}
	}
	if !t.TotalAmount.IsPositive() {
		return Totals{}, store.Invalid("total_amount must be positive")
	}
	if !Close(t.Subtotal.Add(t.TaxAmount), t.TotalAmount) {
		return Totals{}, store.Invalid("total_amount %s does not equal subtotal %s plus tax %s", t.TotalAmount, t.Subtotal, t.TaxAmount)
	}

	if t.PaidAmount.IsZero() && t.OutstandingAmount.IsZero() {
		if credit {
			t.OutstandingAmount = t.TotalAmount
		} else {
			t.PaidAmount = t.TotalAmount
		}
	}
	if !Close(t.PaidAmount.Add(t.OutstandingAmount), t.TotalAmount) {
		return Totals{}, store.Invalid("paid %s plus outstanding %s does not equal total %s", t.PaidAmount, t.OutstandingAmount, t.TotalAmount)
	}
	if !credit && !t.OutstandingAmount.IsZero() {
		return Totals{}, store.Invalid("outstanding amount is only allowed for credit")
	}
	return t, nil
}

// CheckLines enforces quantity > 0, total_price = quantity * unit_price on
// each line, and that the lines add up to subtotal.
func CheckLines(items []domain.SaleItemRequest, subtotal decimal.Decimal) error {
	sum := decimal.Zero
	for i, item := range items {
		if !item.Quantity.IsPositive() {
			return store.Invalid("item %d: quantity must be positive", i+1)
		}
		if item.UnitPrice.IsNegative() {
			return store.Invalid("item %d: unit_price must not be negative", i+1)
		}
		if err := Scale(fmt.Sprintf("item %d: quantity", i+1), item.Quantity, QuantityPlaces); err != nil {
			return err
		}
		if err := Scale(fmt.Sprintf("item %d: unit_price", i+1), item.UnitPrice, MoneyPlaces); err != nil {
			return err
		}
		if err := Scale(fmt.Sprintf("item %d: total_price", i+1), item.TotalPrice, MoneyPlaces); err != nil {
			return err
		}
		if !Close(item.Quantity.Mul(item.UnitPrice), item.TotalPrice) {
			return store.Invalid("item %d: total_price %s does not equal quantity %s times unit_price %s", i+1, item.TotalPrice, item.Quantity, item.UnitPrice)
		}
		sum = sum.Add(item.TotalPrice)
	}
	if !Close(sum, subtotal) {
		return store.Invalid("items add up to %s, subtotal is %s", sum, subtotal)
	}
	return nil
}
