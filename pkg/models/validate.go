package models

import (
	"github.com/go-playground/validator/v10"

	"github.com/chainvenue/core/pkg/errs"
)

var validate = validator.New()

// ValidateOrder checks structural validity of an order before it enters the
// matching path. Beyond the field tags it enforces the price rule: a limit
// order must carry a positive price, a market order must not carry one.
func ValidateOrder(o *Order) error {
	if err := validate.Struct(o); err != nil {
		return &errs.ValidationError{Field: "order", Reason: err.Error()}
	}
	if !o.Quantity.IsPositive() {
		return &errs.ValidationError{Field: "quantity", Reason: "must be positive"}
	}
	if o.Filled.IsNegative() || o.Filled.GreaterThan(o.Quantity) {
		return &errs.ValidationError{Field: "filled", Reason: "must be within [0, quantity]"}
	}
	switch o.Type {
	case TypeLimit:
		if !o.Price.Valid || !o.Price.Decimal.IsPositive() {
			return &errs.ValidationError{Field: "price", Reason: "limit order requires a positive price"}
		}
	case TypeMarket:
		if o.Price.Valid {
			return &errs.ValidationError{Field: "price", Reason: "market order must not carry a price"}
		}
	}
	return nil
}
