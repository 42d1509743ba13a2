package validation

import (
	"reflect"
	"regexp"
	"strings"

	validatorv10 "github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"
)

// MaxAmount caps a single checkout.
var MaxAmount = decimal.NewFromInt(100000)

var orderIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,32}$`)

// New returns a configured validator with the custom tags and struct-level rules registered.
func New() *validatorv10.Validate {
	v := validatorv10.New()

	// report fields by their JSON names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})

	_ = v.RegisterValidation("money", validateMoney)
	_ = v.RegisterValidation("orderid", validateOrderID)
	v.RegisterStructValidation(checkoutStructValidation, CheckoutRequest{})

	return v
}

// validateMoney accepts positive decimals with at most two fractional digits.
func validateMoney(fl validatorv10.FieldLevel) bool {
	d, err := decimal.NewFromString(fl.Field().String())
	if err != nil {
		return false
	}
	return d.IsPositive() && d.Equal(d.Round(2))
}

func validateOrderID(fl validatorv10.FieldLevel) bool {
	return orderIDPattern.MatchString(fl.Field().String())
}

func checkoutStructValidation(sl validatorv10.StructLevel) {
	req := sl.Current().Interface().(CheckoutRequest)

	d, err := decimal.NewFromString(req.Amount.String())
	if err != nil {
		// reported by the money tag
		return
	}
	if d.GreaterThan(MaxAmount) {
		sl.ReportError(req.Amount, "amount", "Amount", "max_amount", MaxAmount.String())
	}
}
