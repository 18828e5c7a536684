package validate

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/shopspring/decimal"

	"github.com/baharkarakas/fxcard-wallet/internal/apperr"
)

type ErrField struct {
	Field string `json:"field"`
	Msg   string `json:"msg"`
}

type Errs []ErrField

func (e Errs) Error() string { // error interface
	var b strings.Builder
	b.WriteString(apperr.ErrValidation.Error() + ": ")
	for i, ef := range e {
		if i > 0 {
			b.WriteString("; ")
		}
		b.WriteString(ef.Field + ": " + ef.Msg)
	}
	return b.String()
}

func (e Errs) Unwrap() error        { return apperr.ErrValidation }
func (e Errs) Details() interface{} { return []ErrField(e) }

var v = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report json names
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	// money fields are validated in their string form
	v.RegisterCustomTypeFunc(func(f reflect.Value) interface{} {
		if d, ok := f.Interface().(decimal.Decimal); ok {
			return d.String()
		}
		return nil
	}, decimal.Decimal{})
	_ = v.RegisterValidation("money", func(fl validator.FieldLevel) bool {
		d, err := decimal.NewFromString(fl.Field().String())
		if err != nil {
			return false
		}
		// at most 4 decimal places, the ledger's precision
		return d.IsPositive() && d.Equal(d.Truncate(4))
	})
	return v
}

// Struct validates s against its `validate` tags.
func Struct(s interface{}) error {
	err := v.Struct(s)
	if err == nil {
		return nil
	}
	var ves validator.ValidationErrors
	if !errors.As(err, &ves) {
		return fmt.Errorf("%w: %v", apperr.ErrValidation, err)
	}
	out := make(Errs, 0, len(ves))
	for _, fe := range ves {
		out = append(out, ErrField{Field: fe.Field(), Msg: message(fe)})
	}
	return out
}

// Decode unmarshals a JSON body into dst and validates it.
func Decode(body []byte, dst interface{}) error {
	if len(body) == 0 {
		return Errs{{Field: "body", Msg: "required"}}
	}
	if err := json.Unmarshal(body, dst); err != nil {
		return Errs{{Field: "body", Msg: "invalid json"}}
	}
	return Struct(dst)
}

func message(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return "required"
	case "money":
		return "must be a positive amount with at most 4 decimal places"
	case "max":
		return "must be at most " + fe.Param() + " characters"
	default:
		return "failed " + fe.Tag()
	}
}
