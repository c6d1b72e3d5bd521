package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/mitchellh/mapstructure"
	"github.com/shopspring/decimal"
)

var ErrInvalidParams = errors.New("invalid parameters")

// CreateParams are the inputs of a create run.
type CreateParams struct {
	Buyer       string           `mapstructure:"buyer" validate:"required"`
	Title       string           `mapstructure:"title"`
	Price       *decimal.Decimal `mapstructure:"price" validate:"required"`
	Description string           `mapstructure:"description"`
	Timestamp   *time.Time       `mapstructure:"timestamp"`
}

var (
	validate    = validator.New()
	decimalType = reflect.TypeOf(decimal.Decimal{})
)

func toDecimal(_ reflect.Type, to reflect.Type, data any) (any, error) {
	if to != decimalType {
		return data, nil
	}
	switch v := data.(type) {
	case string:
		return decimal.NewFromString(strings.TrimSpace(v))
	case json.Number:
		return decimal.NewFromString(v.String())
	case float64:
		return decimal.NewFromFloat(v), nil
	case float32:
		return decimal.NewFromFloat32(v), nil
	case int:
		return decimal.NewFromInt(int64(v)), nil
	case int64:
		return decimal.NewFromInt(v), nil
	}
	return data, nil
}

// DecodeCreateParams turns loosely typed params (JSON, flags) into
// CreateParams. Prices may be strings or numbers.
func DecodeCreateParams(params map[string]any) (CreateParams, error) {
	var p CreateParams
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			toDecimal,
			mapstructure.StringToTimeHookFunc(time.RFC3339),
		),
		ErrorUnused: true,
		Result:      &p,
	})
	if err != nil {
		return p, err
	}
	if err := dec.Decode(params); err != nil {
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, strings.ToLower(fe.Field())+" is "+fe.Tag())
			}
			return p, fmt.Errorf("%w: %s", ErrInvalidParams, strings.Join(msgs, ", "))
		}
		return p, fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return p, nil
}
