package normalize

import (
	"fmt"
	"math"
	"strings"

	"github.com/spf13/cast"

	"cryptoetl/internal/model"
)

// ValidationError reports why a candidate was rejected.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validate enforces the unified record constraints and coerces tolerated
// deviations: numeric strings may carry thousands separators and padding.
func Validate(c Candidate) (model.Record, error) {
	symbol := strings.TrimSpace(c.Symbol)
	if symbol == "" {
		return model.Record{}, &ValidationError{Field: "symbol", Reason: "must not be empty"}
	}
	source := strings.TrimSpace(c.Source)
	if source == "" {
		return model.Record{}, &ValidationError{Field: "source", Reason: "must not be empty"}
	}
	if c.Timestamp.IsZero() {
		return model.Record{}, &ValidationError{Field: "timestamp", Reason: "must be set"}
	}

	if c.Price == nil {
		return model.Record{}, &ValidationError{Field: "price", Reason: "is required"}
	}
	price, err := toNumber(c.Price)
	if err != nil {
		return model.Record{}, &ValidationError{Field: "price", Reason: err.Error()}
	}

	var marketCap *float64
	if c.MarketCap != nil {
		if s, ok := c.MarketCap.(string); !ok || strings.TrimSpace(s) != "" {
			mc, err := toNumber(c.MarketCap)
			if err != nil {
				return model.Record{}, &ValidationError{Field: "market_cap", Reason: err.Error()}
			}
			marketCap = &mc
		}
	}

	name := strings.TrimSpace(c.Name)
	if name == "" {
		name = symbol
	}

	return model.Record{
		Symbol:    symbol,
		Name:      name,
		Price:     price,
		MarketCap: marketCap,
		Source:    source,
		Timestamp: c.Timestamp.UTC(),
	}, nil
}

func toNumber(v any) (float64, error) {
	switch t := v.(type) {
	case bool:
		return 0, fmt.Errorf("boolean %v is not a number", t)
	case string:
		cleaned := strings.TrimSpace(strings.ReplaceAll(t, ",", ""))
		if cleaned == "" {
			return 0, fmt.Errorf("empty string is not a number")
		}
		v = cleaned
	}

	f, err := cast.ToFloat64E(v)
	if err != nil {
		return 0, fmt.Errorf("%v is not a number", v)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%v is not finite", f)
	}
	if f < 0 {
		return 0, fmt.Errorf("%v is negative", f)
	}
	return f, nil
}
