// Package normalize maps source-specific payloads onto the unified field set
// and validates the result. Nothing outside this package knows a source's
// field names.
package normalize

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"

	"cryptoetl/internal/fetcher"
)

// UnknownSymbol is used when a payload carries no symbol at all.
const UnknownSymbol = "UNKNOWN"

// ErrUnknownSource is returned for payloads from a source with no mapping.
var ErrUnknownSource = errors.New("no normalizer registered for source")

// Candidate is a payload mapped onto the unified fields, before validation.
// Price and MarketCap keep whatever JSON type the source used.
type Candidate struct {
	Symbol    string
	Name      string
	Price     any
	MarketCap any
	Source    string
	Timestamp time.Time
}

// Func maps one source's raw payload onto a Candidate.
type Func func(payload gjson.Result) Candidate

var registry = map[string]Func{
	"coingecko":   coinGecko,
	"coinpaprika": coinPaprika,
	"csv_local":   csvRow,
}

// Register adds or replaces the mapping for source.
func Register(source string, fn Func) {
	registry[source] = fn
}

// Normalize maps item onto the unified fields. The timestamp is always the
// ingestion time passed in as now; source-reported times are not trusted.
func Normalize(item fetcher.RawItem, now time.Time) (Candidate, error) {
	fn, ok := registry[item.Source]
	if !ok {
		return Candidate{}, fmt.Errorf("%w: %q", ErrUnknownSource, item.Source)
	}
	if !gjson.ValidBytes(item.Payload) {
		return Candidate{}, &ValidationError{Field: "payload", Reason: "not valid JSON"}
	}

	payload := gjson.ParseBytes(item.Payload)
	if !payload.IsObject() {
		return Candidate{}, &ValidationError{Field: "payload", Reason: "not a JSON object"}
	}

	c := fn(payload)
	c.Source = item.Source
	c.Timestamp = now
	c.Symbol = strings.ToUpper(strings.TrimSpace(c.Symbol))
	if c.Symbol == "" {
		c.Symbol = UnknownSymbol
	}
	if strings.TrimSpace(c.Name) == "" {
		c.Name = c.Symbol
	}
	return c, nil
}

func coinGecko(p gjson.Result) Candidate {
	return Candidate{
		Symbol:    p.Get("symbol").String(),
		Name:      p.Get("name").String(),
		Price:     value(p.Get("current_price")),
		MarketCap: value(p.Get("market_cap")),
	}
}

func coinPaprika(p gjson.Result) Candidate {
	return Candidate{
		Symbol:    p.Get("symbol").String(),
		Name:      p.Get("name").String(),
		Price:     value(p.Get("quotes.USD.price")),
		MarketCap: value(p.Get("quotes.USD.market_cap")),
	}
}

func csvRow(p gjson.Result) Candidate {
	return Candidate{
		Symbol:    first(p, "Symbol", "symbol", "SYMBOL").String(),
		Name:      first(p, "Name", "name", "NAME").String(),
		Price:     value(first(p, "Price", "price", "price_usd", "PriceUSD")),
		MarketCap: value(first(p, "MarketCap", "market_cap", "Market Cap")),
	}
}

// first returns the first of keys present in p.
func first(p gjson.Result, keys ...string) gjson.Result {
	for _, k := range keys {
		if r := p.Get(gjson.Escape(k)); r.Exists() {
			return r
		}
	}
	return gjson.Result{}
}

// value unwraps a JSON scalar into a Go value, nil for absent or null.
func value(r gjson.Result) any {
	switch r.Type {
	case gjson.Null:
		return nil
	case gjson.Number:
		return r.Float()
	case gjson.String:
		return r.Str
	case gjson.True, gjson.False:
		return r.Bool()
	default:
		return r.Raw
	}
}
