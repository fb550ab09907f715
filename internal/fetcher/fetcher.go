package fetcher

import (
	"context"
	"encoding/json"
	"time"
)

// Source is the capability every market data origin implements, whether it is
// a remote API or a local file. New origins are added by implementing Source.
type Source interface {
	// Name returns the source tag stored with every record, e.g. "coingecko".
	Name() string

	// Fetch retrieves the current payloads in source order. On failure it
	// returns a nil slice and a *FetchError describing the cause; callers
	// treat that as an empty result and move on to the next source.
	Fetch(ctx context.Context) ([]RawItem, error)
}

// RawItem is one opaque record exactly as the source delivered it.
type RawItem struct {
	Source    string
	Payload   json.RawMessage
	FetchedAt time.Time
}

// NewItems wraps payloads from one fetch into RawItems sharing a fetch time.
func NewItems(source string, payloads []json.RawMessage, fetchedAt time.Time) []RawItem {
	items := make([]RawItem, 0, len(payloads))
	for _, p := range payloads {
		items = append(items, RawItem{Source: source, Payload: p, FetchedAt: fetchedAt})
	}
	return items
}
