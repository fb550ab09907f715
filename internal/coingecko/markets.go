package coingecko

import (
	"context"
	"strconv"
	"time"

	"resty.dev/v3"

	"cryptoetl/internal/fetcher"
	"cryptoetl/internal/ratelimit"
)

// SourceName is the tag CoinGecko records are stored under.
const SourceName = "coingecko"

// apiKeyHeader is the header CoinGecko's demo plan authenticates with.
const apiKeyHeader = "x-cg-demo-api-key"

// Params configures the markets request.
type Params struct {
	BaseURL  string
	APIKey   string
	Currency string
	PerPage  int
	Timeout  time.Duration
}

// MarketsSource fetches the /coins/markets listing ordered by market cap.
type MarketsSource struct {
	params Params
	client *resty.Client
	now    func() time.Time
}

// NewMarketsSource creates a new CoinGecko markets source
func NewMarketsSource(params Params) *MarketsSource {
	if params.Currency == "" {
		params.Currency = "usd"
	}
	if params.PerPage <= 0 {
		params.PerPage = 100
	}

	client := fetcher.NewHTTPClient(fetcher.ClientOptions{
		BaseURL:      params.BaseURL,
		Timeout:      params.Timeout,
		APIKeyHeader: apiKeyHeader,
		APIKey:       params.APIKey,
	})

	return &MarketsSource{
		params: params,
		client: client,
		now:    time.Now,
	}
}

// Name returns the source tag
func (s *MarketsSource) Name() string {
	return SourceName
}

// Fetch retrieves the first page of market data
func (s *MarketsSource) Fetch(ctx context.Context) ([]fetcher.RawItem, error) {
	if err := ratelimit.GetLimiter().Wait(ctx, ratelimit.APICoinGecko); err != nil {
		return nil, fetcher.WithSource(SourceName, fetcher.ClassifyTransportError(err))
	}

	payloads, err := fetcher.GetJSONArray(ctx, s.client, "/coins/markets", map[string]string{
		"vs_currency": s.params.Currency,
		"order":       "market_cap_desc",
		"per_page":    strconv.Itoa(s.params.PerPage),
		"page":        "1",
	})
	if err != nil {
		return nil, fetcher.WithSource(SourceName, err)
	}

	return fetcher.NewItems(SourceName, payloads, s.now()), nil
}
