package coinpaprika

import (
	"context"
	"time"

	"resty.dev/v3"

	"cryptoetl/internal/fetcher"
	"cryptoetl/internal/ratelimit"
)

// SourceName is the tag CoinPaprika records are stored under.
const SourceName = "coinpaprika"

// Params configures the tickers request.
type Params struct {
	BaseURL string
	APIKey  string
	// Limit keeps only the first Limit tickers (ranked by market cap); 0 keeps all.
	Limit   int
	Timeout time.Duration
}

// TickersSource fetches the /tickers listing
type TickersSource struct {
	params Params
	client *resty.Client
	now    func() time.Time
}

// NewTickersSource creates a new CoinPaprika tickers source
func NewTickersSource(params Params) *TickersSource {
	client := fetcher.NewHTTPClient(fetcher.ClientOptions{
		BaseURL:      params.BaseURL,
		Timeout:      params.Timeout,
		APIKeyHeader: "Authorization",
		APIKey:       params.APIKey,
	})

	return &TickersSource{
		params: params,
		client: client,
		now:    time.Now,
	}
}

// Name returns the source tag
func (s *TickersSource) Name() string {
	return SourceName
}

// Fetch retrieves the ticker list, truncated to the configured limit
func (s *TickersSource) Fetch(ctx context.Context) ([]fetcher.RawItem, error) {
	if err := ratelimit.GetLimiter().Wait(ctx, ratelimit.APICoinPaprika); err != nil {
		return nil, fetcher.WithSource(SourceName, fetcher.ClassifyTransportError(err))
	}

	payloads, err := fetcher.GetJSONArray(ctx, s.client, "/tickers", nil)
	if err != nil {
		return nil, fetcher.WithSource(SourceName, err)
	}

	if s.params.Limit > 0 && len(payloads) > s.params.Limit {
		payloads = payloads[:s.params.Limit]
	}

	return fetcher.NewItems(SourceName, payloads, s.now()), nil
}
