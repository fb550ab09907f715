package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"resty.dev/v3"
)

// DefaultTimeout bounds every remote call.
const DefaultTimeout = 10 * time.Second

// ClientOptions configures a remote source's HTTP client.
type ClientOptions struct {
	BaseURL string
	Timeout time.Duration

	// APIKeyHeader is set to APIKey on every request when APIKey is non-empty.
	APIKeyHeader string
	APIKey       string
}

// NewHTTPClient creates an HTTP client with a fixed timeout and an optional
// API-key header. Requests are attempted once: a failed source yields
// nothing for this run and is tried again on the next one.
func NewHTTPClient(opts ClientOptions) *resty.Client {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	client := resty.New().
		SetBaseURL(opts.BaseURL).
		SetTimeout(timeout).
		SetRetryCount(0).
		SetHeader("Accept", "application/json")

	if opts.APIKey != "" && opts.APIKeyHeader != "" {
		client.SetHeader(opts.APIKeyHeader, opts.APIKey)
	}

	return client
}

// GetJSONArray issues a GET for path and decodes a top-level JSON array into
// its raw elements. Transport failures, non-2xx statuses and bodies that are
// not a JSON array all come back as *FetchError.
func GetJSONArray(ctx context.Context, client *resty.Client, path string, params map[string]string) ([]json.RawMessage, error) {
	resp, err := client.R().
		SetContext(ctx).
		SetQueryParams(params).
		Get(path)

	if err != nil {
		return nil, ClassifyTransportError(err)
	}

	if !resp.IsSuccess() {
		return nil, ClassifyHTTPError(resp.StatusCode())
	}

	var payloads []json.RawMessage
	if err := json.Unmarshal([]byte(resp.String()), &payloads); err != nil {
		return nil, NewValidationError("response is not a JSON array", err)
	}

	return payloads, nil
}
