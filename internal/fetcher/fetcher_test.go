package fetcher

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

func TestGetJSONArray_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("X-Test-Key"); got != "secret" {
			t.Errorf("X-Test-Key = %q, want %q", got, "secret")
		}
		if got := r.URL.Query().Get("page"); got != "1" {
			t.Errorf("page = %q, want %q", got, "1")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a"},{"id":"b"},{"id":"c"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{BaseURL: server.URL, APIKeyHeader: "X-Test-Key", APIKey: "secret"})

	payloads, err := GetJSONArray(context.Background(), client, "/items", map[string]string{"page": "1"})
	if err != nil {
		t.Fatalf("GetJSONArray() returned unexpected error: %v", err)
	}
	if len(payloads) != 3 {
		t.Fatalf("GetJSONArray() returned %d payloads, want 3", len(payloads))
	}
	if string(payloads[1]) != `{"id":"b"}` {
		t.Errorf("payloads[1] = %s, want {\"id\":\"b\"}", payloads[1])
	}
}

func TestGetJSONArray_NoAPIKeyHeaderWhenKeyEmpty(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if _, ok := r.Header["X-Test-Key"]; ok {
			t.Error("X-Test-Key header sent without an API key")
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[]`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{BaseURL: server.URL, APIKeyHeader: "X-Test-Key"})
	if _, err := GetJSONArray(context.Background(), client, "/", nil); err != nil {
		t.Fatalf("GetJSONArray() returned unexpected error: %v", err)
	}
}

func TestGetJSONArray_Errors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantType ErrorType
	}{
		{"server error", http.StatusInternalServerError, `{}`, ErrorTypeServer},
		{"rate limited", http.StatusTooManyRequests, `{}`, ErrorTypeRateLimit},
		{"unauthorized", http.StatusUnauthorized, `{}`, ErrorTypeClient},
		{"malformed json", http.StatusOK, `[{"id":`, ErrorTypeValidation},
		{"object instead of array", http.StatusOK, `{"error":"plan limit"}`, ErrorTypeValidation},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "text/plain")
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			client := NewHTTPClient(ClientOptions{BaseURL: server.URL})
			payloads, err := GetJSONArray(context.Background(), client, "/", nil)
			if err == nil {
				t.Fatal("GetJSONArray() expected error, got nil")
			}
			if payloads != nil {
				t.Errorf("payloads = %v, want nil", payloads)
			}
			if got := TypeOf(err); got != tt.wantType {
				t.Errorf("TypeOf(err) = %q, want %q (err: %v)", got, tt.wantType, err)
			}
		})
	}
}

func TestGetJSONArray_Timeout(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{BaseURL: server.URL, Timeout: 50 * time.Millisecond})

	start := time.Now()
	_, err := GetJSONArray(context.Background(), client, "/", nil)
	if err == nil {
		t.Fatal("GetJSONArray() expected timeout error, got nil")
	}
	if time.Since(start) > time.Second {
		t.Errorf("GetJSONArray() took %v, timeout not respected", time.Since(start))
	}

	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("error %v is not a *FetchError", err)
	}
	if !fe.Retryable {
		t.Error("timeout error should be retryable")
	}
}

func TestGetJSONArray_SingleAttempt(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`[{"id":"a"}]`))
	}))
	defer server.Close()

	client := NewHTTPClient(ClientOptions{BaseURL: server.URL})

	_, err := GetJSONArray(context.Background(), client, "/", nil)
	if TypeOf(err) != ErrorTypeServer {
		t.Fatalf("GetJSONArray() error type = %q, want %q", TypeOf(err), ErrorTypeServer)
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("server hit %d times, want 1", got)
	}
	if !IsRetryable(err) {
		t.Error("503 should be retryable on a later run")
	}

	payloads, err := GetJSONArray(context.Background(), client, "/", nil)
	if err != nil {
		t.Fatalf("second GetJSONArray() returned unexpected error: %v", err)
	}
	if len(payloads) != 1 {
		t.Errorf("second GetJSONArray() returned %d payloads, want 1", len(payloads))
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"server", NewServerError(502), true},
		{"tagged rate limit", WithSource("coingecko", NewRateLimitError(429)), true},
		{"client", NewClientError(404, "not found"), false},
		{"plain", errors.New("boom"), false},
		{"nil", nil, false},
	}
	for _, tt := range tests {
		if got := IsRetryable(tt.err); got != tt.want {
			t.Errorf("IsRetryable(%s) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestClassifyHTTPError(t *testing.T) {
	tests := []struct {
		status   int
		wantType ErrorType
	}{
		{429, ErrorTypeRateLimit},
		{500, ErrorTypeServer},
		{503, ErrorTypeServer},
		{404, ErrorTypeClient},
		{302, ErrorTypeUnknown},
	}
	for _, tt := range tests {
		if got := ClassifyHTTPError(tt.status).Type; got != tt.wantType {
			t.Errorf("ClassifyHTTPError(%d).Type = %q, want %q", tt.status, got, tt.wantType)
		}
	}
}

func TestClassifyTransportError(t *testing.T) {
	if got := ClassifyTransportError(context.DeadlineExceeded).Type; got != ErrorTypeTimeout {
		t.Errorf("deadline exceeded classified as %q, want %q", got, ErrorTypeTimeout)
	}
	if got := ClassifyTransportError(errors.New("connection refused")).Type; got != ErrorTypeNetwork {
		t.Errorf("connection refused classified as %q, want %q", got, ErrorTypeNetwork)
	}
}

func TestWithSource(t *testing.T) {
	if WithSource("coingecko", nil) != nil {
		t.Error("WithSource(nil) should be nil")
	}

	err := WithSource("coingecko", NewServerError(502))
	var fe *FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("WithSource() returned %T, want *FetchError", err)
	}
	if fe.Source != "coingecko" || fe.Type != ErrorTypeServer {
		t.Errorf("WithSource() = %+v, want source coingecko and type server", fe)
	}

	plain := WithSource("csv_local", errors.New("boom"))
	if TypeOf(plain) != ErrorTypeUnknown {
		t.Errorf("TypeOf(plain) = %q, want %q", TypeOf(plain), ErrorTypeUnknown)
	}
}
