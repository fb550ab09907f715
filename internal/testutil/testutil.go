package testutil

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"cryptoetl/internal/fetcher"
	"cryptoetl/internal/store"
)

// MockSource is a mock implementation of the fetcher.Source interface for testing
type MockSource struct {
	FetchFunc func(ctx context.Context) ([]fetcher.RawItem, error)
	NameFunc  func() string
}

// Fetch implements the Source interface
func (m *MockSource) Fetch(ctx context.Context) ([]fetcher.RawItem, error) {
	if m.FetchFunc != nil {
		return m.FetchFunc(ctx)
	}
	return nil, nil
}

// Name implements the Source interface
func (m *MockSource) Name() string {
	if m.NameFunc != nil {
		return m.NameFunc()
	}
	return "mock"
}

// NewMockSource creates a mock source returning the given JSON payloads, or err.
func NewMockSource(name string, err error, payloads ...string) fetcher.Source {
	return &MockSource{
		FetchFunc: func(ctx context.Context) ([]fetcher.RawItem, error) {
			if err != nil {
				return nil, err
			}
			raw := make([]json.RawMessage, 0, len(payloads))
			for _, p := range payloads {
				raw = append(raw, json.RawMessage(p))
			}
			return fetcher.NewItems(name, raw, time.Now().UTC()), nil
		},
		NameFunc: func() string {
			return name
		},
	}
}

// OpenDB opens a migrated in-memory SQLite store private to t.
func OpenDB(t *testing.T) *store.Client {
	t.Helper()

	name := strings.NewReplacer("/", "_", " ", "_", "#", "_").Replace(t.Name())
	client, err := store.Open(context.Background(), store.Option{
		URL:          "file:" + name + "?mode=memory&cache=shared",
		MaxOpenConns: 1,
		Config:       &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)},
	})
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	if err := client.Migrate(context.Background()); err != nil {
		t.Fatalf("migrate test store: %v", err)
	}
	return client
}
