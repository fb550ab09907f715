package query

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"cryptoetl/internal/jobs"
	"cryptoetl/internal/model"
	"cryptoetl/internal/testutil"
)

type pingFunc func(ctx context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func seed(t *testing.T, db *gorm.DB, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		src := "coingecko"
		if i%2 == 1 {
			src = "csv_local"
		}
		e := model.UnifiedEntity{
			Symbol:      fmt.Sprintf("SYM%02d", i),
			Name:        fmt.Sprintf("Coin %d", i),
			Price:       float64(i + 1),
			SourceData:  datatypes.NewJSONType(map[string]float64{src: float64(i + 1)}),
			ObservedAt:  base,
			LastUpdated: base.Add(time.Duration(i) * time.Minute),
		}
		require.NoError(t, db.Create(&e).Error)
	}
}

func newService(t *testing.T, ping pingFunc) (*Service, *gorm.DB, *jobs.Tracker) {
	t.Helper()
	client := testutil.OpenDB(t)
	if ping == nil {
		ping = client.Ping
	}
	tracker := jobs.New(client.DB())
	return New(client.DB(), ping, tracker), client.DB(), tracker
}

func TestPage_Normalize(t *testing.T) {
	tests := []struct {
		in, want Page
	}{
		{Page{}, Page{Limit: 10}},
		{Page{Limit: -5, Offset: -1}, Page{Limit: 1}},
		{Page{Limit: 500, Offset: 7}, Page{Limit: 100, Offset: 7}},
		{Page{Limit: 25, Offset: 3}, Page{Limit: 25, Offset: 3}},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.in.Normalize(), "input %+v", tt.in)
	}
}

func TestList_Pagination(t *testing.T) {
	svc, db, _ := newService(t, nil)
	seed(t, db, 25)
	ctx := context.Background()

	first, err := svc.List(ctx, Filter{}, Page{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, int64(25), first.Total)
	require.Len(t, first.Items, 10)
	assert.Equal(t, "SYM24", first.Items[0].Symbol, "newest first")

	second, err := svc.List(ctx, Filter{}, Page{Limit: 10, Offset: 10})
	require.NoError(t, err)
	assert.Equal(t, first.Total, second.Total, "total does not depend on the page")
	require.Len(t, second.Items, 10)

	all, err := svc.List(ctx, Filter{}, Page{Limit: 100})
	require.NoError(t, err)
	require.Len(t, all.Items, 25)

	seen := make(map[string]bool)
	var joined []string
	for _, e := range append(first.Items, second.Items...) {
		assert.False(t, seen[e.Symbol], "%s appears on both pages", e.Symbol)
		seen[e.Symbol] = true
		joined = append(joined, e.Symbol)
	}
	var want []string
	for _, e := range all.Items[:20] {
		want = append(want, e.Symbol)
	}
	assert.Equal(t, want, joined, "two pages rebuild the first 20 entities in order")

	last, err := svc.List(ctx, Filter{}, Page{Limit: 10, Offset: 20})
	require.NoError(t, err)
	assert.Equal(t, int64(25), last.Total)
	assert.Len(t, last.Items, 5)
	assert.Equal(t, "SYM00", last.Items[4].Symbol)

	empty, err := svc.List(ctx, Filter{}, Page{Limit: 10, Offset: 100})
	require.NoError(t, err)
	assert.Equal(t, int64(25), empty.Total)
	assert.Empty(t, empty.Items)
}

func TestList_Filters(t *testing.T) {
	svc, db, _ := newService(t, nil)
	seed(t, db, 6)
	ctx := context.Background()

	bySymbol, err := svc.List(ctx, Filter{Symbol: " sym03 "}, Page{})
	require.NoError(t, err)
	require.Len(t, bySymbol.Items, 1)
	assert.Equal(t, "SYM03", bySymbol.Items[0].Symbol)

	bySource, err := svc.List(ctx, Filter{Source: "csv_local"}, Page{})
	require.NoError(t, err)
	assert.Equal(t, int64(3), bySource.Total)
	for _, e := range bySource.Items {
		assert.Contains(t, e.Sources(), "csv_local")
	}
}

func TestStats(t *testing.T) {
	svc, db, tracker := newService(t, nil)
	ctx := context.Background()

	stats, err := svc.Stats(ctx)
	require.NoError(t, err)
	assert.Zero(t, stats.TotalUnified)
	assert.Nil(t, stats.LastJob)

	seed(t, db, 4)
	job, err := tracker.Start(ctx)
	require.NoError(t, err)
	require.NoError(t, tracker.Succeed(ctx, job.JobID, 4))

	stats, err = svc.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(4), stats.TotalUnified)
	require.NotNil(t, stats.LastJob)
	assert.Equal(t, model.JobSuccess, stats.LastJob.Status)
	assert.Equal(t, 4, stats.LastJob.ItemsProcessed)
}

func TestHealth(t *testing.T) {
	t.Run("never run", func(t *testing.T) {
		svc, _, _ := newService(t, nil)
		h := svc.Health(context.Background())
		assert.Equal(t, StatusOK, h.Status)
		assert.True(t, h.DatabaseReachable)
		assert.Equal(t, LastRunNever, h.LastETLStatus)
		assert.False(t, h.ServerTime.IsZero())
	})

	t.Run("last run status", func(t *testing.T) {
		svc, _, tracker := newService(t, nil)
		ctx := context.Background()
		job, err := tracker.Start(ctx)
		require.NoError(t, err)
		require.NoError(t, tracker.Fail(ctx, job.JobID, 0, errors.New("boom")))

		assert.Equal(t, string(model.JobFailed), svc.Health(ctx).LastETLStatus)
	})

	t.Run("store unreachable", func(t *testing.T) {
		svc, _, _ := newService(t, func(context.Context) error { return errors.New("connection refused") })
		h := svc.Health(context.Background())
		assert.Equal(t, StatusDegraded, h.Status)
		assert.False(t, h.DatabaseReachable)
		assert.Equal(t, LastRunUnknown, h.LastETLStatus)
	})
}
