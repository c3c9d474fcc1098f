package tradelog

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"crossarb/internal/model"
)

func entry(plan string, state model.State, ts time.Time) model.TradeEntry {
	return model.TradeEntry{
		PlanID:       plan,
		Timestamp:    ts,
		State:        state,
		ExchangeBuy:  "alpha",
		ExchangeSell: "beta",
		Asset:        "BTC",
		Network:      "BTC",
		Amounts:      map[string]decimal.Decimal{"bought": decimal.RequireFromString("0.12345678")},
		OrderRefs:    map[string]string{"buyOrder": "o-1"},
	}
}

func TestLog(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	l, err := Open(dir, slog.New(slog.NewJSONHandler(os.Stdout, nil)))
	require.NoError(t, err)

	day1 := time.Date(2026, 3, 1, 23, 59, 0, 0, time.UTC)
	now := day1
	l.now = func() time.Time { return now }

	var mu sync.Mutex
	var rotated []string
	l.OnRotate(func(path string) {
		mu.Lock()
		rotated = append(rotated, path)
		mu.Unlock()
	})

	require.NoError(t, l.Record(ctx, entry("p1", model.StatePlanned, now)))
	require.NoError(t, l.Record(ctx, entry("p1", model.StateBuyFilled, now)))
	require.NoError(t, l.Record(ctx, entry("p2", model.StatePlanned, now)))

	now = day1.Add(2 * time.Minute)
	stranded := entry("p1", model.StateStranded, now)
	stranded.Outcome = model.OutcomeStranded
	stranded.Error = "transfer failed"
	require.NoError(t, l.Record(ctx, stranded))
	require.NoError(t, l.Record(ctx, entry("p2", model.StateAborted, now)))
	require.NoError(t, l.Close())

	t.Run("one file per day and rotation hook", func(t *testing.T) {
		files, err := l.Files()
		require.NoError(t, err)
		require.Len(t, files, 2)
		assert.Equal(t, "trades-2026-03-01.jsonl", filepath.Base(files[0]))
		assert.Equal(t, "trades-2026-03-02.jsonl", filepath.Base(files[1]))

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []string{files[0]}, rotated)
	})

	t.Run("entries survive a round trip", func(t *testing.T) {
		got, err := ReadFile(filepath.Join(dir, "trades-2026-03-01.jsonl"))
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.StateBuyFilled, got[1].State)
		assert.True(t, decimal.RequireFromString("0.12345678").Equal(got[1].Amounts["bought"]))
		assert.Equal(t, "o-1", got[1].OrderRefs["buyOrder"])
	})

	t.Run("history spans files", func(t *testing.T) {
		got, err := l.History(ctx, "p1")
		require.NoError(t, err)
		require.Len(t, got, 3)
		assert.Equal(t, model.StateStranded, got[2].State)
		assert.Equal(t, "transfer failed", got[2].Error)
	})

	t.Run("stranded lists only plans whose last state is stranded", func(t *testing.T) {
		got, err := l.Stranded(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "p1", got[0].PlanID)
		assert.Equal(t, model.OutcomeStranded, got[0].Outcome)
	})

	t.Run("append only", func(t *testing.T) {
		l2, err := Open(dir, slog.Default())
		require.NoError(t, err)
		l2.now = func() time.Time { return day1 }
		require.NoError(t, l2.Record(ctx, entry("p3", model.StatePlanned, day1)))
		require.NoError(t, l2.Close())

		got, err := ReadFile(filepath.Join(dir, "trades-2026-03-01.jsonl"))
		require.NoError(t, err)
		assert.Len(t, got, 4)
	})
}

type failing struct{}

func (failing) Record(context.Context, model.TradeEntry) error { return errors.New("down") }

type counting struct{ n int }

func (c *counting) Record(context.Context, model.TradeEntry) error {
	c.n++
	return nil
}

func TestMulti(t *testing.T) {
	c := &counting{}
	r := Multi(failing{}, nil, c)
	err := r.Record(context.Background(), entry("p", model.StatePlanned, time.Now()))
	assert.ErrorContains(t, err, "down")
	assert.Equal(t, 1, c.n, "later recorders still run")
}
