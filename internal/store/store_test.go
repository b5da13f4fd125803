package store

import (
	"context"
	"testing"
	"time"

	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2025, 3, 10, 12, 0, 0, 0, time.UTC)

func TestMemoryStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		return NewMemoryStore()
	})
}

func TestSQLiteStore(t *testing.T) {
	runStoreSuite(t, func(t *testing.T) Store {
		db, err := database.OpenSQLite(":memory:")
		require.NoError(t, err)

		s := NewSQLiteStore(db)
		require.NoError(t, s.Migrate(context.Background()))
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestSQLiteMigrateIsIdempotent(t *testing.T) {
	db, err := database.OpenSQLite(":memory:")
	require.NoError(t, err)
	s := NewSQLiteStore(db)
	defer s.Close()

	require.NoError(t, s.Migrate(context.Background()))
	require.NoError(t, s.Migrate(context.Background()))
}

// runStoreSuite exercises behaviour every Store implementation must share.
// Each subtest uses fresh caller ids so the suite can run against a shared
// database.
func runStoreSuite(t *testing.T, open func(t *testing.T) Store) {
	ctx := context.Background()

	newCaller := func(t *testing.T, s Store) string {
		t.Helper()
		c := &models.Caller{ID: uuid.NewString()}
		require.NoError(t, s.CreateCaller(ctx, c))
		return c.ID
	}

	insert := func(t *testing.T, s Store, callerID, model string, tokens int64, cost float64, ts time.Time) string {
		t.Helper()
		rec := &models.UsageRecord{
			ID:          uuid.NewString(),
			CallerID:    callerID,
			Model:       model,
			InputTokens: tokens,
			TotalTokens: tokens,
			Cost:        cost,
			DurationMs:  100,
			StatusCode:  200,
			ToolsUsed:   []string{"search"},
			Metadata:    map[string]any{"task": "demo"},
			Timestamp:   ts,
		}
		require.NoError(t, s.InsertRecord(ctx, rec))
		return rec.ID
	}

	t.Run("resolve caller is idempotent per fingerprint", func(t *testing.T) {
		s := open(t)
		fp := uuid.NewString()

		first, err := s.ResolveCaller(ctx, fp, "sealed-1")
		require.NoError(t, err)
		second, err := s.ResolveCaller(ctx, fp, "")
		require.NoError(t, err)

		assert.Equal(t, first.ID, second.ID)
		assert.Equal(t, fp, second.Fingerprint)
		assert.Equal(t, "sealed-1", second.CredentialRef)

		_, err = s.ResolveCaller(ctx, "", "")
		assert.ErrorIs(t, err, ErrEmptyFingerprint)
	})

	t.Run("monthly budget", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)

		c, err := s.GetCaller(ctx, id)
		require.NoError(t, err)
		assert.False(t, c.HasBudget())

		budget := 150.0
		require.NoError(t, s.SetMonthlyBudget(ctx, id, &budget))
		c, err = s.GetCaller(ctx, id)
		require.NoError(t, err)
		require.NotNil(t, c.MonthlyBudget)
		assert.Equal(t, 150.0, *c.MonthlyBudget)

		require.NoError(t, s.SetMonthlyBudget(ctx, id, nil))
		c, err = s.GetCaller(ctx, id)
		require.NoError(t, err)
		assert.Nil(t, c.MonthlyBudget)

		assert.ErrorIs(t, s.SetMonthlyBudget(ctx, uuid.NewString(), &budget), ErrNotFound)
		_, err = s.GetCaller(ctx, uuid.NewString())
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("records require a known caller", func(t *testing.T) {
		s := open(t)
		err := s.InsertRecord(ctx, &models.UsageRecord{
			ID:         uuid.NewString(),
			CallerID:   uuid.NewString(),
			Model:      "m",
			StatusCode: 200,
			Timestamp:  base,
		})
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("sum cost since is inclusive of the boundary", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		insert(t, s, id, "m", 10, 1.5, base.Add(-time.Millisecond))
		insert(t, s, id, "m", 10, 2.0, base)
		insert(t, s, id, "m", 10, 3.0, base.Add(time.Hour))

		total, err := s.SumCostSince(ctx, id, base)
		require.NoError(t, err)
		assert.InDelta(t, 5.0, total, 1e-9)

		total, err = s.SumCostSince(ctx, uuid.NewString(), base)
		require.NoError(t, err)
		assert.Zero(t, total)
	})

	t.Run("tags", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)

		plain := &models.Tag{CallerID: id, Name: "billing", Color: "#ff0000"}
		auto := &models.Tag{CallerID: id, Name: "debugging", AutoPattern: "debug|fix"}
		require.NoError(t, s.CreateTag(ctx, plain))
		require.NoError(t, s.CreateTag(ctx, auto))
		assert.NotEmpty(t, plain.ID)

		assert.ErrorIs(t, s.CreateTag(ctx, &models.Tag{CallerID: id, Name: "billing"}), ErrConflict)
		assert.ErrorIs(t, s.CreateTag(ctx, &models.Tag{CallerID: uuid.NewString(), Name: "x"}), ErrNotFound)

		all, err := s.ListTags(ctx, id)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "billing", all[0].Name)
		assert.Equal(t, "#ff0000", all[0].Color)

		autos, err := s.ListAutoTags(ctx, id)
		require.NoError(t, err)
		require.Len(t, autos, 1)
		assert.Equal(t, "debug|fix", autos[0].AutoPattern)

		other := newCaller(t, s)
		assert.ErrorIs(t, s.DeleteTag(ctx, other, plain.ID), ErrNotFound)
		require.NoError(t, s.DeleteTag(ctx, id, plain.ID))
		all, err = s.ListTags(ctx, id)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("link tag is idempotent and caller scoped", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		other := newCaller(t, s)

		recID := insert(t, s, id, "m", 10, 1, base)
		own := &models.Tag{CallerID: id, Name: "mine"}
		foreign := &models.Tag{CallerID: other, Name: "theirs"}
		require.NoError(t, s.CreateTag(ctx, own))
		require.NoError(t, s.CreateTag(ctx, foreign))

		created, err := s.LinkTag(ctx, recID, own.ID)
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.LinkTag(ctx, recID, own.ID)
		require.NoError(t, err)
		assert.False(t, created)

		_, err = s.LinkTag(ctx, recID, foreign.ID)
		assert.ErrorIs(t, err, ErrTagScope)

		_, err = s.LinkTag(ctx, uuid.NewString(), own.ID)
		assert.ErrorIs(t, err, ErrNotFound)

		entries, total, err := s.ListRecords(ctx, RecordFilter{CallerID: id})
		require.NoError(t, err)
		assert.EqualValues(t, 1, total)
		require.Len(t, entries, 1)
		assert.Equal(t, []string{"mine"}, entries[0].Tags)
	})

	t.Run("alerts are created once per period", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)

		alert := func(period string) *models.Alert {
			return &models.Alert{
				CallerID:  id,
				Kind:      models.AlertKindBudget,
				Threshold: 50,
				Message:   "Budget alert",
				Period:    period,
				CreatedAt: base,
			}
		}

		created, err := s.CreateAlertOnce(ctx, alert("2025-03"))
		require.NoError(t, err)
		assert.True(t, created)

		created, err = s.CreateAlertOnce(ctx, alert("2025-03"))
		require.NoError(t, err)
		assert.False(t, created)

		created, err = s.CreateAlertOnce(ctx, alert("2025-04"))
		require.NoError(t, err)
		assert.True(t, created)

		alerts, err := s.ListAlerts(ctx, id)
		require.NoError(t, err)
		require.Len(t, alerts, 2)
		assert.False(t, alerts[0].Acknowledged)

		require.NoError(t, s.AcknowledgeAlert(ctx, alerts[0].ID))
		alerts, err = s.ListAlerts(ctx, id)
		require.NoError(t, err)
		acked := 0
		for _, a := range alerts {
			if a.Acknowledged {
				acked++
			}
		}
		assert.Equal(t, 1, acked)
		assert.ErrorIs(t, s.AcknowledgeAlert(ctx, uuid.NewString()), ErrNotFound)
	})

	t.Run("daily usage groups by UTC date over a half-open range", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)

		day1 := time.Date(2025, 3, 1, 23, 30, 0, 0, time.UTC)
		day2 := time.Date(2025, 3, 2, 0, 15, 0, 0, time.UTC)
		insert(t, s, id, "m", 100, 1.0, day1)
		insert(t, s, id, "m", 50, 0.5, day1.Add(time.Minute))
		insert(t, s, id, "m", 10, 0.1, day2)
		insert(t, s, id, "m", 999, 9.9, time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))

		buckets, err := s.DailyUsage(ctx, id,
			time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2025, 3, 3, 0, 0, 0, 0, time.UTC))
		require.NoError(t, err)
		require.Len(t, buckets, 2)

		assert.Equal(t, "2025-03-01", buckets[0].Date)
		assert.EqualValues(t, 150, buckets[0].TotalTokens)
		assert.InDelta(t, 1.5, buckets[0].TotalCost, 1e-9)
		assert.EqualValues(t, 2, buckets[0].Count)
		assert.Equal(t, "2025-03-02", buckets[1].Date)
		assert.EqualValues(t, 1, buckets[1].Count)

		empty, err := s.DailyUsage(ctx, id, base.AddDate(1, 0, 0), base.AddDate(1, 0, 1))
		require.NoError(t, err)
		assert.Empty(t, empty)
	})

	t.Run("usage by model orders by cost", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		insert(t, s, id, "cheap", 100, 1.0, base)
		insert(t, s, id, "pricey", 100, 10.0, base)
		insert(t, s, id, "cheap", 100, 1.0, base.Add(time.Second))

		groups, err := s.UsageByModel(ctx, id, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, groups, 2)
		assert.Equal(t, "pricey", groups[0].Key)
		assert.Equal(t, "cheap", groups[1].Key)
		assert.EqualValues(t, 2, groups[1].Count)
		assert.EqualValues(t, 200, groups[1].TotalTokens)
	})

	t.Run("usage by tag counts a record under each of its tags", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		recID := insert(t, s, id, "m", 100, 2.0, base)
		insert(t, s, id, "m", 100, 5.0, base) // untagged

		a := &models.Tag{CallerID: id, Name: "a"}
		b := &models.Tag{CallerID: id, Name: "b"}
		require.NoError(t, s.CreateTag(ctx, a))
		require.NoError(t, s.CreateTag(ctx, b))
		_, err := s.LinkTag(ctx, recID, a.ID)
		require.NoError(t, err)
		_, err = s.LinkTag(ctx, recID, b.ID)
		require.NoError(t, err)

		groups, err := s.UsageByTag(ctx, id, base, base.Add(time.Hour))
		require.NoError(t, err)
		require.Len(t, groups, 2)
		for _, g := range groups {
			assert.InDelta(t, 2.0, g.TotalCost, 1e-9)
			assert.EqualValues(t, 1, g.Count)
		}
		assert.Equal(t, "a", groups[0].Key)

		tagged, err := s.TaggedCost(ctx, id, base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.InDelta(t, 2.0, tagged, 1e-9)
	})

	t.Run("usage totals", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		insert(t, s, id, "m", 100, 1.0, base)
		insert(t, s, id, "m", 300, 2.0, base.Add(time.Minute))

		totals, err := s.UsageTotals(ctx, id, base, base.Add(time.Hour))
		require.NoError(t, err)
		assert.EqualValues(t, 400, totals.TotalTokens)
		assert.InDelta(t, 3.0, totals.TotalCost, 1e-9)
		assert.EqualValues(t, 2, totals.Count)
		assert.EqualValues(t, 200, totals.TotalDurationMs)

		empty, err := s.UsageTotals(ctx, id, base.AddDate(1, 0, 0), base.AddDate(1, 0, 1))
		require.NoError(t, err)
		assert.Equal(t, Totals{}, empty)
	})

	t.Run("list records pages newest first", func(t *testing.T) {
		s := open(t)
		id := newCaller(t, s)
		var ids []string
		for i := 0; i < 5; i++ {
			ids = append(ids, insert(t, s, id, "m", int64(i), 0.1, base.Add(time.Duration(i)*time.Minute)))
		}

		start := base
		end := base.Add(time.Hour)
		page, total, err := s.ListRecords(ctx, RecordFilter{CallerID: id, Start: &start, End: &end, Offset: 2, Limit: 2})
		require.NoError(t, err)
		assert.EqualValues(t, 5, total)
		require.Len(t, page, 2)
		assert.Equal(t, ids[2], page[0].ID)
		assert.Equal(t, ids[1], page[1].ID)
		assert.Equal(t, []string{"search"}, page[0].ToolsUsed)
		assert.Equal(t, "demo", page[0].Metadata["task"])
		assert.Equal(t, []string{}, page[0].Tags)
		assert.True(t, page[0].Timestamp.Equal(base.Add(2*time.Minute)))

		past, total, err := s.ListRecords(ctx, RecordFilter{CallerID: id, Offset: 10, Limit: 2})
		require.NoError(t, err)
		assert.EqualValues(t, 5, total)
		assert.Empty(t, past)
	})
}
