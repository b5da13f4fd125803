// Package analytics reduces the usage record stream into the daily, model,
// tag and summary views served to the dashboard.
package analytics

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/crosslogic/usage-meter/internal/store"
	"github.com/crosslogic/usage-meter/pkg/models"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	// DefaultWindow is the range used when a query names no dates.
	DefaultWindow = 30 * 24 * time.Hour

	DefaultPageLimit = 50
	MaxPageLimit     = 100
)

// Range is the half-open interval [Start, End).
type Range struct {
	Start time.Time
	End   time.Time
}

// DefaultRange returns the last 30 days ending at now.
func DefaultRange(now time.Time) Range {
	return Range{Start: now.Add(-DefaultWindow), End: now}
}

// DailyAggregate is one calendar-day bucket.
type DailyAggregate struct {
	Date                string  `json:"date"`
	TotalTokens         int64   `json:"totalTokens"`
	TotalCost           float64 `json:"totalCost"`
	RequestCount        int64   `json:"requestCount"`
	AvgTokensPerRequest int64   `json:"avgTokensPerRequest"`
}

// ModelBreakdown is one model's share of spend.
type ModelBreakdown struct {
	Model        string  `json:"model"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
	RequestCount int64   `json:"requestCount"`
	Percentage   float64 `json:"percentage"`
}

// TagBreakdown is one tag's share of tagged spend.
type TagBreakdown struct {
	Tag          string  `json:"tag"`
	TotalTokens  int64   `json:"totalTokens"`
	TotalCost    float64 `json:"totalCost"`
	RequestCount int64   `json:"requestCount"`
	Percentage   float64 `json:"percentage"`
}

// Summary is the single-row view of a range.
type Summary struct {
	TotalTokens         int64   `json:"totalTokens"`
	TotalCost           float64 `json:"totalCost"`
	RequestCount        int64   `json:"requestCount"`
	AvgTokensPerRequest int64   `json:"avgTokensPerRequest"`
	AvgDuration         int64   `json:"avgDuration"`
}

// RequestQuery selects a page of the request log. Nil bounds and an empty
// caller do not filter.
type RequestQuery struct {
	CallerID string
	Start    *time.Time
	End      *time.Time
	Page     int
	Limit    int
}

// Pagination describes the returned page.
type Pagination struct {
	Page       int   `json:"page"`
	Limit      int   `json:"limit"`
	Total      int64 `json:"total"`
	TotalPages int64 `json:"totalPages"`
}

// RequestPage is one page of the request log, newest first.
type RequestPage struct {
	Data       []models.RequestEntry `json:"data"`
	Pagination Pagination            `json:"pagination"`
}

// Overview bundles every breakdown for one range.
type Overview struct {
	Summary Summary          `json:"summary"`
	Daily   []DailyAggregate `json:"daily"`
	ByModel []ModelBreakdown `json:"byModel"`
	ByTag   []TagBreakdown   `json:"byTag"`
}

// Aggregator runs the read-side queries.
type Aggregator struct {
	store  store.AnalyticsStore
	logger *zap.Logger
}

// NewAggregator creates an aggregator.
func NewAggregator(s store.AnalyticsStore, logger *zap.Logger) *Aggregator {
	return &Aggregator{store: s, logger: logger}
}

// Daily groups the caller's records by UTC date. Days without records are
// omitted.
func (a *Aggregator) Daily(ctx context.Context, callerID string, r Range) ([]DailyAggregate, error) {
	buckets, err := a.store.DailyUsage(ctx, callerID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load daily usage: %w", err)
	}

	out := make([]DailyAggregate, 0, len(buckets))
	for _, b := range buckets {
		out = append(out, DailyAggregate{
			Date:                b.Date,
			TotalTokens:         b.TotalTokens,
			TotalCost:           b.TotalCost,
			RequestCount:        b.Count,
			AvgTokensPerRequest: roundedAverage(b.TotalTokens, b.Count),
		})
	}
	return out, nil
}

// ByModel returns per-model totals and each model's share of total cost.
func (a *Aggregator) ByModel(ctx context.Context, callerID string, r Range) ([]ModelBreakdown, error) {
	groups, err := a.store.UsageByModel(ctx, callerID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load model breakdown: %w", err)
	}

	grand := grandTotal(groups)
	out := make([]ModelBreakdown, 0, len(groups))
	for _, g := range groups {
		out = append(out, ModelBreakdown{
			Model:        g.Key,
			TotalTokens:  g.TotalTokens,
			TotalCost:    g.TotalCost,
			RequestCount: g.Count,
			Percentage:   share(g.TotalCost, grand),
		})
	}
	return out, nil
}

// ByTag returns per-tag totals. A record carrying several tags counts
// toward each of them. Shares are of the cost of distinct tagged records,
// so they may exceed 100 in sum.
func (a *Aggregator) ByTag(ctx context.Context, callerID string, r Range) ([]TagBreakdown, error) {
	groups, err := a.store.UsageByTag(ctx, callerID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load tag breakdown: %w", err)
	}
	tagged, err := a.store.TaggedCost(ctx, callerID, r.Start, r.End)
	if err != nil {
		return nil, fmt.Errorf("failed to load tagged cost: %w", err)
	}

	out := make([]TagBreakdown, 0, len(groups))
	for _, g := range groups {
		out = append(out, TagBreakdown{
			Tag:          g.Key,
			TotalTokens:  g.TotalTokens,
			TotalCost:    g.TotalCost,
			RequestCount: g.Count,
			Percentage:   share(g.TotalCost, tagged),
		})
	}
	return out, nil
}

// Summary returns the range totals and averages.
func (a *Aggregator) Summary(ctx context.Context, callerID string, r Range) (Summary, error) {
	t, err := a.store.UsageTotals(ctx, callerID, r.Start, r.End)
	if err != nil {
		return Summary{}, fmt.Errorf("failed to load usage totals: %w", err)
	}
	return Summary{
		TotalTokens:         t.TotalTokens,
		TotalCost:           t.TotalCost,
		RequestCount:        t.Count,
		AvgTokensPerRequest: roundedAverage(t.TotalTokens, t.Count),
		AvgDuration:         roundedAverage(t.TotalDurationMs, t.Count),
	}, nil
}

// Requests returns one page of the request log after clamping page and
// limit.
func (a *Aggregator) Requests(ctx context.Context, q RequestQuery) (RequestPage, error) {
	page, limit := ClampPage(q.Page, q.Limit)

	entries, total, err := a.store.ListRecords(ctx, store.RecordFilter{
		CallerID: q.CallerID,
		Start:    q.Start,
		End:      q.End,
		Offset:   (page - 1) * limit,
		Limit:    limit,
	})
	if err != nil {
		return RequestPage{}, fmt.Errorf("failed to list requests: %w", err)
	}
	if entries == nil {
		entries = []models.RequestEntry{}
	}

	return RequestPage{
		Data: entries,
		Pagination: Pagination{
			Page:       page,
			Limit:      limit,
			Total:      total,
			TotalPages: (total + int64(limit) - 1) / int64(limit),
		},
	}, nil
}

// Overview runs the four breakdowns concurrently. The results are not
// taken from a single snapshot.
func (a *Aggregator) Overview(ctx context.Context, callerID string, r Range) (*Overview, error) {
	var o Overview
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		s, err := a.Summary(gctx, callerID, r)
		o.Summary = s
		return err
	})
	g.Go(func() error {
		d, err := a.Daily(gctx, callerID, r)
		o.Daily = d
		return err
	})
	g.Go(func() error {
		m, err := a.ByModel(gctx, callerID, r)
		o.ByModel = m
		return err
	})
	g.Go(func() error {
		t, err := a.ByTag(gctx, callerID, r)
		o.ByTag = t
		return err
	})

	if err := g.Wait(); err != nil {
		a.logger.Error("overview query failed",
			zap.String("caller_id", callerID),
			zap.Error(err),
		)
		return nil, err
	}
	return &o, nil
}

// ClampPage bounds page to >= 1 and limit to [1, MaxPageLimit].
func ClampPage(page, limit int) (int, int) {
	if page < 1 {
		page = 1
	}
	if limit < 1 {
		limit = 1
	}
	if limit > MaxPageLimit {
		limit = MaxPageLimit
	}
	return page, limit
}

func grandTotal(groups []store.GroupTotal) float64 {
	var total float64
	for _, g := range groups {
		total += g.TotalCost
	}
	return total
}

func share(part, total float64) float64 {
	if total <= 0 {
		return 0
	}
	return part / total * 100
}

func roundedAverage(sum, count int64) int64 {
	if count == 0 {
		return 0
	}
	return int64(math.Round(float64(sum) / float64(count)))
}
