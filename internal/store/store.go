// Package store persists callers, usage records, tags and alerts, and runs
// the grouping queries behind the analytics endpoints.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned when a write violates a uniqueness constraint
	// that the caller is expected to handle (e.g. duplicate tag names).
	ErrConflict = errors.New("conflict")

	// ErrTagScope is returned when linking a tag that belongs to a different
	// caller than the usage record.
	ErrTagScope = errors.New("tag does not belong to the record's caller")

	// ErrEmptyFingerprint is returned when resolving a caller without a
	// credential fingerprint.
	ErrEmptyFingerprint = errors.New("caller fingerprint is empty")
)

// CallerStore manages metered identities.
type CallerStore interface {
	// ResolveCaller returns the caller owning fingerprint, creating it on
	// first sight, and bumps its last-active timestamp.
	ResolveCaller(ctx context.Context, fingerprint, credentialRef string) (*models.Caller, error)
	CreateCaller(ctx context.Context, caller *models.Caller) error
	GetCaller(ctx context.Context, id string) (*models.Caller, error)
	SetMonthlyBudget(ctx context.Context, id string, budget *float64) error
}

// RecordStore persists usage records.
type RecordStore interface {
	// InsertRecord returns ErrNotFound when the caller does not exist.
	InsertRecord(ctx context.Context, rec *models.UsageRecord) error
	// SumCostSince sums cost over the caller's records with timestamp >= since.
	SumCostSince(ctx context.Context, callerID string, since time.Time) (float64, error)
}

// TagStore manages caller-scoped tags and their links to records.
type TagStore interface {
	CreateTag(ctx context.Context, tag *models.Tag) error
	ListTags(ctx context.Context, callerID string) ([]models.Tag, error)
	// ListAutoTags returns the caller's tags that carry a non-empty pattern.
	ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error)
	DeleteTag(ctx context.Context, callerID, tagID string) error
	// LinkTag attaches a tag to a record. It reports false without error when
	// the link already exists.
	LinkTag(ctx context.Context, recordID, tagID string) (bool, error)
}

// AlertStore persists alerts.
type AlertStore interface {
	// CreateAlertOnce inserts the alert unless one already exists for the
	// same (caller, kind, threshold, period). It reports whether a row was
	// created.
	CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error)
	ListAlerts(ctx context.Context, callerID string) ([]models.Alert, error)
	AcknowledgeAlert(ctx context.Context, id string) error
}

// AnalyticsStore runs read-only grouping queries over [start, end).
type AnalyticsStore interface {
	DailyUsage(ctx context.Context, callerID string, start, end time.Time) ([]DailyBucket, error)
	UsageByModel(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error)
	UsageByTag(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error)
	// TaggedCost sums the cost of distinct records carrying at least one tag.
	TaggedCost(ctx context.Context, callerID string, start, end time.Time) (float64, error)
	UsageTotals(ctx context.Context, callerID string, start, end time.Time) (Totals, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]models.RequestEntry, int64, error)
}

// Store is the full persistence surface.
type Store interface {
	CallerStore
	RecordStore
	TagStore
	AlertStore
	AnalyticsStore

	Ping(ctx context.Context) error
	Close() error
}

// DailyBucket aggregates the records of one UTC calendar date.
type DailyBucket struct {
	Date        string
	TotalTokens int64
	TotalCost   float64
	Count       int64
}

// GroupTotal aggregates records sharing a key (model or tag name).
type GroupTotal struct {
	Key         string
	TotalTokens int64
	TotalCost   float64
	Count       int64
}

// Totals aggregates every record in a range.
type Totals struct {
	TotalTokens     int64
	TotalCost       float64
	Count           int64
	TotalDurationMs int64
}

// RecordFilter selects a page of the request log. Zero-valued fields do not
// filter.
type RecordFilter struct {
	CallerID string
	Start    *time.Time
	End      *time.Time
	Offset   int
	Limit    int
}

func dayKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
