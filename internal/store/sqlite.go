package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/google/uuid"
)

// SQLiteStore is the embedded Store backed by modernc.org/sqlite.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteStore wraps an open database handle. Call Migrate before use.
func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("failed to apply sqlite schema: %w", err)
	}
	return nil
}

func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func isForeignKeyViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "FOREIGN KEY constraint failed")
}

const sqliteCallerColumns = `id, COALESCE(fingerprint, ''), credential_ref, monthly_budget, created_at, last_active_at`

func scanSQLiteCaller(row *sql.Row) (*models.Caller, error) {
	var (
		c                   models.Caller
		budget              sql.NullFloat64
		createdAt, activeAt int64
	)
	if err := row.Scan(&c.ID, &c.Fingerprint, &c.CredentialRef, &budget, &createdAt, &activeAt); err != nil {
		return nil, err
	}
	if budget.Valid {
		b := budget.Float64
		c.MonthlyBudget = &b
	}
	c.CreatedAt = fromMillis(createdAt)
	c.LastActiveAt = fromMillis(activeAt)
	return &c, nil
}

func (s *SQLiteStore) ResolveCaller(ctx context.Context, fingerprint, credentialRef string) (*models.Caller, error) {
	if fingerprint == "" {
		return nil, ErrEmptyFingerprint
	}
	now := toMillis(s.now())

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callers (id, fingerprint, credential_ref, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (fingerprint) DO UPDATE SET
			last_active_at = excluded.last_active_at,
			credential_ref = CASE WHEN excluded.credential_ref <> '' THEN excluded.credential_ref ELSE callers.credential_ref END`,
		uuid.NewString(), fingerprint, credentialRef, now, now)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert caller: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCallerColumns+` FROM callers WHERE fingerprint = ?`, fingerprint)
	c, err := scanSQLiteCaller(row)
	if err != nil {
		return nil, fmt.Errorf("failed to load caller: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) CreateCaller(ctx context.Context, caller *models.Caller) error {
	if caller.ID == "" {
		caller.ID = uuid.NewString()
	}
	now := s.now().UTC()
	if caller.CreatedAt.IsZero() {
		caller.CreatedAt = now
	}
	if caller.LastActiveAt.IsZero() {
		caller.LastActiveAt = now
	}

	var budget any
	if caller.MonthlyBudget != nil {
		budget = *caller.MonthlyBudget
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO callers (id, fingerprint, credential_ref, monthly_budget, created_at, last_active_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		caller.ID, nullableString(caller.Fingerprint), caller.CredentialRef, budget,
		toMillis(caller.CreatedAt), toMillis(caller.LastActiveAt))
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create caller: %w", err)
	}
	return nil
}

func (s *SQLiteStore) GetCaller(ctx context.Context, id string) (*models.Caller, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sqliteCallerColumns+` FROM callers WHERE id = ?`, id)
	c, err := scanSQLiteCaller(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caller: %w", err)
	}
	return c, nil
}

func (s *SQLiteStore) SetMonthlyBudget(ctx context.Context, id string, budget *float64) error {
	var value any
	if budget != nil {
		value = *budget
	}
	res, err := s.db.ExecContext(ctx, `UPDATE callers SET monthly_budget = ? WHERE id = ?`, value, id)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) InsertRecord(ctx context.Context, rec *models.UsageRecord) error {
	tools, err := encodeTools(rec.ToolsUsed)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO usage_records (
			id, caller_id, model, input_tokens, output_tokens, total_tokens,
			cost, duration_ms, status_code, tools_used, metadata, ts
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.CallerID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.Cost, rec.DurationMs, rec.StatusCode, tools, metadata, toMillis(rec.Timestamp))
	switch {
	case isForeignKeyViolation(err):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *SQLiteStore) SumCostSince(ctx context.Context, callerID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE caller_id = ? AND ts >= ?`,
		callerID, toMillis(since)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) CreateTag(ctx context.Context, tag *models.Tag) error {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = s.now().UTC()
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tags (id, caller_id, name, color, auto_pattern, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		tag.ID, tag.CallerID, tag.Name, tag.Color, tag.AutoPattern, toMillis(tag.CreatedAt))
	switch {
	case isForeignKeyViolation(err):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrConflict
	case err != nil:
		return fmt.Errorf("failed to create tag: %w", err)
	}
	return nil
}

func (s *SQLiteStore) ListTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.queryTags(ctx, `WHERE caller_id = ?`, callerID)
}

func (s *SQLiteStore) ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.queryTags(ctx, `WHERE caller_id = ? AND auto_pattern <> ''`, callerID)
}

func (s *SQLiteStore) queryTags(ctx context.Context, where string, args ...any) ([]models.Tag, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, caller_id, name, color, auto_pattern, created_at FROM tags `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var (
			t         models.Tag
			createdAt int64
		)
		if err := rows.Scan(&t.ID, &t.CallerID, &t.Name, &t.Color, &t.AutoPattern, &createdAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		t.CreatedAt = fromMillis(createdAt)
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *SQLiteStore) DeleteTag(ctx context.Context, callerID, tagID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tags WHERE id = ? AND caller_id = ?`, tagID, callerID)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) LinkTag(ctx context.Context, recordID, tagID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO request_tags (record_id, tag_id)
		SELECT r.id, t.id
		FROM usage_records r
		JOIN tags t ON t.caller_id = r.caller_id
		WHERE r.id = ? AND t.id = ?
		ON CONFLICT (record_id, tag_id) DO NOTHING`,
		recordID, tagID)
	if err != nil {
		return false, fmt.Errorf("failed to link tag: %w", err)
	}
	if n, _ := res.RowsAffected(); n > 0 {
		return true, nil
	}

	// Nothing inserted: the link exists, or the pair is invalid.
	var recordCaller, tagCaller string
	err = s.db.QueryRowContext(ctx, `
		SELECT r.caller_id, t.caller_id
		FROM usage_records r, tags t
		WHERE r.id = ? AND t.id = ?`,
		recordID, tagID).Scan(&recordCaller, &tagCaller)
	if errors.Is(err, sql.ErrNoRows) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to check tag link: %w", err)
	}
	if recordCaller != tagCaller {
		return false, ErrTagScope
	}
	return false, nil
}

func (s *SQLiteStore) CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO alerts (id, caller_id, kind, threshold, message, period, created_at, acknowledged)
		VALUES (?, ?, ?, ?, ?, ?, ?, 0)
		ON CONFLICT (caller_id, kind, threshold, period) DO NOTHING`,
		alert.ID, alert.CallerID, string(alert.Kind), alert.Threshold, alert.Message, alert.Period,
		toMillis(alert.CreatedAt))
	if isForeignKeyViolation(err) {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}
	n, _ := res.RowsAffected()
	return n > 0, nil
}

func (s *SQLiteStore) ListAlerts(ctx context.Context, callerID string) ([]models.Alert, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, kind, threshold, message, period, created_at, acknowledged
		FROM alerts WHERE caller_id = ?
		ORDER BY created_at DESC`, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a         models.Alert
			kind      string
			createdAt int64
		)
		if err := rows.Scan(&a.ID, &a.CallerID, &kind, &a.Threshold, &a.Message, &a.Period, &createdAt, &a.Acknowledged); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Kind = models.AlertKind(kind)
		a.CreatedAt = fromMillis(createdAt)
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *SQLiteStore) AcknowledgeAlert(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE alerts SET acknowledged = 1 WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) DailyUsage(ctx context.Context, callerID string, start, end time.Time) ([]DailyBucket, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT strftime('%Y-%m-%d', ts / 1000, 'unixepoch') AS day,
		       SUM(total_tokens), SUM(cost), COUNT(*)
		FROM usage_records
		WHERE caller_id = ? AND ts >= ? AND ts < ?
		GROUP BY day
		ORDER BY day`,
		callerID, toMillis(start), toMillis(end))
	if err != nil {
		return nil, fmt.Errorf("failed to query daily usage: %w", err)
	}
	defer rows.Close()

	out := []DailyBucket{}
	for rows.Next() {
		var b DailyBucket
		if err := rows.Scan(&b.Date, &b.TotalTokens, &b.TotalCost, &b.Count); err != nil {
			return nil, fmt.Errorf("failed to scan daily bucket: %w", err)
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UsageByModel(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	return s.queryGroups(ctx, `
		SELECT model, SUM(total_tokens), SUM(cost) AS total_cost, COUNT(*)
		FROM usage_records
		WHERE caller_id = ? AND ts >= ? AND ts < ?
		GROUP BY model
		ORDER BY total_cost DESC, model`,
		callerID, toMillis(start), toMillis(end))
}

func (s *SQLiteStore) UsageByTag(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	return s.queryGroups(ctx, `
		SELECT t.name, SUM(r.total_tokens), SUM(r.cost) AS total_cost, COUNT(*)
		FROM usage_records r
		JOIN request_tags rt ON rt.record_id = r.id
		JOIN tags t ON t.id = rt.tag_id
		WHERE r.caller_id = ? AND r.ts >= ? AND r.ts < ?
		GROUP BY t.name
		ORDER BY total_cost DESC, t.name`,
		callerID, toMillis(start), toMillis(end))
}

func (s *SQLiteStore) TaggedCost(ctx context.Context, callerID string, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.cost), 0)
		FROM usage_records r
		WHERE r.caller_id = ? AND r.ts >= ? AND r.ts < ?
		  AND EXISTS (SELECT 1 FROM request_tags rt WHERE rt.record_id = r.id)`,
		callerID, toMillis(start), toMillis(end)).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query tagged cost: %w", err)
	}
	return total, nil
}

func (s *SQLiteStore) queryGroups(ctx context.Context, query string, args ...any) ([]GroupTotal, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query usage groups: %w", err)
	}
	defer rows.Close()

	out := []GroupTotal{}
	for rows.Next() {
		var g GroupTotal
		if err := rows.Scan(&g.Key, &g.TotalTokens, &g.TotalCost, &g.Count); err != nil {
			return nil, fmt.Errorf("failed to scan usage group: %w", err)
		}
		out = append(out, g)
	}
	return out, rows.Err()
}

func (s *SQLiteStore) UsageTotals(ctx context.Context, callerID string, start, end time.Time) (Totals, error) {
	var t Totals
	err := s.db.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0), COALESCE(SUM(cost), 0), COUNT(*), COALESCE(SUM(duration_ms), 0)
		FROM usage_records
		WHERE caller_id = ? AND ts >= ? AND ts < ?`,
		callerID, toMillis(start), toMillis(end)).Scan(&t.TotalTokens, &t.TotalCost, &t.Count, &t.TotalDurationMs)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) ListRecords(ctx context.Context, filter RecordFilter) ([]models.RequestEntry, int64, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CallerID != "" {
		conds = append(conds, "caller_id = ?")
		args = append(args, filter.CallerID)
	}
	if filter.Start != nil {
		conds = append(conds, "ts >= ?")
		args = append(args, toMillis(*filter.Start))
	}
	if filter.End != nil {
		conds = append(conds, "ts < ?")
		args = append(args, toMillis(*filter.End))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM usage_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage records: %w", err)
	}

	limit := filter.Limit
	if limit <= 0 {
		limit = -1
	}
	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, caller_id, model, input_tokens, output_tokens, total_tokens,
		       cost, duration_ms, status_code, tools_used, metadata, ts
		FROM usage_records`+where+`
		ORDER BY ts DESC, rowid DESC
		LIMIT ? OFFSET ?`, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	entries := []models.RequestEntry{}
	for rows.Next() {
		var (
			r           models.UsageRecord
			tools, meta string
			ts          int64
		)
		if err := rows.Scan(&r.ID, &r.CallerID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.Cost, &r.DurationMs, &r.StatusCode, &tools, &meta, &ts); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if r.ToolsUsed, err = decodeTools([]byte(tools)); err != nil {
			return nil, 0, err
		}
		if r.Metadata, err = decodeMetadata([]byte(meta)); err != nil {
			return nil, 0, err
		}
		r.Timestamp = fromMillis(ts)
		entries = append(entries, models.RequestEntry{UsageRecord: r, Tags: []string{}})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	rows.Close()

	if err := s.attachTagNames(ctx, entries); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *SQLiteStore) attachTagNames(ctx context.Context, entries []models.RequestEntry) error {
	if len(entries) == 0 {
		return nil
	}

	index := make(map[string]int, len(entries))
	ids := make([]any, len(entries))
	for i, e := range entries {
		index[e.ID] = i
		ids[i] = e.ID
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rt.record_id, t.name
		FROM request_tags rt
		JOIN tags t ON t.id = rt.tag_id
		WHERE rt.record_id IN (`+placeholders(len(ids))+`)
		ORDER BY t.name`, ids...)
	if err != nil {
		return fmt.Errorf("failed to query record tags: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var recordID, name string
		if err := rows.Scan(&recordID, &name); err != nil {
			return fmt.Errorf("failed to scan record tag: %w", err)
		}
		i := index[recordID]
		entries[i].Tags = append(entries[i].Tags, name)
	}
	return rows.Err()
}
