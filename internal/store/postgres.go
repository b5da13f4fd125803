package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/crosslogic/usage-meter/pkg/database"
	"github.com/crosslogic/usage-meter/pkg/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// PostgresStore is the production Store backed by pgx.
type PostgresStore struct {
	db  *database.Database
	now func() time.Time
}

// NewPostgresStore wraps an open connection pool. Call Migrate before use.
func NewPostgresStore(db *database.Database) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

// Migrate creates the schema if it does not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.db.Pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("failed to apply postgres schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.Health(ctx)
}

func (s *PostgresStore) Close() error {
	s.db.Close()
	return nil
}

func pgCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}

const pgCallerColumns = `id, COALESCE(fingerprint, ''), credential_ref, monthly_budget, created_at, last_active_at`

func scanPgCaller(row pgx.Row) (*models.Caller, error) {
	var c models.Caller
	if err := row.Scan(&c.ID, &c.Fingerprint, &c.CredentialRef, &c.MonthlyBudget, &c.CreatedAt, &c.LastActiveAt); err != nil {
		return nil, err
	}
	c.CreatedAt = c.CreatedAt.UTC()
	c.LastActiveAt = c.LastActiveAt.UTC()
	return &c, nil
}

func (s *PostgresStore) ResolveCaller(ctx context.Context, fingerprint, credentialRef string) (*models.Caller, error) {
	if fingerprint == "" {
		return nil, ErrEmptyFingerprint
	}

	row := s.db.Pool.QueryRow(ctx, `
		INSERT INTO callers (id, fingerprint, credential_ref, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $4)
		ON CONFLICT (fingerprint) DO UPDATE SET
			last_active_at = EXCLUDED.last_active_at,
			credential_ref = CASE WHEN EXCLUDED.credential_ref <> '' THEN EXCLUDED.credential_ref ELSE callers.credential_ref END
		RETURNING `+pgCallerColumns,
		uuid.NewString(), fingerprint, credentialRef, s.now().UTC())
	c, err := scanPgCaller(row)
	if err != nil {
		return nil, fmt.Errorf("failed to upsert caller: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) CreateCaller(ctx context.Context, caller *models.Caller) error {
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

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO callers (id, fingerprint, credential_ref, monthly_budget, created_at, last_active_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		caller.ID, nullableString(caller.Fingerprint), caller.CredentialRef, caller.MonthlyBudget,
		caller.CreatedAt, caller.LastActiveAt)
	if pgCode(err) == pgUniqueViolation {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create caller: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetCaller(ctx context.Context, id string) (*models.Caller, error) {
	row := s.db.Pool.QueryRow(ctx, `SELECT `+pgCallerColumns+` FROM callers WHERE id = $1`, id)
	c, err := scanPgCaller(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get caller: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) SetMonthlyBudget(ctx context.Context, id string, budget *float64) error {
	tag, err := s.db.Pool.Exec(ctx, `UPDATE callers SET monthly_budget = $1 WHERE id = $2`, budget, id)
	if err != nil {
		return fmt.Errorf("failed to update budget: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) InsertRecord(ctx context.Context, rec *models.UsageRecord) error {
	tools, err := encodeTools(rec.ToolsUsed)
	if err != nil {
		return err
	}
	metadata, err := encodeMetadata(rec.Metadata)
	if err != nil {
		return err
	}

	_, err = s.db.Pool.Exec(ctx, `
		INSERT INTO usage_records (
			id, caller_id, model, input_tokens, output_tokens, total_tokens,
			cost, duration_ms, status_code, tools_used, metadata, ts
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10::jsonb, $11::jsonb, $12)`,
		rec.ID, rec.CallerID, rec.Model, rec.InputTokens, rec.OutputTokens, rec.TotalTokens,
		rec.Cost, rec.DurationMs, rec.StatusCode, tools, metadata, rec.Timestamp.UTC())
	switch pgCode(err) {
	case pgForeignKeyViolation:
		return ErrNotFound
	case pgUniqueViolation:
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to insert usage record: %w", err)
	}
	return nil
}

func (s *PostgresStore) SumCostSince(ctx context.Context, callerID string, since time.Time) (float64, error) {
	var total float64
	err := s.db.Pool.QueryRow(ctx,
		`SELECT COALESCE(SUM(cost), 0) FROM usage_records WHERE caller_id = $1 AND ts >= $2`,
		callerID, since.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to sum cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) CreateTag(ctx context.Context, tag *models.Tag) error {
	if tag.ID == "" {
		tag.ID = uuid.NewString()
	}
	if tag.CreatedAt.IsZero() {
		tag.CreatedAt = s.now().UTC()
	}

	_, err := s.db.Pool.Exec(ctx, `
		INSERT INTO tags (id, caller_id, name, color, auto_pattern, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		tag.ID, tag.CallerID, tag.Name, tag.Color, tag.AutoPattern, tag.CreatedAt)
	switch pgCode(err) {
	case pgForeignKeyViolation:
		return ErrNotFound
	case pgUniqueViolation:
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("failed to create tag: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.queryTags(ctx, `WHERE caller_id = $1`, callerID)
}

func (s *PostgresStore) ListAutoTags(ctx context.Context, callerID string) ([]models.Tag, error) {
	return s.queryTags(ctx, `WHERE caller_id = $1 AND auto_pattern <> ''`, callerID)
}

func (s *PostgresStore) queryTags(ctx context.Context, where string, args ...any) ([]models.Tag, error) {
	rows, err := s.db.Pool.Query(ctx,
		`SELECT id, caller_id, name, color, auto_pattern, created_at FROM tags `+where+` ORDER BY name`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tags: %w", err)
	}
	defer rows.Close()

	var tags []models.Tag
	for rows.Next() {
		var t models.Tag
		if err := rows.Scan(&t.ID, &t.CallerID, &t.Name, &t.Color, &t.AutoPattern, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan tag: %w", err)
		}
		t.CreatedAt = t.CreatedAt.UTC()
		tags = append(tags, t)
	}
	return tags, rows.Err()
}

func (s *PostgresStore) DeleteTag(ctx context.Context, callerID, tagID string) error {
	tag, err := s.db.Pool.Exec(ctx, `DELETE FROM tags WHERE id = $1 AND caller_id = $2`, tagID, callerID)
	if err != nil {
		return fmt.Errorf("failed to delete tag: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) LinkTag(ctx context.Context, recordID, tagID string) (bool, error) {
	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO request_tags (record_id, tag_id)
		SELECT r.id, t.id
		FROM usage_records r
		JOIN tags t ON t.caller_id = r.caller_id
		WHERE r.id = $1 AND t.id = $2
		ON CONFLICT (record_id, tag_id) DO NOTHING`,
		recordID, tagID)
	if err != nil {
		return false, fmt.Errorf("failed to link tag: %w", err)
	}
	if tag.RowsAffected() > 0 {
		return true, nil
	}

	var recordCaller, tagCaller string
	err = s.db.Pool.QueryRow(ctx, `
		SELECT r.caller_id, t.caller_id
		FROM usage_records r, tags t
		WHERE r.id = $1 AND t.id = $2`,
		recordID, tagID).Scan(&recordCaller, &tagCaller)
	if errors.Is(err, pgx.ErrNoRows) {
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

func (s *PostgresStore) CreateAlertOnce(ctx context.Context, alert *models.Alert) (bool, error) {
	if alert.ID == "" {
		alert.ID = uuid.NewString()
	}
	if alert.CreatedAt.IsZero() {
		alert.CreatedAt = s.now().UTC()
	}

	tag, err := s.db.Pool.Exec(ctx, `
		INSERT INTO alerts (id, caller_id, kind, threshold, message, period, created_at, acknowledged)
		VALUES ($1, $2, $3, $4, $5, $6, $7, FALSE)
		ON CONFLICT (caller_id, kind, threshold, period) DO NOTHING`,
		alert.ID, alert.CallerID, string(alert.Kind), alert.Threshold, alert.Message, alert.Period, alert.CreatedAt)
	if pgCode(err) == pgForeignKeyViolation {
		return false, ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("failed to create alert: %w", err)
	}
	return tag.RowsAffected() > 0, nil
}

func (s *PostgresStore) ListAlerts(ctx context.Context, callerID string) ([]models.Alert, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT id, caller_id, kind, threshold, message, period, created_at, acknowledged
		FROM alerts WHERE caller_id = $1
		ORDER BY created_at DESC`, callerID)
	if err != nil {
		return nil, fmt.Errorf("failed to query alerts: %w", err)
	}
	defer rows.Close()

	var alerts []models.Alert
	for rows.Next() {
		var (
			a    models.Alert
			kind string
		)
		if err := rows.Scan(&a.ID, &a.CallerID, &kind, &a.Threshold, &a.Message, &a.Period, &a.CreatedAt, &a.Acknowledged); err != nil {
			return nil, fmt.Errorf("failed to scan alert: %w", err)
		}
		a.Kind = models.AlertKind(kind)
		a.CreatedAt = a.CreatedAt.UTC()
		alerts = append(alerts, a)
	}
	return alerts, rows.Err()
}

func (s *PostgresStore) AcknowledgeAlert(ctx context.Context, id string) error {
	tag, err := s.db.Pool.Exec(ctx, `UPDATE alerts SET acknowledged = TRUE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to acknowledge alert: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) DailyUsage(ctx context.Context, callerID string, start, end time.Time) ([]DailyBucket, error) {
	rows, err := s.db.Pool.Query(ctx, `
		SELECT to_char(ts AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day,
		       SUM(total_tokens)::BIGINT, SUM(cost)::DOUBLE PRECISION, COUNT(*)
		FROM usage_records
		WHERE caller_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY day
		ORDER BY day`,
		callerID, start.UTC(), end.UTC())
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

func (s *PostgresStore) UsageByModel(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	return s.queryGroups(ctx, `
		SELECT model, SUM(total_tokens)::BIGINT, SUM(cost)::DOUBLE PRECISION AS total_cost, COUNT(*)
		FROM usage_records
		WHERE caller_id = $1 AND ts >= $2 AND ts < $3
		GROUP BY model
		ORDER BY total_cost DESC, model`,
		callerID, start.UTC(), end.UTC())
}

func (s *PostgresStore) UsageByTag(ctx context.Context, callerID string, start, end time.Time) ([]GroupTotal, error) {
	return s.queryGroups(ctx, `
		SELECT t.name, SUM(r.total_tokens)::BIGINT, SUM(r.cost)::DOUBLE PRECISION AS total_cost, COUNT(*)
		FROM usage_records r
		JOIN request_tags rt ON rt.record_id = r.id
		JOIN tags t ON t.id = rt.tag_id
		WHERE r.caller_id = $1 AND r.ts >= $2 AND r.ts < $3
		GROUP BY t.name
		ORDER BY total_cost DESC, t.name`,
		callerID, start.UTC(), end.UTC())
}

func (s *PostgresStore) TaggedCost(ctx context.Context, callerID string, start, end time.Time) (float64, error) {
	var total float64
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(r.cost), 0)::DOUBLE PRECISION
		FROM usage_records r
		WHERE r.caller_id = $1 AND r.ts >= $2 AND r.ts < $3
		  AND EXISTS (SELECT 1 FROM request_tags rt WHERE rt.record_id = r.id)`,
		callerID, start.UTC(), end.UTC()).Scan(&total)
	if err != nil {
		return 0, fmt.Errorf("failed to query tagged cost: %w", err)
	}
	return total, nil
}

func (s *PostgresStore) queryGroups(ctx context.Context, query string, args ...any) ([]GroupTotal, error) {
	rows, err := s.db.Pool.Query(ctx, query, args...)
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

func (s *PostgresStore) UsageTotals(ctx context.Context, callerID string, start, end time.Time) (Totals, error) {
	var t Totals
	err := s.db.Pool.QueryRow(ctx, `
		SELECT COALESCE(SUM(total_tokens), 0)::BIGINT,
		       COALESCE(SUM(cost), 0)::DOUBLE PRECISION,
		       COUNT(*),
		       COALESCE(SUM(duration_ms), 0)::BIGINT
		FROM usage_records
		WHERE caller_id = $1 AND ts >= $2 AND ts < $3`,
		callerID, start.UTC(), end.UTC()).Scan(&t.TotalTokens, &t.TotalCost, &t.Count, &t.TotalDurationMs)
	if err != nil {
		return Totals{}, fmt.Errorf("failed to query usage totals: %w", err)
	}
	return t, nil
}

func (s *PostgresStore) ListRecords(ctx context.Context, filter RecordFilter) ([]models.RequestEntry, int64, error) {
	var (
		conds []string
		args  []any
	)
	if filter.CallerID != "" {
		args = append(args, filter.CallerID)
		conds = append(conds, fmt.Sprintf("caller_id = $%d", len(args)))
	}
	if filter.Start != nil {
		args = append(args, filter.Start.UTC())
		conds = append(conds, fmt.Sprintf("ts >= $%d", len(args)))
	}
	if filter.End != nil {
		args = append(args, filter.End.UTC())
		conds = append(conds, fmt.Sprintf("ts < $%d", len(args)))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int64
	if err := s.db.Pool.QueryRow(ctx, `SELECT COUNT(*) FROM usage_records`+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count usage records: %w", err)
	}

	var limit any // NULL means no limit
	if filter.Limit > 0 {
		limit = filter.Limit
	}
	pageArgs := append(append([]any{}, args...), limit, filter.Offset)
	query := fmt.Sprintf(`
		SELECT id, caller_id, model, input_tokens, output_tokens, total_tokens,
		       cost, duration_ms, status_code, tools_used, metadata, ts
		FROM usage_records%s
		ORDER BY ts DESC, id
		LIMIT $%d OFFSET $%d`, where, len(args)+1, len(args)+2)

	rows, err := s.db.Pool.Query(ctx, query, pageArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to list usage records: %w", err)
	}
	defer rows.Close()

	entries := []models.RequestEntry{}
	for rows.Next() {
		var (
			r           models.UsageRecord
			tools, meta []byte
		)
		if err := rows.Scan(&r.ID, &r.CallerID, &r.Model, &r.InputTokens, &r.OutputTokens, &r.TotalTokens,
			&r.Cost, &r.DurationMs, &r.StatusCode, &tools, &meta, &r.Timestamp); err != nil {
			return nil, 0, fmt.Errorf("failed to scan usage record: %w", err)
		}
		if r.ToolsUsed, err = decodeTools(tools); err != nil {
			return nil, 0, err
		}
		if r.Metadata, err = decodeMetadata(meta); err != nil {
			return nil, 0, err
		}
		r.Timestamp = r.Timestamp.UTC()
		entries = append(entries, models.RequestEntry{UsageRecord: r, Tags: []string{}})
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	if err := s.attachTagNames(ctx, entries); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

func (s *PostgresStore) attachTagNames(ctx context.Context, entries []models.RequestEntry) error {
	if len(entries) == 0 {
		return nil
	}

	index := make(map[string]int, len(entries))
	ids := make([]string, len(entries))
	for i, e := range entries {
		index[e.ID] = i
		ids[i] = e.ID
	}

	rows, err := s.db.Pool.Query(ctx, `
		SELECT rt.record_id, t.name
		FROM request_tags rt
		JOIN tags t ON t.id = rt.tag_id
		WHERE rt.record_id = ANY($1)
		ORDER BY t.name`, ids)
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
