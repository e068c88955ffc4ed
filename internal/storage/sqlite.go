package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/shohag/hookline/internal/models"
)

type SQLiteStorage struct {
	db *sql.DB
}

func NewSQLite(path string) (*SQLiteStorage, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create data dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite3", path+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return &SQLiteStorage{db: db}, nil
}

func (s *SQLiteStorage) Migrate(ctx context.Context) error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS endpoints (
			id TEXT PRIMARY KEY,
			tenant_id TEXT NOT NULL,
			name TEXT NOT NULL DEFAULT '',
			description TEXT NOT NULL DEFAULT '',
			url TEXT NOT NULL,
			events TEXT NOT NULL DEFAULT '[]',
			filters TEXT NOT NULL DEFAULT '[]',
			headers TEXT NOT NULL DEFAULT '{}',
			metadata TEXT NOT NULL DEFAULT '{}',
			secret TEXT NOT NULL,
			retry_policy TEXT NOT NULL,
			rate_limit INTEGER NOT NULL DEFAULT 0,
			status TEXT NOT NULL DEFAULT 'ACTIVE',
			consecutive_failures INTEGER NOT NULL DEFAULT 0,
			last_delivery_at DATETIME,
			last_success_at DATETIME,
			created_by TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS deliveries (
			id TEXT PRIMARY KEY,
			endpoint_id TEXT NOT NULL,
			tenant_id TEXT NOT NULL,
			event TEXT NOT NULL,
			payload TEXT NOT NULL,
			status TEXT NOT NULL DEFAULT 'PENDING',
			next_retry_at DATETIME,
			failure_reason TEXT NOT NULL DEFAULT '',
			completed_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		)`,
		`CREATE TABLE IF NOT EXISTS attempts (
			delivery_id TEXT NOT NULL REFERENCES deliveries(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			status_code INTEGER NOT NULL DEFAULT 0,
			response_body TEXT NOT NULL DEFAULT '',
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (delivery_id, attempt_number)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_endpoints_tenant ON endpoints(tenant_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_endpoint ON deliveries(endpoint_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_tenant ON deliveries(tenant_id)`,
		`CREATE INDEX IF NOT EXISTS idx_deliveries_due ON deliveries(status, next_retry_at) WHERE status = 'RETRYING'`,
	}

	for _, q := range queries {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteStorage) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

// --- Endpoints ---

const endpointColumns = `id, tenant_id, name, description, url, events, filters, headers, metadata, secret,
	retry_policy, rate_limit, status, consecutive_failures, last_delivery_at, last_success_at,
	created_by, created_at, updated_at`

func (s *SQLiteStorage) PutEndpoint(ctx context.Context, ep *models.Endpoint) error {
	events, _ := json.Marshal(ep.Events)
	filters, _ := json.Marshal(ep.Filters)
	headers, _ := json.Marshal(ep.Headers)
	metadata, err := json.Marshal(ep.Metadata)
	if err != nil {
		return fmt.Errorf("%w: metadata is not serializable: %v", models.ErrInvalidConfiguration, err)
	}
	policy, _ := json.Marshal(ep.RetryPolicy)

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO endpoints (`+endpointColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			tenant_id = excluded.tenant_id, name = excluded.name, description = excluded.description,
			url = excluded.url, events = excluded.events, filters = excluded.filters,
			headers = excluded.headers, metadata = excluded.metadata, secret = excluded.secret,
			retry_policy = excluded.retry_policy, rate_limit = excluded.rate_limit,
			status = excluded.status, consecutive_failures = excluded.consecutive_failures,
			last_delivery_at = excluded.last_delivery_at, last_success_at = excluded.last_success_at,
			updated_at = excluded.updated_at`,
		ep.ID, ep.TenantID, ep.Name, ep.Description, ep.URL, string(events), string(filters),
		string(headers), string(metadata), ep.Secret, string(policy), ep.RateLimit, ep.Status,
		ep.ConsecutiveFailures, nullTime(ep.LastDeliveryAt), nullTime(ep.LastSuccessAt),
		ep.CreatedBy, ep.CreatedAt.UTC(), ep.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStorage) scanEndpoint(row interface{ Scan(...any) error }) (*models.Endpoint, error) {
	var ep models.Endpoint
	var events, filters, headers, metadata, policy string
	var lastDelivery, lastSuccess sql.NullTime
	err := row.Scan(&ep.ID, &ep.TenantID, &ep.Name, &ep.Description, &ep.URL, &events, &filters,
		&headers, &metadata, &ep.Secret, &policy, &ep.RateLimit, &ep.Status, &ep.ConsecutiveFailures,
		&lastDelivery, &lastSuccess, &ep.CreatedBy, &ep.CreatedAt, &ep.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, col := range []struct {
		raw  string
		dest any
	}{
		{events, &ep.Events},
		{filters, &ep.Filters},
		{headers, &ep.Headers},
		{metadata, &ep.Metadata},
		{policy, &ep.RetryPolicy},
	} {
		if err := json.Unmarshal([]byte(col.raw), col.dest); err != nil {
			return nil, fmt.Errorf("decode endpoint %s: %w", ep.ID, err)
		}
	}
	ep.LastDeliveryAt = timePtr(lastDelivery)
	ep.LastSuccessAt = timePtr(lastSuccess)
	return &ep, nil
}

func (s *SQLiteStorage) GetEndpoint(ctx context.Context, id string) (*models.Endpoint, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+endpointColumns+` FROM endpoints WHERE id = ?`, id)
	ep, err := s.scanEndpoint(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("endpoint %s: %w", id, models.ErrNotFound)
	}
	return ep, err
}

func (s *SQLiteStorage) ListEndpoints(ctx context.Context, f EndpointFilter) ([]models.Endpoint, error) {
	var where []string
	var args []any
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}

	q := `SELECT ` + endpointColumns + ` FROM endpoints`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC"

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var endpoints []models.Endpoint
	for rows.Next() {
		ep, err := s.scanEndpoint(rows)
		if err != nil {
			return nil, err
		}
		// events are stored as JSON, so subscription matching happens here
		if f.Event != "" && !ep.Subscribes(f.Event) {
			continue
		}
		endpoints = append(endpoints, *ep)
	}
	return endpoints, rows.Err()
}

func (s *SQLiteStorage) DeleteEndpoint(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM endpoints WHERE id = ?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("endpoint %s: %w", id, models.ErrNotFound)
	}
	return nil
}

// --- Deliveries ---

const deliveryColumns = `id, endpoint_id, tenant_id, event, payload, status, next_retry_at,
	failure_reason, completed_at, created_at, updated_at`

func (s *SQLiteStorage) PutDelivery(ctx context.Context, d *models.Delivery) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO deliveries (`+deliveryColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			status = excluded.status, next_retry_at = excluded.next_retry_at,
			failure_reason = excluded.failure_reason, completed_at = excluded.completed_at,
			updated_at = excluded.updated_at`,
		d.ID, d.EndpointID, d.TenantID, d.Event, string(d.Body), d.Status, nullTime(d.NextRetryAt),
		d.FailureReason, nullTime(d.CompletedAt), d.CreatedAt.UTC(), d.UpdatedAt.UTC(),
	)
	return err
}

func (s *SQLiteStorage) AppendAttempt(ctx context.Context, deliveryID string, a models.Attempt) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var last int
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(attempt_number), 0) FROM attempts WHERE delivery_id = ?`, deliveryID,
	).Scan(&last)
	if err != nil {
		return err
	}
	if a.AttemptNumber != last+1 {
		return fmt.Errorf("%w: attempt %d appended to delivery %s, expected %d",
			models.ErrInvalidState, a.AttemptNumber, deliveryID, last+1)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO attempts (delivery_id, attempt_number, success, status_code, response_body, duration_ms, error, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		deliveryID, a.AttemptNumber, a.Success, a.StatusCode, a.ResponseBody, a.DurationMs, a.Error, a.Timestamp.UTC(),
	)
	if err != nil {
		var sqlErr sqlite3.Error
		if errors.As(err, &sqlErr) && sqlErr.Code == sqlite3.ErrConstraint {
			return fmt.Errorf("delivery %s: %w", deliveryID, models.ErrNotFound)
		}
		return err
	}
	return tx.Commit()
}

func (s *SQLiteStorage) scanDelivery(row interface{ Scan(...any) error }) (*models.Delivery, error) {
	var d models.Delivery
	var payload string
	var nextRetry, completed sql.NullTime
	err := row.Scan(&d.ID, &d.EndpointID, &d.TenantID, &d.Event, &payload, &d.Status, &nextRetry,
		&d.FailureReason, &completed, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	d.Body = json.RawMessage(payload)
	if err := json.Unmarshal(d.Body, &d.Payload); err != nil {
		return nil, fmt.Errorf("decode delivery %s payload: %w", d.ID, err)
	}
	d.NextRetryAt = timePtr(nextRetry)
	d.CompletedAt = timePtr(completed)
	return &d, nil
}

func (s *SQLiteStorage) loadAttempts(ctx context.Context, d *models.Delivery) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT attempt_number, success, status_code, response_body, duration_ms, error, created_at
		 FROM attempts WHERE delivery_id = ? ORDER BY attempt_number`, d.ID)
	if err != nil {
		return err
	}
	defer rows.Close()

	d.Attempts = nil
	for rows.Next() {
		var a models.Attempt
		if err := rows.Scan(&a.AttemptNumber, &a.Success, &a.StatusCode, &a.ResponseBody, &a.DurationMs, &a.Error, &a.Timestamp); err != nil {
			return err
		}
		d.Attempts = append(d.Attempts, a)
	}
	return rows.Err()
}

func (s *SQLiteStorage) GetDelivery(ctx context.Context, id string) (*models.Delivery, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+deliveryColumns+` FROM deliveries WHERE id = ?`, id)
	d, err := s.scanDelivery(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("delivery %s: %w", id, models.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if err := s.loadAttempts(ctx, d); err != nil {
		return nil, err
	}
	return d, nil
}

func (s *SQLiteStorage) queryDeliveries(ctx context.Context, q string, args ...any) ([]models.Delivery, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}

	var deliveries []models.Delivery
	for rows.Next() {
		d, err := s.scanDelivery(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		deliveries = append(deliveries, *d)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return nil, err
	}

	// attempts are loaded after the cursor is closed; the pool holds a single connection
	for i := range deliveries {
		if err := s.loadAttempts(ctx, &deliveries[i]); err != nil {
			return nil, err
		}
	}
	return deliveries, nil
}

func (s *SQLiteStorage) ListDeliveries(ctx context.Context, f DeliveryFilter) ([]models.Delivery, error) {
	var where []string
	var args []any
	if f.EndpointID != "" {
		where = append(where, "endpoint_id = ?")
		args = append(args, f.EndpointID)
	}
	if f.TenantID != "" {
		where = append(where, "tenant_id = ?")
		args = append(args, f.TenantID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Event != "" {
		where = append(where, "event = ?")
		args = append(args, f.Event)
	}

	q := `SELECT ` + deliveryColumns + ` FROM deliveries`
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY created_at DESC, id DESC LIMIT ?"
	args = append(args, f.limit())

	return s.queryDeliveries(ctx, q, args...)
}

func (s *SQLiteStorage) DueRetries(ctx context.Context, now, staleBefore time.Time, limit int) ([]models.Delivery, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	q := `SELECT ` + deliveryColumns + ` FROM deliveries
		 WHERE (status = 'RETRYING' AND next_retry_at IS NOT NULL AND next_retry_at <= ?)`
	args := []any{now.UTC()}
	if !staleBefore.IsZero() {
		q += ` OR (status = 'PENDING' AND created_at <= ?)`
		args = append(args, staleBefore.UTC())
	}
	q += ` ORDER BY COALESCE(next_retry_at, created_at) ASC LIMIT ?`
	args = append(args, limit)
	return s.queryDeliveries(ctx, q, args...)
}

// --- Stats ---

func (s *SQLiteStorage) GetStats(ctx context.Context, tenantID string) (*Stats, error) {
	stats := newStats()

	tenantClause := ""
	var args []any
	if tenantID != "" {
		tenantClause = " WHERE tenant_id = ?"
		args = append(args, tenantID)
	}

	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM endpoints`+tenantClause+` GROUP BY status`, args, stats.EndpointsByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT status, COUNT(*) FROM deliveries`+tenantClause+` GROUP BY status`, args, stats.ByStatus); err != nil {
		return nil, err
	}
	if err := s.countBy(ctx, `SELECT event, COUNT(*) FROM deliveries`+tenantClause+` GROUP BY event`, args, stats.ByEvent); err != nil {
		return nil, err
	}
	for _, n := range stats.EndpointsByStatus {
		stats.TotalEndpoints += n
	}
	for _, n := range stats.ByStatus {
		stats.TotalDeliveries += n
	}

	latencyQuery := `SELECT COALESCE(AVG(a.duration_ms), 0) FROM attempts a JOIN deliveries d ON a.delivery_id = d.id`
	if tenantID != "" {
		latencyQuery += ` WHERE d.tenant_id = ?`
	}
	if err := s.db.QueryRowContext(ctx, latencyQuery, args...).Scan(&stats.AverageLatencyMs); err != nil {
		return nil, err
	}

	stats.finish()
	return stats, nil
}

func (s *SQLiteStorage) countBy(ctx context.Context, q string, args []any, into map[string]int64) error {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var key string
		var n int64
		if err := rows.Scan(&key, &n); err != nil {
			return err
		}
		into[key] = n
	}
	return rows.Err()
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: t.UTC(), Valid: true}
}

func timePtr(t sql.NullTime) *time.Time {
	if !t.Valid {
		return nil
	}
	v := t.Time.UTC()
	return &v
}
