package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS webhook_subscriptions (
  id TEXT PRIMARY KEY,
  user_id TEXT NOT NULL,
  organization_id TEXT NOT NULL DEFAULT '',
  url TEXT NOT NULL,
  events TEXT NOT NULL,
  secret TEXT NOT NULL,
  retry_policy TEXT NOT NULL,
  is_active INTEGER NOT NULL,
  metadata TEXT,
  delivery_stats TEXT NOT NULL,
  failure_streak INTEGER NOT NULL DEFAULT 0,
  last_delivery_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS webhook_deliveries (
  id TEXT PRIMARY KEY,
  subscription_id TEXT NOT NULL,
  event_id TEXT NOT NULL,
  event_type TEXT NOT NULL,
  payload TEXT NOT NULL,
  url TEXT NOT NULL,
  http_method TEXT NOT NULL,
  headers TEXT NOT NULL,
  test INTEGER NOT NULL DEFAULT 0,
  status TEXT NOT NULL,
  attempts INTEGER NOT NULL DEFAULT 0,
  status_code INTEGER NOT NULL DEFAULT 0,
  response_body TEXT NOT NULL DEFAULT '',
  error_message TEXT NOT NULL DEFAULT '',
  duration_ms INTEGER NOT NULL DEFAULT 0,
  next_retry_at TEXT,
  delivered_at TEXT,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_subscription ON webhook_deliveries(subscription_id, created_at);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_status ON webhook_deliveries(status);
`

// Fixed width, so text order is time order.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

// SQLiteStore is a single-file Store for deployments without Postgres.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLiteStore opens (creating if needed) the database at path and
// applies the schema. Use ":memory:" for a throwaway database.
func OpenSQLiteStore(path string) (*SQLiteStore, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// A :memory: database exists per connection.
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode = WAL;",
		"PRAGMA busy_timeout = 5000;",
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", stmt, err)
		}
	}

	for _, raw := range strings.Split(sqliteSchema, ";") {
		stmt := strings.TrimSpace(raw)
		if stmt == "" {
			continue
		}
		if _, err := db.Exec(stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("migrate: %w (statement=%q)", err, stmt)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func formatSQLiteTime(t time.Time) string {
	return t.UTC().Format(sqliteTimeLayout)
}

func nullableSQLiteTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func parseSQLiteTime(v sql.NullString) (*time.Time, error) {
	if !v.Valid || v.String == "" {
		return nil, nil
	}
	t, err := time.Parse(sqliteTimeLayout, v.String)
	if err != nil {
		return nil, fmt.Errorf("parse time %q: %w", v.String, err)
	}
	return &t, nil
}

func (s *SQLiteStore) PersistSubscription(ctx context.Context, sub *Subscription) error {
	eventsJSON, err := json.Marshal(sub.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}
	policyJSON, err := json.Marshal(sub.RetryPolicy)
	if err != nil {
		return fmt.Errorf("failed to marshal retry policy: %w", err)
	}
	metadataJSON, err := json.Marshal(sub.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	statsJSON, err := json.Marshal(sub.DeliveryStats)
	if err != nil {
		return fmt.Errorf("failed to marshal delivery stats: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_subscriptions (
			id, user_id, organization_id, url, events, secret, retry_policy, is_active,
			metadata, delivery_stats, failure_streak, last_delivery_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			url = excluded.url,
			events = excluded.events,
			retry_policy = excluded.retry_policy,
			is_active = excluded.is_active,
			metadata = excluded.metadata,
			delivery_stats = excluded.delivery_stats,
			failure_streak = excluded.failure_streak,
			last_delivery_at = excluded.last_delivery_at,
			updated_at = excluded.updated_at`,
		sub.ID, sub.UserID, sub.OrganizationID, sub.URL, string(eventsJSON), sub.Secret,
		string(policyJSON), sub.IsActive, string(metadataJSON), string(statsJSON), sub.FailureStreak,
		nullableSQLiteTime(sub.LastDeliveryAt), formatSQLiteTime(sub.CreatedAt), formatSQLiteTime(sub.UpdatedAt),
	)
	return err
}

func (s *SQLiteStore) DeleteSubscription(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id = ?`, id)
	return err
}

func (s *SQLiteStore) LoadSubscriptions(ctx context.Context) ([]*Subscription, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, user_id, organization_id, url, events, secret, retry_policy, is_active,
		       metadata, delivery_stats, failure_streak, last_delivery_at, created_at, updated_at
		FROM webhook_subscriptions
		ORDER BY created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var sub Subscription
		var events, policy, stats, createdAt, updatedAt string
		var metadata, lastDelivery sql.NullString

		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.OrganizationID, &sub.URL, &events, &sub.Secret,
			&policy, &sub.IsActive, &metadata, &stats, &sub.FailureStreak, &lastDelivery,
			&createdAt, &updatedAt); err != nil {
			return nil, err
		}
		if err := decodeSubscriptionJSON(&sub, []byte(events), []byte(policy), []byte(metadata.String), []byte(stats)); err != nil {
			return nil, err
		}
		if sub.LastDeliveryAt, err = parseSQLiteTime(lastDelivery); err != nil {
			return nil, err
		}
		if sub.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, err
		}
		if sub.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
			return nil, err
		}
		subs = append(subs, &sub)
	}
	return subs, rows.Err()
}

func (s *SQLiteStore) PersistDelivery(ctx context.Context, d *Delivery) error {
	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO webhook_deliveries (
			id, subscription_id, event_id, event_type, payload, url, http_method, headers, test,
			status, attempts, status_code, response_body, error_message, duration_ms,
			next_retry_at, delivered_at, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			attempts = excluded.attempts,
			status_code = excluded.status_code,
			response_body = excluded.response_body,
			error_message = excluded.error_message,
			duration_ms = excluded.duration_ms,
			next_retry_at = excluded.next_retry_at,
			delivered_at = excluded.delivered_at,
			updated_at = excluded.updated_at`,
		d.ID, d.SubscriptionID, d.EventID, string(d.EventType), string(d.Payload), d.URL, d.Method,
		string(headersJSON), d.Test, string(d.Status), d.Attempts, d.StatusCode, d.ResponseBody,
		d.ErrorMessage, d.DurationMs, nullableSQLiteTime(d.NextRetryAt), nullableSQLiteTime(d.DeliveredAt),
		formatSQLiteTime(d.CreatedAt), formatSQLiteTime(d.UpdatedAt),
	)
	return err
}

const sqliteDeliveryColumns = `
	id, subscription_id, event_id, event_type, payload, url, http_method, headers, test,
	status, attempts, status_code, response_body, error_message, duration_ms,
	next_retry_at, delivered_at, created_at, updated_at`

func (s *SQLiteStore) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	ds, err := s.queryDeliveries(ctx, `SELECT `+sqliteDeliveryColumns+` FROM webhook_deliveries WHERE id = ?`, id)
	if err != nil {
		return nil, err
	}
	if len(ds) == 0 {
		return nil, ErrDeliveryNotFound
	}
	return ds[0], nil
}

func (s *SQLiteStore) QueryDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	return s.queryDeliveries(ctx, `SELECT `+sqliteDeliveryColumns+`
		FROM webhook_deliveries
		WHERE subscription_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, subscriptionID, limit)
}

func (s *SQLiteStore) PendingDeliveries(ctx context.Context) ([]*Delivery, error) {
	return s.queryDeliveries(ctx, `SELECT `+sqliteDeliveryColumns+`
		FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying')
		ORDER BY created_at`)
}

func (s *SQLiteStore) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM webhook_deliveries WHERE status IN ('success', 'failed') AND created_at < ?`,
		formatSQLiteTime(before),
	)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *SQLiteStore) queryDeliveries(ctx context.Context, query string, args ...any) ([]*Delivery, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Delivery
	for rows.Next() {
		var d Delivery
		var eventType, payload, headers, status, createdAt, updatedAt string
		var nextRetry, delivered sql.NullString

		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventID, &eventType, &payload, &d.URL, &d.Method,
			&headers, &d.Test, &status, &d.Attempts, &d.StatusCode, &d.ResponseBody, &d.ErrorMessage,
			&d.DurationMs, &nextRetry, &delivered, &createdAt, &updatedAt); err != nil {
			return nil, err
		}
		d.EventType = EventType(eventType)
		d.Status = DeliveryStatus(status)
		d.Payload = json.RawMessage(payload)
		if err := json.Unmarshal([]byte(headers), &d.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		if d.NextRetryAt, err = parseSQLiteTime(nextRetry); err != nil {
			return nil, err
		}
		if d.DeliveredAt, err = parseSQLiteTime(delivered); err != nil {
			return nil, err
		}
		if d.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			return nil, err
		}
		if d.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
			return nil, err
		}
		out = append(out, &d)
	}
	return out, rows.Err()
}
