package webhooks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository is the Postgres-backed Store. The schema lives in
// db/migrations and is applied by cmd/migrate.
type Repository struct {
	db *pgxpool.Pool
}

// NewRepository creates a new webhook repository
func NewRepository(db *pgxpool.Pool) *Repository {
	return &Repository{db: db}
}

// Ping checks the database connection.
func (r *Repository) Ping(ctx context.Context) error {
	return r.db.Ping(ctx)
}

// PersistSubscription inserts or replaces a subscription.
func (r *Repository) PersistSubscription(ctx context.Context, sub *Subscription) error {
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

	query := `
		INSERT INTO webhook_subscriptions (
			id, user_id, organization_id, url, events, secret, retry_policy, is_active,
			metadata, delivery_stats, failure_streak, last_delivery_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
		ON CONFLICT (id) DO UPDATE SET
			url = EXCLUDED.url,
			events = EXCLUDED.events,
			retry_policy = EXCLUDED.retry_policy,
			is_active = EXCLUDED.is_active,
			metadata = EXCLUDED.metadata,
			delivery_stats = EXCLUDED.delivery_stats,
			failure_streak = EXCLUDED.failure_streak,
			last_delivery_at = EXCLUDED.last_delivery_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Exec(ctx, query,
		sub.ID,
		sub.UserID,
		sub.OrganizationID,
		sub.URL,
		eventsJSON,
		sub.Secret,
		policyJSON,
		sub.IsActive,
		metadataJSON,
		statsJSON,
		sub.FailureStreak,
		sub.LastDeliveryAt,
		sub.CreatedAt,
		sub.UpdatedAt,
	)
	return err
}

// DeleteSubscription removes a subscription. Its deliveries are kept.
func (r *Repository) DeleteSubscription(ctx context.Context, id string) error {
	_, err := r.db.Exec(ctx, `DELETE FROM webhook_subscriptions WHERE id = $1`, id)
	return err
}

// LoadSubscriptions returns every stored subscription.
func (r *Repository) LoadSubscriptions(ctx context.Context) ([]*Subscription, error) {
	query := `
		SELECT id, user_id, organization_id, url, events, secret, retry_policy, is_active,
		       metadata, delivery_stats, failure_streak, last_delivery_at, created_at, updated_at
		FROM webhook_subscriptions
		ORDER BY created_at
	`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var subs []*Subscription
	for rows.Next() {
		var s Subscription
		var eventsJSON, policyJSON, metadataJSON, statsJSON []byte

		err := rows.Scan(
			&s.ID,
			&s.UserID,
			&s.OrganizationID,
			&s.URL,
			&eventsJSON,
			&s.Secret,
			&policyJSON,
			&s.IsActive,
			&metadataJSON,
			&statsJSON,
			&s.FailureStreak,
			&s.LastDeliveryAt,
			&s.CreatedAt,
			&s.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		if err := decodeSubscriptionJSON(&s, eventsJSON, policyJSON, metadataJSON, statsJSON); err != nil {
			return nil, err
		}
		subs = append(subs, &s)
	}
	return subs, rows.Err()
}

// PersistDelivery inserts or replaces a delivery.
func (r *Repository) PersistDelivery(ctx context.Context, d *Delivery) error {
	headersJSON, err := json.Marshal(d.Headers)
	if err != nil {
		return fmt.Errorf("failed to marshal headers: %w", err)
	}

	query := `
		INSERT INTO webhook_deliveries (
			id, subscription_id, event_id, event_type, payload, url, http_method, headers, test,
			status, attempts, status_code, response_body, error_message, duration_ms,
			next_retry_at, delivered_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			attempts = EXCLUDED.attempts,
			status_code = EXCLUDED.status_code,
			response_body = EXCLUDED.response_body,
			error_message = EXCLUDED.error_message,
			duration_ms = EXCLUDED.duration_ms,
			next_retry_at = EXCLUDED.next_retry_at,
			delivered_at = EXCLUDED.delivered_at,
			updated_at = EXCLUDED.updated_at
	`

	_, err = r.db.Exec(ctx, query,
		d.ID,
		d.SubscriptionID,
		d.EventID,
		d.EventType,
		string(d.Payload),
		d.URL,
		d.Method,
		headersJSON,
		d.Test,
		d.Status,
		d.Attempts,
		d.StatusCode,
		d.ResponseBody,
		d.ErrorMessage,
		d.DurationMs,
		d.NextRetryAt,
		d.DeliveredAt,
		d.CreatedAt,
		d.UpdatedAt,
	)
	return err
}

const deliveryColumns = `
	id, subscription_id, event_id, event_type, payload, url, http_method, headers, test,
	status, attempts, status_code, response_body, error_message, duration_ms,
	next_retry_at, delivered_at, created_at, updated_at
`

// GetDelivery returns a delivery by id.
func (r *Repository) GetDelivery(ctx context.Context, id string) (*Delivery, error) {
	rows, err := r.db.Query(ctx, `SELECT `+deliveryColumns+` FROM webhook_deliveries WHERE id = $1`, id)
	if err != nil {
		return nil, err
	}
	deliveries, err := scanDeliveries(rows)
	if err != nil {
		return nil, err
	}
	if len(deliveries) == 0 {
		return nil, ErrDeliveryNotFound
	}
	return deliveries[0], nil
}

// QueryDeliveries returns a subscription's deliveries, newest first.
func (r *Repository) QueryDeliveries(ctx context.Context, subscriptionID string, limit int) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE subscription_id = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`

	rows, err := r.db.Query(ctx, query, subscriptionID, limit)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

// PendingDeliveries returns deliveries that have not reached a terminal state.
func (r *Repository) PendingDeliveries(ctx context.Context) ([]*Delivery, error) {
	query := `SELECT ` + deliveryColumns + `
		FROM webhook_deliveries
		WHERE status IN ('pending', 'retrying')
		ORDER BY created_at`

	rows, err := r.db.Query(ctx, query)
	if err != nil {
		return nil, err
	}
	return scanDeliveries(rows)
}

// PruneDeliveries deletes terminal deliveries created before cutoff.
func (r *Repository) PruneDeliveries(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.db.Exec(ctx,
		`DELETE FROM webhook_deliveries WHERE status IN ('success', 'failed') AND created_at < $1`,
		before,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

func scanDeliveries(rows pgx.Rows) ([]*Delivery, error) {
	defer rows.Close()

	var deliveries []*Delivery
	for rows.Next() {
		var d Delivery
		var payload string
		var headersJSON []byte

		err := rows.Scan(
			&d.ID,
			&d.SubscriptionID,
			&d.EventID,
			&d.EventType,
			&payload,
			&d.URL,
			&d.Method,
			&headersJSON,
			&d.Test,
			&d.Status,
			&d.Attempts,
			&d.StatusCode,
			&d.ResponseBody,
			&d.ErrorMessage,
			&d.DurationMs,
			&d.NextRetryAt,
			&d.DeliveredAt,
			&d.CreatedAt,
			&d.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		d.Payload = json.RawMessage(payload)
		if err := json.Unmarshal(headersJSON, &d.Headers); err != nil {
			return nil, fmt.Errorf("failed to unmarshal headers: %w", err)
		}
		deliveries = append(deliveries, &d)
	}
	if err := rows.Err(); err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	return deliveries, nil
}

func decodeSubscriptionJSON(s *Subscription, events, policy, metadata, stats []byte) error {
	if err := json.Unmarshal(events, &s.Events); err != nil {
		return fmt.Errorf("failed to unmarshal events: %w", err)
	}
	if err := json.Unmarshal(policy, &s.RetryPolicy); err != nil {
		return fmt.Errorf("failed to unmarshal retry policy: %w", err)
	}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &s.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if err := json.Unmarshal(stats, &s.DeliveryStats); err != nil {
		return fmt.Errorf("failed to unmarshal delivery stats: %w", err)
	}
	return nil
}
