// Copyright (c) 2026 Mailvault Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package subscription maintains the Graph push subscription that feeds
// the webhook: a Postgres-backed record store and a manager that creates
// and renews the subscription out-of-band of the ingestion core.
package subscription

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record represents the persisted state of one Graph subscription.
type Record struct {
	ID             int64
	SubscriptionID string
	Mailbox        string
	Resource       string
	ClientState    string
	ExpiresAt      time.Time
	Status         string // "active", "expired", "removed"
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Store provides CRUD operations for subscription records in Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a subscription store backed by the given Postgres pool.
// It ensures the subscriptions table exists on creation.
func NewStore(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	s := &Store{pool: pool}
	if err := s.ensureSchema(ctx); err != nil {
		return nil, fmt.Errorf("ensure subscription schema: %w", err)
	}
	slog.Info("subscription store initialised")
	return s, nil
}

func (s *Store) ensureSchema(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS subscriptions (
			id              BIGSERIAL PRIMARY KEY,
			subscription_id TEXT NOT NULL UNIQUE,
			mailbox         TEXT NOT NULL,
			resource        TEXT NOT NULL,
			client_state    TEXT NOT NULL,
			expires_at      TIMESTAMPTZ NOT NULL,
			status          TEXT DEFAULT 'active',
			created_at      TIMESTAMPTZ DEFAULT NOW(),
			updated_at      TIMESTAMPTZ DEFAULT NOW(),
			UNIQUE(mailbox)
		);
		CREATE INDEX IF NOT EXISTS idx_subs_expires ON subscriptions(expires_at);
		CREATE INDEX IF NOT EXISTS idx_subs_status ON subscriptions(status);
	`)
	return err
}

// Upsert inserts or updates the subscription record keyed on mailbox.
func (s *Store) Upsert(ctx context.Context, r Record) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO subscriptions
			(subscription_id, mailbox, resource, client_state, expires_at, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (mailbox) DO UPDATE SET
			subscription_id = EXCLUDED.subscription_id,
			resource        = EXCLUDED.resource,
			client_state    = EXCLUDED.client_state,
			expires_at      = EXCLUDED.expires_at,
			status          = EXCLUDED.status,
			updated_at      = NOW()
	`, r.SubscriptionID, r.Mailbox, r.Resource, r.ClientState, r.ExpiresAt, r.Status)
	return err
}

// Get retrieves the subscription for a mailbox, or nil when none exists.
func (s *Store) Get(ctx context.Context, mailbox string) (*Record, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, subscription_id, mailbox, resource, client_state,
		       expires_at, status, created_at, updated_at
		FROM subscriptions
		WHERE mailbox = $1
	`, mailbox)
	return scanRecord(row)
}

// ListExpiringSoon returns active subscriptions expiring within the buffer.
func (s *Store) ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]Record, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subscription_id, mailbox, resource, client_state,
		       expires_at, status, created_at, updated_at
		FROM subscriptions
		WHERE status = 'active' AND expires_at < NOW() + $1::interval
		ORDER BY expires_at
	`, fmt.Sprintf("%d seconds", int(buffer.Seconds())))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectRecords(rows)
}

// UpdateExpiry updates the expiration time after a successful renewal.
func (s *Store) UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET expires_at = $1, updated_at = NOW()
		WHERE subscription_id = $2
	`, newExpiry, subscriptionID)
	return err
}

// MarkStatus sets the status of a subscription (active, expired, removed).
func (s *Store) MarkStatus(ctx context.Context, subscriptionID, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE subscriptions
		SET status = $1, updated_at = NOW()
		WHERE subscription_id = $2
	`, status, subscriptionID)
	return err
}

// Delete removes the record for a mailbox.
func (s *Store) Delete(ctx context.Context, mailbox string) error {
	_, err := s.pool.Exec(ctx, `
		DELETE FROM subscriptions WHERE mailbox = $1
	`, mailbox)
	return err
}

// scanRecord scans a single row into a Record.
func scanRecord(row pgx.Row) (*Record, error) {
	var r Record
	err := row.Scan(
		&r.ID, &r.SubscriptionID, &r.Mailbox, &r.Resource, &r.ClientState,
		&r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt,
	)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// collectRecords scans multiple rows into a slice of Records.
func collectRecords(rows pgx.Rows) ([]Record, error) {
	var records []Record
	for rows.Next() {
		var r Record
		if err := rows.Scan(
			&r.ID, &r.SubscriptionID, &r.Mailbox, &r.Resource, &r.ClientState,
			&r.ExpiresAt, &r.Status, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, err
		}
		records = append(records, r)
	}
	return records, rows.Err()
}
