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

package subscription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Maximum subscription lifetime for messages is 4230 minutes (~2.94 days).
const maxSubscriptionMinutes = 4230

// RecordStore is the persistence surface the manager needs.
type RecordStore interface {
	Upsert(ctx context.Context, r Record) error
	Get(ctx context.Context, mailbox string) (*Record, error)
	ListExpiringSoon(ctx context.Context, buffer time.Duration) ([]Record, error)
	UpdateExpiry(ctx context.Context, subscriptionID string, newExpiry time.Time) error
	MarkStatus(ctx context.Context, subscriptionID, status string) error
}

// Manager handles creation and renewal of the Graph subscription for the
// watched mailbox. It runs a background renewal loop.
type Manager struct {
	store        RecordStore
	client       *http.Client
	mailbox      string
	webhookURL   string
	clientState  string
	renewBuffer  time.Duration
	graphBaseURL string

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// ManagerConfig holds the configuration for the subscription manager.
type ManagerConfig struct {
	Store  RecordStore
	Client *http.Client
	// Mailbox is the watched mailbox address.
	Mailbox string
	// WebhookURL is the public notification endpoint Graph will call.
	WebhookURL string
	// ClientState is the shared secret sent with every notification.
	// Empty means a random one is generated per subscription.
	ClientState  string
	RenewBuffer  time.Duration
	GraphBaseURL string
}

// NewManager creates a subscription manager.
func NewManager(cfg ManagerConfig) *Manager {
	return &Manager{
		store:        cfg.Store,
		client:       cfg.Client,
		mailbox:      cfg.Mailbox,
		webhookURL:   cfg.WebhookURL,
		clientState:  cfg.ClientState,
		renewBuffer:  cfg.RenewBuffer,
		graphBaseURL: cfg.GraphBaseURL,
	}
}

// Start ensures the subscription exists, then runs the renewal loop in the
// background until Stop is called.
func (m *Manager) Start(ctx context.Context) error {
	if err := m.Ensure(ctx); err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.wg.Add(1)
	go m.renewalLoop(loopCtx)

	slog.Info("subscription manager started",
		"mailbox", m.mailbox,
		"renewal_interval", m.renewalInterval(),
	)
	return nil
}

// Stop gracefully shuts down the renewal loop.
func (m *Manager) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.wg.Wait()
	slog.Info("subscription manager stopped")
}

// Ensure checks whether an active subscription exists for the mailbox and
// creates one if not, or renews it if it's about to expire.
func (m *Manager) Ensure(ctx context.Context) error {
	existing, err := m.store.Get(ctx, m.mailbox)
	if err != nil {
		return fmt.Errorf("check existing subscription: %w", err)
	}

	if existing != nil && existing.Status == "active" {
		if time.Until(existing.ExpiresAt) < m.renewBuffer {
			slog.Info("renewing near-expiry subscription",
				"mailbox", m.mailbox,
				"expires_in", time.Until(existing.ExpiresAt).Round(time.Minute),
			)
			return m.renewSubscription(ctx, *existing)
		}
		slog.Debug("subscription already active",
			"mailbox", m.mailbox,
			"expires_at", existing.ExpiresAt,
		)
		return nil
	}

	slog.Info("creating subscription", "mailbox", m.mailbox)
	return m.createSubscription(ctx)
}

// createSubscription creates a new Graph subscription for the mailbox.
func (m *Manager) createSubscription(ctx context.Context) error {
	clientState := m.clientState
	if clientState == "" {
		clientState = uuid.New().String()
	}
	expiry := time.Now().UTC().Add(time.Duration(maxSubscriptionMinutes) * time.Minute)
	resource := "/me/messages"
	if m.mailbox != "" {
		resource = fmt.Sprintf("/users/%s/messages", m.mailbox)
	}

	payload := map[string]string{
		"changeType":         "created",
		"notificationUrl":    m.webhookURL,
		"resource":           resource,
		"expirationDateTime": expiry.Format(time.RFC3339),
		"clientState":        clientState,
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal subscription body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		fmt.Sprintf("%s/subscriptions", m.graphBaseURL), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build subscription request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("create subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("Graph subscription creation returned HTTP %d for mailbox %s", resp.StatusCode, m.mailbox)
	}

	var result struct {
		ID                 string `json:"id"`
		ExpirationDateTime string `json:"expirationDateTime"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return fmt.Errorf("decode subscription response: %w", err)
	}

	parsedExpiry, _ := time.Parse(time.RFC3339, result.ExpirationDateTime)
	if parsedExpiry.IsZero() {
		parsedExpiry = expiry
	}

	record := Record{
		SubscriptionID: result.ID,
		Mailbox:        m.mailbox,
		Resource:       resource,
		ClientState:    clientState,
		ExpiresAt:      parsedExpiry,
		Status:         "active",
	}
	if err := m.store.Upsert(ctx, record); err != nil {
		return fmt.Errorf("persist subscription: %w", err)
	}

	slog.Info("subscription created",
		"mailbox", m.mailbox,
		"subscription_id", result.ID,
		"expires_at", parsedExpiry,
	)
	return nil
}

// renewSubscription extends the expiry of an existing subscription.
// A 404 means Graph already dropped it; the record is marked removed and a
// fresh subscription is created.
func (m *Manager) renewSubscription(ctx context.Context, rec Record) error {
	newExpiry := time.Now().UTC().Add(time.Duration(maxSubscriptionMinutes) * time.Minute)

	payload := map[string]string{
		"expirationDateTime": newExpiry.Format(time.RFC3339),
	}
	body, _ := json.Marshal(payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch,
		fmt.Sprintf("%s/subscriptions/%s", m.graphBaseURL, rec.SubscriptionID),
		bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build renewal request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		return fmt.Errorf("renew subscription: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("subscription removed by Graph, re-creating",
			"subscription_id", rec.SubscriptionID,
			"mailbox", rec.Mailbox,
		)
		if err := m.store.MarkStatus(ctx, rec.SubscriptionID, "removed"); err != nil {
			slog.Error("failed to mark subscription removed", "error", err)
		}
		return m.createSubscription(ctx)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Graph subscription renewal returned HTTP %d", resp.StatusCode)
	}

	if err := m.store.UpdateExpiry(ctx, rec.SubscriptionID, newExpiry); err != nil {
		return fmt.Errorf("update expiry in store: %w", err)
	}

	slog.Info("subscription renewed",
		"subscription_id", rec.SubscriptionID,
		"mailbox", rec.Mailbox,
		"new_expiry", newExpiry,
	)
	return nil
}

// RemoteSubscription is one entry of Graph's subscription listing.
type RemoteSubscription struct {
	ID                 string `json:"id"`
	Resource           string `json:"resource"`
	NotificationURL    string `json:"notificationUrl"`
	ExpirationDateTime string `json:"expirationDateTime"`
}

// ListRemote lists the subscriptions Graph currently holds for this app.
func (m *Manager) ListRemote(ctx context.Context) ([]RemoteSubscription, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("%s/subscriptions", m.graphBaseURL), nil)
	if err != nil {
		return nil, fmt.Errorf("build list request: %w", err)
	}

	resp, err := m.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("list subscriptions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("Graph subscription list returned HTTP %d", resp.StatusCode)
	}

	var result struct {
		Value []RemoteSubscription `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode subscription list: %w", err)
	}
	return result.Value, nil
}

// renewalInterval is half the buffer, floored at a minute.
func (m *Manager) renewalInterval() time.Duration {
	interval := m.renewBuffer / 2
	if interval < time.Minute {
		interval = time.Minute
	}
	return interval
}

// renewalLoop runs periodically to renew expiring subscriptions.
func (m *Manager) renewalLoop(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.renewalInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.renewExpiring(ctx)
		}
	}
}

// renewExpiring renews all subscriptions that are close to expiry.
func (m *Manager) renewExpiring(ctx context.Context) {
	records, err := m.store.ListExpiringSoon(ctx, m.renewBuffer)
	if err != nil {
		slog.Error("failed to list expiring subscriptions", "error", err)
		return
	}
	if len(records) == 0 {
		return
	}

	slog.Info("renewing expiring subscriptions", "count", len(records))
	for _, rec := range records {
		if err := m.renewSubscription(ctx, rec); err != nil {
			slog.Error("renewal failed",
				"subscription_id", rec.SubscriptionID,
				"mailbox", rec.Mailbox,
				"error", err,
			)
		}
	}
}
