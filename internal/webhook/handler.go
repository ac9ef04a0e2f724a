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

// Package webhook implements the Graph change-notification endpoint: the
// subscription validation handshake, clientState verification, and the
// hand-off of accepted batches to the ingestion pipeline or the queue.
//
// The endpoint acknowledges every accepted batch with 202 regardless of
// ingestion outcome. Graph treats non-2xx responses and timeouts as
// delivery failures and will retry aggressively or disable the
// subscription, so ingestion errors surface only in logs.
package webhook

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/mailvault/ingestion/internal/models"
)

// Ingestor runs the ingestion pipeline for one notification.
type Ingestor interface {
	Process(ctx context.Context, n models.Notification) error
}

// Enqueuer hands one notification to the durable queue.
type Enqueuer interface {
	SendNotification(ctx context.Context, n models.Notification) (string, error)
}

// maxInlineParallel bounds concurrent pipeline runs for one batch in
// inline mode.
const maxInlineParallel = 4

// Handler processes Graph change-notification webhook requests.
// Exactly one of ingestor (inline mode) or enqueuer (queue mode) is used;
// when an enqueuer is set it wins.
type Handler struct {
	secret   string
	ingestor Ingestor
	enqueuer Enqueuer

	inflight sync.WaitGroup
}

// NewHandler creates a webhook handler validating against secret. Pass an
// enqueuer for queue mode, or an ingestor for inline mode.
func NewHandler(secret string, ingestor Ingestor, enqueuer Enqueuer) *Handler {
	return &Handler{
		secret:   secret,
		ingestor: ingestor,
		enqueuer: enqueuer,
	}
}

// ServeHTTP handles webhook requests.
//
// Graph API validation flow:
//   - When creating a subscription, Graph sends a request with
//     ?validationToken=<token>
//   - We must respond 200 OK with the token in plain text, before doing
//     anything else — the handshake has a hard deadline
//
// Notification flow:
//   - Graph POSTs a JSON body with an array of notifications
//   - clientState mismatch anywhere rejects the whole batch with 401
//   - Accepted batches are acknowledged with 202 immediately and
//     processed in the background
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// Handle validation probe before anything else. No network I/O may
	// happen on this path. Graph sends the probe on GET and POST only;
	// a token on any other verb is not a handshake.
	if token := r.URL.Query().Get("validationToken"); token != "" {
		switch r.Method {
		case http.MethodGet, http.MethodPost:
			slog.Info("subscription validation probe received")
			w.Header().Set("Content-Type", "text/plain")
			w.WriteHeader(http.StatusOK)
			w.Write([]byte(token))
			return
		}
	}

	switch r.Method {
	case http.MethodPost:
		// Notification delivery, handled below.
	case http.MethodGet:
		writeJSONError(w, http.StatusBadRequest, "missing validationToken")
		return
	default:
		writeJSONError(w, http.StatusMethodNotAllowed, "method not allowed")
		return
	}

	var payload models.Envelope
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		// Graph probes liveness with empty or odd payloads; never ask it
		// to retry.
		slog.Info("notification body not valid JSON, treating as probe", "error", err)
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if len(payload.Value) == 0 {
		w.WriteHeader(http.StatusAccepted)
		return
	}

	if err := ValidateBatch(h.secret, payload.Value); err != nil {
		slog.Warn("rejecting notification batch",
			"count", len(payload.Value),
			"error", err,
		)
		writeJSONError(w, http.StatusUnauthorized, "invalid clientState")
		return
	}

	// Acknowledge first — Graph expects a fast response. Ingestion
	// outcome is deliberately invisible to Graph.
	w.WriteHeader(http.StatusAccepted)

	h.inflight.Add(1)
	go func(batch []models.Notification) {
		defer h.inflight.Done()
		h.dispatch(context.Background(), batch)
	}(payload.Value)
}

// Drain blocks until all background batch processing has finished.
// Called on shutdown so accepted batches are not abandoned mid-flight.
func (h *Handler) Drain() {
	h.inflight.Wait()
}

// dispatch routes an accepted batch: queue mode enqueues every item,
// inline mode runs the pipeline with bounded parallelism. Notifications
// are independent; order does not matter. Failures are logged and
// swallowed — the 202 has already been sent.
func (h *Handler) dispatch(ctx context.Context, batch []models.Notification) {
	if h.enqueuer != nil {
		for _, n := range batch {
			msgID, err := h.enqueuer.SendNotification(ctx, n)
			if err != nil {
				slog.Error("enqueue notification failed",
					"message_id", n.ResourceData.ID,
					"error", err,
				)
				continue
			}
			slog.Info("notification enqueued",
				"message_id", n.ResourceData.ID,
				"queue_message_id", msgID,
			)
		}
		return
	}

	g := &errgroup.Group{}
	g.SetLimit(maxInlineParallel)
	for _, n := range batch {
		n := n
		g.Go(func() error {
			if err := h.ingestor.Process(ctx, n); err != nil {
				slog.Error("ingestion failed",
					"message_id", n.ResourceData.ID,
					"error", err,
				)
			}
			return nil
		})
	}
	_ = g.Wait()
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
