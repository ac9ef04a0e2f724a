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

// Package worker drains the notification queue: it long-polls for bounded
// batches, runs the ingestion pipeline per message, and deletes every
// message it received — including ones whose ingestion failed. Queue
// redelivery is deliberately not used for retrying ingestion, so a
// systematically failing message cannot be reprocessed forever; failures
// are terminal per message and surface only in logs.
package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/mailvault/ingestion/internal/models"
	"github.com/mailvault/ingestion/internal/queue"
)

// Receiver is the queue surface the worker consumes.
type Receiver interface {
	Receive(ctx context.Context, max int, wait time.Duration) ([]queue.Message, error)
	Delete(ctx context.Context, receiptHandle string) error
}

// Ingestor runs the ingestion pipeline for one notification.
type Ingestor interface {
	Process(ctx context.Context, n models.Notification) error
}

const (
	defaultBatchSize = 5
	defaultWaitTime  = 10 * time.Second
	defaultErrDelay  = 5 * time.Second
)

// Worker polls the queue and feeds notifications to the pipeline.
type Worker struct {
	queue     Receiver
	ingestor  Ingestor
	batchSize int
	waitTime  time.Duration
	errDelay  time.Duration
}

// Config holds the worker's collaborators and tuning knobs.
type Config struct {
	Queue    Receiver
	Ingestor Ingestor
	// BatchSize bounds messages per receive. Zero means the default.
	BatchSize int
	// WaitTime is the long-poll timeout. Zero means the default.
	WaitTime time.Duration
}

// New creates a queue worker.
func New(cfg Config) *Worker {
	w := &Worker{
		queue:     cfg.Queue,
		ingestor:  cfg.Ingestor,
		batchSize: cfg.BatchSize,
		waitTime:  cfg.WaitTime,
		errDelay:  defaultErrDelay,
	}
	if w.batchSize <= 0 {
		w.batchSize = defaultBatchSize
	}
	if w.waitTime <= 0 {
		w.waitTime = defaultWaitTime
	}
	return w
}

// Run polls the queue until ctx is cancelled. Receive errors are logged
// and retried after a short delay; everything else is handled per message.
func (w *Worker) Run(ctx context.Context) error {
	slog.Info("queue worker started",
		"batch_size", w.batchSize,
		"wait_time", w.waitTime,
	)

	for {
		if err := ctx.Err(); err != nil {
			slog.Info("queue worker stopping")
			return err
		}

		n, err := w.RunOnce(ctx)
		if err != nil {
			if ctx.Err() != nil {
				slog.Info("queue worker stopping")
				return ctx.Err()
			}
			slog.Error("queue receive failed", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(w.errDelay):
			}
			continue
		}
		if n > 0 {
			slog.Debug("batch drained", "count", n)
		}
	}
}

// RunOnce receives and processes a single batch. Returns the number of
// messages handled. Exposed for one-shot invocations (cron-style runs)
// and tests.
func (w *Worker) RunOnce(ctx context.Context) (int, error) {
	msgs, err := w.queue.Receive(ctx, w.batchSize, w.waitTime)
	if err != nil {
		return 0, fmt.Errorf("receive batch: %w", err)
	}

	for _, m := range msgs {
		w.handle(ctx, m)
	}
	return len(msgs), nil
}

// handle processes one queue message and always deletes it afterwards:
// unparseable bodies, missing message IDs, and pipeline failures all
// consume the message.
func (w *Worker) handle(ctx context.Context, m queue.Message) {
	defer func() {
		if err := w.queue.Delete(ctx, m.ReceiptHandle); err != nil {
			slog.Error("delete queue message failed", "error", err)
		}
	}()

	var n models.Notification
	if err := json.Unmarshal([]byte(m.Body), &n); err != nil {
		slog.Warn("unparseable queue message, dropping", "error", err)
		return
	}

	if n.ResourceData.ID == "" {
		slog.Warn("queue message without resourceData.id, dropping",
			"subscription_id", n.SubscriptionID,
		)
		return
	}

	if err := w.ingestor.Process(ctx, n); err != nil {
		slog.Error("ingestion failed, message will not be redelivered",
			"message_id", n.ResourceData.ID,
			"error", err,
		)
	}
}
