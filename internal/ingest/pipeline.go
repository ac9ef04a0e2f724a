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

// Package ingest moves attachment bytes from a mailbox to object storage.
// Given one validated change notification it fetches the message metadata
// and attachment list, then uploads every file attachment under a
// deterministic date/message/name key.
package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/models"
	"github.com/mailvault/ingestion/internal/store"
)

// MailReader is the read-only surface of the Graph client the pipeline uses.
type MailReader interface {
	GetMessage(ctx context.Context, messageID string) (*graph.Message, error)
	ListAttachments(ctx context.Context, messageID string) ([]graph.Attachment, error)
	GetAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error)
}

// BlobWriter is the single write primitive of the object store.
type BlobWriter interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
}

// SeenFilter skips message IDs that were already processed recently.
// Marking is deferred until a run stored every attachment, so a failed
// run never poisons the filter against redelivery or backfill.
type SeenFilter interface {
	Seen(ctx context.Context, messageID string) (bool, error)
	MarkSeen(ctx context.Context, messageID string) error
}

// defaultMaxParallel bounds the per-message attachment fan-out.
const defaultMaxParallel = 4

// Pipeline orchestrates mail reads and store writes for one notification
// at a time. It is stateless and safe for concurrent Process calls.
type Pipeline struct {
	mail        MailReader
	blobs       BlobWriter
	seen        SeenFilter // optional; nil disables dedup
	maxParallel int
}

// PipelineConfig holds the pipeline's collaborators.
type PipelineConfig struct {
	Mail  MailReader
	Blobs BlobWriter
	// Seen is optional; when nil every notification is processed.
	Seen SeenFilter
	// MaxParallel bounds concurrent attachment uploads per message.
	// Zero means the default.
	MaxParallel int
}

// NewPipeline creates an ingestion pipeline.
func NewPipeline(cfg PipelineConfig) *Pipeline {
	maxParallel := cfg.MaxParallel
	if maxParallel <= 0 {
		maxParallel = defaultMaxParallel
	}
	return &Pipeline{
		mail:        cfg.Mail,
		blobs:       cfg.Blobs,
		seen:        cfg.Seen,
		maxParallel: maxParallel,
	}
}

// Process ingests the attachments of the message named by one notification.
//
// A notification without a resourceData.id is a no-op, not an error. The
// message metadata and attachment list are fetched concurrently; messages
// without attachments short-circuit. File attachments are uploaded
// concurrently with a bounded limit; a failure on one attachment does not
// stop its siblings. Per-attachment failures are logged and returned as
// one joined error.
//
// Processing is idempotent: object keys are deterministic, so running the
// same notification twice overwrites the same keys.
func (p *Pipeline) Process(ctx context.Context, n models.Notification) error {
	messageID := n.ResourceData.ID
	if messageID == "" {
		slog.Debug("notification without resourceData.id, skipping",
			"subscription_id", n.SubscriptionID,
		)
		return nil
	}

	if p.seen != nil {
		seen, err := p.seen.Seen(ctx, messageID)
		if err != nil {
			slog.Warn("dedup check failed, proceeding", "error", err)
		} else if seen {
			slog.Debug("skipping recently processed message", "message_id", messageID)
			return nil
		}
	}

	runID := uuid.New().String()

	// The two metadata reads are independent; fetch them in parallel.
	var (
		msg         *graph.Message
		attachments []graph.Attachment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		m, err := p.mail.GetMessage(gctx, messageID)
		msg = m
		return err
	})
	g.Go(func() error {
		a, err := p.mail.ListAttachments(gctx, messageID)
		attachments = a
		return err
	})
	if err := g.Wait(); err != nil {
		return fmt.Errorf("fetch metadata for message %s: %w", messageID, err)
	}

	if msg == nil {
		// Deleted upstream between notification and fetch.
		return nil
	}
	if !msg.HasAttachments || len(attachments) == 0 {
		slog.Debug("message has no attachments, skipping",
			"run_id", runID,
			"message_id", messageID,
		)
		return nil
	}

	var (
		mu       sync.Mutex
		failures []error
		stored   int
	)
	fan := &errgroup.Group{}
	fan.SetLimit(p.maxParallel)

	for _, att := range attachments {
		switch att.Kind() {
		case graph.KindFile:
			// Persisted below.
		case graph.KindItem, graph.KindReference:
			slog.Debug("skipping non-file attachment",
				"run_id", runID,
				"message_id", messageID,
				"attachment", att.Name,
				"kind", att.Kind().String(),
			)
			continue
		default:
			slog.Warn("skipping attachment of unknown type",
				"run_id", runID,
				"message_id", messageID,
				"attachment", att.Name,
				"odata_type", att.ODataType,
			)
			continue
		}

		att := att
		fan.Go(func() error {
			if err := p.storeAttachment(ctx, msg, att); err != nil {
				slog.Error("attachment ingest failed",
					"run_id", runID,
					"message_id", messageID,
					"attachment", att.Name,
					"error", err,
				)
				mu.Lock()
				failures = append(failures, fmt.Errorf("attachment %s: %w", att.Name, err))
				mu.Unlock()
				return nil // siblings keep going
			}
			mu.Lock()
			stored++
			mu.Unlock()
			return nil
		})
	}
	_ = fan.Wait()

	slog.Info("notification processed",
		"run_id", runID,
		"message_id", messageID,
		"stored", stored,
		"failed", len(failures),
	)

	if err := errors.Join(failures...); err != nil {
		return err
	}

	// Mark only after every attachment is stored: a failed run stays
	// eligible for redelivery and backfill.
	if p.seen != nil {
		if err := p.seen.MarkSeen(ctx, messageID); err != nil {
			slog.Warn("dedup mark failed", "message_id", messageID, "error", err)
		}
	}
	return nil
}

// storeAttachment resolves the attachment bytes and writes them to the store.
func (p *Pipeline) storeAttachment(ctx context.Context, msg *graph.Message, att graph.Attachment) error {
	data, err := p.attachmentBytes(ctx, msg.ID, att)
	if err != nil {
		return err
	}

	key := store.ObjectKey(msg.ID, att.Name, msg.ReceivedDateTime)
	if err := p.blobs.Put(ctx, key, data, att.ContentType); err != nil {
		return err
	}

	slog.Info("attachment stored",
		"key", key,
		"size", len(data),
		"content_type", att.ContentType,
	)
	return nil
}

// attachmentBytes decodes inline base64 content when present, otherwise
// fetches the bytes from the attachment's content endpoint.
func (p *Pipeline) attachmentBytes(ctx context.Context, messageID string, att graph.Attachment) ([]byte, error) {
	if att.ContentBytes != "" {
		data, err := base64.StdEncoding.DecodeString(att.ContentBytes)
		if err != nil {
			return nil, fmt.Errorf("decode inline content: %w", err)
		}
		return data, nil
	}
	return p.mail.GetAttachmentContent(ctx, messageID, att.ID)
}
