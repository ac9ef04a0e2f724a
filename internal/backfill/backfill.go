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

// Package backfill archives attachments of historical messages: it lists
// messages with attachments within a lookback window from the Graph API
// and pushes each one through the ingestion pipeline, as if a change
// notification had arrived for it. Used to catch up after downtime or
// before the subscription existed.
package backfill

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/mailvault/ingestion/internal/models"
)

// Ingestor runs the ingestion pipeline for one notification.
type Ingestor interface {
	Process(ctx context.Context, n models.Notification) error
}

// Result summarises a completed backfill run.
type Result struct {
	Listed    int
	Processed int
	Errors    int
	Pages     int
	Elapsed   time.Duration
}

// messagesResponse is one page of the /messages list response.
type messagesResponse struct {
	Value    []messageStub `json:"value"`
	NextLink string        `json:"@odata.nextLink"`
}

// messageStub is a minimal message from the list endpoint.
type messageStub struct {
	ID string `json:"id"`
}

// Runner performs historical attachment backfill for one mailbox.
type Runner struct {
	client       *http.Client
	graphBaseURL string
	mailbox      string
	ingestor     Ingestor
	pageDelay    time.Duration // delay between pages to avoid throttling
}

// RunnerConfig holds dependencies for the backfill runner.
type RunnerConfig struct {
	// Client must inject bearer credentials (see graph.NewHTTPClient).
	Client       *http.Client
	GraphBaseURL string
	Mailbox      string
	Ingestor     Ingestor
	// PageDelay is the pause between listing pages. Zero means 500ms.
	PageDelay time.Duration
}

// NewRunner creates a backfill runner.
func NewRunner(cfg RunnerConfig) *Runner {
	delay := cfg.PageDelay
	if delay == 0 {
		delay = 500 * time.Millisecond
	}
	return &Runner{
		client:       cfg.Client,
		graphBaseURL: cfg.GraphBaseURL,
		mailbox:      cfg.Mailbox,
		ingestor:     cfg.Ingestor,
		pageDelay:    delay,
	}
}

// Run lists messages with attachments received within the lookback window
// and runs the pipeline for each. Per-message failures are counted and
// logged; only listing failures abort the run.
func (r *Runner) Run(ctx context.Context, since time.Duration) (*Result, error) {
	start := time.Now()
	sinceTime := time.Now().UTC().Add(-since).Format(time.RFC3339)

	slog.Info("starting attachment backfill",
		"mailbox", r.mailbox,
		"since", sinceTime,
	)

	params := url.Values{}
	params.Set("$filter", fmt.Sprintf("hasAttachments eq true and receivedDateTime ge %s", sinceTime))
	params.Set("$select", "id")
	params.Set("$orderby", "receivedDateTime desc")
	params.Set("$top", "50")

	listURL := fmt.Sprintf("%s/%s/messages?%s",
		r.graphBaseURL, mailboxSegment(r.mailbox), params.Encode())

	result := &Result{}
	for nextURL := listURL; nextURL != ""; {
		// Rate limit between pages.
		if result.Pages > 0 {
			select {
			case <-ctx.Done():
				return result, ctx.Err()
			case <-time.After(r.pageDelay):
			}
		}

		page, err := r.fetchPage(ctx, nextURL)
		if err != nil {
			return result, fmt.Errorf("fetch page %d: %w", result.Pages, err)
		}
		result.Pages++

		slog.Debug("backfill page fetched",
			"page", result.Pages,
			"messages", len(page.Value),
		)

		for _, msg := range page.Value {
			result.Listed++

			n := models.Notification{
				ChangeType:   "created",
				Resource:     fmt.Sprintf("%s/messages/%s", mailboxSegment(r.mailbox), msg.ID),
				ResourceData: models.ResourceData{ID: msg.ID},
			}
			if err := r.ingestor.Process(ctx, n); err != nil {
				slog.Warn("backfill: ingest failed",
					"message_id", msg.ID,
					"error", err,
				)
				result.Errors++
				continue
			}
			result.Processed++
		}

		nextURL = page.NextLink
	}

	result.Elapsed = time.Since(start)

	slog.Info("attachment backfill complete",
		"mailbox", r.mailbox,
		"listed", result.Listed,
		"processed", result.Processed,
		"errors", result.Errors,
		"pages", result.Pages,
		"elapsed", result.Elapsed,
	)

	return result, nil
}

// mailboxSegment returns the URL segment addressing the mailbox: the
// application's own mailbox when none is configured.
func mailboxSegment(mailbox string) string {
	if mailbox == "" {
		return "me"
	}
	return "users/" + url.PathEscape(mailbox)
}

// fetchPage retrieves a single page of messages from the list endpoint.
func (r *Runner) fetchPage(ctx context.Context, pageURL string) (*messagesResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, pageURL, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Prefer", "odata.maxpagesize=50")

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch messages page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		slog.Error("messages list error", "status", resp.StatusCode, "body", string(body))
		return nil, fmt.Errorf("messages list returned HTTP %d", resp.StatusCode)
	}

	var page messagesResponse
	if err := json.NewDecoder(resp.Body).Decode(&page); err != nil {
		return nil, fmt.Errorf("decode messages response: %w", err)
	}
	return &page, nil
}
