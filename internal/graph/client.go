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

// Package graph provides a read-only client for the Microsoft Graph mail
// API: message metadata, attachment listings, and raw attachment content.
package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
)

// Client performs bearer-authenticated read operations against one mailbox.
type Client struct {
	httpClient *http.Client
	baseURL    string
	mailbox    string // empty means the application's own mailbox
}

// NewClient creates a Graph mail client. httpClient must inject bearer
// credentials (see NewHTTPClient).
func NewClient(httpClient *http.Client, baseURL, mailbox string) *Client {
	return &Client{
		httpClient: httpClient,
		baseURL:    baseURL,
		mailbox:    mailbox,
	}
}

// mailboxPath returns the URL segment addressing the configured mailbox.
func (c *Client) mailboxPath() string {
	if c.mailbox == "" {
		return "me"
	}
	return "users/" + url.PathEscape(c.mailbox)
}

// GetMessage retrieves message metadata with a field-selection projection.
// A 404 returns (nil, nil): the message was deleted between notification
// and fetch, which is not an error for ingestion.
func (c *Client) GetMessage(ctx context.Context, messageID string) (*Message, error) {
	u := fmt.Sprintf("%s/%s/messages/%s?$select=id,subject,receivedDateTime,hasAttachments,from",
		c.baseURL, c.mailboxPath(), url.PathEscape(messageID))

	resp, err := c.get(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		slog.Warn("message not found (may have been deleted)", "message_id", messageID)
		return nil, nil
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d for message %s", resp.StatusCode, messageID)
	}

	var msg Message
	if err := json.NewDecoder(resp.Body).Decode(&msg); err != nil {
		return nil, fmt.Errorf("decode message: %w", err)
	}
	return &msg, nil
}

// ListAttachments returns the attachment metadata for a message, including
// inline content bytes when Graph provides them.
func (c *Client) ListAttachments(ctx context.Context, messageID string) ([]Attachment, error) {
	u := fmt.Sprintf("%s/%s/messages/%s/attachments?$select=id,name,contentType,size,contentBytes,@odata.type",
		c.baseURL, c.mailboxPath(), url.PathEscape(messageID))

	resp, err := c.get(ctx, u, "application/json")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d listing attachments for message %s", resp.StatusCode, messageID)
	}

	var listing struct {
		Value []Attachment `json:"value"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&listing); err != nil {
		return nil, fmt.Errorf("decode attachment listing: %w", err)
	}
	return listing.Value, nil
}

// GetAttachmentContent fetches the raw bytes of a single attachment via
// its $value endpoint. Used when the listing carried no inline content.
func (c *Client) GetAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	u := fmt.Sprintf("%s/%s/messages/%s/attachments/%s/$value",
		c.baseURL, c.mailboxPath(), url.PathEscape(messageID), url.PathEscape(attachmentID))

	resp, err := c.get(ctx, u, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("graph API returned HTTP %d fetching content of attachment %s", resp.StatusCode, attachmentID)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read attachment content: %w", err)
	}
	return data, nil
}

func (c *Client) get(ctx context.Context, url, accept string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("graph GET: %w", err)
	}
	return resp, nil
}
