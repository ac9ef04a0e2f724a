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

package ingest

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"

	"github.com/mailvault/ingestion/internal/graph"
	"github.com/mailvault/ingestion/internal/models"
)

// fakeMail serves canned message metadata and attachments.
type fakeMail struct {
	mu          sync.Mutex
	msg         *graph.Message
	attachments []graph.Attachment
	content     map[string][]byte // attachmentID -> bytes

	getCalls     int
	listCalls    int
	contentCalls int
}

func (f *fakeMail) GetMessage(ctx context.Context, messageID string) (*graph.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.getCalls++
	return f.msg, nil
}

func (f *fakeMail) ListAttachments(ctx context.Context, messageID string) ([]graph.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return f.attachments, nil
}

func (f *fakeMail) GetAttachmentContent(ctx context.Context, messageID, attachmentID string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.contentCalls++
	data, ok := f.content[attachmentID]
	if !ok {
		return nil, errors.New("no such attachment")
	}
	return data, nil
}

// fakeBlobs records puts, optionally failing for selected keys.
type fakeBlobs struct {
	mu      sync.Mutex
	objects map[string][]byte
	types   map[string]string
	failOn  map[string]bool
}

func newFakeBlobs() *fakeBlobs {
	return &fakeBlobs{
		objects: make(map[string][]byte),
		types:   make(map[string]string),
		failOn:  make(map[string]bool),
	}
}

func (f *fakeBlobs) Put(ctx context.Context, key string, data []byte, contentType string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failOn[key] {
		return errors.New("upload failed")
	}
	f.objects[key] = data
	f.types[key] = contentType
	return nil
}

// fakeSeen is an in-memory seen filter.
type fakeSeen struct {
	seen map[string]bool
	err  error
}

func newFakeSeen() *fakeSeen {
	return &fakeSeen{seen: make(map[string]bool)}
}

func (f *fakeSeen) Seen(ctx context.Context, messageID string) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	return f.seen[messageID], nil
}

func (f *fakeSeen) MarkSeen(ctx context.Context, messageID string) error {
	if f.err != nil {
		return f.err
	}
	f.seen[messageID] = true
	return nil
}

func fileAttachment(id, name, contentType string, data []byte) graph.Attachment {
	return graph.Attachment{
		ODataType:    "#microsoft.graph.fileAttachment",
		ID:           id,
		Name:         name,
		ContentType:  contentType,
		Size:         int64(len(data)),
		ContentBytes: base64.StdEncoding.EncodeToString(data),
	}
}

func notification(messageID string) models.Notification {
	return models.Notification{
		SubscriptionID: "sub-1",
		ChangeType:     "created",
		Resource:       "users/u1/messages/" + messageID,
		ResourceData:   models.ResourceData{ID: messageID},
	}
}

func TestProcess_MissingMessageID(t *testing.T) {
	mail := &fakeMail{}
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: newFakeBlobs()})

	err := p.Process(context.Background(), models.Notification{SubscriptionID: "sub-1"})
	if err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if mail.getCalls != 0 || mail.listCalls != 0 {
		t.Errorf("mail reads = %d/%d, want none for an empty resourceData.id", mail.getCalls, mail.listCalls)
	}
}

func TestProcess_MessageDeletedUpstream(t *testing.T) {
	mail := &fakeMail{msg: nil}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil for a deleted message", err)
	}
	if len(blobs.objects) != 0 {
		t.Errorf("stored %d objects, want 0", len(blobs.objects))
	}
}

func TestProcess_NoAttachments(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: false, ReceivedDateTime: "2024-03-01T10:00:00Z"},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if len(blobs.objects) != 0 {
		t.Errorf("stored %d objects, want 0", len(blobs.objects))
	}
}

func TestProcess_InlineContent(t *testing.T) {
	pdf := []byte("%PDF-1.7 fake")
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "invoice.pdf", "application/pdf", pdf),
		},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}

	key := "2024-03-01/m1/invoice.pdf"
	got, ok := blobs.objects[key]
	if !ok {
		t.Fatalf("object %q not stored; stored keys: %v", key, keys(blobs.objects))
	}
	if string(got) != string(pdf) {
		t.Errorf("stored bytes = %q, want %q", got, pdf)
	}
	if blobs.types[key] != "application/pdf" {
		t.Errorf("content type = %q, want application/pdf", blobs.types[key])
	}
	if mail.contentCalls != 0 {
		t.Errorf("content endpoint hit %d times with inline bytes present, want 0", mail.contentCalls)
	}
}

func TestProcess_ContentFetchFallback(t *testing.T) {
	data := []byte("big attachment body")
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			{
				ODataType:   "#microsoft.graph.fileAttachment",
				ID:          "a1",
				Name:        "big.zip",
				ContentType: "application/zip",
				Size:        int64(len(data)),
				// No ContentBytes: forces the $value fetch.
			},
		},
		content: map[string][]byte{"a1": data},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if mail.contentCalls != 1 {
		t.Errorf("content endpoint hit %d times, want 1", mail.contentCalls)
	}
	if got := blobs.objects["2024-03-01/m1/big.zip"]; string(got) != string(data) {
		t.Errorf("stored bytes = %q, want %q", got, data)
	}
}

func TestProcess_SkipsNonFileAttachments(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			{ODataType: "#microsoft.graph.itemAttachment", ID: "a1", Name: "forwarded message"},
			{ODataType: "#microsoft.graph.referenceAttachment", ID: "a2", Name: "shared link"},
			{ODataType: "#microsoft.graph.futureAttachment", ID: "a3", Name: "novel kind"},
			fileAttachment("a4", "report.csv", "text/csv", []byte("a,b\n1,2\n")),
		},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("stored %d objects, want only the file attachment", len(blobs.objects))
	}
	if _, ok := blobs.objects["2024-03-01/m1/report.csv"]; !ok {
		t.Errorf("file attachment missing; stored keys: %v", keys(blobs.objects))
	}
}

func TestProcess_SiblingIsolation(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "good.txt", "text/plain", []byte("ok")),
			fileAttachment("a2", "bad.txt", "text/plain", []byte("boom")),
		},
	}
	blobs := newFakeBlobs()
	blobs.failOn["2024-03-01/m1/bad.txt"] = true
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	err := p.Process(context.Background(), notification("m1"))
	if err == nil {
		t.Fatal("Process() = nil, want an error for the failed attachment")
	}
	if _, ok := blobs.objects["2024-03-01/m1/good.txt"]; !ok {
		t.Error("sibling attachment was not stored despite the other one failing")
	}
}

func TestProcess_SeenFilterSkips(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "x.txt", "text/plain", []byte("x")),
		},
	}
	p := NewPipeline(PipelineConfig{
		Mail:  mail,
		Blobs: newFakeBlobs(),
		Seen:  &fakeSeen{seen: map[string]bool{"m1": true}},
	})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if mail.getCalls != 0 {
		t.Errorf("mail read despite dedup hit: %d calls", mail.getCalls)
	}
}

func TestProcess_MarksSeenOnlyAfterSuccess(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "x.txt", "text/plain", []byte("x")),
		},
	}
	blobs := newFakeBlobs()
	seen := newFakeSeen()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs, Seen: seen})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil", err)
	}
	if !seen.seen["m1"] {
		t.Error("successful run did not mark the message seen")
	}
}

func TestProcess_FailedRunNotMarkedSeen(t *testing.T) {
	// A transient store outage must not poison the filter: the message
	// stays unmarked so a Graph redelivery (or backfill) stores it.
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "invoice.pdf", "application/pdf", []byte("pdf")),
		},
	}
	blobs := newFakeBlobs()
	blobs.failOn["2024-03-01/m1/invoice.pdf"] = true
	seen := newFakeSeen()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs, Seen: seen})

	if err := p.Process(context.Background(), notification("m1")); err == nil {
		t.Fatal("Process() = nil, want error for the failed store write")
	}
	if seen.seen["m1"] {
		t.Fatal("failed run marked the message seen")
	}

	// Store recovers; the redelivered notification must go through.
	blobs.failOn["2024-03-01/m1/invoice.pdf"] = false
	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("redelivered Process() = %v, want nil", err)
	}
	if _, ok := blobs.objects["2024-03-01/m1/invoice.pdf"]; !ok {
		t.Error("attachment never stored after redelivery")
	}
	if !seen.seen["m1"] {
		t.Error("successful redelivery did not mark the message seen")
	}
}

func TestProcess_SeenFilterFailsOpen(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "x.txt", "text/plain", []byte("x")),
		},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{
		Mail:  mail,
		Blobs: blobs,
		Seen:  &fakeSeen{err: errors.New("redis down")},
	})

	if err := p.Process(context.Background(), notification("m1")); err != nil {
		t.Fatalf("Process() = %v, want nil when the filter fails open", err)
	}
	if len(blobs.objects) != 1 {
		t.Errorf("stored %d objects, want 1", len(blobs.objects))
	}
}

func TestProcess_Idempotent(t *testing.T) {
	mail := &fakeMail{
		msg: &graph.Message{ID: "m1", HasAttachments: true, ReceivedDateTime: "2024-03-01T10:00:00Z"},
		attachments: []graph.Attachment{
			fileAttachment("a1", "x.txt", "text/plain", []byte("x")),
		},
	}
	blobs := newFakeBlobs()
	p := NewPipeline(PipelineConfig{Mail: mail, Blobs: blobs})

	for i := 0; i < 2; i++ {
		if err := p.Process(context.Background(), notification("m1")); err != nil {
			t.Fatalf("run %d: Process() = %v, want nil", i, err)
		}
	}
	// Redelivery lands on the same key, never a second object.
	if len(blobs.objects) != 1 {
		t.Errorf("stored %d objects after redelivery, want 1", len(blobs.objects))
	}
}

func keys(m map[string][]byte) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
