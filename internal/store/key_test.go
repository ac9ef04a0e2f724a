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

package store

import (
	"strings"
	"testing"
	"time"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name     string
		received string
		want     string
	}{
		{
			name:     "graph timestamp",
			received: "2024-03-01T10:32:07Z",
			want:     "2024-03-01/msg-1/invoice.pdf",
		},
		{
			name:     "date only",
			received: "2024-12-31",
			want:     "2024-12-31/msg-1/invoice.pdf",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ObjectKey("msg-1", "invoice.pdf", tt.received)
			if got != tt.want {
				t.Errorf("ObjectKey() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestObjectKey_MissingTimestampFallsBackToToday(t *testing.T) {
	got := ObjectKey("msg-1", "a.txt", "")
	today := time.Now().UTC().Format("2006-01-02")
	if !strings.HasPrefix(got, today+"/") {
		t.Errorf("ObjectKey() = %q, want prefix %q", got, today+"/")
	}
}

func TestObjectKey_DeterministicForRedelivery(t *testing.T) {
	a := ObjectKey("msg-1", "a.txt", "2024-03-01T10:00:00Z")
	b := ObjectKey("msg-1", "a.txt", "2024-03-01T10:00:00Z")
	if a != b {
		t.Errorf("keys differ across calls: %q vs %q", a, b)
	}
}

func TestObjectKey_AttachmentNameKeptVerbatim(t *testing.T) {
	got := ObjectKey("msg-1", "Q1 report (final).xlsx", "2024-03-01T10:00:00Z")
	want := "2024-03-01/msg-1/Q1 report (final).xlsx"
	if got != want {
		t.Errorf("ObjectKey() = %q, want %q", got, want)
	}
}
