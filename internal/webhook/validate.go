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

package webhook

import (
	"crypto/subtle"
	"errors"

	"github.com/mailvault/ingestion/internal/models"
)

// ErrClientStateMismatch rejects a batch whose clientState does not match
// the configured secret.
var ErrClientStateMismatch = errors.New("clientState mismatch")

// ValidateBatch compares each notification's clientState against the
// shared secret in constant time. One mismatch rejects the entire batch:
// nothing in a batch that contains a spoofed item gets processed.
//
// The check is permissive by policy, not by accident: with no secret
// configured, or for notifications that carry no clientState, validation
// passes.
func ValidateBatch(secret string, batch []models.Notification) error {
	if secret == "" {
		return nil
	}

	want := []byte(secret)
	for _, n := range batch {
		if n.ClientState == "" {
			continue
		}
		got := []byte(n.ClientState)
		if len(got) != len(want) || subtle.ConstantTimeCompare(want, got) != 1 {
			return ErrClientStateMismatch
		}
	}
	return nil
}
