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

// Package models defines the data structures shared across the ingestion service.
package models

// ResourceData identifies the changed resource inside a notification.
// Only the message ID is relevant to ingestion.
type ResourceData struct {
	ID string `json:"id"`
}

// Notification is one unit of a Graph API change-notification payload.
// Delivery is at-least-once: Graph or the queue may redeliver the same
// notification, so everything downstream must be safe to repeat.
type Notification struct {
	SubscriptionID string       `json:"subscriptionId"`
	ChangeType     string       `json:"changeType,omitempty"`
	ClientState    string       `json:"clientState,omitempty"`
	Resource       string       `json:"resource,omitempty"`
	ResourceData   ResourceData `json:"resourceData"`
}

// Envelope is the wrapper Graph POSTs to the webhook endpoint.
type Envelope struct {
	Value []Notification `json:"value"`
}
