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

package graph

// Message holds the message metadata the pipeline needs.
type Message struct {
	ID               string `json:"id"`
	Subject          string `json:"subject"`
	ReceivedDateTime string `json:"receivedDateTime"`
	HasAttachments   bool   `json:"hasAttachments"`
}

// AttachmentKind is the closed set of attachment variants. Graph models
// attachments polymorphically via the @odata.type discriminator; only
// file attachments carry bytes this service can persist.
type AttachmentKind int

const (
	KindFile AttachmentKind = iota
	KindItem
	KindReference
	KindUnknown
)

const (
	odataFileAttachment      = "#microsoft.graph.fileAttachment"
	odataItemAttachment      = "#microsoft.graph.itemAttachment"
	odataReferenceAttachment = "#microsoft.graph.referenceAttachment"
)

// Attachment is one entry from a message's attachments listing.
// ContentBytes is set only when Graph inlines small file attachments;
// larger ones require a separate content fetch.
type Attachment struct {
	ODataType    string `json:"@odata.type"`
	ID           string `json:"id"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	Size         int64  `json:"size"`
	ContentBytes string `json:"contentBytes,omitempty"`
}

// Kind maps the @odata.type discriminator onto an AttachmentKind.
// Unrecognised discriminators map to KindUnknown; callers must skip those
// rather than guessing.
func (a Attachment) Kind() AttachmentKind {
	switch a.ODataType {
	case odataFileAttachment:
		return KindFile
	case odataItemAttachment:
		return KindItem
	case odataReferenceAttachment:
		return KindReference
	default:
		return KindUnknown
	}
}

// String returns the variant name for logging.
func (k AttachmentKind) String() string {
	switch k {
	case KindFile:
		return "file"
	case KindItem:
		return "item"
	case KindReference:
		return "reference"
	default:
		return "unknown"
	}
}
