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
	"fmt"
	"time"
)

// ObjectKey derives the storage key for one attachment:
//
//	{YYYY-MM-DD}/{messageID}/{attachmentName}
//
// The date is the first 10 characters of the message's receivedDateTime
// (ISO-8601), falling back to the current UTC date when absent. The key is
// deterministic for a given (message, attachment), so redelivered
// notifications overwrite the same object instead of duplicating it.
func ObjectKey(messageID, attachmentName, receivedDateTime string) string {
	date := receivedDateTime
	if len(date) >= 10 {
		date = date[:10]
	} else {
		date = time.Now().UTC().Format("2006-01-02")
	}
	return fmt.Sprintf("%s/%s/%s", date, messageID, attachmentName)
}
