// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package datatypes

import "time"

// SessionEntry is the cached history of one client session.
type SessionEntry struct {
	Messages  []Message
	ExpiresAt time.Time
}

// Expired reports whether the entry is past its expiry at now.
func (e SessionEntry) Expired(now time.Time) bool {
	return !now.Before(e.ExpiresAt)
}
