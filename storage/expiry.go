package storage

import (
	"time"

	"github.com/minus-twelve/kisa-sql/types"
)

// ComputeExpiry returns the explicit cookie expiry of data when it has one,
// unchanged even if already past. Otherwise the session expires window after now.
func ComputeExpiry(data *types.SessionData, window time.Duration, now time.Time) time.Time {
	if data != nil && data.Cookie.Expires != nil {
		return *data.Cookie.Expires
	}
	return now.Add(window)
}
