package realtime

import (
	"time"

	"courier/cmd/identity/ids"
)

// NewSubscriptionID returns the ULID that names one feed connection in logs.
func NewSubscriptionID(now time.Time) (string, error) {
	return ids.NewULID(now)
}

// NewEventID returns a ULID for an outbound event. ULIDs sort by time, which
// lets a client spot gaps after a reconnect.
func NewEventID(now time.Time) (string, error) {
	return ids.NewULID(now)
}
