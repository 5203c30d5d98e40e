package realtime

import "time"

const (
	// Inbound frames are tiny control messages; anything larger is abuse.
	maxFrameBytes = 4 << 10

	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection inbound limit (frames per window).
	rateLimitEvents = 30
	rateLimitWindow = 10 * time.Second
)
