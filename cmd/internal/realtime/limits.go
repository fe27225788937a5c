package realtime

import "time"

const (
	// Max bytes per websocket frame read. SDP offers with many ICE candidates
	// stay well below this.
	maxFrameBytes = 64 << 10

	// Max caller/teacher display name length (runes).
	maxNameChars = 120
)

const (
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
