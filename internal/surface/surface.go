// Package surface defines the presentation surface the broker shows captchas on.
//
// A surface is opened once per session. It reports back through a Listener
// and is torn down through its Handle.
package surface

import "context"

// Target is what a surface should present
type Target struct {
	// URL is the challenge page including its query parameters
	URL string
	// CorrelationID identifies the session the surface belongs to
	CorrelationID string
}

// Listener receives the signals of one surface. Implementations must not
// block; Closed is delivered at most once per surface.
type Listener interface {
	// Submitted reports a solved challenge
	Submitted(value string, createdAt int64)
	// Closed reports that the surface went away
	Closed()
}

// Handle controls an open surface
type Handle interface {
	// Close tears the surface down. It is safe to call more than once.
	Close() error
}

// Surface opens presentation surfaces
type Surface interface {
	Open(ctx context.Context, target Target, listener Listener) (Handle, error)
}
