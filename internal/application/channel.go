package application

import "context"

// Channel is an ordered, reliable duplex message connection to the agent.
// Send may be called from any goroutine; Receive from a single reader.
type Channel interface {
	Send(ctx context.Context, msg any) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// Dialer opens a Channel for one session identity. Dial returns only once the
// channel is ready to carry messages or the context ends.
type Dialer interface {
	Dial(ctx context.Context, sessionID string) (Channel, error)
}
