// Package messaging abstracts the chat surfaces results are delivered to.
// The runtime routes through a Surface without knowing which one is live.
package messaging

import "context"

// Inbound is a message received from a surface.
type Inbound struct {
	ID        string
	ChannelID string
	SenderID  string
	Text      string
	ThreadID  string
}

// Outbound is a message sent to a surface.
type Outbound struct {
	ChannelID string
	Text      string
	ThreadID  string
}

// Surface is implemented once per provider.
type Surface interface {
	// Name identifies the surface in logs.
	Name() string
	Send(ctx context.Context, msg Outbound) error
	// Poll returns messages received since the last call. Surfaces with
	// webhook delivery may always return nil.
	Poll(ctx context.Context) ([]Inbound, error)
}
