package chat

import "github.com/pliu/tandem/internal/protocol"

// Peer is one live connection of an authenticated user.
type Peer interface {
	// ID identifies the connection, not the user.
	ID() string
	// Send queues an encoded frame without blocking. It returns false if the
	// peer can no longer accept frames.
	Send(frame []byte) bool
	Close()
}

// Registry maps user ids to their live peers. A user may hold any number of
// peers at once.
type Registry interface {
	Join(userID string, p Peer)
	Leave(userID string, p Peer)
	// EmitTo delivers ev to every live peer of userID and returns how many
	// accepted it. Zero peers is not an error.
	EmitTo(userID string, ev protocol.Outbound) int
}
