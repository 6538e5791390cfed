package core

import (
	"context"

	"github.com/mwickert/elicit/internal/domain"
	"github.com/mwickert/elicit/internal/latency"
)

// Protocol is the session contract every transport adapter implements.
// One adapter instance serves one logical user; construction goes
// through transport.Registry, never through package-level singletons.
type Protocol interface {
	// Connect establishes the underlying channel and announces presence.
	// Calling it while already connected performs a clean disconnect
	// first. It is the only operation that surfaces transport failures
	// as an error (*ConnectError).
	Connect(ctx context.Context, userID domain.UserID, role domain.Role) error

	// Disconnect tears down the channel, clears callbacks and session
	// state. Best effort; never returns an error to act on.
	Disconnect(ctx context.Context)

	// StartSession pairs this evaluator with clientID. Every adapter
	// bounds this call; none of them block for an unbounded handshake.
	StartSession(ctx context.Context, clientID domain.UserID) error

	// SendImageUpdate is best effort: it bumps exactly one of the
	// successful/failed counters per call and never returns a
	// per-message error.
	SendImageUpdate(ctx context.Context, imageIndex int, imageURL, signedURL string)

	// EndSession notifies the peer and clears local session state even
	// when the notification cannot be delivered.
	EndSession(ctx context.Context)

	// Callback registration replaces the previous subscriber for the
	// event; pass nil to unsubscribe.
	OnImageUpdate(fn func(domain.ImageUpdate))
	OnSessionStart(fn func(domain.Session))
	OnSessionEnd(fn func())

	// Metrics returns a snapshot copy, never the live accumulator.
	Metrics() latency.Snapshot
}
