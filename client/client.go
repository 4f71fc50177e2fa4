package client

import (
	"context"
	"time"

	"github.com/acharapko/flease/idservice"
	"github.com/acharapko/flease/lease"
	"github.com/acharapko/flease/net"
)

// Client interface reads and acquires leases
type Client interface {
	Lease(cellID string) (*lease.Message, error)
	State(prefix string) ([]net.CellState, error)
	Acquire(ctx context.Context, cellID, holder string, d time.Duration) (*lease.Message, error)
}

// AdminClient interface provides view changes and fault injection
type AdminClient interface {
	SetView(cellID string, viewID int32) (int32, error)
	Crash(idservice.ID, int)
}
