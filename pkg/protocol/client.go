package protocol

import (
	"context"

	"github.com/downfa11-org/go-producer/pkg/types"
)

// CoordinatorType selects which coordinator to resolve.
type CoordinatorType int8

const (
	CoordinatorTxn CoordinatorType = iota
	CoordinatorGroup
)

func (t CoordinatorType) String() string {
	if t == CoordinatorGroup {
		return "group"
	}
	return "transaction"
}

// Client is the abstract broker collaborator the engine sends requests
// through. Connection management, metadata discovery and wire encoding live
// behind it; the engine consumes only "send request, get response or error".
type Client interface {
	// Coordinator resolves the broker currently acting as coordinator for
	// the given transactional or group id.
	Coordinator(ctx context.Context, typ CoordinatorType, id string) (int32, error)

	// RefreshCoordinator invalidates a cached coordinator after a
	// NOT_COORDINATOR-class error so the next Coordinator call re-resolves.
	RefreshCoordinator(typ CoordinatorType, id string)

	// Leader resolves the broker leading a partition.
	Leader(ctx context.Context, tp types.TopicPartition) (int32, error)

	// Send delivers one request to a broker and blocks for its response.
	// A non-nil error means the request may not have reached the broker
	// (transport failure); broker-level failures come back as Response.Code.
	Send(ctx context.Context, broker int32, req Request) (*Response, error)
}
