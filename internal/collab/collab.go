// Package collab holds the plain Go interfaces for every collaborator
// spec.md §1 and §6 treat as an external, black-box, single-call dependency
// of the hint lifecycle engine: the failure detector, the
// replication/topology service, the mutation write path, and the snitch.
// Keeping these as interfaces rather than a generated gRPC service lets the
// shard manager depend on the contract without depending on a wire format
// this repository does not own.
package collab

import (
	"context"
	"time"

	"github.com/shardkv/hintedhandoff/internal/model"
)

// FailureDetector reports peer liveness and ring membership state.
type FailureDetector interface {
	// IsAlive reports whether ep currently responds to health probing.
	IsAlive(ep model.EndpointID) bool
	// LastSeen returns how long it has been since ep was last observed
	// alive.
	LastSeen(ep model.EndpointID) time.Duration
	// State returns ep's current ring membership state.
	State(ep model.EndpointID) model.NodeState
}

// Topology answers natural-endpoint queries for a mutation's partition.
type Topology interface {
	// NaturalEndpoints returns the replicas currently responsible for the
	// partition a mutation targets.
	NaturalEndpoints(table string, mutation []byte) []model.EndpointID
}

// WritePath is the coordinator's mutation dispatch surface.
type WritePath interface {
	// MutateDirectly sends mutation to ep alone, with a write consistency
	// of ONE targeting it specifically.
	MutateDirectly(ctx context.Context, ep model.EndpointID, mutation []byte) error
	// MutateAny re-enters the normal write path with consistency ANY,
	// landing the mutation on whichever replica currently owns it.
	MutateAny(ctx context.Context, mutation []byte) error
}

// Snitch maps an endpoint to its datacenter.
type Snitch interface {
	Datacenter(ep model.EndpointID) string
}
