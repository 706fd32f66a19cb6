package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"

	"github.com/relves/randao/pkg/types"
)

// ErrNotFound is returned by point lookups for missing records.
var ErrNotFound = errors.New("not found")

// StateStore abstracts persistence of the beacon state.
// Group parameters, membership, requests, fulfillments and the two identifier
// counters are kept as separate records; nothing is aliased.
type StateStore interface {
	// Counters returns the next group and request identifiers.
	Counters(ctx context.Context) (types.GroupID, types.RequestID, error)
	// Head returns the block height of the last applied changeset.
	Head(ctx context.Context) (uint64, error)

	// Groups
	GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error)
	GetMembers(ctx context.Context, id types.GroupID) ([]*types.Member, error)

	// Requests
	GetRequest(ctx context.Context, id types.RequestID) (*types.Request, error)
	// ListRequests returns the open requests of a group in id order.
	ListRequests(ctx context.Context, group types.GroupID) ([]*types.Request, error)
	// ListAccountRequests returns the open requests account participates in.
	ListAccountRequests(ctx context.Context, account common.Address) ([]*types.Request, error)
	GetFulfillment(ctx context.Context, id types.RequestID) (*types.Fulfillment, error)

	// Apply writes every change in cs atomically.
	Apply(ctx context.Context, cs *Changeset) error

	Close() error
}

// MemberKey identifies one membership.
type MemberKey struct {
	Group   types.GroupID
	Account common.Address
}

// Changeset is the complete set of writes of one beacon operation.
type Changeset struct {
	// Height stamps the changeset with the block it was produced at.
	Height uint64

	NextGroupID   *types.GroupID
	NextRequestID *types.RequestID

	Groups         []*types.Group
	Members        []*types.Member
	RemovedMembers []MemberKey

	// Requests are written in full, replacing any stored participation.
	Requests        []*types.Request
	DeletedRequests []types.RequestID
	Fulfillments    []*types.Fulfillment
}

// Empty reports whether the changeset writes nothing besides its height.
func (cs *Changeset) Empty() bool {
	return cs.NextGroupID == nil && cs.NextRequestID == nil &&
		len(cs.Groups) == 0 && len(cs.Members) == 0 && len(cs.RemovedMembers) == 0 &&
		len(cs.Requests) == 0 && len(cs.DeletedRequests) == 0 && len(cs.Fulfillments) == 0
}
