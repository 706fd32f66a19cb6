// Package storagetest provides a conformance suite for storage.StateStore
// implementations.
package storagetest

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

var (
	coordinator = common.HexToAddress("0xc0")
	alice       = common.HexToAddress("0xa1")
	bob         = common.HexToAddress("0xb2")
	requester   = common.HexToAddress("0xe3")
)

// Run exercises a fresh store returned by open.
func Run(t *testing.T, open func(t *testing.T) storage.StateStore) {
	t.Run("Empty", func(t *testing.T) { testEmpty(t, open(t)) })
	t.Run("GroupsAndMembers", func(t *testing.T) { testGroupsAndMembers(t, open(t)) })
	t.Run("RequestLifecycle", func(t *testing.T) { testRequestLifecycle(t, open(t)) })
	t.Run("LargeIdentifiers", func(t *testing.T) { testLargeIdentifiers(t, open(t)) })
}

func testGroup(id types.GroupID) *types.Group {
	return &types.Group{
		ID:          id,
		Coordinator: coordinator,
		GroupParams: types.GroupParams{
			Fee:                   uint256.NewInt(5),
			Deposit:               uint256.NewInt(100),
			AbsentPenalty:         10,
			CommitNoRevealPenalty: 50,
			CommitmentDelay:       5,
			RevealDelay:           5,
		},
	}
}

func ptr[T any](v T) *T { return &v }

func testEmpty(t *testing.T, s storage.StateStore) {
	ctx := context.Background()

	g, r, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GroupID(0), g)
	assert.Equal(t, types.RequestID(0), r)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), head)

	_, err = s.GetGroup(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRequest(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetFulfillment(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	members, err := s.GetMembers(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, members)
}

func testGroupsAndMembers(t *testing.T, s storage.StateStore) {
	ctx := context.Background()

	require.NoError(t, s.Apply(ctx, &storage.Changeset{
		Height:      3,
		NextGroupID: ptr(types.GroupID(1)),
		Groups:      []*types.Group{testGroup(0)},
		Members: []*types.Member{
			{Group: 0, Account: bob, Bond: uint256.NewInt(100)},
			{Group: 0, Account: alice, Bond: uint256.NewInt(100)},
		},
	}))

	g, _, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, types.GroupID(1), g)
	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), head)

	got, err := s.GetGroup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, testGroup(0), got)

	members, err := s.GetMembers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, members, 2)
	assert.Equal(t, alice, members[0].Account)
	assert.Equal(t, bob, members[1].Account)

	// Bond update and removal in one changeset.
	require.NoError(t, s.Apply(ctx, &storage.Changeset{
		Height:         4,
		Members:        []*types.Member{{Group: 0, Account: alice, Bond: uint256.NewInt(40)}},
		RemovedMembers: []storage.MemberKey{{Group: 0, Account: bob}},
	}))
	members, err = s.GetMembers(ctx, 0)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, uint64(40), members[0].Bond.Uint64())

	// Parameter update replaces the group record.
	updated := testGroup(0)
	updated.Deposit = uint256.NewInt(200)
	require.NoError(t, s.Apply(ctx, &storage.Changeset{Height: 5, Groups: []*types.Group{updated}}))
	got, err = s.GetGroup(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(200), got.Deposit.Uint64())
}

func testRequestLifecycle(t *testing.T, s storage.StateStore) {
	ctx := context.Background()

	commitment := common.HexToHash("0xc1")
	secret := common.HexToHash("0x5e")
	req := &types.Request{
		ID:        0,
		Requester: requester,
		Group:     0,
		Started:   10,
		Participation: map[common.Address]*types.Participation{
			alice: {},
			bob:   {},
		},
	}

	require.NoError(t, s.Apply(ctx, &storage.Changeset{
		Height:        10,
		NextGroupID:   ptr(types.GroupID(1)),
		NextRequestID: ptr(types.RequestID(1)),
		Groups:        []*types.Group{testGroup(0)},
		Members: []*types.Member{
			{Group: 0, Account: alice, Bond: uint256.NewInt(100)},
			{Group: 0, Account: bob, Bond: uint256.NewInt(100)},
		},
		Requests: []*types.Request{req},
	}))

	got, err := s.GetRequest(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, req, got)

	// Participation is replaced in full.
	req = req.Clone()
	req.Participation[alice].Commitment = &commitment
	req.Participation[alice].Secret = &secret
	require.NoError(t, s.Apply(ctx, &storage.Changeset{Height: 12, Requests: []*types.Request{req}}))

	got, err = s.GetRequest(ctx, 0)
	require.NoError(t, err)
	require.NotNil(t, got.Participation[alice].Commitment)
	assert.Equal(t, commitment, *got.Participation[alice].Commitment)
	assert.Equal(t, secret, *got.Participation[alice].Secret)
	assert.Nil(t, got.Participation[bob].Commitment)

	open, err := s.ListRequests(ctx, 0)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, types.RequestID(0), open[0].ID)

	mine, err := s.ListAccountRequests(ctx, bob)
	require.NoError(t, err)
	require.Len(t, mine, 1)
	none, err := s.ListAccountRequests(ctx, requester)
	require.NoError(t, err)
	assert.Empty(t, none)

	// Finalization deletes the request and keeps the fulfillment.
	f := &types.Fulfillment{
		Request:           0,
		Group:             0,
		Requester:         requester,
		Output:            common.HexToHash("0x0f"),
		Block:             21,
		Revealed:          1,
		Committed:         1,
		Absent:            1,
		TotalSlashed:      uint256.NewInt(10),
		ParticipationRoot: common.HexToHash("0x77"),
		ReceiptCID:        "bafytest",
	}
	require.NoError(t, s.Apply(ctx, &storage.Changeset{
		Height:          21,
		Members:         []*types.Member{{Group: 0, Account: bob, Bond: uint256.NewInt(90)}},
		DeletedRequests: []types.RequestID{0},
		Fulfillments:    []*types.Fulfillment{f},
	}))

	_, err = s.GetRequest(ctx, 0)
	assert.ErrorIs(t, err, storage.ErrNotFound)
	open, err = s.ListRequests(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, open)
	mine, err = s.ListAccountRequests(ctx, bob)
	require.NoError(t, err)
	assert.Empty(t, mine)

	gotF, err := s.GetFulfillment(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, f, gotF)
}

func testLargeIdentifiers(t *testing.T, s storage.StateStore) {
	ctx := context.Background()

	const maxGroup = types.GroupID(1<<32 - 1)
	const bigRequest = types.RequestID(1<<64 - 2)

	require.NoError(t, s.Apply(ctx, &storage.Changeset{
		Height:        1<<64 - 1,
		NextGroupID:   ptr(maxGroup),
		NextRequestID: ptr(bigRequest),
		Groups:        []*types.Group{testGroup(maxGroup - 1)},
		Requests: []*types.Request{{
			ID:            bigRequest - 1,
			Requester:     requester,
			Group:         maxGroup - 1,
			Started:       1<<63 + 5,
			Participation: map[common.Address]*types.Participation{},
		}},
	}))

	g, r, err := s.Counters(ctx)
	require.NoError(t, err)
	assert.Equal(t, maxGroup, g)
	assert.Equal(t, bigRequest, r)

	head, err := s.Head(ctx)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<64-1), head)

	got, err := s.GetRequest(ctx, bigRequest-1)
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63+5), got.Started)
	assert.Equal(t, maxGroup-1, got.Group)
}
