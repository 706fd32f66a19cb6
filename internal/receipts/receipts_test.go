package receipts_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/ipfs/go-cid"
	ds "github.com/ipfs/go-datastore"
	dssync "github.com/ipfs/go-datastore/sync"
	"github.com/multiformats/go-multicodec"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/pkg/types"
)

func testReceipt() *receipts.Receipt {
	commitment := common.HexToHash("0xc0")
	secret := common.HexToHash("0x5e")
	return &receipts.Receipt{
		Group:             2,
		Request:           1<<64 - 1,
		Requester:         common.HexToAddress("0xe1"),
		Started:           10,
		Block:             21,
		Seed:              common.HexToHash("0x01"),
		Output:            common.HexToHash("0x02"),
		ParticipationRoot: common.HexToHash("0x03"),
		TotalSlashed:      uint256.NewInt(60),
		Participants: []receipts.Participant{
			{
				Account:    common.HexToAddress("0xa"),
				Commitment: &commitment,
				Secret:     &secret,
				Outcome:    types.OutcomeRevealed,
				Slashed:    uint256.NewInt(0),
			},
			{
				Account:    common.HexToAddress("0xb"),
				Commitment: &commitment,
				Outcome:    types.OutcomeCommitted,
				Slashed:    uint256.NewInt(50),
			},
			{
				Account: common.HexToAddress("0xc"),
				Outcome: types.OutcomeAbsent,
				Slashed: uint256.NewInt(10),
			},
		},
	}
}

func newArchive() *receipts.Archive {
	return receipts.New(dssync.MutexWrap(ds.NewMapDatastore()), nil)
}

func TestEncodeDecode_RoundTrip(t *testing.T) {
	r := testReceipt()
	data, err := receipts.Encode(r)
	require.NoError(t, err)

	got, err := receipts.Decode(data)
	require.NoError(t, err)
	assert.Equal(t, r, got)
}

func TestEncode_Deterministic(t *testing.T) {
	a, err := receipts.Encode(testReceipt())
	require.NoError(t, err)
	b, err := receipts.Encode(testReceipt())
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestArchive_PutGet(t *testing.T) {
	ctx := context.Background()
	a := newArchive()

	c, err := a.Put(ctx, testReceipt())
	require.NoError(t, err)
	assert.Equal(t, uint64(1), c.Version())
	assert.Equal(t, uint64(multicodec.DagCbor), c.Type())

	has, err := a.Has(ctx, c)
	require.NoError(t, err)
	assert.True(t, has)

	got, err := a.Get(ctx, c)
	require.NoError(t, err)
	assert.Equal(t, testReceipt(), got)

	// Storing the same receipt again yields the same address.
	again, err := a.Put(ctx, testReceipt())
	require.NoError(t, err)
	assert.True(t, c.Equals(again))
}

func TestArchive_JSON(t *testing.T) {
	ctx := context.Background()
	a := newArchive()

	c, err := a.Put(ctx, testReceipt())
	require.NoError(t, err)

	data, err := a.JSON(ctx, c)
	require.NoError(t, err)

	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "60", doc["totalSlashed"])
	assert.Len(t, doc["participants"], 3)
}

func TestArchive_NotFound(t *testing.T) {
	ctx := context.Background()
	a := newArchive()

	data, err := receipts.Encode(testReceipt())
	require.NoError(t, err)
	c, err := receipts.ComputeCID(data)
	require.NoError(t, err)

	_, err = a.Get(ctx, c)
	assert.ErrorIs(t, err, receipts.ErrNotFound)

	_, err = a.Get(ctx, cid.Undef)
	assert.Error(t, err)
}
