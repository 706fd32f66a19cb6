package sqlite_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/internal/storage/sqlite"
	"github.com/relves/randao/pkg/commitment"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/types"
)

var (
	governance  = common.HexToAddress("0x90")
	coordinator = common.HexToAddress("0xc0")
	requester   = common.HexToAddress("0xe0")
	collector   = common.HexToAddress("0xfe")
	memberA     = common.HexToAddress("0x0a")
	memberB     = common.HexToAddress("0x0b")
	memberC     = common.HexToAddress("0x0c")
)

type fixedBlock uint64

func (b fixedBlock) CurrentBlock() uint64 { return uint64(b) }

func ledgerConfig() ledger.Config {
	return ledger.Config{
		FeeCollector: collector,
		Genesis: map[common.Address]*uint256.Int{
			requester: uint256.NewInt(1000),
			memberA:   uint256.NewInt(1000),
			memberB:   uint256.NewInt(1000),
			memberC:   uint256.NewInt(1000),
		},
	}
}

func openLedger(t *testing.T, store *sqlite.Store) *sqlite.Ledger {
	t.Helper()
	l, err := store.Ledger(context.Background(), ledgerConfig())
	require.NoError(t, err)
	return l
}

func balanceOf(t *testing.T, l *sqlite.Ledger, acct common.Address) (free, reserved uint64) {
	t.Helper()
	b, err := l.Balance(context.Background(), acct)
	require.NoError(t, err)
	return b.Free.Uint64(), b.Reserved.Uint64()
}

func TestLedger_Operations(t *testing.T) {
	ctx := context.Background()
	store, err := sqlite.OpenStore(t.TempDir())
	require.NoError(t, err)
	defer store.Close()
	l := openLedger(t, store)

	require.NoError(t, l.Reserve(ctx, memberA, uint256.NewInt(300)))
	free, reserved := balanceOf(t, l, memberA)
	assert.Equal(t, uint64(700), free)
	assert.Equal(t, uint64(300), reserved)

	err = l.Reserve(ctx, memberA, uint256.NewInt(701))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	got, err := l.Slash(ctx, memberA, uint256.NewInt(400))
	require.NoError(t, err)
	assert.Equal(t, uint64(300), got.Uint64())

	require.NoError(t, l.ChargeFee(ctx, requester, uint256.NewInt(25)))
	free, _ = balanceOf(t, l, collector)
	assert.Equal(t, uint64(25), free)
	require.NoError(t, l.RefundFee(ctx, requester, uint256.NewInt(25)))
	free, _ = balanceOf(t, l, requester)
	assert.Equal(t, uint64(1000), free)

	err = l.ChargeFee(ctx, common.HexToAddress("0xdead"), uint256.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.NoError(t, l.Credit(ctx, memberB, uint256.NewInt(5)))
	require.NoError(t, l.Reserve(ctx, memberB, uint256.NewInt(100)))
	require.NoError(t, l.Release(ctx, memberB, uint256.NewInt(500)))
	free, reserved = balanceOf(t, l, memberB)
	assert.Equal(t, uint64(1005), free)
	assert.Zero(t, reserved)
}

func TestLedger_GenesisAppliedOnce(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store, err := sqlite.OpenStore(dir)
	require.NoError(t, err)
	require.NoError(t, openLedger(t, store).Reserve(ctx, memberA, uint256.NewInt(100)))
	require.NoError(t, store.Close())

	store, err = sqlite.OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()
	free, reserved := balanceOf(t, openLedger(t, store), memberA)
	assert.Equal(t, uint64(900), free)
	assert.Equal(t, uint64(100), reserved)
}

func TestLedger_BondsSurviveRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	params := types.GroupParams{
		Fee:                   uint256.NewInt(5),
		Deposit:               uint256.NewInt(100),
		AbsentPenalty:         10,
		CommitNoRevealPenalty: 50,
		CommitmentDelay:       5,
		RevealDelay:           5,
	}
	secretA := common.BytesToHash([]byte{0xaa})

	newBeacon := func(store *sqlite.Store, block uint64) *randao.Beacon {
		b, err := randao.New(ctx, randao.Config{
			Governance: governance,
			Store:      store,
			Ledger:     openLedger(t, store),
			Blocks:     fixedBlock(block),
		})
		require.NoError(t, err)
		return b
	}

	store, err := sqlite.OpenStore(dir)
	require.NoError(t, err)
	b := newBeacon(store, 10)
	g, err := b.RegisterGroup(ctx, governance, coordinator, params)
	require.NoError(t, err)
	require.NoError(t, b.SetMembers(ctx, coordinator, g, []common.Address{memberA, memberB, memberC}, nil))
	id, err := b.RequestRandomness(ctx, requester, g)
	require.NoError(t, err)
	require.NoError(t, b.Commit(ctx, memberA, id, commitment.Commit(secretA)))
	require.NoError(t, b.Commit(ctx, memberB, id, commitment.Commit(common.BytesToHash([]byte{0xbb}))))
	require.NoError(t, store.Close())

	store, err = sqlite.OpenStore(dir)
	require.NoError(t, err)
	require.NoError(t, newBeacon(store, 18).Reveal(ctx, memberA, id, secretA))
	require.NoError(t, store.Close())

	store, err = sqlite.OpenStore(dir)
	require.NoError(t, err)
	defer store.Close()
	f, err := newBeacon(store, 21).Finalize(ctx, id)
	require.NoError(t, err)

	// A slashed 0, B slashed 50, C slashed 10.
	assert.Equal(t, uint64(60), f.TotalSlashed.Uint64())
	l := openLedger(t, store)
	for acct, want := range map[common.Address]uint64{memberA: 100, memberB: 50, memberC: 90} {
		free, reserved := balanceOf(t, l, acct)
		assert.Equal(t, want, reserved, acct.Hex())
		assert.Equal(t, uint64(900), free, acct.Hex())
	}
	free, _ := balanceOf(t, l, requester)
	assert.Equal(t, uint64(995), free)
}
