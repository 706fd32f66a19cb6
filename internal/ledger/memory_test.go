package ledger_test

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relves/randao/internal/ledger"
)

var (
	alice     = common.HexToAddress("0xa11ce")
	bob       = common.HexToAddress("0xb0b")
	collector = common.HexToAddress("0xfee")
)

func newLedger() *ledger.Memory {
	return ledger.NewMemory(ledger.Config{
		FeeCollector: collector,
		Genesis: map[common.Address]*uint256.Int{
			alice: uint256.NewInt(1000),
		},
	})
}

func TestMemory_ReserveRelease(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	require.NoError(t, l.Reserve(ctx, alice, uint256.NewInt(300)))
	b := l.Balance(alice)
	assert.Equal(t, uint64(700), b.Free.Uint64())
	assert.Equal(t, uint64(300), b.Reserved.Uint64())

	// Release is capped by the reserved balance.
	require.NoError(t, l.Release(ctx, alice, uint256.NewInt(500)))
	b = l.Balance(alice)
	assert.Equal(t, uint64(1000), b.Free.Uint64())
	assert.True(t, b.Reserved.IsZero())
}

func TestMemory_ReserveInsufficient(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	err := l.Reserve(ctx, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	err = l.Reserve(ctx, alice, uint256.NewInt(1001))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
	assert.Equal(t, uint64(1000), l.Balance(alice).Free.Uint64())
}

func TestMemory_SlashReturnsActual(t *testing.T) {
	ctx := context.Background()
	l := newLedger()
	require.NoError(t, l.Reserve(ctx, alice, uint256.NewInt(100)))

	got, err := l.Slash(ctx, alice, uint256.NewInt(40))
	require.NoError(t, err)
	assert.Equal(t, uint64(40), got.Uint64())

	got, err = l.Slash(ctx, alice, uint256.NewInt(100))
	require.NoError(t, err)
	assert.Equal(t, uint64(60), got.Uint64())

	b := l.Balance(alice)
	assert.True(t, b.Reserved.IsZero())
	assert.Equal(t, uint64(900), b.Free.Uint64())
}

func TestMemory_ChargeFee(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	require.NoError(t, l.ChargeFee(ctx, alice, uint256.NewInt(25)))
	assert.Equal(t, uint64(975), l.Balance(alice).Free.Uint64())
	assert.Equal(t, uint64(25), l.Balance(collector).Free.Uint64())

	err := l.ChargeFee(ctx, bob, uint256.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)

	require.NoError(t, l.RefundFee(ctx, alice, uint256.NewInt(25)))
	assert.Equal(t, uint64(1000), l.Balance(alice).Free.Uint64())
	assert.True(t, l.Balance(collector).Free.IsZero())

	err = l.RefundFee(ctx, alice, uint256.NewInt(1))
	assert.ErrorIs(t, err, ledger.ErrInsufficientBalance)
}

func TestMemory_Credit(t *testing.T) {
	ctx := context.Background()
	l := newLedger()

	require.NoError(t, l.Credit(ctx, bob, uint256.NewInt(7)))
	assert.Equal(t, uint64(7), l.Balance(bob).Free.Uint64())

	err := l.Credit(ctx, bob, new(uint256.Int).SetAllOne())
	assert.Error(t, err)
	assert.Equal(t, uint64(7), l.Balance(bob).Free.Uint64())
}
