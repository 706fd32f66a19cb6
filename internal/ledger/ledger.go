// Package ledger is the balance and reservation system the beacon draws
// collateral and fees from. The beacon never touches balances directly; it
// only asks the ledger to move them.
package ledger

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// ErrInsufficientBalance is returned when an account cannot cover a
// reservation or a fee.
var ErrInsufficientBalance = errors.New("insufficient balance")

// Ledger moves funds between the free and reserved balances of accounts.
// Every method is atomic: on error no balance has changed.
type Ledger interface {
	// Reserve moves amount from the free to the reserved balance of account.
	Reserve(ctx context.Context, account common.Address, amount *uint256.Int) error
	// Release moves up to amount from the reserved back to the free balance.
	Release(ctx context.Context, account common.Address, amount *uint256.Int) error
	// Slash removes up to amount from the reserved balance and returns how
	// much was actually taken. The caller decides where the slashed funds go.
	Slash(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error)
	// ChargeFee moves amount from the free balance of payer to the fee collector.
	ChargeFee(ctx context.Context, payer common.Address, amount *uint256.Int) error
	// RefundFee reverses a ChargeFee of amount to payer.
	RefundFee(ctx context.Context, payer common.Address, amount *uint256.Int) error
	// Credit adds amount to the free balance of account.
	Credit(ctx context.Context, account common.Address, amount *uint256.Int) error
}
