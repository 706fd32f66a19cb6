package randao

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/pkg/types"
)

// SlashMode selects where slashed collateral goes.
type SlashMode string

const (
	// SlashBurn destroys slashed funds.
	SlashBurn SlashMode = "burn"
	// SlashTreasury credits slashed funds to the treasury account.
	SlashTreasury SlashMode = "treasury"
	// SlashRedistribute splits slashed funds evenly across the members that
	// revealed. The remainder goes to the treasury if one is set, otherwise it
	// is burned. With no revealers everything is burned.
	SlashRedistribute SlashMode = "redistribute"
)

// SlashPolicy routes slashed funds.
type SlashPolicy struct {
	Mode     SlashMode
	Treasury common.Address
}

// Validate checks the policy mode.
func (p SlashPolicy) Validate() error {
	switch p.Mode {
	case "", SlashBurn, SlashRedistribute:
		return nil
	case SlashTreasury:
		if p.Treasury == (common.Address{}) {
			return fmt.Errorf("slash policy %q requires a treasury account", p.Mode)
		}
		return nil
	default:
		return fmt.Errorf("unknown slash policy %q", p.Mode)
	}
}

// Penalty returns the percentage of the deposit slashed for outcome o.
func Penalty(g *types.Group, o types.Outcome) types.Percent {
	switch o {
	case types.OutcomeAbsent:
		return g.AbsentPenalty
	case types.OutcomeCommitted:
		return g.CommitNoRevealPenalty
	default:
		return 0
	}
}

// slash is one applied penalty.
type slash struct {
	account common.Address
	outcome types.Outcome
	amount  *uint256.Int
}

// route distributes total slashed funds according to the policy. Credits are
// issued after the finalization is stored, so failures are logged only.
func (p SlashPolicy) route(ctx context.Context, l ledger.Ledger, total *uint256.Int, revealers []common.Address, logger *slog.Logger) {
	if total.IsZero() {
		return
	}
	credit := func(acct common.Address, amount *uint256.Int) {
		if amount.IsZero() {
			return
		}
		if err := l.Credit(ctx, acct, amount); err != nil {
			logger.Error("failed to route slashed funds", "account", acct.Hex(), "amount", amount.Dec(), "error", err)
		}
	}

	switch p.Mode {
	case SlashTreasury:
		credit(p.Treasury, total)
	case SlashRedistribute:
		if len(revealers) == 0 {
			return
		}
		n := uint256.NewInt(uint64(len(revealers)))
		share := new(uint256.Int).Div(total, n)
		for _, acct := range revealers {
			credit(acct, share)
		}
		rem := new(uint256.Int).Mod(total, n)
		if p.Treasury != (common.Address{}) {
			credit(p.Treasury, rem)
		}
	}
}
