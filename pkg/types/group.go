// pkg/types/group.go
package types

import (
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// GroupID is a unique identifier for a randomness-producing group.
type GroupID uint32

// MaxPhaseDelay bounds CommitmentDelay and RevealDelay so that deadline
// arithmetic on block heights cannot overflow.
const MaxPhaseDelay uint64 = 1 << 32

var ErrInvalidParams = errors.New("invalid group parameters")

// GroupParams are the economic and timing parameters of a group.
type GroupParams struct {
	// Fee charged to the requester for every randomness request.
	Fee *uint256.Int `json:"fee"`
	// Deposit is the collateral every member must keep reserved.
	Deposit *uint256.Int `json:"deposit"`
	// AbsentPenalty is slashed from members that did not commit.
	AbsentPenalty Percent `json:"absent_penalty"`
	// CommitNoRevealPenalty is slashed from members that committed but did not reveal.
	CommitNoRevealPenalty Percent `json:"commit_no_reveal_penalty"`
	// CommitmentDelay is the number of blocks after the request starts during
	// which commitments are accepted.
	CommitmentDelay uint64 `json:"commitment_delay"`
	// RevealDelay is the number of blocks after the commit window during
	// which secrets are accepted.
	RevealDelay uint64 `json:"reveal_delay"`
}

// Validate checks the parameter invariants.
func (p *GroupParams) Validate() error {
	if p.Fee == nil || p.Deposit == nil {
		return fmt.Errorf("%w: fee and deposit are required", ErrInvalidParams)
	}
	if !p.AbsentPenalty.Valid() {
		return fmt.Errorf("%w: absent penalty %d%% out of range", ErrInvalidParams, p.AbsentPenalty)
	}
	if !p.CommitNoRevealPenalty.Valid() {
		return fmt.Errorf("%w: commit-no-reveal penalty %d%% out of range", ErrInvalidParams, p.CommitNoRevealPenalty)
	}
	if p.CommitmentDelay == 0 || p.CommitmentDelay > MaxPhaseDelay {
		return fmt.Errorf("%w: commitment delay %d out of range", ErrInvalidParams, p.CommitmentDelay)
	}
	if p.RevealDelay == 0 || p.RevealDelay > MaxPhaseDelay {
		return fmt.Errorf("%w: reveal delay %d out of range", ErrInvalidParams, p.RevealDelay)
	}
	return nil
}

// Group is a registered randomness-producing collective.
type Group struct {
	ID          GroupID        `json:"id"`
	Coordinator common.Address `json:"coordinator"`
	GroupParams
}

// Clone returns a deep copy of the group.
func (g *Group) Clone() *Group {
	c := *g
	c.Fee = g.Fee.Clone()
	c.Deposit = g.Deposit.Clone()
	return &c
}

// CommitDeadline is the last block at which a request started at the given
// height accepts commitments.
func (g *Group) CommitDeadline(started uint64) uint64 {
	return started + g.CommitmentDelay
}

// RevealDeadline is the last block at which a request started at the given
// height accepts reveals.
func (g *Group) RevealDeadline(started uint64) uint64 {
	return started + g.CommitmentDelay + g.RevealDelay
}

// Member is one account's membership in a group together with the collateral
// currently bonded for it.
type Member struct {
	Group   GroupID        `json:"group"`
	Account common.Address `json:"account"`
	Bond    *uint256.Int   `json:"bond"`
}

// Funded reports whether the member still covers the group deposit.
func (m *Member) Funded(deposit *uint256.Int) bool {
	return m.Bond != nil && !m.Bond.Lt(deposit)
}
