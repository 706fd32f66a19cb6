// pkg/types/request.go
package types

import (
	"bytes"
	"sort"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// RequestID is a unique identifier for a randomness request.
type RequestID uint64

// Phase is the derived state of a randomness request.
type Phase string

const (
	PhaseCommitting Phase = "committing"
	PhaseRevealing  Phase = "revealing"
	PhaseFinalized  Phase = "finalized"
)

// Participation records one member's activity in a request.
type Participation struct {
	// Commitment is set once the member committed.
	Commitment *common.Hash `json:"commitment,omitempty"`
	// Secret is set once the member revealed a secret matching Commitment.
	Secret *common.Hash `json:"secret,omitempty"`
}

// Request is an in-flight randomness request. Its phase is not stored; it is
// derived from Started, the group's delays and the current block.
type Request struct {
	ID            RequestID                         `json:"id"`
	Requester     common.Address                    `json:"requester"`
	Group         GroupID                           `json:"group"`
	Started       uint64                            `json:"started"`
	Participation map[common.Address]*Participation `json:"participation"`
}

// Clone returns a deep copy of the request.
func (r *Request) Clone() *Request {
	c := *r
	c.Participation = make(map[common.Address]*Participation, len(r.Participation))
	for acct, p := range r.Participation {
		cp := &Participation{}
		if p.Commitment != nil {
			h := *p.Commitment
			cp.Commitment = &h
		}
		if p.Secret != nil {
			h := *p.Secret
			cp.Secret = &h
		}
		c.Participation[acct] = cp
	}
	return &c
}

// Participants returns the participating accounts in ascending order.
func (r *Request) Participants() []common.Address {
	accts := make([]common.Address, 0, len(r.Participation))
	for acct := range r.Participation {
		accts = append(accts, acct)
	}
	SortAccounts(accts)
	return accts
}

// SortAccounts sorts accounts in ascending byte order.
func SortAccounts(accts []common.Address) {
	sort.Slice(accts, func(i, j int) bool {
		return bytes.Compare(accts[i][:], accts[j][:]) < 0
	})
}

// Fulfillment is the retained record of a finalized request.
type Fulfillment struct {
	Request           RequestID      `json:"request"`
	Group             GroupID        `json:"group"`
	Requester         common.Address `json:"requester"`
	Output            common.Hash    `json:"output"`
	Block             uint64         `json:"block"`
	Revealed          int            `json:"revealed"`
	Committed         int            `json:"committed"`
	Absent            int            `json:"absent"`
	TotalSlashed      *uint256.Int   `json:"total_slashed"`
	ParticipationRoot common.Hash    `json:"participation_root"`
	ReceiptCID        string         `json:"receipt_cid,omitempty"`
}

// Outcome classifies a member's participation at finalization.
type Outcome string

const (
	// OutcomeRevealed members committed and revealed a matching secret.
	OutcomeRevealed Outcome = "revealed"
	// OutcomeCommitted members committed but never revealed.
	OutcomeCommitted Outcome = "committed_no_reveal"
	// OutcomeAbsent members never committed.
	OutcomeAbsent Outcome = "absent"
)

// Outcome classifies p.
func (p *Participation) Outcome() Outcome {
	switch {
	case p.Commitment == nil:
		return OutcomeAbsent
	case p.Secret == nil:
		return OutcomeCommitted
	default:
		return OutcomeRevealed
	}
}
