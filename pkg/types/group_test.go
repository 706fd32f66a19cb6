package types

import (
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroupParams_Validate(t *testing.T) {
	valid := func() GroupParams {
		return GroupParams{
			Fee:                   uint256From(1),
			Deposit:               uint256From(100),
			AbsentPenalty:         10,
			CommitNoRevealPenalty: 50,
			CommitmentDelay:       5,
			RevealDelay:           5,
		}
	}

	p := valid()
	require.NoError(t, p.Validate())

	p = valid()
	p.AbsentPenalty = 101
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = valid()
	p.CommitNoRevealPenalty = 200
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = valid()
	p.CommitmentDelay = 0
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = valid()
	p.RevealDelay = MaxPhaseDelay + 1
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)

	p = valid()
	p.Deposit = nil
	assert.ErrorIs(t, p.Validate(), ErrInvalidParams)
}

func TestGroup_Deadlines(t *testing.T) {
	g := &Group{GroupParams: GroupParams{CommitmentDelay: 5, RevealDelay: 7}}
	assert.Equal(t, uint64(15), g.CommitDeadline(10))
	assert.Equal(t, uint64(22), g.RevealDeadline(10))
}

func TestGroup_CloneIsDeep(t *testing.T) {
	g := &Group{
		ID:          1,
		Coordinator: common.HexToAddress("0x01"),
		GroupParams: GroupParams{Fee: uint256From(1), Deposit: uint256From(100)},
	}
	c := g.Clone()
	c.Deposit.SetUint64(5)
	assert.Equal(t, uint64(100), g.Deposit.Uint64())
}

func TestMember_Funded(t *testing.T) {
	deposit := uint256From(100)
	assert.True(t, (&Member{Bond: uint256From(100)}).Funded(deposit))
	assert.True(t, (&Member{Bond: uint256From(150)}).Funded(deposit))
	assert.False(t, (&Member{Bond: uint256From(90)}).Funded(deposit))
	assert.False(t, (&Member{}).Funded(deposit))
}

func TestRequest_ParticipantsSorted(t *testing.T) {
	a := common.HexToAddress("0x0a")
	b := common.HexToAddress("0x0b")
	c := common.HexToAddress("0x0c")
	r := &Request{Participation: map[common.Address]*Participation{
		c: {}, a: {}, b: {},
	}}
	assert.Equal(t, []common.Address{a, b, c}, r.Participants())
}

func TestRequest_CloneIsDeep(t *testing.T) {
	a := common.HexToAddress("0x0a")
	h := common.HexToHash("0x01")
	r := &Request{ID: 3, Participation: map[common.Address]*Participation{a: {Commitment: &h}}}

	c := r.Clone()
	*c.Participation[a].Commitment = common.HexToHash("0x02")
	c.Participation[a].Secret = &h

	require.Equal(t, common.HexToHash("0x01"), *r.Participation[a].Commitment)
	assert.Nil(t, r.Participation[a].Secret)
}

func TestParticipation_Outcome(t *testing.T) {
	h := common.HexToHash("0x01")
	assert.Equal(t, OutcomeAbsent, (&Participation{}).Outcome())
	assert.Equal(t, OutcomeCommitted, (&Participation{Commitment: &h}).Outcome())
	assert.Equal(t, OutcomeRevealed, (&Participation{Commitment: &h, Secret: &h}).Outcome())
}
