package randao

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/commitment"
	"github.com/relves/randao/pkg/types"
)

// RequestStatus is the read model of a request. Once finalized, Request is
// nil and Fulfillment is set.
type RequestStatus struct {
	ID             types.RequestID    `json:"id"`
	Group          types.GroupID      `json:"group"`
	Phase          types.Phase        `json:"phase"`
	Request        *types.Request     `json:"request,omitempty"`
	CommitDeadline uint64             `json:"commit_deadline,omitempty"`
	RevealDeadline uint64             `json:"reveal_deadline,omitempty"`
	Finalizable    bool               `json:"finalizable"`
	Fulfillment    *types.Fulfillment `json:"fulfillment,omitempty"`
}

// PhaseAt derives the phase of an open request at block. A request whose
// reveal window has passed stays Revealing until it is finalized.
func PhaseAt(g *types.Group, started, block uint64) types.Phase {
	if block <= g.CommitDeadline(started) {
		return types.PhaseCommitting
	}
	return types.PhaseRevealing
}

func openStatus(g *types.Group, r *types.Request, block uint64) RequestStatus {
	return RequestStatus{
		ID:             r.ID,
		Group:          r.Group,
		Phase:          PhaseAt(g, r.Started, block),
		Request:        r,
		CommitDeadline: g.CommitDeadline(r.Started),
		RevealDeadline: g.RevealDeadline(r.Started),
		Finalizable:    block > g.RevealDeadline(r.Started),
	}
}

// RequestRandomness opens a request against a group on behalf of requester,
// who pays the group fee. Every fully bonded member at this block must take
// part.
func (b *Beacon) RequestRandomness(ctx context.Context, requester common.Address, groupID types.GroupID) (types.RequestID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.group(ctx, groupID)
	if err != nil {
		return 0, err
	}
	members, err := b.store.GetMembers(ctx, groupID)
	if err != nil {
		return 0, fmt.Errorf("load members of group %d: %w", groupID, err)
	}
	participation := make(map[common.Address]*types.Participation, len(members))
	for _, m := range members {
		if !m.Funded(g.Deposit) {
			b.logger.Debug("skipping underfunded member", "group", groupID, "account", m.Account.Hex(), "bond", m.Bond.Dec())
			continue
		}
		participation[m.Account] = &types.Participation{}
	}
	if len(participation) == 0 {
		return 0, fmt.Errorf("%w: %d", ErrGroupEmpty, groupID)
	}

	ids := b.requestIDs
	id, err := ids.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: request id: %w", ErrIdentifierOverflow, err)
	}
	next := ids.Peek()

	if err := b.ledger.ChargeFee(ctx, requester, g.Fee); err != nil {
		return 0, err
	}

	block := b.blocks.CurrentBlock()
	req := &types.Request{
		ID:            id,
		Requester:     requester,
		Group:         groupID,
		Started:       block,
		Participation: participation,
	}
	if err := b.store.Apply(ctx, &storage.Changeset{
		Height:        block,
		NextRequestID: &next,
		Requests:      []*types.Request{req},
	}); err != nil {
		if rerr := b.ledger.RefundFee(ctx, requester, g.Fee); rerr != nil {
			b.logger.Error("failed to refund fee", "requester", requester.Hex(), "fee", g.Fee.Dec(), "error", rerr)
		}
		return 0, fmt.Errorf("store request: %w", err)
	}
	b.requestIDs = ids

	b.logger.Info("randomness requested", "group", groupID, "request", id,
		"requester", requester.Hex(), "participants", len(participation))
	b.emit(ctx, RandomnessRequested{
		Group:          groupID,
		Request:        id,
		CommitDeadline: g.CommitDeadline(block),
		RevealDeadline: g.RevealDeadline(block),
	})
	return id, nil
}

// Commit records caller's commitment. Commitments are accepted up to and
// including the commit deadline.
func (b *Beacon) Commit(ctx context.Context, caller common.Address, id types.RequestID, c common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := b.request(ctx, id)
	if err != nil {
		return err
	}
	g, err := b.group(ctx, req.Group)
	if err != nil {
		return err
	}
	block := b.blocks.CurrentBlock()
	if block > g.CommitDeadline(req.Started) {
		return fmt.Errorf("%w: block %d, deadline %d", ErrNotInCommitWindow, block, g.CommitDeadline(req.Started))
	}
	p, ok := req.Participation[caller]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, caller.Hex())
	}
	if p.Commitment != nil {
		return ErrAlreadyCommitted
	}

	req = req.Clone()
	req.Participation[caller].Commitment = &c
	if err := b.store.Apply(ctx, &storage.Changeset{Height: block, Requests: []*types.Request{req}}); err != nil {
		return fmt.Errorf("store commitment: %w", err)
	}

	b.emit(ctx, CommitmentSubmitted{Group: req.Group, Request: id, Account: caller})
	return nil
}

// Reveal records caller's secret. Secrets are accepted after the commit
// deadline up to and including the reveal deadline, and must open the
// caller's commitment.
func (b *Beacon) Reveal(ctx context.Context, caller common.Address, id types.RequestID, secret common.Hash) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := b.request(ctx, id)
	if err != nil {
		return err
	}
	g, err := b.group(ctx, req.Group)
	if err != nil {
		return err
	}
	block := b.blocks.CurrentBlock()
	if block <= g.CommitDeadline(req.Started) || block > g.RevealDeadline(req.Started) {
		return fmt.Errorf("%w: block %d, window (%d, %d]", ErrNotInRevealWindow,
			block, g.CommitDeadline(req.Started), g.RevealDeadline(req.Started))
	}
	p, ok := req.Participation[caller]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAMember, caller.Hex())
	}
	if p.Commitment == nil {
		return ErrNoCommitment
	}
	if !commitment.Verify(*p.Commitment, secret) {
		return ErrCommitmentMismatch
	}
	if p.Secret != nil {
		return ErrAlreadyRevealed
	}

	req = req.Clone()
	req.Participation[caller].Secret = &secret
	if err := b.store.Apply(ctx, &storage.Changeset{Height: block, Requests: []*types.Request{req}}); err != nil {
		return fmt.Errorf("store secret: %w", err)
	}

	b.emit(ctx, SecretRevealed{Group: req.Group, Request: id, Account: caller})
	return nil
}

// Finalize closes a request whose reveal window has passed: it slashes
// members that did not take part, computes the output, stores the
// fulfillment, reclaims the request and delivers the output. Anyone may call
// it; a second call fails with ErrAlreadyFinalized and moves no funds.
func (b *Beacon) Finalize(ctx context.Context, id types.RequestID) (*types.Fulfillment, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := b.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		if _, ferr := b.store.GetFulfillment(ctx, id); ferr == nil {
			return nil, ErrAlreadyFinalized
		} else if !errors.Is(ferr, storage.ErrNotFound) {
			return nil, fmt.Errorf("load fulfillment %d: %w", id, ferr)
		}
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load request %d: %w", id, err)
	}
	g, err := b.group(ctx, req.Group)
	if err != nil {
		return nil, err
	}
	block := b.blocks.CurrentBlock()
	if block <= g.RevealDeadline(req.Started) {
		return nil, fmt.Errorf("%w: block %d, deadline %d", ErrRevealWindowNotElapsed, block, g.RevealDeadline(req.Started))
	}

	members, err := b.store.GetMembers(ctx, req.Group)
	if err != nil {
		return nil, fmt.Errorf("load members of group %d: %w", req.Group, err)
	}
	bonds := make(map[common.Address]*types.Member, len(members))
	for _, m := range members {
		bonds[m.Account] = m
	}

	// Slash first; on any later failure the slashes are reversed.
	var (
		slashes   []slash
		revealers []common.Address
		updated   []*types.Member
		total     = new(uint256.Int)
		counts    = map[types.Outcome]int{}
	)
	undo := func() {
		for _, s := range slashes {
			if s.amount.IsZero() {
				continue
			}
			if err := b.ledger.Credit(ctx, s.account, s.amount); err != nil {
				b.logger.Error("failed to restore slash", "account", s.account.Hex(), "amount", s.amount.Dec(), "error", err)
				continue
			}
			if err := b.ledger.Reserve(ctx, s.account, s.amount); err != nil {
				b.logger.Error("failed to restore slash", "account", s.account.Hex(), "amount", s.amount.Dec(), "error", err)
			}
		}
	}

	for _, acct := range req.Participants() {
		outcome := req.Participation[acct].Outcome()
		counts[outcome]++
		if outcome == types.OutcomeRevealed {
			revealers = append(revealers, acct)
		}

		amount := Penalty(g, outcome).Of(g.Deposit)
		m, ok := bonds[acct]
		if !ok {
			m = &types.Member{Group: req.Group, Account: acct, Bond: new(uint256.Int)}
		}
		if m.Bond.Lt(amount) {
			amount = m.Bond.Clone()
		}
		actual := new(uint256.Int)
		if !amount.IsZero() {
			actual, err = b.ledger.Slash(ctx, acct, amount)
			if err != nil {
				undo()
				return nil, fmt.Errorf("slash %s: %w", acct.Hex(), err)
			}
			if ok {
				updated = append(updated, &types.Member{
					Group:   req.Group,
					Account: acct,
					Bond:    new(uint256.Int).Sub(m.Bond, actual),
				})
			}
		}
		slashes = append(slashes, slash{account: acct, outcome: outcome, amount: actual})
		total.Add(total, actual)
	}

	seed := Seed(req)
	output, revealed := Mix(seed, req)
	root, err := ParticipationRoot(req)
	if err != nil {
		undo()
		return nil, fmt.Errorf("participation root: %w", err)
	}

	f := &types.Fulfillment{
		Request:           id,
		Group:             req.Group,
		Requester:         req.Requester,
		Output:            output,
		Block:             block,
		Revealed:          revealed,
		Committed:         counts[types.OutcomeCommitted],
		Absent:            counts[types.OutcomeAbsent],
		TotalSlashed:      total,
		ParticipationRoot: root,
	}

	if b.receipts != nil {
		c, err := b.receipts.Put(ctx, buildReceipt(req, f, seed, slashes))
		if err != nil {
			undo()
			return nil, fmt.Errorf("archive receipt: %w", err)
		}
		f.ReceiptCID = c.String()
	}

	if err := b.store.Apply(ctx, &storage.Changeset{
		Height:          block,
		Members:         updated,
		DeletedRequests: []types.RequestID{id},
		Fulfillments:    []*types.Fulfillment{f},
	}); err != nil {
		undo()
		return nil, fmt.Errorf("store fulfillment: %w", err)
	}

	b.policy.route(ctx, b.ledger, total, revealers, b.logger)

	b.logger.Info("randomness fulfilled", "group", req.Group, "request", id,
		"revealed", f.Revealed, "committed", f.Committed, "absent", f.Absent, "slashed", total.Dec())
	if revealed == 0 {
		b.logger.Warn("request finalized without reveals, output is the seed", "request", id)
	}
	for _, s := range slashes {
		if s.amount.IsZero() {
			continue
		}
		b.emit(ctx, MemberSlashed{Group: req.Group, Request: id, Account: s.account, Amount: s.amount, Reason: s.outcome})
	}
	b.emit(ctx, RandomnessFulfilled{Group: req.Group, Request: id, Output: output, Block: block, Receipt: f.ReceiptCID})

	if b.deliverer != nil {
		if err := b.deliverer.Deliver(ctx, id, req.Requester, output); err != nil {
			b.logger.Error("failed to deliver randomness", "request", id, "requester", req.Requester.Hex(), "error", err)
		}
	}
	return f, nil
}

func buildReceipt(req *types.Request, f *types.Fulfillment, seed common.Hash, slashes []slash) *receipts.Receipt {
	r := &receipts.Receipt{
		Group:             req.Group,
		Request:           req.ID,
		Requester:         req.Requester,
		Started:           req.Started,
		Block:             f.Block,
		Seed:              seed,
		Output:            f.Output,
		ParticipationRoot: f.ParticipationRoot,
		TotalSlashed:      f.TotalSlashed,
	}
	for _, s := range slashes {
		p := req.Participation[s.account]
		r.Participants = append(r.Participants, receipts.Participant{
			Account:    s.account,
			Commitment: p.Commitment,
			Secret:     p.Secret,
			Outcome:    s.outcome,
			Slashed:    s.amount,
		})
	}
	return r
}

// RequestInfo returns the status of a request, open or finalized.
func (b *Beacon) RequestInfo(ctx context.Context, id types.RequestID) (*RequestStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	req, err := b.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		f, ferr := b.store.GetFulfillment(ctx, id)
		if errors.Is(ferr, storage.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
		}
		if ferr != nil {
			return nil, fmt.Errorf("load fulfillment %d: %w", id, ferr)
		}
		return &RequestStatus{ID: id, Group: f.Group, Phase: types.PhaseFinalized, Fulfillment: f}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load request %d: %w", id, err)
	}
	g, err := b.group(ctx, req.Group)
	if err != nil {
		return nil, err
	}
	status := openStatus(g, req, b.blocks.CurrentBlock())
	return &status, nil
}

// OpenRequests returns the unfinalized requests account takes part in.
func (b *Beacon) OpenRequests(ctx context.Context, account common.Address) ([]RequestStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	reqs, err := b.store.ListAccountRequests(ctx, account)
	if err != nil {
		return nil, fmt.Errorf("list requests of %s: %w", account.Hex(), err)
	}
	block := b.blocks.CurrentBlock()
	groups := make(map[types.GroupID]*types.Group)
	out := make([]RequestStatus, 0, len(reqs))
	for _, r := range reqs {
		g, ok := groups[r.Group]
		if !ok {
			if g, err = b.group(ctx, r.Group); err != nil {
				return nil, err
			}
			groups[r.Group] = g
		}
		out = append(out, openStatus(g, r, block))
	}
	return out, nil
}
