package randao

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

// GroupStatus is the read model of a group.
type GroupStatus struct {
	Group        *types.Group      `json:"group"`
	Members      []*types.Member   `json:"members"`
	OpenRequests []types.RequestID `json:"open_requests"`
}

// RegisterGroup creates a group managed by coordinator. Only the governance
// account may register groups. No funds move.
func (b *Beacon) RegisterGroup(ctx context.Context, caller, coordinator common.Address, params types.GroupParams) (types.GroupID, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if caller != b.governance {
		return 0, ErrNotGovernance
	}
	if err := params.Validate(); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrInvalidGroupParams, err)
	}

	ids := b.groupIDs
	id, err := ids.Allocate()
	if err != nil {
		return 0, fmt.Errorf("%w: group id: %w", ErrIdentifierOverflow, err)
	}
	next := ids.Peek()

	g := (&types.Group{ID: id, Coordinator: coordinator, GroupParams: params}).Clone()
	if err := b.store.Apply(ctx, &storage.Changeset{
		Height:      b.blocks.CurrentBlock(),
		NextGroupID: &next,
		Groups:      []*types.Group{g},
	}); err != nil {
		return 0, fmt.Errorf("store group: %w", err)
	}
	b.groupIDs = ids

	b.logger.Info("group registered", "group", id, "coordinator", coordinator.Hex())
	b.emit(ctx, GroupRegistered{Group: id, Coordinator: coordinator})
	return id, nil
}

// UpdateGroup replaces the parameters of a group. Only the coordinator may
// update, and only while the group has no open requests. Bonds are left as
// they are: after a deposit increase members are underfunded until re-added.
func (b *Beacon) UpdateGroup(ctx context.Context, caller common.Address, id types.GroupID, params types.GroupParams) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.group(ctx, id)
	if err != nil {
		return err
	}
	if caller != g.Coordinator {
		return ErrNotCoordinator
	}
	if err := params.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidGroupParams, err)
	}
	open, err := b.store.ListRequests(ctx, id)
	if err != nil {
		return fmt.Errorf("list requests of group %d: %w", id, err)
	}
	if len(open) > 0 {
		return fmt.Errorf("%w: %d open", ErrGroupHasOpenRequests, len(open))
	}

	updated := (&types.Group{ID: id, Coordinator: g.Coordinator, GroupParams: params}).Clone()
	if err := b.store.Apply(ctx, &storage.Changeset{
		Height: b.blocks.CurrentBlock(),
		Groups: []*types.Group{updated},
	}); err != nil {
		return fmt.Errorf("store group: %w", err)
	}

	b.emit(ctx, GroupUpdated{Group: id})
	return nil
}

// SetMembers adds and removes members of a group. Additions reserve the
// group deposit (or the shortfall of an underfunded member); removals
// release the member's remaining bond. Either every change applies or none.
func (b *Beacon) SetMembers(ctx context.Context, caller common.Address, id types.GroupID, additions, removals []common.Address) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.group(ctx, id)
	if err != nil {
		return err
	}
	if caller != g.Coordinator {
		return ErrNotCoordinator
	}

	seen := make(map[common.Address]bool, len(additions)+len(removals))
	for _, acct := range append(append([]common.Address(nil), additions...), removals...) {
		if seen[acct] {
			return fmt.Errorf("%w: %s listed twice", ErrInvalidMembership, acct.Hex())
		}
		seen[acct] = true
	}

	current, err := b.store.GetMembers(ctx, id)
	if err != nil {
		return fmt.Errorf("load members of group %d: %w", id, err)
	}
	members := make(map[common.Address]*types.Member, len(current))
	for _, m := range current {
		members[m.Account] = m
	}

	var removed []*types.Member
	if len(removals) > 0 {
		open, err := b.store.ListRequests(ctx, id)
		if err != nil {
			return fmt.Errorf("list requests of group %d: %w", id, err)
		}
		for _, acct := range removals {
			m, ok := members[acct]
			if !ok {
				return fmt.Errorf("%w: %s", ErrNotAMember, acct.Hex())
			}
			for _, r := range open {
				if _, ok := r.Participation[acct]; ok {
					return fmt.Errorf("%w: %s in request %d", ErrMemberHasActiveObligation, acct.Hex(), r.ID)
				}
			}
			removed = append(removed, m)
		}
	}

	// Reserve collateral first; undo what was reserved if anything fails.
	type reservation struct {
		account common.Address
		amount  *uint256.Int
	}
	var reserved []reservation
	undo := func() {
		for _, r := range reserved {
			if err := b.ledger.Release(ctx, r.account, r.amount); err != nil {
				b.logger.Error("failed to release reservation", "account", r.account.Hex(), "amount", r.amount.Dec(), "error", err)
			}
		}
	}

	var updated []*types.Member
	for _, acct := range additions {
		m, ok := members[acct]
		need := g.Deposit.Clone()
		if ok {
			if m.Funded(g.Deposit) {
				continue
			}
			need.Sub(g.Deposit, m.Bond)
		}
		if !need.IsZero() {
			if err := b.ledger.Reserve(ctx, acct, need); err != nil {
				undo()
				return err
			}
			reserved = append(reserved, reservation{account: acct, amount: need})
		}
		updated = append(updated, &types.Member{Group: id, Account: acct, Bond: g.Deposit.Clone()})
	}

	cs := &storage.Changeset{Height: b.blocks.CurrentBlock(), Members: updated}
	for _, m := range removed {
		cs.RemovedMembers = append(cs.RemovedMembers, storage.MemberKey{Group: id, Account: m.Account})
	}
	if !cs.Empty() {
		if err := b.store.Apply(ctx, cs); err != nil {
			undo()
			return fmt.Errorf("store members: %w", err)
		}
	}

	for _, m := range removed {
		if m.Bond.IsZero() {
			continue
		}
		if err := b.ledger.Release(ctx, m.Account, m.Bond); err != nil {
			b.logger.Error("failed to release bond", "group", id, "account", m.Account.Hex(), "amount", m.Bond.Dec(), "error", err)
		}
	}

	ev := MembershipChanged{Group: id}
	for _, m := range updated {
		ev.Added = append(ev.Added, m.Account)
	}
	for _, m := range removed {
		ev.Removed = append(ev.Removed, m.Account)
	}
	if len(ev.Added) > 0 || len(ev.Removed) > 0 {
		b.emit(ctx, ev)
	}
	return nil
}

// GroupInfo returns a group with its members and open requests.
func (b *Beacon) GroupInfo(ctx context.Context, id types.GroupID) (*GroupStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	g, err := b.group(ctx, id)
	if err != nil {
		return nil, err
	}
	members, err := b.store.GetMembers(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("load members of group %d: %w", id, err)
	}
	open, err := b.store.ListRequests(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("list requests of group %d: %w", id, err)
	}

	status := &GroupStatus{Group: g, Members: members, OpenRequests: []types.RequestID{}}
	if status.Members == nil {
		status.Members = []*types.Member{}
	}
	for _, r := range open {
		status.OpenRequests = append(status.OpenRequests, r.ID)
	}
	return status, nil
}
