package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

// Apply writes the changeset in one transaction.
// Implements storage.StateStore interface.
func (s *Store) Apply(ctx context.Context, cs *storage.Changeset) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if cs.NextGroupID != nil {
		if err := setMeta(ctx, tx, metaNextGroupID, uint64(*cs.NextGroupID)); err != nil {
			return err
		}
	}
	if cs.NextRequestID != nil {
		if err := setMeta(ctx, tx, metaNextRequestID, uint64(*cs.NextRequestID)); err != nil {
			return err
		}
	}
	if err := setMeta(ctx, tx, metaHead, cs.Height); err != nil {
		return err
	}

	for _, g := range cs.Groups {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO groups (group_id, coordinator, fee, deposit, absent_penalty,
			                     commit_no_reveal_penalty, commitment_delay, reveal_delay)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT(group_id) DO UPDATE SET
			   coordinator = excluded.coordinator,
			   fee = excluded.fee,
			   deposit = excluded.deposit,
			   absent_penalty = excluded.absent_penalty,
			   commit_no_reveal_penalty = excluded.commit_no_reveal_penalty,
			   commitment_delay = excluded.commitment_delay,
			   reveal_delay = excluded.reveal_delay`,
			int64(g.ID), g.Coordinator.Bytes(), g.Fee.Dec(), g.Deposit.Dec(),
			int64(g.AbsentPenalty), int64(g.CommitNoRevealPenalty),
			int64(g.CommitmentDelay), int64(g.RevealDelay))
		if err != nil {
			return fmt.Errorf("write group %d: %w", g.ID, err)
		}
	}

	for _, m := range cs.Members {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO members (group_id, account, bond) VALUES (?, ?, ?)
			 ON CONFLICT(group_id, account) DO UPDATE SET bond = excluded.bond`,
			int64(m.Group), m.Account.Bytes(), m.Bond.Dec())
		if err != nil {
			return fmt.Errorf("write member %s of group %d: %w", m.Account.Hex(), m.Group, err)
		}
	}
	for _, k := range cs.RemovedMembers {
		_, err := tx.ExecContext(ctx,
			`DELETE FROM members WHERE group_id = ? AND account = ?`,
			int64(k.Group), k.Account.Bytes())
		if err != nil {
			return fmt.Errorf("remove member %s of group %d: %w", k.Account.Hex(), k.Group, err)
		}
	}

	for _, r := range cs.Requests {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO requests (request_id, requester, group_id, started) VALUES (?, ?, ?, ?)
			 ON CONFLICT(request_id) DO UPDATE SET
			   requester = excluded.requester,
			   group_id = excluded.group_id,
			   started = excluded.started`,
			int64(r.ID), r.Requester.Bytes(), int64(r.Group), int64(r.Started))
		if err != nil {
			return fmt.Errorf("write request %d: %w", r.ID, err)
		}
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM participation WHERE request_id = ?`, int64(r.ID)); err != nil {
			return fmt.Errorf("clear participation of request %d: %w", r.ID, err)
		}
		if err := insertParticipation(ctx, tx, r); err != nil {
			return err
		}
	}
	for _, id := range cs.DeletedRequests {
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM requests WHERE request_id = ?`, int64(id)); err != nil {
			return fmt.Errorf("delete request %d: %w", id, err)
		}
	}

	now := time.Now().UTC().Format(time.RFC3339)
	for _, f := range cs.Fulfillments {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO fulfillments (request_id, group_id, requester, output, block, revealed,
			                           committed, absent, total_slashed, participation_root,
			                           receipt_cid, finalized_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			int64(f.Request), int64(f.Group), f.Requester.Bytes(), f.Output.Bytes(), int64(f.Block),
			f.Revealed, f.Committed, f.Absent, f.TotalSlashed.Dec(), f.ParticipationRoot.Bytes(),
			f.ReceiptCID, now)
		if err != nil {
			return fmt.Errorf("write fulfillment %d: %w", f.Request, err)
		}
	}

	return tx.Commit()
}

func setMeta(ctx context.Context, tx *sql.Tx, key string, value uint64) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO meta (key, value) VALUES (?, ?)
		 ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		key, int64(value))
	if err != nil {
		return fmt.Errorf("write %s: %w", key, err)
	}
	return nil
}

func insertParticipation(ctx context.Context, tx *sql.Tx, r *types.Request) error {
	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO participation (request_id, account, commitment, secret) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, acct := range r.Participants() {
		p := r.Participation[acct]
		if _, err := stmt.ExecContext(ctx, int64(r.ID), acct.Bytes(), hashArg(p.Commitment), hashArg(p.Secret)); err != nil {
			return fmt.Errorf("write participation of %s in request %d: %w", acct.Hex(), r.ID, err)
		}
	}
	return nil
}
