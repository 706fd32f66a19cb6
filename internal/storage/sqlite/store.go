package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	_ "modernc.org/sqlite"

	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

//go:embed schema.sql
var schemaSQL string

const (
	metaNextGroupID   = "next_group_id"
	metaNextRequestID = "next_request_id"
	metaHead          = "head"
)

// Store is a storage.StateStore backed by a single SQLite database.
type Store struct {
	db     *sql.DB
	dbPath string
}

var _ storage.StateStore = (*Store)(nil)

// OpenStore opens (creating if needed) the state database under dir.
func OpenStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create state directory: %w", err)
	}

	dbPath := filepath.Join(dir, "randao.db")
	db, err := sql.Open("sqlite", dbPath+
		"?_pragma=journal_mode(WAL)"+
		"&_pragma=foreign_keys(ON)"+
		"&_pragma=busy_timeout(5000)"+ // Wait up to 5s on lock instead of returning SQLITE_BUSY immediately
		"&_pragma=synchronous(NORMAL)"+
		"&_pragma=wal_autocheckpoint(1000)")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	// SQLite handles concurrent writes poorly
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	if _, err := db.Exec(schemaSQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize schema: %w", err)
	}

	return &Store{db: db, dbPath: dbPath}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) DBPath() string {
	return s.dbPath
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func (s *Store) meta(ctx context.Context, key string) (uint64, error) {
	var v int64
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return uint64(v), nil
}

// Counters returns the next group and request identifiers.
// Both start at zero on a fresh database.
func (s *Store) Counters(ctx context.Context) (types.GroupID, types.RequestID, error) {
	g, err := s.meta(ctx, metaNextGroupID)
	if err != nil {
		return 0, 0, err
	}
	r, err := s.meta(ctx, metaNextRequestID)
	if err != nil {
		return 0, 0, err
	}
	return types.GroupID(g), types.RequestID(r), nil
}

func (s *Store) Head(ctx context.Context) (uint64, error) {
	return s.meta(ctx, metaHead)
}

func (s *Store) GetGroup(ctx context.Context, id types.GroupID) (*types.Group, error) {
	var (
		g                   types.Group
		coordinator         []byte
		fee, deposit        string
		absent, noReveal    int64
		commitDelay, reveal int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT coordinator, fee, deposit, absent_penalty, commit_no_reveal_penalty,
		        commitment_delay, reveal_delay
		 FROM groups WHERE group_id = ?`,
		int64(id)).Scan(&coordinator, &fee, &deposit, &absent, &noReveal, &commitDelay, &reveal)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	g.ID = id
	g.Coordinator = common.BytesToAddress(coordinator)
	if g.Fee, err = parseAmount(fee); err != nil {
		return nil, fmt.Errorf("group %d fee: %w", id, err)
	}
	if g.Deposit, err = parseAmount(deposit); err != nil {
		return nil, fmt.Errorf("group %d deposit: %w", id, err)
	}
	g.AbsentPenalty = types.Percent(absent)
	g.CommitNoRevealPenalty = types.Percent(noReveal)
	g.CommitmentDelay = uint64(commitDelay)
	g.RevealDelay = uint64(reveal)
	return &g, nil
}

// GetMembers returns the members of a group ordered by account.
func (s *Store) GetMembers(ctx context.Context, id types.GroupID) ([]*types.Member, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT account, bond FROM members WHERE group_id = ? ORDER BY account`,
		int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var members []*types.Member
	for rows.Next() {
		var account []byte
		var bond string
		if err := rows.Scan(&account, &bond); err != nil {
			return nil, err
		}
		b, err := parseAmount(bond)
		if err != nil {
			return nil, fmt.Errorf("member bond: %w", err)
		}
		members = append(members, &types.Member{
			Group:   id,
			Account: common.BytesToAddress(account),
			Bond:    b,
		})
	}
	return members, rows.Err()
}

func (s *Store) GetRequest(ctx context.Context, id types.RequestID) (*types.Request, error) {
	var (
		r         types.Request
		requester []byte
		group     int64
		started   int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT requester, group_id, started FROM requests WHERE request_id = ?`,
		int64(id)).Scan(&requester, &group, &started)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	r.ID = id
	r.Requester = common.BytesToAddress(requester)
	r.Group = types.GroupID(group)
	r.Started = uint64(started)
	if r.Participation, err = loadParticipation(ctx, s.db, id); err != nil {
		return nil, err
	}
	return &r, nil
}

func (s *Store) ListRequests(ctx context.Context, group types.GroupID) ([]*types.Request, error) {
	return s.listRequests(ctx,
		`SELECT request_id FROM requests WHERE group_id = ? ORDER BY request_id`,
		int64(group))
}

func (s *Store) ListAccountRequests(ctx context.Context, account common.Address) ([]*types.Request, error) {
	return s.listRequests(ctx,
		`SELECT request_id FROM participation WHERE account = ? ORDER BY request_id`,
		account.Bytes())
}

func (s *Store) listRequests(ctx context.Context, query string, arg any) ([]*types.Request, error) {
	rows, err := s.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, err
	}
	var ids []types.RequestID
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, types.RequestID(id))
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	requests := make([]*types.Request, 0, len(ids))
	for _, id := range ids {
		r, err := s.GetRequest(ctx, id)
		if err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, nil
}

func loadParticipation(ctx context.Context, q querier, id types.RequestID) (map[common.Address]*types.Participation, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT account, commitment, secret FROM participation WHERE request_id = ?`,
		int64(id))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[common.Address]*types.Participation)
	for rows.Next() {
		var account, commitment, secret []byte
		if err := rows.Scan(&account, &commitment, &secret); err != nil {
			return nil, err
		}
		out[common.BytesToAddress(account)] = &types.Participation{
			Commitment: optionalHash(commitment),
			Secret:     optionalHash(secret),
		}
	}
	return out, rows.Err()
}

func (s *Store) GetFulfillment(ctx context.Context, id types.RequestID) (*types.Fulfillment, error) {
	var (
		f                           types.Fulfillment
		group, block                int64
		requester, output, root     []byte
		revealed, committed, absent int64
		slashed                     string
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT group_id, requester, output, block, revealed, committed, absent,
		        total_slashed, participation_root, receipt_cid
		 FROM fulfillments WHERE request_id = ?`,
		int64(id)).Scan(&group, &requester, &output, &block, &revealed, &committed, &absent,
		&slashed, &root, &f.ReceiptCID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	f.Request = id
	f.Group = types.GroupID(group)
	f.Requester = common.BytesToAddress(requester)
	f.Output = common.BytesToHash(output)
	f.Block = uint64(block)
	f.Revealed = int(revealed)
	f.Committed = int(committed)
	f.Absent = int(absent)
	f.ParticipationRoot = common.BytesToHash(root)
	if f.TotalSlashed, err = parseAmount(slashed); err != nil {
		return nil, fmt.Errorf("fulfillment %d total slashed: %w", id, err)
	}
	return &f, nil
}

func parseAmount(s string) (*uint256.Int, error) {
	return uint256.FromDecimal(s)
}

func optionalHash(b []byte) *common.Hash {
	if b == nil {
		return nil
	}
	h := common.BytesToHash(b)
	return &h
}

func hashArg(h *common.Hash) any {
	if h == nil {
		return nil
	}
	return h.Bytes()
}
