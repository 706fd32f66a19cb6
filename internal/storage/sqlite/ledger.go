package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/relves/randao/internal/ledger"
)

const metaLedgerGenesis = "ledger_genesis"

// Ledger is a ledger.Ledger kept in the balances table of the state
// database, so reservations survive restarts together with the bonds they
// back. Each call runs in its own transaction.
type Ledger struct {
	db           *sql.DB
	feeCollector common.Address
	logger       *slog.Logger

	mu sync.Mutex
}

var _ ledger.Ledger = (*Ledger)(nil)

// Ledger returns the ledger kept in the same database. The genesis balances
// of cfg are credited on first use only; later calls ignore them.
func (s *Store) Ledger(ctx context.Context, cfg ledger.Config) (*Ledger, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	l := &Ledger{db: s.db, feeCollector: cfg.FeeCollector, logger: cfg.Logger}

	seeded, err := s.meta(ctx, metaLedgerGenesis)
	if err != nil {
		return nil, fmt.Errorf("read ledger state: %w", err)
	}
	if seeded != 0 {
		cfg.Logger.Debug("ledger genesis already applied", "accounts", len(cfg.Genesis))
		return l, nil
	}
	err = l.update(ctx, func(tx *sql.Tx) error {
		for acct, amount := range cfg.Genesis {
			b, err := getBalance(ctx, tx, acct)
			if err != nil {
				return err
			}
			b.Free.Add(b.Free, amount)
			if err := putBalance(ctx, tx, acct, b); err != nil {
				return err
			}
		}
		return setMeta(ctx, tx, metaLedgerGenesis, 1)
	})
	if err != nil {
		return nil, fmt.Errorf("apply ledger genesis: %w", err)
	}
	return l, nil
}

func (l *Ledger) update(ctx context.Context, fn func(tx *sql.Tx) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	tx, err := l.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (l *Ledger) Reserve(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return l.update(ctx, func(tx *sql.Tx) error {
		b, err := getBalance(ctx, tx, account)
		if err != nil {
			return err
		}
		if b.Free.Lt(amount) {
			return fmt.Errorf("%w: reserve %s from %s (free %s)", ledger.ErrInsufficientBalance, amount.Dec(), account.Hex(), b.Free.Dec())
		}
		b.Free.Sub(b.Free, amount)
		b.Reserved.Add(b.Reserved, amount)
		return putBalance(ctx, tx, account, b)
	})
}

func (l *Ledger) Release(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return l.update(ctx, func(tx *sql.Tx) error {
		b, err := getBalance(ctx, tx, account)
		if err != nil {
			return err
		}
		actual := minOf(amount, b.Reserved)
		b.Reserved.Sub(b.Reserved, actual)
		b.Free.Add(b.Free, actual)
		return putBalance(ctx, tx, account, b)
	})
}

func (l *Ledger) Slash(ctx context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	var actual *uint256.Int
	err := l.update(ctx, func(tx *sql.Tx) error {
		b, err := getBalance(ctx, tx, account)
		if err != nil {
			return err
		}
		actual = minOf(amount, b.Reserved)
		b.Reserved.Sub(b.Reserved, actual)
		return putBalance(ctx, tx, account, b)
	})
	if err != nil {
		return nil, err
	}
	if actual.Lt(amount) {
		l.logger.Warn("slash exceeds reserved balance",
			"account", account.Hex(), "requested", amount.Dec(), "slashed", actual.Dec())
	}
	return actual, nil
}

func (l *Ledger) ChargeFee(ctx context.Context, payer common.Address, amount *uint256.Int) error {
	return l.update(ctx, func(tx *sql.Tx) error {
		return transfer(ctx, tx, payer, l.feeCollector, amount, "fee")
	})
}

func (l *Ledger) RefundFee(ctx context.Context, payer common.Address, amount *uint256.Int) error {
	return l.update(ctx, func(tx *sql.Tx) error {
		return transfer(ctx, tx, l.feeCollector, payer, amount, "refund")
	})
}

func (l *Ledger) Credit(ctx context.Context, account common.Address, amount *uint256.Int) error {
	return l.update(ctx, func(tx *sql.Tx) error {
		b, err := getBalance(ctx, tx, account)
		if err != nil {
			return err
		}
		if _, overflow := b.Free.AddOverflow(b.Free, amount); overflow {
			return fmt.Errorf("credit %s to %s overflows", amount.Dec(), account.Hex())
		}
		return putBalance(ctx, tx, account, b)
	})
}

// Balance returns the balance of account.
func (l *Ledger) Balance(ctx context.Context, account common.Address) (ledger.Balance, error) {
	return getBalance(ctx, l.db, account)
}

// FeeCollector returns the account that receives request fees.
func (l *Ledger) FeeCollector() common.Address {
	return l.feeCollector
}

func transfer(ctx context.Context, tx *sql.Tx, from, to common.Address, amount *uint256.Int, what string) error {
	src, err := getBalance(ctx, tx, from)
	if err != nil {
		return err
	}
	if src.Free.Lt(amount) {
		return fmt.Errorf("%w: %s %s from %s (free %s)", ledger.ErrInsufficientBalance, what, amount.Dec(), from.Hex(), src.Free.Dec())
	}
	src.Free.Sub(src.Free, amount)
	if err := putBalance(ctx, tx, from, src); err != nil {
		return err
	}
	dst, err := getBalance(ctx, tx, to)
	if err != nil {
		return err
	}
	dst.Free.Add(dst.Free, amount)
	return putBalance(ctx, tx, to, dst)
}

func getBalance(ctx context.Context, q querier, account common.Address) (ledger.Balance, error) {
	var free, reserved string
	err := q.QueryRowContext(ctx,
		`SELECT free, reserved FROM balances WHERE account = ?`, account.Bytes()).Scan(&free, &reserved)
	if errors.Is(err, sql.ErrNoRows) {
		return ledger.Balance{Free: new(uint256.Int), Reserved: new(uint256.Int)}, nil
	}
	if err != nil {
		return ledger.Balance{}, fmt.Errorf("balance of %s: %w", account.Hex(), err)
	}
	var b ledger.Balance
	if b.Free, err = parseAmount(free); err != nil {
		return ledger.Balance{}, fmt.Errorf("free balance of %s: %w", account.Hex(), err)
	}
	if b.Reserved, err = parseAmount(reserved); err != nil {
		return ledger.Balance{}, fmt.Errorf("reserved balance of %s: %w", account.Hex(), err)
	}
	return b, nil
}

func putBalance(ctx context.Context, tx *sql.Tx, account common.Address, b ledger.Balance) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO balances (account, free, reserved) VALUES (?, ?, ?)
		 ON CONFLICT(account) DO UPDATE SET free = excluded.free, reserved = excluded.reserved`,
		account.Bytes(), b.Free.Dec(), b.Reserved.Dec())
	if err != nil {
		return fmt.Errorf("write balance of %s: %w", account.Hex(), err)
	}
	return nil
}

func minOf(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
