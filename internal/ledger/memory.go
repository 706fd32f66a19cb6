package ledger

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Config configures an in-memory ledger.
type Config struct {
	// FeeCollector receives request fees.
	FeeCollector common.Address
	// Genesis holds the initial free balances.
	Genesis map[common.Address]*uint256.Int
	Logger  *slog.Logger
}

// Balance is the state of one account.
type Balance struct {
	Free     *uint256.Int `json:"free"`
	Reserved *uint256.Int `json:"reserved"`
}

// Memory is a process-local Ledger.
type Memory struct {
	feeCollector common.Address
	logger       *slog.Logger

	mu       sync.Mutex
	accounts map[common.Address]*Balance
}

var _ Ledger = (*Memory)(nil)

// NewMemory creates an in-memory ledger seeded with the genesis balances.
func NewMemory(cfg Config) *Memory {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	m := &Memory{
		feeCollector: cfg.FeeCollector,
		logger:       cfg.Logger,
		accounts:     make(map[common.Address]*Balance),
	}
	for acct, amount := range cfg.Genesis {
		b := m.account(acct)
		b.Free.Add(b.Free, amount)
	}
	return m
}

// account returns the balance record of acct, creating it if needed.
// Callers hold m.mu.
func (m *Memory) account(acct common.Address) *Balance {
	b, ok := m.accounts[acct]
	if !ok {
		b = &Balance{Free: new(uint256.Int), Reserved: new(uint256.Int)}
		m.accounts[acct] = b
	}
	return b
}

func (m *Memory) Reserve(_ context.Context, account common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(account)
	if b.Free.Lt(amount) {
		return fmt.Errorf("%w: reserve %s from %s (free %s)", ErrInsufficientBalance, amount.Dec(), account.Hex(), b.Free.Dec())
	}
	b.Free.Sub(b.Free, amount)
	b.Reserved.Add(b.Reserved, amount)
	return nil
}

func (m *Memory) Release(_ context.Context, account common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(account)
	actual := minOf(amount, b.Reserved)
	b.Reserved.Sub(b.Reserved, actual)
	b.Free.Add(b.Free, actual)
	return nil
}

func (m *Memory) Slash(_ context.Context, account common.Address, amount *uint256.Int) (*uint256.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(account)
	actual := minOf(amount, b.Reserved)
	b.Reserved.Sub(b.Reserved, actual)
	if actual.Lt(amount) {
		m.logger.Warn("slash exceeds reserved balance",
			"account", account.Hex(), "requested", amount.Dec(), "slashed", actual.Dec())
	}
	return actual, nil
}

func (m *Memory) ChargeFee(_ context.Context, payer common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(payer)
	if b.Free.Lt(amount) {
		return fmt.Errorf("%w: fee %s from %s (free %s)", ErrInsufficientBalance, amount.Dec(), payer.Hex(), b.Free.Dec())
	}
	b.Free.Sub(b.Free, amount)
	c := m.account(m.feeCollector)
	c.Free.Add(c.Free, amount)
	return nil
}

func (m *Memory) RefundFee(_ context.Context, payer common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.account(m.feeCollector)
	if c.Free.Lt(amount) {
		return fmt.Errorf("%w: refund %s to %s (collected %s)", ErrInsufficientBalance, amount.Dec(), payer.Hex(), c.Free.Dec())
	}
	c.Free.Sub(c.Free, amount)
	b := m.account(payer)
	b.Free.Add(b.Free, amount)
	return nil
}

func (m *Memory) Credit(_ context.Context, account common.Address, amount *uint256.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	b := m.account(account)
	sum, overflow := new(uint256.Int).AddOverflow(b.Free, amount)
	if overflow {
		return fmt.Errorf("credit %s to %s overflows", amount.Dec(), account.Hex())
	}
	b.Free.Set(sum)
	return nil
}

// Balance returns a copy of the balance of account.
func (m *Memory) Balance(account common.Address) Balance {
	m.mu.Lock()
	defer m.mu.Unlock()

	b, ok := m.accounts[account]
	if !ok {
		return Balance{Free: new(uint256.Int), Reserved: new(uint256.Int)}
	}
	return Balance{Free: b.Free.Clone(), Reserved: b.Reserved.Clone()}
}

// FeeCollector returns the account that receives request fees.
func (m *Memory) FeeCollector() common.Address {
	return m.feeCollector
}

func minOf(a, b *uint256.Int) *uint256.Int {
	if a.Lt(b) {
		return a.Clone()
	}
	return b.Clone()
}
