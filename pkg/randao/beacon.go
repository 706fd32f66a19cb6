// Package randao implements a collateral-backed commit-reveal randomness
// beacon. Groups of bonded members answer randomness requests: members commit
// to secrets, reveal them once the commit window has passed, and anyone may
// finalize the request once the reveal window has passed. Members that do not
// take part are slashed.
//
// Request phases are never stored; they are derived from the block height at
// which a request started and its group's delays.
package randao

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ipfs/go-cid"

	"github.com/relves/randao/internal/ledger"
	"github.com/relves/randao/internal/receipts"
	"github.com/relves/randao/internal/storage"
	"github.com/relves/randao/pkg/types"
)

// BlockSource reports the current block height.
type BlockSource interface {
	CurrentBlock() uint64
}

// Deliverer hands a finalized output to its requester.
type Deliverer interface {
	Deliver(ctx context.Context, request types.RequestID, requester common.Address, output common.Hash) error
}

// ReceiptArchive stores fulfillment receipts.
type ReceiptArchive interface {
	Put(ctx context.Context, r *receipts.Receipt) (cid.Cid, error)
}

// Config configures a Beacon.
type Config struct {
	// Governance is the only account allowed to register groups.
	Governance common.Address

	Store  storage.StateStore
	Ledger ledger.Ledger
	Blocks BlockSource

	// Events defaults to a LogSink on Logger.
	Events EventSink
	// Deliverer is optional.
	Deliverer Deliverer
	// Receipts is optional.
	Receipts ReceiptArchive

	SlashPolicy SlashPolicy
	Logger      *slog.Logger
}

// ApplyDefaults fills unset optional fields.
func (c *Config) ApplyDefaults() {
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.Events == nil {
		c.Events = LogSink{Logger: c.Logger}
	}
	if c.SlashPolicy.Mode == "" {
		c.SlashPolicy.Mode = SlashBurn
	}
}

// Beacon is the randomness beacon state machine. All operations are
// serialized; each either commits completely or leaves no trace.
type Beacon struct {
	governance common.Address
	store      storage.StateStore
	ledger     ledger.Ledger
	blocks     BlockSource
	events     EventSink
	deliverer  Deliverer
	receipts   ReceiptArchive
	policy     SlashPolicy
	logger     *slog.Logger

	mu         sync.Mutex
	groupIDs   types.Counter[types.GroupID]
	requestIDs types.Counter[types.RequestID]
}

// New creates a beacon and restores its identifier counters from the store.
func New(ctx context.Context, cfg Config) (*Beacon, error) {
	if cfg.Store == nil || cfg.Ledger == nil || cfg.Blocks == nil {
		return nil, errors.New("randao: store, ledger and block source are required")
	}
	cfg.ApplyDefaults()
	if err := cfg.SlashPolicy.Validate(); err != nil {
		return nil, err
	}

	nextGroup, nextRequest, err := cfg.Store.Counters(ctx)
	if err != nil {
		return nil, fmt.Errorf("load counters: %w", err)
	}

	return &Beacon{
		governance: cfg.Governance,
		store:      cfg.Store,
		ledger:     cfg.Ledger,
		blocks:     cfg.Blocks,
		events:     cfg.Events,
		deliverer:  cfg.Deliverer,
		receipts:   cfg.Receipts,
		policy:     cfg.SlashPolicy,
		logger:     cfg.Logger,
		groupIDs:   types.NewCounter(nextGroup),
		requestIDs: types.NewCounter(nextRequest),
	}, nil
}

// GroupIDCounter returns the identifier the next registered group receives.
func (b *Beacon) GroupIDCounter() types.GroupID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.groupIDs.Peek()
}

// RequestIDCounter returns the identifier the next request receives.
func (b *Beacon) RequestIDCounter() types.RequestID {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.requestIDs.Peek()
}

// CurrentBlock returns the height operations are evaluated at.
func (b *Beacon) CurrentBlock() uint64 {
	return b.blocks.CurrentBlock()
}

func (b *Beacon) group(ctx context.Context, id types.GroupID) (*types.Group, error) {
	g, err := b.store.GetGroup(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrGroupNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load group %d: %w", id, err)
	}
	return g, nil
}

func (b *Beacon) request(ctx context.Context, id types.RequestID) (*types.Request, error) {
	r, err := b.store.GetRequest(ctx, id)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, fmt.Errorf("%w: %d", ErrRequestNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("load request %d: %w", id, err)
	}
	return r, nil
}

func (b *Beacon) emit(ctx context.Context, events ...Event) {
	for _, e := range events {
		b.events.Emit(ctx, e)
	}
}
