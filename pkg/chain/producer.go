// Package chain produces a simulated block sequence that drives the beacon.
package chain

import (
	"context"
	"encoding/binary"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// Block is one produced block.
type Block struct {
	Number uint64      `json:"number"`
	Hash   common.Hash `json:"hash"`
	Parent common.Hash `json:"parent"`
}

// Config configures a Producer.
type Config struct {
	// Interval between blocks when running. Default: 6s.
	Interval time.Duration
	// Start is the height of the genesis block.
	Start uint64
	// Genesis is the hash of the genesis block. Default: keccak256("randao").
	Genesis common.Hash
	Logger  *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Interval <= 0 {
		c.Interval = 6 * time.Second
	}
	if c.Genesis == (common.Hash{}) {
		c.Genesis = crypto.Keccak256Hash([]byte("randao"))
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Producer extends a hash chain at a fixed interval and notifies
// subscribers of every new block, in order.
type Producer struct {
	interval time.Duration
	logger   *slog.Logger

	mu   sync.RWMutex
	head Block
	subs []func(Block)
}

// NewProducer creates a producer positioned at its genesis block.
func NewProducer(cfg Config) *Producer {
	cfg.ApplyDefaults()
	return &Producer{
		interval: cfg.Interval,
		logger:   cfg.Logger,
		head:     Block{Number: cfg.Start, Hash: cfg.Genesis},
	}
}

// CurrentBlock returns the head height.
func (p *Producer) CurrentBlock() uint64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head.Number
}

// Head returns the head block.
func (p *Producer) Head() Block {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.head
}

// Subscribe registers fn to be called with every block produced afterwards.
// Callbacks run on the producing goroutine and must not call Advance.
func (p *Producer) Subscribe(fn func(Block)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.subs = append(p.subs, fn)
}

// Advance produces n blocks and returns the new head.
func (p *Producer) Advance(n uint64) Block {
	p.mu.Lock()
	defer p.mu.Unlock()

	for i := uint64(0); i < n; i++ {
		next := Block{Number: p.head.Number + 1, Parent: p.head.Hash}
		next.Hash = blockHash(next.Parent, next.Number)
		p.head = next
		for _, fn := range p.subs {
			fn(next)
		}
	}
	return p.head
}

// Run produces a block every interval until ctx is cancelled.
func (p *Producer) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	p.logger.Info("block production started", "interval", p.interval, "head", p.CurrentBlock())
	for {
		select {
		case <-ctx.Done():
			p.logger.Info("block production stopped", "head", p.CurrentBlock())
			return nil
		case <-ticker.C:
			b := p.Advance(1)
			p.logger.Debug("block produced", "number", b.Number, "hash", b.Hash.Hex())
		}
	}
}

func blockHash(parent common.Hash, number uint64) common.Hash {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], number)
	return crypto.Keccak256Hash(parent[:], n[:])
}
