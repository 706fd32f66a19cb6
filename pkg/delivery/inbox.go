// Package delivery hands finalized randomness to requesters.
package delivery

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/relves/randao/pkg/types"
)

// Result is one delivered output.
type Result struct {
	Request     types.RequestID `json:"request"`
	Output      common.Hash     `json:"output"`
	DeliveredAt time.Time       `json:"delivered_at"`
}

// Config configures an Inbox.
type Config struct {
	// Requesters bounds how many requesters are remembered. Default: 10,000.
	Requesters int
	// PerRequester bounds how many results are kept per requester. Default: 64.
	PerRequester int
	Logger       *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Requesters <= 0 {
		c.Requesters = 10000
	}
	if c.PerRequester <= 0 {
		c.PerRequester = 64
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Inbox keeps the most recent results of each requester. Least recently
// served requesters are evicted first. It is safe for concurrent use.
type Inbox struct {
	mu     sync.Mutex
	cache  *lru.Cache[common.Address, []Result]
	keep   int
	logger *slog.Logger
	now    func() time.Time
}

// NewInbox creates an inbox.
func NewInbox(cfg Config) (*Inbox, error) {
	cfg.ApplyDefaults()
	cache, err := lru.New[common.Address, []Result](cfg.Requesters)
	if err != nil {
		return nil, fmt.Errorf("create inbox cache: %w", err)
	}
	return &Inbox{cache: cache, keep: cfg.PerRequester, logger: cfg.Logger, now: time.Now}, nil
}

// Deliver records output for requester.
func (in *Inbox) Deliver(_ context.Context, request types.RequestID, requester common.Address, output common.Hash) error {
	in.mu.Lock()
	defer in.mu.Unlock()

	results, _ := in.cache.Get(requester)
	next := make([]Result, 0, min(len(results)+1, in.keep))
	if drop := len(results) + 1 - in.keep; drop > 0 {
		results = results[drop:]
	}
	next = append(next, results...)
	next = append(next, Result{Request: request, Output: output, DeliveredAt: in.now().UTC()})
	if in.cache.Add(requester, next) {
		in.logger.Debug("inbox evicted a requester")
	}
	in.logger.Debug("randomness delivered", "request", request, "requester", requester.Hex())
	return nil
}

// Results returns the results held for requester, oldest first.
func (in *Inbox) Results(requester common.Address) []Result {
	in.mu.Lock()
	defer in.mu.Unlock()

	results, ok := in.cache.Get(requester)
	if !ok {
		return []Result{}
	}
	return append([]Result(nil), results...)
}

// Result returns the output delivered for request, if it is still held.
func (in *Inbox) Result(requester common.Address, request types.RequestID) (Result, bool) {
	for _, r := range in.Results(requester) {
		if r.Request == request {
			return r, true
		}
	}
	return Result{}, false
}
