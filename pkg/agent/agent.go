// Package agent runs a group member: it commits, reveals and finalizes the
// requests its account takes part in.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	ds "github.com/ipfs/go-datastore"
	"golang.org/x/sync/errgroup"

	"github.com/relves/randao/pkg/commitment"
	"github.com/relves/randao/pkg/randao"
	"github.com/relves/randao/pkg/types"
)

// API is the part of the randao API the agent uses.
type API interface {
	Address() common.Address
	OpenRequests(ctx context.Context, account common.Address) ([]randao.RequestStatus, error)
	Commit(ctx context.Context, id types.RequestID, commitment common.Hash) error
	Reveal(ctx context.Context, id types.RequestID, secret common.Hash) error
	Finalize(ctx context.Context, id types.RequestID) (*types.Fulfillment, error)
}

// Config configures an Agent.
type Config struct {
	// PollInterval between passes. Default: 2s.
	PollInterval time.Duration
	// Secrets bounds how many unrevealed secrets are remembered. Default: 1024.
	Secrets int
	// Concurrency bounds in-flight calls per pass. Default: 8.
	Concurrency int
	// Store keeps secrets across restarts. Secrets are written before the
	// commitment is sent. Optional; without it secrets live only in memory.
	Store  ds.Datastore
	Logger *slog.Logger
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.PollInterval <= 0 {
		c.PollInterval = 2 * time.Second
	}
	if c.Secrets <= 0 {
		c.Secrets = 1024
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 8
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Agent acts for one member account.
type Agent struct {
	api     API
	me      common.Address
	secrets *lru.Cache[types.RequestID, common.Hash]
	store   ds.Datastore
	cfg     Config
	logger  *slog.Logger

	newSecret func() (common.Hash, error)
}

// New creates an agent.
func New(api API, cfg Config) (*Agent, error) {
	cfg.ApplyDefaults()
	secrets, err := lru.New[types.RequestID, common.Hash](cfg.Secrets)
	if err != nil {
		return nil, fmt.Errorf("create secret cache: %w", err)
	}
	me := api.Address()
	return &Agent{
		api:       api,
		me:        me,
		secrets:   secrets,
		store:     cfg.Store,
		cfg:       cfg,
		logger:    cfg.Logger.With("account", me.Hex()),
		newSecret: commitment.NewSecret,
	}, nil
}

// Run polls until ctx is cancelled.
func (a *Agent) Run(ctx context.Context) error {
	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	a.logger.Info("agent started", "interval", a.cfg.PollInterval)
	for {
		if err := a.Poll(ctx); err != nil && ctx.Err() == nil {
			a.logger.Warn("poll failed", "error", err)
		}
		select {
		case <-ctx.Done():
			a.logger.Info("agent stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Poll makes one pass over the open requests of the account. Failures on
// individual requests are logged and retried on the next pass.
func (a *Agent) Poll(ctx context.Context) error {
	reqs, err := a.api.OpenRequests(ctx, a.me)
	if err != nil {
		return fmt.Errorf("list open requests: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Concurrency)
	for _, r := range reqs {
		g.Go(func() error {
			if err := a.step(ctx, r); err != nil {
				a.logger.Warn("request step failed", "request", r.ID, "phase", r.Phase, "error", err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (a *Agent) step(ctx context.Context, r randao.RequestStatus) error {
	if r.Request == nil {
		return nil
	}
	p, ok := r.Request.Participation[a.me]
	if !ok {
		return nil
	}

	switch {
	case r.Finalizable:
		if _, err := a.api.Finalize(ctx, r.ID); err != nil && !errors.Is(err, randao.ErrAlreadyFinalized) {
			return err
		}
		if err := a.forget(ctx, r.ID); err != nil {
			return err
		}
		a.logger.Info("finalized", "request", r.ID)

	case r.Phase == types.PhaseCommitting && p.Commitment == nil:
		secret, ok, err := a.secret(ctx, r.ID)
		if err != nil {
			return err
		}
		if !ok {
			if secret, err = a.newSecret(); err != nil {
				return err
			}
			if err := a.remember(ctx, r.ID, secret); err != nil {
				return err
			}
		}
		if err := a.api.Commit(ctx, r.ID, commitment.Commit(secret)); err != nil {
			return err
		}
		a.logger.Info("committed", "request", r.ID)

	case r.Phase == types.PhaseRevealing && p.Commitment != nil && p.Secret == nil:
		secret, ok, err := a.secret(ctx, r.ID)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("no secret remembered for request %d", r.ID)
		}
		if err := a.api.Reveal(ctx, r.ID, secret); err != nil {
			return err
		}
		a.logger.Info("revealed", "request", r.ID)
	}
	return nil
}

func (a *Agent) secretKey(id types.RequestID) ds.Key {
	return ds.NewKey(fmt.Sprintf("/secrets/%s/%d", a.me.Hex(), id))
}

// secret looks id up in memory, then in the store.
func (a *Agent) secret(ctx context.Context, id types.RequestID) (common.Hash, bool, error) {
	if s, ok := a.secrets.Get(id); ok {
		return s, true, nil
	}
	if a.store == nil {
		return common.Hash{}, false, nil
	}
	raw, err := a.store.Get(ctx, a.secretKey(id))
	if errors.Is(err, ds.ErrNotFound) {
		return common.Hash{}, false, nil
	}
	if err != nil {
		return common.Hash{}, false, fmt.Errorf("load secret of request %d: %w", id, err)
	}
	s := common.BytesToHash(raw)
	a.secrets.Add(id, s)
	return s, true, nil
}

func (a *Agent) remember(ctx context.Context, id types.RequestID, s common.Hash) error {
	if a.store != nil {
		if err := a.store.Put(ctx, a.secretKey(id), s.Bytes()); err != nil {
			return fmt.Errorf("store secret of request %d: %w", id, err)
		}
	}
	a.secrets.Add(id, s)
	return nil
}

func (a *Agent) forget(ctx context.Context, id types.RequestID) error {
	a.secrets.Remove(id)
	if a.store == nil {
		return nil
	}
	if err := a.store.Delete(ctx, a.secretKey(id)); err != nil {
		return fmt.Errorf("delete secret of request %d: %w", id, err)
	}
	return nil
}
