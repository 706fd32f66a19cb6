package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/ethereum/go-ethereum/crypto"
	ds "github.com/ipfs/go-datastore"
	"github.com/spf13/cobra"

	"github.com/relves/randao/internal/storage/sqlite"
	"github.com/relves/randao/pkg/agent"
	"github.com/relves/randao/pkg/client"
)

func registerAgent(root *cobra.Command) {
	root.AddCommand(&cobra.Command{
		Use:   "agent",
		Short: "Commit, reveal and finalize on behalf of a group member",
		Long: `Commit, reveal and finalize on behalf of a group member.

Secrets are written to agent.state_path before their commitment is sent.
With an empty state_path they are held in memory only, and a restart between
commit and reveal loses them: the member is then slashed for committing
without revealing.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			if err := cfg.Agent.Validate(); err != nil {
				return fmt.Errorf("agent: %w", err)
			}
			key, err := crypto.LoadECDSA(cfg.Agent.KeyFile)
			if err != nil {
				return fmt.Errorf("load key: %w", err)
			}

			var secrets ds.Datastore
			if cfg.Agent.StatePath != "" {
				store, err := sqlite.OpenStore(cfg.Agent.StatePath)
				if err != nil {
					return fmt.Errorf("open agent state: %w", err)
				}
				defer store.Close()
				secrets = store.Datastore()
			} else {
				logger.Warn("agent state_path is empty; secrets will not survive a restart")
			}

			a, err := agent.New(client.New(cfg.Agent.Endpoint, key), agent.Config{
				PollInterval: cfg.Agent.PollInterval,
				Store:        secrets,
				Logger:       logger,
			})
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return a.Run(ctx)
		},
	})
}
