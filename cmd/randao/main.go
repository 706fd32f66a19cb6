package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/relves/randao/pkg/config"
)

var (
	// Path to the configuration file.
	configFile string

	rootCmd = &cobra.Command{
		Use:           "randao",
		Short:         "RANDAO commit-reveal randomness beacon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to the config.yml file")

	for _, f := range []func(*cobra.Command){
		registerServe,
		registerAgent,
		registerKeygen,
	} {
		f(rootCmd)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration and installs the default JSON logger.
func loadConfig() (*config.Config, *slog.Logger, error) {
	cfg, err := config.InitConfig(configFile)
	if err != nil {
		return nil, nil, fmt.Errorf("init config: %w", err)
	}
	level, err := cfg.Log.SlogLevel()
	if err != nil {
		return nil, nil, err
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return cfg, logger, nil
}
