// stratus-svm runs the Solana transaction runtime over a badger account
// ledger: it applies block feeds, serves committed state over gRPC and moves
// ledger snapshots in and out.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/config"
	"github.com/fortiblox/stratus-svm/internal/log"
)

// Version information
var (
	Version   = "0.1.0"
	GitCommit = "dev"
)

type app struct {
	configPath string
	dataDir    string
	logLevel   string

	cfg    *config.Config
	logger *zap.Logger
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "stratus-svm",
		Short:         "Solana transaction runtime over a foreign account ledger",
		Version:       fmt.Sprintf("%s (%s)", Version, GitCommit),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			if a.logger != nil {
				_ = a.logger.Sync()
			}
		},
	}
	root.PersistentFlags().StringVar(&a.configPath, "config", "", "path to a YAML config file")
	root.PersistentFlags().StringVar(&a.dataDir, "data-dir", "", "data directory (overrides data_dir)")
	root.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newGenesisCmd(a),
		newApplyCmd(a),
		newServeCmd(a),
		newSnapshotCmd(a),
	)
	return root
}

func (a *app) setup() error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	if a.dataDir != "" {
		cfg.SetDataDir(a.dataDir)
	}
	if a.logLevel != "" {
		cfg.Log.Level = a.logLevel
	}
	logger, err := log.NewFromConfig(cfg.Log)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.logger = logger
	return nil
}
