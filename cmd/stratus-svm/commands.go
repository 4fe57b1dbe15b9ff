package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/accounts"
	"github.com/fortiblox/stratus-svm/pkg/bank"
	"github.com/fortiblox/stratus-svm/pkg/geyser"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
	"github.com/fortiblox/stratus-svm/pkg/svm"
)

func newGenesisCmd(a *app) *cobra.Command {
	var (
		hash      string
		timestamp int64
		fund      map[string]string
	)
	cmd := &cobra.Command{
		Use:   "genesis",
		Short: "Initialize an empty node with block 0 and optional balances",
		RunE: func(cmd *cobra.Command, args []string) error {
			genesisHash, err := types.HashFromBase58(hash)
			if err != nil {
				return fmt.Errorf("genesis hash: %w", err)
			}
			if timestamp == 0 {
				timestamp = time.Now().UnixMilli()
			}

			n, err := openNode(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()

			rt, err := n.runtime()
			if err != nil {
				return err
			}
			if err := rt.Genesis(genesisHash, timestamp); err != nil {
				return err
			}
			for key, amount := range fund {
				if err := fundAccount(n.ledger, key, amount, a.cfg.Runtime.DecimalMultiplier); err != nil {
					return err
				}
				a.logger.Info("funded account", zap.String("pubkey", key), zap.String("lamports", amount))
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "base58 hash of block 0")
	cmd.Flags().Int64Var(&timestamp, "timestamp", 0, "genesis time in unix milliseconds (default now)")
	cmd.Flags().StringToStringVar(&fund, "fund", nil, "pubkey=lamports balances to mint")
	_ = cmd.MarkFlagRequired("hash")
	return cmd
}

func fundAccount(l ledger.Ledger, key, amount string, multiplier uint64) error {
	pubkey, err := types.PubkeyFromBase58(key)
	if err != nil {
		return fmt.Errorf("fund %s: %w", key, err)
	}
	lamports, err := strconv.ParseUint(amount, 10, 64)
	if err != nil {
		return fmt.Errorf("fund %s: %w", key, err)
	}
	native := accounts.NewLamports(lamports, multiplier).Native()
	return l.IncreaseBalance(ledger.AccountIDFromPubkey(pubkey), native)
}

func newApplyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "apply [feed]",
		Short: "Execute the blocks of a feed file (or stdin)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			in, closeIn, err := openFeed(args)
			if err != nil {
				return err
			}
			defer closeIn()

			n, err := openNode(a.cfg, a.logger)
			if err != nil {
				return err
			}
			defer n.Close()

			rt, err := n.runtime()
			if err != nil {
				return err
			}
			stats, err := applyFeed(cmd.Context(), rt, in, a.logger)
			a.logger.Info("feed applied",
				zap.Int("blocks", stats.Blocks),
				zap.Int("transactions", stats.Transactions),
				zap.Int("failed", stats.Failed),
				zap.Int("rejected", stats.Rejected),
			)
			return err
		},
	}
}

func openFeed(args []string) (io.Reader, func(), error) {
	if len(args) == 0 || args[0] == "-" {
		return os.Stdin, func() {}, nil
	}
	f, err := os.Open(args[0])
	if err != nil {
		return nil, nil, err
	}
	return f, func() { f.Close() }, nil
}

func newServeCmd(a *app) *cobra.Command {
	var feed string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the metrics and geyser servers, optionally applying a feed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.serve(cmd.Context(), feed)
		},
	}
	cmd.Flags().StringVar(&feed, "feed", "", "feed file to apply (- for stdin)")
	return cmd
}

func (a *app) serve(ctx context.Context, feed string) error {
	n, err := openNode(a.cfg, a.logger)
	if err != nil {
		return err
	}
	defer n.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	reporter, err := svm.NewMetricsReporter(registry)
	if err != nil {
		return err
	}
	opts := []bank.Option{bank.WithMetrics(reporter)}

	var stream *geyser.Server
	if a.cfg.Geyser.Enabled {
		stream, err = geyser.NewServer(a.cfg.GeyserConfig(), a.logger)
		if err != nil {
			return err
		}
		opts = append(opts, bank.WithObserver(stream))
	}

	rt, err := n.runtime(opts...)
	if err != nil {
		return err
	}

	g, ctx := errgroup.WithContext(ctx)
	if a.cfg.Metrics.Enabled {
		g.Go(func() error {
			return serveMetrics(ctx, a.cfg.Metrics.ListenAddr, a.cfg.Metrics.Path, registry, a.logger)
		})
	}
	if stream != nil {
		g.Go(func() error {
			return stream.ListenAndServe(ctx)
		})
	}
	if feed != "" {
		g.Go(func() error {
			in, closeIn, err := openFeed([]string{feed})
			if err != nil {
				return err
			}
			defer closeIn()
			stats, err := applyFeed(ctx, rt, in, a.logger)
			a.logger.Info("feed applied",
				zap.Int("blocks", stats.Blocks),
				zap.Int("transactions", stats.Transactions),
			)
			if errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		})
	}

	a.logger.Info("stratus-svm started",
		zap.String("version", Version),
		zap.Uint64("latest_block", n.store.LatestNumber()),
		zap.Bool("metrics", a.cfg.Metrics.Enabled),
		zap.Bool("geyser", a.cfg.Geyser.Enabled),
	)
	<-ctx.Done()
	err = g.Wait()
	a.logger.Info("stratus-svm stopped")
	return err
}

func serveMetrics(ctx context.Context, addr, path string, gatherer prometheus.Gatherer, logger *zap.Logger) error {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	logger.Info("metrics server listening", zap.String("addr", addr), zap.String("path", path))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func newSnapshotCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export or import ledger snapshots",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "export <file>",
			Short: "Write every ledger account to a zstd snapshot",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := openNode(a.cfg, a.logger)
				if err != nil {
					return err
				}
				defer n.Close()
				info, err := ledger.ExportSnapshotFile(args[0], n.ledger)
				if err != nil {
					return err
				}
				a.logger.Info("snapshot exported",
					zap.String("file", args[0]),
					zap.Uint64("accounts", info.Accounts),
					zap.Stringer("state_hash", info.StateHash),
				)
				return nil
			},
		},
		&cobra.Command{
			Use:   "import <file>",
			Short: "Load a snapshot into an empty ledger",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				n, err := openNode(a.cfg, a.logger)
				if err != nil {
					return err
				}
				defer n.Close()
				info, err := ledger.ImportSnapshotFile(args[0], n.ledger)
				if err != nil {
					return err
				}
				a.logger.Info("snapshot imported",
					zap.String("file", args[0]),
					zap.Uint64("accounts", info.Accounts),
					zap.Stringer("state_hash", info.StateHash),
				)
				return nil
			},
		},
	)
	return cmd
}
