package main

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/config"
	"github.com/fortiblox/stratus-svm/pkg/bank"
	"github.com/fortiblox/stratus-svm/pkg/blockstore"
	"github.com/fortiblox/stratus-svm/pkg/ledger"
)

// node holds the opened databases.
type node struct {
	cfg    *config.Config
	logger *zap.Logger
	ledger *ledger.BadgerLedger
	store  *blockstore.BoltStore
}

func openNode(cfg *config.Config, logger *zap.Logger) (*node, error) {
	l, err := ledger.NewBadgerLedger(cfg.BadgerConfig(), logger)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	store, err := blockstore.Open(cfg.BlockstoreConfig(), logger)
	if err != nil {
		l.Close()
		return nil, fmt.Errorf("open blockstore: %w", err)
	}
	return &node{cfg: cfg, logger: logger, ledger: l, store: store}, nil
}

func (n *node) runtime(opts ...bank.Option) (*bank.Runtime, error) {
	opts = append([]bank.Option{bank.WithLogger(n.logger)}, opts...)
	return bank.NewRuntime(n.ledger, n.store, n.cfg.BankConfig(), opts...)
}

func (n *node) Close() error {
	return errors.Join(n.store.Close(), n.ledger.Close())
}
