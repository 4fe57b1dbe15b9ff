package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/fortiblox/stratus-svm/internal/types"
	"github.com/fortiblox/stratus-svm/pkg/bank"
)

// feedBlock is one block of a feed: a stream of JSON objects, usually one
// per line.
//
//	{"number":1,"timestamp":1700000006000,"hash":"<base58>","transactions":["<base64>"]}
type feedBlock struct {
	Number uint64 `json:"number"`
	// Timestamp is the block time in unix milliseconds.
	Timestamp    int64    `json:"timestamp"`
	Hash         string   `json:"hash"`
	Transactions []string `json:"transactions"`
}

type applyStats struct {
	Blocks       int
	Transactions int
	Failed       int
	Rejected     int
}

// applyFeed executes every block read from r. Transactions the runtime
// rejects are skipped; the block is still sealed.
func applyFeed(ctx context.Context, rt *bank.Runtime, r io.Reader, logger *zap.Logger) (applyStats, error) {
	var stats applyStats
	dec := json.NewDecoder(r)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		var block feedBlock
		if err := dec.Decode(&block); err != nil {
			if errors.Is(err, io.EOF) {
				return stats, nil
			}
			return stats, fmt.Errorf("decode block: %w", err)
		}
		hash, err := types.HashFromBase58(block.Hash)
		if err != nil {
			return stats, fmt.Errorf("block %d hash: %w", block.Number, err)
		}
		txs := make([][]byte, len(block.Transactions))
		for i, encoded := range block.Transactions {
			if txs[i], err = base64.StdEncoding.DecodeString(encoded); err != nil {
				return stats, fmt.Errorf("block %d transaction %d: %w", block.Number, i, err)
			}
		}

		if _, err := rt.BeginBlock(block.Number, block.Timestamp); err != nil {
			return stats, err
		}
		for i, raw := range txs {
			result, err := rt.Transact(raw)
			if err != nil {
				stats.Rejected++
				logger.Debug("transaction rejected",
					zap.Uint64("block", block.Number),
					zap.Int("index", i),
					zap.Error(err),
				)
				continue
			}
			stats.Transactions++
			if result.Status != nil {
				stats.Failed++
			}
		}
		if _, err := rt.EndBlock(hash); err != nil {
			return stats, err
		}
		stats.Blocks++
	}
}
