// Package client resolves the transaction-ordering token (a recent
// blockhash) required by the signature scheme. Resolution happens before any
// key material is exposed; the signer never does I/O while a key is open.
package client

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
)

// BlockhashSource yields a recent blockhash for transaction construction.
type BlockhashSource interface {
	Recent(ctx context.Context) (solana.Hash, error)
}

// RPCBlockhashSource fetches the latest blockhash over Solana RPC and caches
// it for a bounded TTL so bursts of signing calls share one fetch.
type RPCBlockhashSource struct {
	rpcClient *rpc.Client
	ttl       time.Duration
	clk       clock.Clock

	mu        sync.Mutex
	cached    solana.Hash
	fetchedAt time.Time
}

// NewRPCBlockhashSource creates a source against the given RPC endpoint.
func NewRPCBlockhashSource(rpcURL string, ttl time.Duration, clk clock.Clock) *RPCBlockhashSource {
	if clk == nil {
		clk = clock.New()
	}
	return &RPCBlockhashSource{
		rpcClient: rpc.New(rpcURL),
		ttl:       ttl,
		clk:       clk,
	}
}

// Recent returns the cached blockhash if fresh, refreshing it otherwise.
func (s *RPCBlockhashSource) Recent(ctx context.Context) (solana.Hash, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.fetchedAt.IsZero() && s.clk.Now().Sub(s.fetchedAt) < s.ttl {
		return s.cached, nil
	}

	recent, err := s.rpcClient.GetLatestBlockhash(ctx, rpc.CommitmentFinalized)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("failed to get recent blockhash: %w", err)
	}

	s.cached = recent.Value.Blockhash
	s.fetchedAt = s.clk.Now()
	return s.cached, nil
}
