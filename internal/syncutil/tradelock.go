// Package syncutil provides per-trade mutual exclusion.
//
// Every mutation of a trade's ledger or state must hold the trade's lock so
// that two reconciliation passes cannot double-record a deposit and a release
// cannot race a refund on the same trade. Locks are sharded by trade ID; keys
// that hash to the same shard contend, which is harmless for correctness.
package syncutil

import (
	"context"
	"hash/fnv"
	"sync"
)

const shardCount = 256

// TradeLocks is a fixed pool of channel-based mutexes keyed by trade ID.
// Acquisition respects context cancellation, so a caller waiting behind a
// slow wallet call can give up when its request deadline passes.
type TradeLocks struct {
	shards [shardCount]chan struct{}
	once   sync.Once
}

// NewTradeLocks creates an initialized lock pool.
func NewTradeLocks() *TradeLocks {
	l := &TradeLocks{}
	l.init()
	return l
}

func (l *TradeLocks) init() {
	l.once.Do(func() {
		for i := range l.shards {
			l.shards[i] = make(chan struct{}, 1)
			l.shards[i] <- struct{}{} // start unlocked
		}
	})
}

// Acquire locks the shard for tradeID, blocking until the lock is free or ctx
// is done. On success it returns a release function the caller MUST invoke.
func (l *TradeLocks) Acquire(ctx context.Context, tradeID string) (func(), error) {
	l.init()
	shard := l.shards[shardFor(tradeID)]

	select {
	case <-shard:
		return func() { shard <- struct{}{} }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func shardFor(key string) uint32 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return h.Sum32() % shardCount
}
