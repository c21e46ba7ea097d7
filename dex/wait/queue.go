// This code is available on the terms of the project LICENSE.md file,
// also available online at https://blueoakcouncil.org/license/1.0.0.

// Package wait provides a periodic-retry queue used to re-check
// conditions (UTXO confirmation depth, counterparty liveness) on a fixed
// interval until they resolve or expire.
package wait

import (
	"context"
	"sync"
	"time"

	"github.com/xswap-coordinator/xswapd/dex"
)

// TryDirective is returned by a Waiter's TryFunc to tell the queue
// whether to keep retrying.
type TryDirective bool

const (
	TryAgain     TryDirective = false
	DontTryAgain TryDirective = true
)

// Waiter is a function run every recheckInterval until it signals
// completion or its Expiration passes.
type Waiter struct {
	Expiration time.Time
	TryFunc    func() TryDirective
	ExpireFunc func()
}

// TickerQueue runs a set of Waiters on a shared recheck interval,
// grounded on the reference swap driver's latencyQ, which re-polls
// pending HTLC confirmations at a fixed cadence rather than per-waiter.
type TickerQueue struct {
	log             dex.Logger
	waiterMtx       sync.RWMutex
	waiters         []*Waiter
	recheckInterval time.Duration
}

// NewTickerQueue is the constructor for a TickerQueue.
func NewTickerQueue(recheckInterval time.Duration, log dex.Logger) *TickerQueue {
	return &TickerQueue{
		log:             log,
		recheckInterval: recheckInterval,
		waiters:         make([]*Waiter, 0, 256),
	}
}

// Wait registers w, running its TryFunc immediately and only queueing it
// for periodic re-checks if that first attempt returns TryAgain.
func (q *TickerQueue) Wait(w *Waiter) {
	if time.Now().After(w.Expiration) {
		q.log.Error("wait.TickerQueue: Waiter given expiration before present")
		return
	}
	if w.TryFunc() == DontTryAgain {
		return
	}
	q.waiterMtx.Lock()
	q.waiters = append(q.waiters, w)
	q.waiterMtx.Unlock()
}

// Run runs the queue's check loop until ctx is cancelled, at which point
// every still-pending Waiter's ExpireFunc is run.
func (q *TickerQueue) Run(ctx context.Context) {
	defer func() {
		q.waiterMtx.Lock()
		for _, w := range q.waiters {
			w.ExpireFunc()
		}
		q.waiters = q.waiters[:0]
		q.waiterMtx.Unlock()
	}()

	ticker := time.NewTicker(q.recheckInterval)
	defer ticker.Stop()

	runWaiters := func() {
		q.waiterMtx.Lock()
		defer q.waiterMtx.Unlock()
		agains := make([]*Waiter, 0, len(q.waiters))
		tNow := time.Now()
		for _, w := range q.waiters {
			if ctx.Err() != nil {
				return
			}
			if w.TryFunc() == DontTryAgain {
				continue
			}
			if w.Expiration.Before(tNow) {
				w.ExpireFunc()
				continue
			}
			agains = append(agains, w)
		}
		q.waiters = agains
	}

	for {
		select {
		case <-ticker.C:
			runWaiters()
		case <-ctx.Done():
			return
		}
	}
}

// Len reports how many Waiters are currently queued.
func (q *TickerQueue) Len() int {
	q.waiterMtx.RLock()
	defer q.waiterMtx.RUnlock()
	return len(q.waiters)
}
