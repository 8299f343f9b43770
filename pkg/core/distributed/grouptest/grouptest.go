// Package grouptest holds test utilities for packages that exercise multi-rank collectives.
//
// It runs one goroutine per worker rank of a fresh distributed.Group, the same topology the
// production engine assumes (one synchronized worker per rank), and turns per-rank panics and
// coordination deadlocks into regular test failures.
package grouptest

import (
	"fmt"
	"runtime/debug"
	"sync"
	"testing"
	"time"

	"github.com/gomlx/distckpt/pkg/core/distributed"
)

// DefaultTimeout is how long Run waits for all ranks to finish before declaring a deadlock.
// Collective misuse (mismatched rendezvous sequences, missing group members) blocks forever;
// the watchdog converts that into a test failure with the ranks still pending.
const DefaultTimeout = 30 * time.Second

// RankFn is the body executed by every worker rank.
type RankFn func(t *testing.T, peer *distributed.Peer)

// Run creates a Group with worldSize ranks and executes fn once per rank, each on its own
// goroutine. It fails the test if any rank panics, and aborts with a failure if the ranks don't
// all finish within DefaultTimeout.
func Run(t *testing.T, worldSize int, fn RankFn) {
	t.Helper()
	group := distributed.NewGroup(worldSize)

	var wg sync.WaitGroup
	var mu sync.Mutex
	var failures []string

	for rank := 0; rank < worldSize; rank++ {
		wg.Add(1)
		go func(peer *distributed.Peer) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					mu.Lock()
					failures = append(failures,
						fmt.Sprintf("rank %d panicked: %v\n%s", peer.Rank(), r, debug.Stack()))
					mu.Unlock()
				}
			}()
			fn(t, peer)
		}(group.Peer(rank))
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(DefaultTimeout):
		t.Fatalf("ranks did not finish within %s -- likely a deadlocked collective", DefaultTimeout)
	}

	mu.Lock()
	defer mu.Unlock()
	for _, failure := range failures {
		t.Error(failure)
	}
}
