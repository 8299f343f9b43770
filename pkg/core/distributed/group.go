package distributed

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Group coordinates the worker ranks of a distributed computation running in the same process,
// one goroutine per rank.
//
// It provides the two collective operations the checkpointing machinery is built on: named
// rendezvous barriers and a grouped element-wise all-reduce (sum). The per-rank handle is a Peer
// (see Group.Peer), which is the seam where a networked transport can plug in later, if the ranks
// are ever split across processes.
//
// All ranks must issue the same sequence of collective calls. A rank arriving at a rendezvous
// point with a different name than the one in progress panics: this is always a coordination bug
// in the caller, and failing loudly beats deadlocking silently.
type Group struct {
	worldSize int

	mu sync.Mutex

	// Rendezvous barrier state: name and arrival count of the barrier in progress, and the
	// channel closed when it completes. A new channel is created for each barrier generation.
	barrierName  string
	barrierCount int
	barrierDone  chan struct{}

	// In-flight all-reduce operations, keyed by the signature of the participating rank group.
	// An entry is removed when its last contributor arrives, so back-to-back reductions by the
	// same group never collide.
	reduceOps map[string]*reduceOp
}

// reduceOp accumulates the contributions of one rank group to an all-reduce.
type reduceOp struct {
	remaining int
	acc       []*tensors.Tensor
	err       error
	done      chan struct{}
}

// NewGroup creates a Group for worldSize worker ranks, with ranks numbered 0 to worldSize-1.
func NewGroup(worldSize int) *Group {
	if worldSize <= 0 {
		exceptions.Panicf("distributed.NewGroup: worldSize must be >= 1, got %d", worldSize)
	}
	return &Group{
		worldSize: worldSize,
		reduceOps: make(map[string]*reduceOp),
	}
}

// WorldSize returns the number of worker ranks in the group.
func (g *Group) WorldSize() int { return g.worldSize }

// Peer returns the handle for the given worker rank. All collective operations are issued
// through a rank's Peer.
func (g *Group) Peer(rank int) *Peer {
	if rank < 0 || rank >= g.worldSize {
		exceptions.Panicf("distributed.Group.Peer: rank %d out of range [0, %d)", rank, g.worldSize)
	}
	return &Peer{group: g, rank: rank}
}

// Peers returns the handles for all worker ranks, indexed by rank.
func (g *Group) Peers() []*Peer {
	peers := make([]*Peer, g.worldSize)
	for rank := range peers {
		peers[rank] = g.Peer(rank)
	}
	return peers
}

// rendezvous blocks the calling rank until all worldSize ranks arrive at the same named point.
func (g *Group) rendezvous(rank int, name string) {
	g.mu.Lock()
	if g.barrierCount == 0 {
		g.barrierName = name
		g.barrierDone = make(chan struct{})
	} else if g.barrierName != name {
		inProgress := g.barrierName
		g.mu.Unlock()
		exceptions.Panicf(
			"rank %d arrived at rendezvous %q while %d rank(s) wait at %q: all ranks must issue "+
				"the same sequence of rendezvous calls", rank, name, g.barrierCount, inProgress)
	}
	g.barrierCount++
	if g.barrierCount == g.worldSize {
		// Last rank releases everyone and resets for the next barrier.
		g.barrierCount = 0
		close(g.barrierDone)
		g.mu.Unlock()
		return
	}
	done := g.barrierDone
	g.mu.Unlock()
	<-done
}

// groupSignature is the map key identifying one rank group in reduceOps.
func groupSignature(group []int) string {
	return fmt.Sprintf("%v", group)
}

// findGroup returns the group of groups that contains rank, or an error if rank belongs to none.
// A nil groups slice means a single group with all ranks of the world.
func (g *Group) findGroup(groups [][]int, rank int) ([]int, error) {
	if groups == nil {
		world := make([]int, g.worldSize)
		for i := range world {
			world[i] = i
		}
		return world, nil
	}
	for _, group := range groups {
		if slices.Contains(group, rank) {
			return group, nil
		}
	}
	return nil, errors.Errorf("rank %d is not a member of any of the rank groups %v", rank, groups)
}

// GroupInfo locates rank inside groups and returns its position within its group and the
// group's size. It errors if rank belongs to no group.
func GroupInfo(groups [][]int, rank int) (rankInGroup, groupSize int, err error) {
	for _, group := range groups {
		for position, member := range group {
			if member == rank {
				return position, len(group), nil
			}
		}
	}
	return 0, 0, errors.Errorf("rank %d is not a member of any of the rank groups %v", rank, groups)
}

// allReduceSum implements Peer.AllReduceSum.
func (g *Group) allReduceSum(rank int, groups [][]int, ts []*tensors.Tensor) error {
	group, err := g.findGroup(groups, rank)
	if err != nil {
		return err
	}
	if len(ts) == 0 {
		return nil
	}
	if len(group) == 1 {
		// Nothing to reduce with.
		return nil
	}

	sig := groupSignature(group)
	g.mu.Lock()
	op, found := g.reduceOps[sig]
	if !found {
		op = &reduceOp{
			remaining: len(group),
			done:      make(chan struct{}),
		}
		g.reduceOps[sig] = op
	}

	// Accumulate this rank's contribution while holding the group lock: contention is bounded
	// by the group size and the accumulation itself dominates.
	if op.err == nil {
		if op.acc == nil {
			op.acc = make([]*tensors.Tensor, len(ts))
			for i, t := range ts {
				op.acc[i] = t.Clone()
			}
		} else if len(op.acc) != len(ts) {
			op.err = errors.Errorf(
				"rank %d contributed %d tensors to all-reduce over group %v, other ranks contributed %d",
				rank, len(ts), group, len(op.acc))
		} else {
			for i, t := range ts {
				if addErr := tensors.AddInPlace(op.acc[i], t); addErr != nil {
					op.err = errors.WithMessagef(addErr,
						"rank %d all-reduce over group %v, tensor #%d", rank, group, i)
					break
				}
			}
		}
	}
	op.remaining--
	last := op.remaining == 0
	if last {
		// Completed: detach from the map so the group's next reduction starts fresh.
		delete(g.reduceOps, sig)
		close(op.done)
	}
	g.mu.Unlock()

	if !last {
		<-op.done
	}
	if op.err != nil {
		return op.err
	}
	// Publish the reduced values into this rank's tensors.
	for i, t := range ts {
		if err := t.CopyFrom(op.acc[i]); err != nil {
			return errors.WithMessagef(err, "rank %d publishing all-reduce result #%d", rank, i)
		}
	}
	return nil
}

// Peer is the handle a single worker rank uses to issue collective operations on its Group.
type Peer struct {
	group *Group
	rank  int
}

// Rank returns this peer's worker rank.
func (p *Peer) Rank() int { return p.rank }

// WorldSize returns the number of worker ranks in the peer's group.
func (p *Peer) WorldSize() int { return p.group.worldSize }

// Group returns the Group this peer belongs to.
func (p *Peer) Group() *Group { return p.group }

// IsCoordinator returns whether this peer is the coordinator rank (rank 0).
func (p *Peer) IsCoordinator() bool { return p.rank == 0 }

// Rendezvous blocks until all ranks of the world arrive at the same named point.
//
// It panics if a concurrent rendezvous with a different name is in progress -- all ranks must
// issue identical sequences of collective calls.
func (p *Peer) Rendezvous(name string) {
	p.group.rendezvous(p.rank, name)
}

// AllReduceSum sums the given tensors element-wise across the rank group of the caller and
// overwrites every caller's tensors with the summed values.
//
// groups partitions (a subset of) the world's ranks; every member of the caller's group must call
// AllReduceSum with the same number of identically-shaped tensors. A nil groups means a single
// group with all ranks. A caller that belongs to no group gets an error.
func (p *Peer) AllReduceSum(groups [][]int, ts ...*tensors.Tensor) error {
	return p.group.allReduceSum(p.rank, groups, ts)
}
