package distributed_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/distributed/grouptest"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGroup(t *testing.T) {
	t.Run("NewGroup panics on invalid world size", func(t *testing.T) {
		require.Panics(t, func() { distributed.NewGroup(0) })
		require.Panics(t, func() { distributed.NewGroup(-1) })
	})

	t.Run("Peer accessors", func(t *testing.T) {
		group := distributed.NewGroup(4)
		assert.Equal(t, 4, group.WorldSize())
		require.Panics(t, func() { group.Peer(-1) })
		require.Panics(t, func() { group.Peer(4) })

		peers := group.Peers()
		require.Len(t, peers, 4)
		for rank, peer := range peers {
			assert.Equal(t, rank, peer.Rank())
			assert.Equal(t, 4, peer.WorldSize())
			assert.Equal(t, rank == 0, peer.IsCoordinator())
			assert.Same(t, group, peer.Group())
		}
	})
}

func TestRendezvous(t *testing.T) {
	t.Run("releases all ranks together", func(t *testing.T) {
		const worldSize = 8
		var arrived atomic.Int32
		grouptest.Run(t, worldSize, func(t *testing.T, peer *distributed.Peer) {
			arrived.Add(1)
			peer.Rendezvous("all ready")
			// The barrier only opens once every rank has arrived.
			assert.Equal(t, int32(worldSize), arrived.Load())
		})
	})

	t.Run("reusable across phases", func(t *testing.T) {
		const worldSize = 4
		phases := []string{
			"saving checkpoint done",
			"mark checkpoint as done",
			"async saving checkpoint done",
		}
		var arrived atomic.Int32
		grouptest.Run(t, worldSize, func(t *testing.T, peer *distributed.Peer) {
			for i, phase := range phases {
				arrived.Add(1)
				peer.Rendezvous(phase)
				assert.GreaterOrEqual(t, arrived.Load(), int32(worldSize*(i+1)))
			}
		})
	})

	t.Run("name mismatch panics", func(t *testing.T) {
		group := distributed.NewGroup(3)
		peers := group.Peers()

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			peers[0].Rendezvous("alpha")
		}()
		// Give rank 0 time to register at the barrier before provoking the mismatch.
		time.Sleep(100 * time.Millisecond)
		require.Panics(t, func() { peers[1].Rendezvous("beta") })

		// The in-progress barrier is still waiting for the remaining ranks.
		wg.Add(1)
		go func() {
			defer wg.Done()
			peers[1].Rendezvous("alpha")
		}()
		peers[2].Rendezvous("alpha")
		wg.Wait()
	})
}

func TestAllReduceSum(t *testing.T) {
	t.Run("sums over the whole world", func(t *testing.T) {
		grouptest.Run(t, 4, func(t *testing.T, peer *distributed.Peer) {
			rank := peer.Rank()
			vec := tensors.FromFlatDataAndDimensions(
				[]float32{float32(rank), float32(2 * rank)}, 2)
			scalar := tensors.FromScalar(int64(rank + 1))

			require.NoError(t, peer.AllReduceSum(nil, vec, scalar))

			assert.Equal(t, []float32{6, 12}, tensors.MustCopyFlatData[float32](vec))
			assert.Equal(t, int64(10), tensors.ToScalar[int64](scalar))
		})
	})

	t.Run("sums within replica groups", func(t *testing.T) {
		groups := [][]int{{0, 1}, {2, 3}}
		grouptest.Run(t, 4, func(t *testing.T, peer *distributed.Peer) {
			value := tensors.FromScalar(float64(peer.Rank() + 1))
			require.NoError(t, peer.AllReduceSum(groups, value))

			want := 3.0 // ranks 0+1 contribute 1+2
			if peer.Rank() >= 2 {
				want = 7.0 // ranks 2+3 contribute 3+4
			}
			assert.Equal(t, want, tensors.ToScalar[float64](value))
		})
	})

	t.Run("singleton group is a no-op", func(t *testing.T) {
		groups := [][]int{{0}, {1, 2, 3}}
		grouptest.Run(t, 4, func(t *testing.T, peer *distributed.Peer) {
			value := tensors.FromScalar(float32(peer.Rank()))
			if peer.Rank() == 0 {
				value = tensors.FromScalar(float32(100))
			}
			require.NoError(t, peer.AllReduceSum(groups, value))

			if peer.Rank() == 0 {
				assert.Equal(t, float32(100), tensors.ToScalar[float32](value))
			} else {
				assert.Equal(t, float32(6), tensors.ToScalar[float32](value)) // 1+2+3
			}
		})
	})

	t.Run("rank outside all groups errors", func(t *testing.T) {
		groups := [][]int{{0, 1}}
		grouptest.Run(t, 4, func(t *testing.T, peer *distributed.Peer) {
			value := tensors.FromScalar(int32(peer.Rank()))
			err := peer.AllReduceSum(groups, value)
			if peer.Rank() <= 1 {
				require.NoError(t, err)
				assert.Equal(t, int32(1), tensors.ToScalar[int32](value))
			} else {
				require.Error(t, err)
				assert.Contains(t, err.Error(), "not a member")
			}
		})
	})

	t.Run("mismatched tensor counts error", func(t *testing.T) {
		grouptest.Run(t, 2, func(t *testing.T, peer *distributed.Peer) {
			ts := []*tensors.Tensor{tensors.FromScalar(float32(1))}
			if peer.Rank() == 0 {
				ts = append(ts, tensors.FromScalar(float32(2)))
			}
			err := peer.AllReduceSum(nil, ts...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "all-reduce")
		})
	})

	t.Run("mismatched shapes error", func(t *testing.T) {
		grouptest.Run(t, 2, func(t *testing.T, peer *distributed.Peer) {
			numElements := 2 + peer.Rank()
			data := make([]float32, numElements)
			value := tensors.FromFlatDataAndDimensions(data, numElements)
			err := peer.AllReduceSum(nil, value)
			require.Error(t, err)
			assert.Contains(t, err.Error(), "all-reduce")
		})
	})

	t.Run("back-to-back reductions do not collide", func(t *testing.T) {
		grouptest.Run(t, 2, func(t *testing.T, peer *distributed.Peer) {
			first := tensors.FromScalar(int64(peer.Rank() + 1))
			require.NoError(t, peer.AllReduceSum(nil, first))
			assert.Equal(t, int64(3), tensors.ToScalar[int64](first))

			second := tensors.FromScalar(int64(10 * (peer.Rank() + 1)))
			require.NoError(t, peer.AllReduceSum(nil, second))
			assert.Equal(t, int64(30), tensors.ToScalar[int64](second))
		})
	})

	t.Run("empty tensor list is a no-op", func(t *testing.T) {
		grouptest.Run(t, 2, func(t *testing.T, peer *distributed.Peer) {
			require.NoError(t, peer.AllReduceSum(nil))
		})
	})

	t.Run("bfloat16", func(t *testing.T) {
		grouptest.Run(t, 4, func(t *testing.T, peer *distributed.Peer) {
			// 0.5+1.5+2.5+3.5 and all its partial sums are exactly representable.
			value := tensors.FromScalarAndDimensions(
				bfloat16.FromFloat32(float32(peer.Rank())+0.5), 3)
			require.NoError(t, peer.AllReduceSum(nil, value))

			flat := tensors.MustCopyFlatData[bfloat16.BFloat16](value)
			require.Len(t, flat, 3)
			for _, v := range flat {
				assert.Equal(t, float32(8), v.Float32())
			}
		})
	})
}

func TestGroupInfo(t *testing.T) {
	groups := [][]int{{0, 2}, {1, 3, 5}}

	rankInGroup, groupSize, err := distributed.GroupInfo(groups, 2)
	require.NoError(t, err)
	assert.Equal(t, 1, rankInGroup)
	assert.Equal(t, 2, groupSize)

	rankInGroup, groupSize, err = distributed.GroupInfo(groups, 5)
	require.NoError(t, err)
	assert.Equal(t, 2, rankInGroup)
	assert.Equal(t, 3, groupSize)

	_, _, err = distributed.GroupInfo(groups, 4)
	require.ErrorContains(t, err, "rank 4 is not a member")
}
