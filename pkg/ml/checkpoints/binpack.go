package checkpoints

import (
	"sort"

	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/exceptions"
)

// assignTensorsToBins partitions the tensors of a snapshot into binCount bins of near-equal
// total byte size and returns the tensor indices assigned to each bin. Bins may come out
// empty when there are fewer tensors than bins.
//
// The assignment is greedy: tensors are visited from smallest to largest and each goes to the
// bin with the smallest total so far, the lowest-numbered one on ties. It is deterministic, so
// every rank of a group computes the same partition without communicating.
func assignTensorsToBins(ts []*tensors.Tensor, binCount int) [][]int {
	if binCount <= 0 {
		exceptions.Panicf("assignTensorsToBins: binCount must be >= 1, got %d", binCount)
	}
	type indexedSize struct {
		index int
		size  uintptr
	}
	sizes := make([]indexedSize, len(ts))
	for i, t := range ts {
		sizes[i] = indexedSize{index: i, size: t.Memory()}
	}
	sort.SliceStable(sizes, func(i, j int) bool { return sizes[i].size < sizes[j].size })

	binIndices := make([][]int, binCount)
	binSizes := make([]uintptr, binCount)
	for _, entry := range sizes {
		smallest := 0
		for bin := 1; bin < binCount; bin++ {
			if binSizes[bin] < binSizes[smallest] {
				smallest = bin
			}
		}
		binIndices[smallest] = append(binIndices[smallest], entry.index)
		binSizes[smallest] += entry.size
	}
	return binIndices
}
