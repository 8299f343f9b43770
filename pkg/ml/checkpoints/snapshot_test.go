package checkpoints

import (
	"testing"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSnapshot builds a nested snapshot with 3 tensors. Sorted-key traversal order is
// layers/0/bias, layers/0/weights, step (within "layers", "bias" < "weights").
func testSnapshot() (Snapshot, []*tensors.Tensor) {
	bias := tensors.FromFlatDataAndDimensions([]float32{0.5, -0.5}, 2)
	weights := tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)
	step := tensors.FromScalar(int64(17))
	snapshot := Snapshot{
		"layers": []any{
			map[string]any{"weights": weights, "bias": bias},
		},
		"name": "mlp",
		"step": step,
	}
	return snapshot, []*tensors.Tensor{bias, weights, step}
}

func TestSnapshotSnapshotter(t *testing.T) {
	s := Snapshot{"a": 1}
	got, err := s.StateSnapshot()
	require.NoError(t, err)
	assert.Equal(t, s, got)

	require.NoError(t, s.RestoreSnapshot(Snapshot{"a": 2, "b": 3}))
	assert.Equal(t, Snapshot{"a": 2, "b": 3}, s)
}

func TestExtractTensors(t *testing.T) {
	snapshot, wantOrder := testSnapshot()
	skeleton, ordered, err := extractTensors(snapshot)
	require.NoError(t, err)
	require.Len(t, ordered, 3)
	for i, want := range wantOrder {
		assert.Same(t, want, ordered[i], "tensor #%d out of traversal order", i)
	}

	// The input snapshot must be untouched: its leaves are still live tensors.
	assert.IsType(t, &tensors.Tensor{}, snapshot["step"])
	layer := snapshot["layers"].([]any)[0].(map[string]any)
	assert.IsType(t, &tensors.Tensor{}, layer["weights"])

	// The skeleton carries internal references with the shapes, and keeps plain values.
	assert.Equal(t, "mlp", skeleton["name"])
	assert.Equal(t, internalRef{ID: 2, Shape: shapes.Make(dtypes.Int64)}, skeleton["step"])
	skeletonLayer := skeleton["layers"].([]any)[0].(map[string]any)
	assert.Equal(t, internalRef{ID: 0, Shape: shapes.Make(dtypes.Float32, 2)}, skeletonLayer["bias"])
	assert.Equal(t, internalRef{ID: 1, Shape: shapes.Make(dtypes.Float32, 2, 3)}, skeletonLayer["weights"])
}

func TestExtractTensorsDeterminism(t *testing.T) {
	// Two structurally identical snapshots built in different insertion orders must agree
	// on the tensor numbering, since shard assignment on every rank depends on it.
	a := Snapshot{}
	a["w1"] = tensors.FromScalar(float32(1))
	a["w2"] = tensors.FromScalar(float32(2))
	b := Snapshot{}
	b["w2"] = tensors.FromScalar(float32(2))
	b["w1"] = tensors.FromScalar(float32(1))

	_, orderedA, err := extractTensors(a)
	require.NoError(t, err)
	_, orderedB, err := extractTensors(b)
	require.NoError(t, err)
	require.Len(t, orderedA, 2)
	require.Len(t, orderedB, 2)
	assert.Equal(t, float32(1), tensors.ToScalar[float32](orderedA[0]))
	assert.Equal(t, float32(1), tensors.ToScalar[float32](orderedB[0]))
}

func TestExtractTensorsInvalid(t *testing.T) {
	dead := tensors.FromScalar(float32(1))
	dead.Finalize()
	_, _, err := extractTensors(Snapshot{"x": dead})
	require.ErrorContains(t, err, "invalid")
	require.ErrorContains(t, err, `in snapshot entry "x"`)
}

func TestExternalizeAndResolve(t *testing.T) {
	snapshot, _ := testSnapshot()
	skeleton, ordered, err := extractTensors(snapshot)
	require.NoError(t, err)

	persisted, shapeTable := externalizeRefs(skeleton)
	assert.Equal(t, map[int]shapes.Shape{
		0: shapes.Make(dtypes.Float32, 2),
		1: shapes.Make(dtypes.Float32, 2, 3),
		2: shapes.Make(dtypes.Int64),
	}, shapeTable)
	assert.Equal(t, []int{0, 1, 2}, collectRefIDs(persisted))
	assert.Equal(t, TensorRef{ID: 2}, persisted["step"])

	restored, err := resolveRefs(persisted, func(ref TensorRef) (*tensors.Tensor, error) {
		return ordered[ref.ID], nil
	})
	require.NoError(t, err)
	assert.True(t, restored["step"].(*tensors.Tensor).Equal(tensors.FromScalar(int64(17))))
	restoredLayer := restored["layers"].([]any)[0].(map[string]any)
	assert.True(t, restoredLayer["weights"].(*tensors.Tensor).Equal(
		tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)))
	assert.Equal(t, "mlp", restored["name"])
}

func TestSnapshotBytes(t *testing.T) {
	snapshot, _ := testSnapshot()
	// 2*4 + 6*4 + 1*8 bytes.
	assert.Equal(t, int64(40), snapshotBytes(snapshot))
	assert.Equal(t, int64(24), snapshotBytes(tensors.FromFlatDataAndDimensions([]float32{1, 2, 3, 4, 5, 6}, 2, 3)))
	assert.Equal(t, int64(0), snapshotBytes("just a string"))
}
