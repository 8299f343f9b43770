package distributed_test

import (
	"testing"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMesh(t *testing.T) {
	t.Run("NewMesh_Valid", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			wantAxes  int
			wantRanks int
		}{
			{
				name:      "1D mesh",
				sizes:     []int{8},
				axisNames: []string{"replica"},
				wantAxes:  1,
				wantRanks: 8,
			},
			{
				name:      "2D mesh",
				sizes:     []int{2, 4},
				axisNames: []string{"x", "y"},
				wantAxes:  2,
				wantRanks: 8,
			},
			{
				name:      "3D mesh",
				sizes:     []int{2, 2, 2},
				axisNames: []string{"x", "y", "z"},
				wantAxes:  3,
				wantRanks: 8,
			},
			{
				name:      "single rank",
				sizes:     []int{1},
				axisNames: []string{"replica"},
				wantAxes:  1,
				wantRanks: 1,
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewMesh(tt.sizes, tt.axisNames)
				require.NoError(t, err)
				assert.NotNil(t, mesh)
				assert.Equal(t, tt.wantAxes, mesh.NumAxes())
				assert.Equal(t, tt.wantRanks, mesh.NumRanks())
			})
		}
	})

	t.Run("NewMesh_Errors", func(t *testing.T) {
		tests := []struct {
			name      string
			sizes     []int
			axisNames []string
			wantErr   string
		}{
			{
				name:      "mismatched lengths",
				sizes:     []int{2, 4},
				axisNames: []string{"x"},
				wantErr:   "must have the same length",
			},
			{
				name:      "empty sizes",
				sizes:     []int{},
				axisNames: []string{},
				wantErr:   "axesSizes cannot be empty",
			},
			{
				name:      "empty axis name",
				sizes:     []int{4},
				axisNames: []string{""},
				wantErr:   "not a valid identifier",
			},
			{
				name:      "duplicate axis names",
				sizes:     []int{2, 4},
				axisNames: []string{"x", "x"},
				wantErr:   "axis name \"x\" is duplicated",
			},
			{
				name:      "zero-sized axis",
				sizes:     []int{2, 0},
				axisNames: []string{"x", "y"},
				wantErr:   "must have size >= 1",
			},
		}

		for _, tt := range tests {
			t.Run(tt.name, func(t *testing.T) {
				mesh, err := distributed.NewMesh(tt.sizes, tt.axisNames)
				require.Error(t, err)
				assert.Nil(t, mesh)
				assert.Contains(t, err.Error(), tt.wantErr)
			})
		}
	})

	t.Run("AxesNames", func(t *testing.T) {
		mesh, err := distributed.NewMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		axesNames := mesh.AxesNames()
		assert.Equal(t, []string{"x", "y"}, axesNames)

		// Verify it returns a copy
		axesNames[0] = "modified"
		assert.Equal(t, []string{"x", "y"}, mesh.AxesNames())

		assert.True(t, mesh.HasAxis("x"))
		assert.False(t, mesh.HasAxis("z"))
	})

	t.Run("AxisSize", func(t *testing.T) {
		mesh, err := distributed.NewMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)

		size, err := mesh.AxisSize("y")
		require.NoError(t, err)
		assert.Equal(t, 4, size)

		_, err = mesh.AxisSize("z")
		require.Error(t, err)
		assert.Contains(t, err.Error(), "not found")
	})

	t.Run("String", func(t *testing.T) {
		mesh, err := distributed.NewMesh([]int{2, 4}, []string{"x", "y"})
		require.NoError(t, err)
		assert.Equal(t, "Mesh(axesSizes={x: 2, y: 4})", mesh.String())
	})

	t.Run("Coordinates", func(t *testing.T) {
		mesh, err := distributed.NewMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
		require.NoError(t, err)

		tests := []struct {
			rank        int
			wantIndices []int
		}{
			{rank: 0, wantIndices: []int{0, 0, 0}},
			{rank: 1, wantIndices: []int{0, 0, 1}},
			{rank: 2, wantIndices: []int{0, 1, 0}},
			{rank: 3, wantIndices: []int{0, 1, 1}},
			{rank: 4, wantIndices: []int{1, 0, 0}},
			{rank: 5, wantIndices: []int{1, 0, 1}},
			{rank: 6, wantIndices: []int{1, 1, 0}},
			{rank: 7, wantIndices: []int{1, 1, 1}},
		}
		for _, tt := range tests {
			coords, err := mesh.Coordinates(tt.rank)
			require.NoError(t, err)
			assert.Equal(t, tt.wantIndices, coords)

			// RankFromCoordinates is the inverse.
			rank, err := mesh.RankFromCoordinates(coords)
			require.NoError(t, err)
			assert.Equal(t, tt.rank, rank)
		}

		_, err = mesh.Coordinates(8)
		require.Error(t, err)
		_, err = mesh.Coordinates(-1)
		require.Error(t, err)
		_, err = mesh.RankFromCoordinates([]int{0, 0})
		require.Error(t, err)
		_, err = mesh.RankFromCoordinates([]int{0, 0, 2})
		require.Error(t, err)

		coord, err := mesh.Coordinate(5, "y")
		require.NoError(t, err)
		assert.Equal(t, 0, coord)
		coord, err = mesh.Coordinate(5, "z")
		require.NoError(t, err)
		assert.Equal(t, 1, coord)
		_, err = mesh.Coordinate(5, "w")
		require.Error(t, err)
	})

	t.Run("ReplicaGroups", func(t *testing.T) {
		t.Run("2D mesh batch groups", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			groups, err := mesh.ReplicaGroups([]string{"batch"})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{0, 2}, {1, 3}}, groups)
		})

		t.Run("2D mesh data groups", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			groups, err := mesh.ReplicaGroups([]string{"data"})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{0, 1}, {2, 3}}, groups)
		})

		t.Run("2D mesh global groups", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			groups, err := mesh.ReplicaGroups([]string{"batch", "data"})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{0, 1, 2, 3}}, groups)
		})

		t.Run("3D mesh two axes", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2, 2}, []string{"x", "y", "z"})
			require.NoError(t, err)

			groups, err := mesh.ReplicaGroups([]string{"x", "y"})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{0, 2, 4, 6}, {1, 3, 5, 7}}, groups)
		})

		t.Run("empty axes list", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			// Empty axes list: each rank is its own group
			groups, err := mesh.ReplicaGroups([]string{})
			require.NoError(t, err)
			assert.Equal(t, [][]int{{0}, {1}, {2}, {3}}, groups)
		})

		t.Run("non-existent axis", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			_, err = mesh.ReplicaGroups([]string{"nonexistent"})
			require.Error(t, err)
		})

		t.Run("duplicated axis", func(t *testing.T) {
			mesh, err := distributed.NewMesh([]int{2, 2}, []string{"batch", "data"})
			require.NoError(t, err)

			_, err = mesh.ReplicaGroups([]string{"data", "data"})
			require.Error(t, err)
		})
	})

	t.Run("TrainingMesh", func(t *testing.T) {
		// 2-way data parallelism x 2-way tensor parallelism, no pipeline.
		mesh, err := distributed.NewTrainingMesh(2, 2, 1)
		require.NoError(t, err)
		assert.Equal(t, 4, mesh.NumRanks())

		// Consecutive ranks share a tensor-parallel group; data-parallel peers are strided.
		tensorGroups, err := mesh.ReplicaGroups([]string{distributed.TensorAxis})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 1}, {2, 3}}, tensorGroups)

		dataGroups, err := mesh.ReplicaGroups([]string{distributed.DataAxis})
		require.NoError(t, err)
		assert.Equal(t, [][]int{{0, 2}, {1, 3}}, dataGroups)

		dp, err := mesh.Coordinate(3, distributed.DataAxis)
		require.NoError(t, err)
		assert.Equal(t, 1, dp)
		tp, err := mesh.Coordinate(3, distributed.TensorAxis)
		require.NoError(t, err)
		assert.Equal(t, 1, tp)
		pp, err := mesh.Coordinate(3, distributed.PipelineAxis)
		require.NoError(t, err)
		assert.Equal(t, 0, pp)
	})
}
