package distributed

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/distckpt/pkg/support/sets"
	"github.com/pkg/errors"
)

// Mesh defines the logical topology of the worker ranks of a distributed computation.
//
// Each axis corresponds to one flavor of parallelism (data, tensor, pipeline, ...), and every
// worker rank maps to one coordinate along each axis. Ranks are assigned in row-major order:
// the last axis is the fastest-varying one.
type Mesh struct {
	name string

	// axesNames are the names of the mesh axes.
	axesNames []string

	// axesSizes defines the number of ranks along each mesh axis.
	axesSizes []int

	// nameToAxis maps axis names to their index.
	nameToAxis map[string]int

	// numRanks is the total number of worker ranks in the mesh.
	numRanks int
}

const DefaultMeshName = "mesh"

// Canonical axis names used by NewTrainingMesh.
//
// The pipeline axis is the slowest-varying one and the tensor axis the fastest, so ranks placed
// contiguously share a tensor-parallel group.
const (
	DataAxis     = "data"
	TensorAxis   = "tensor"
	PipelineAxis = "pipeline"
)

// IsNameValid checks whether a name is a valid identifier for a mesh name or axis name.
func IsNameValid(name string) bool {
	if name == "" {
		return false
	}
	if name[0] >= '0' && name[0] <= '9' {
		return false
	}
	for _, r := range name {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' {
			continue
		}
		return false
	}
	return true
}

// NewMesh creates a new logical topology for a set of worker ranks.
//
//   - axesSizes: defines the number of ranks along each mesh axis, one value per axis.
//   - axesNames: the names of the mesh axes. One value per axis.
//
// A Mesh can also be assigned a name, but because there is usually only one mesh, it's set to the
// default name "mesh" (DefaultMeshName).
func NewMesh(axesSizes []int, axesNames []string) (*Mesh, error) {
	if len(axesSizes) != len(axesNames) {
		return nil, errors.Errorf("axesSizes and axesNames must have the same length, got %d and %d",
			len(axesSizes), len(axesNames))
	}
	if len(axesSizes) == 0 {
		return nil, errors.New("Mesh axesSizes cannot be empty")
	}

	axesNames = slices.Clone(axesNames)
	for i, axisName := range axesNames {
		if !IsNameValid(axesNames[i]) {
			return nil, errors.Errorf(
				"Mesh axis name %q at index %d is not a valid identifier, it must start with a ASCII letter "+
					"and be followed only by letters, numbers or underscore", axisName, i)
		}
	}

	numRanks := 1
	nameToAxis := make(map[string]int, len(axesSizes))
	for i, name := range axesNames {
		if _, found := nameToAxis[name]; found {
			return nil, errors.Errorf("Mesh axis name %q is duplicated", name)
		}
		if axesSizes[i] <= 0 {
			return nil, errors.Errorf("Mesh axis %q must have size >= 1, got %d", name, axesSizes[i])
		}
		nameToAxis[name] = i
		numRanks *= axesSizes[i]
	}

	m := &Mesh{
		name:       DefaultMeshName,
		axesNames:  axesNames,
		axesSizes:  axesSizes,
		nameToAxis: nameToAxis,
		numRanks:   numRanks,
	}
	return m, nil
}

// NewTrainingMesh creates the canonical training mesh with pipeline, data and tensor parallelism
// axes (in that order, so tensor is the fastest-varying axis and two consecutive ranks belong to
// the same tensor-parallel group).
//
// Any of the sizes can be 1 if the corresponding flavor of parallelism is not used.
func NewTrainingMesh(dataSize, tensorSize, pipelineSize int) (*Mesh, error) {
	return NewMesh(
		[]int{pipelineSize, dataSize, tensorSize},
		[]string{PipelineAxis, DataAxis, TensorAxis})
}

// SetName of the mesh.
func (m *Mesh) SetName(name string) {
	m.name = name
}

// Name returns the mesh name.
func (m *Mesh) Name() string {
	return m.name
}

// NumRanks returns the total number of worker ranks in the mesh.
func (m *Mesh) NumRanks() int {
	return m.numRanks
}

// NumAxes returns the number of axes in the mesh.
func (m *Mesh) NumAxes() int {
	return len(m.axesSizes)
}

// AxesNames returns a copy of the mesh's axis names.
func (m *Mesh) AxesNames() []string {
	return slices.Clone(m.axesNames)
}

// AxesSizes returns a copy of the mesh's axesSizes.
func (m *Mesh) AxesSizes() []int {
	return slices.Clone(m.axesSizes)
}

// AxisSize returns the number of ranks along the given mesh axis.
func (m *Mesh) AxisSize(axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	return m.axesSizes[idx], nil
}

// HasAxis returns whether the mesh has an axis with the given name.
func (m *Mesh) HasAxis(axisName string) bool {
	_, found := m.nameToAxis[axisName]
	return found
}

// String implements the fmt.Stringer interface.
func (m *Mesh) String() string {
	var sb strings.Builder
	sb.WriteString("Mesh(axesSizes={")
	for i, name := range m.axesNames {
		if i > 0 {
			sb.WriteString(", ")
		}
		_, _ = fmt.Fprintf(&sb, "%s: %d", name, m.axesSizes[i])
	}
	sb.WriteString("})")
	return sb.String()
}

// Coordinates returns the per-axis coordinates of the given worker rank, decomposing the flat rank
// number in row-major order (last axis fastest-varying).
func (m *Mesh) Coordinates(rank int) ([]int, error) {
	if rank < 0 || rank >= m.numRanks {
		return nil, errors.Errorf("rank %d out of range for %s with %d ranks", rank, m, m.numRanks)
	}
	indices := make([]int, len(m.axesSizes))
	remaining := rank
	for i := len(m.axesSizes) - 1; i >= 0; i-- {
		indices[i] = remaining % m.axesSizes[i]
		remaining /= m.axesSizes[i]
	}
	return indices, nil
}

// Coordinate returns the coordinate of the given worker rank along one named axis.
func (m *Mesh) Coordinate(rank int, axisName string) (int, error) {
	idx, found := m.nameToAxis[axisName]
	if !found {
		return 0, errors.Errorf("mesh axis %q not found", axisName)
	}
	coords, err := m.Coordinates(rank)
	if err != nil {
		return 0, err
	}
	return coords[idx], nil
}

// RankFromCoordinates is the inverse of Coordinates: it composes per-axis coordinates back into
// the flat worker rank.
func (m *Mesh) RankFromCoordinates(coordinates []int) (int, error) {
	if len(coordinates) != len(m.axesSizes) {
		return 0, errors.Errorf("got %d coordinates for %s with %d axes",
			len(coordinates), m, len(m.axesSizes))
	}
	rank := 0
	for i, coord := range coordinates {
		if coord < 0 || coord >= m.axesSizes[i] {
			return 0, errors.Errorf("coordinate %d for axis %q out of range [0, %d)",
				coord, m.axesNames[i], m.axesSizes[i])
		}
		rank = rank*m.axesSizes[i] + coord
	}
	return rank, nil
}

// ReplicaGroups returns the groups of worker ranks participating in some collective (distributed)
// operation given the axes along which the operation is performed.
//
// Each group (a []int) includes the ranks whose coordinates differ only along the specified axes.
// The other axes split the ranks into the different groups.
//
// Example:
//
//	m := NewMesh([]int{2, 2}, []string{"batch", "data"})
//	batchGroups, _ := m.ReplicaGroups([]string{"batch"})  // -> [][]int{{0, 2}, {1, 3}}
//	dataGroups, _ := m.ReplicaGroups([]string{"data"})    // -> [][]int{{0, 1}, {2, 3}}
//	globalGroups, _ := m.ReplicaGroups([]string{"batch", "data"})  // -> [][]int{{0, 1, 2, 3}}
func (m *Mesh) ReplicaGroups(axes []string) ([][]int, error) {
	// Find indices of the specified axes
	axisIndices := make([]int, 0, len(axes))
	axisSet := sets.Make[int](len(axes))
	for _, axis := range axes {
		if idx, found := m.nameToAxis[axis]; found {
			if axisSet.Has(idx) {
				return nil, errors.Errorf("axis %q is duplicated: each axis can only appear once", axis)
			}
			axisIndices = append(axisIndices, idx)
			axisSet.Insert(idx)
		} else {
			return nil, errors.Errorf("axis %q not found in mesh", axis)
		}
	}

	// Create indices for each axis dimension
	nonAxisIndices := make([]int, 0, len(m.axesSizes)-len(axisIndices))
	for i := range m.axesSizes {
		if !slices.Contains(axisIndices, i) {
			nonAxisIndices = append(nonAxisIndices, i)
		}
	}

	// Calculate the size of each group and number of groups
	groupSize := 1
	for _, idx := range axisIndices {
		groupSize *= m.axesSizes[idx]
	}
	numGroups := m.numRanks / groupSize

	// Initialize the result
	groups := make([][]int, numGroups)
	for i := range groups {
		groups[i] = make([]int, groupSize)
	}

	// Fill in the groups
	for flatIdx := 0; flatIdx < m.numRanks; flatIdx++ {
		// Convert flat index to per-axis indices
		indices := make([]int, len(m.axesSizes))
		remaining := flatIdx
		for i := len(m.axesSizes) - 1; i >= 0; i-- {
			indices[i] = remaining % m.axesSizes[i]
			remaining /= m.axesSizes[i]
		}

		// Calculate group index from non-axis indices
		groupIdx := 0
		multiplier := 1
		for i := len(nonAxisIndices) - 1; i >= 0; i-- {
			axisIdx := nonAxisIndices[i]
			groupIdx += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		// Calculate position within group from axis indices
		posInGroup := 0
		multiplier = 1
		for i := len(axisIndices) - 1; i >= 0; i-- {
			axisIdx := axisIndices[i]
			posInGroup += indices[axisIdx] * multiplier
			multiplier *= m.axesSizes[axisIdx]
		}

		groups[groupIdx][posInGroup] = flatIdx
	}

	return groups, nil
}
