package checkpoints

import (
	"encoding/gob"
	"time"

	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/xslices"
	"github.com/pkg/errors"
)

// Snapshot is the state container checkpoints carry: string-keyed and arbitrarily nested --
// values can be further Snapshot (or map[string]any) containers, []any lists, *tensors.Tensor
// leaves, or any other gob-encodable value (scalars, strings, time.Time, ...).
//
// Leaf types other than the ones registered in this package's init() must be registered with
// gob.Register by the caller before saving.
type Snapshot map[string]any

// Snapshotter is implemented by anything whose state can be checkpointed: models, optimizers,
// learning rate schedules.
type Snapshotter interface {
	// StateSnapshot returns the current state. The engine does not modify the returned
	// snapshot, but it may hold on to the tensors in it until the save is drained, so
	// callers in asynchronous mode should not mutate them in place until then.
	StateSnapshot() (Snapshot, error)

	// RestoreSnapshot replaces the current state with a previously saved one.
	RestoreSnapshot(snapshot Snapshot) error
}

// StateSnapshot implements Snapshotter: a Snapshot is its own state.
func (s Snapshot) StateSnapshot() (Snapshot, error) { return s, nil }

// RestoreSnapshot implements Snapshotter by copying the loaded entries over s.
func (s Snapshot) RestoreSnapshot(loaded Snapshot) error {
	for key, value := range loaded {
		s[key] = value
	}
	return nil
}

// TensorRef is the persisted stand-in for a tensor stored in its own file: the skeleton of a
// sharded snapshot holds a TensorRef wherever the live snapshot holds a *tensors.Tensor, and
// ID names the file inside the "<path>.tensors/" folder.
type TensorRef struct {
	ID int
}

// internalRef replaces tensors between id assignment and persistence. Unlike TensorRef it
// still carries the shape, which goes into the shape table next to the skeleton, never into
// the skeleton itself. It is deliberately not gob-registered: one leaking into a persisted
// skeleton is a bug, and the encoder will refuse it loudly.
type internalRef struct {
	ID    int
	Shape shapes.Shape
}

func init() {
	gob.Register(Snapshot{})
	gob.Register(map[string]any{})
	gob.Register([]any{})
	gob.Register(TensorRef{})
	gob.Register(&tensors.Tensor{})
	gob.Register(map[int]shapes.Shape{})
	gob.Register(time.Time{})
}

// rewriteLeaves returns a copy of value with every non-container leaf replaced by fn(leaf).
// Containers (Snapshot, map[string]any and []any) are rebuilt, so the input is never mutated.
// Traversal order is deterministic -- sorted map keys, slices by index -- which is what lets
// every rank walking structurally identical snapshots agree on tensor numbering.
func rewriteLeaves(value any, fn func(leaf any) (any, error)) (any, error) {
	switch v := value.(type) {
	case Snapshot:
		rewritten, err := rewriteStringMap(v, fn)
		if err != nil {
			return nil, err
		}
		return Snapshot(rewritten), nil
	case map[string]any:
		return rewriteStringMap(v, fn)
	case []any:
		rewritten := make([]any, len(v))
		for i, element := range v {
			var err error
			rewritten[i], err = rewriteLeaves(element, fn)
			if err != nil {
				return nil, err
			}
		}
		return rewritten, nil
	default:
		return fn(v)
	}
}

func rewriteStringMap(m map[string]any, fn func(leaf any) (any, error)) (map[string]any, error) {
	rewritten := make(map[string]any, len(m))
	for _, key := range xslices.SortedKeys(m) {
		value, err := rewriteLeaves(m[key], fn)
		if err != nil {
			return nil, errors.WithMessagef(err, "in snapshot entry %q", key)
		}
		rewritten[key] = value
	}
	return rewritten, nil
}

// extractTensors assigns sequential ids to the tensor leaves of snapshot, in traversal order,
// and returns the skeleton -- the snapshot with each tensor replaced by an internalRef --
// along with the tensors indexed by their id.
func extractTensors(snapshot Snapshot) (skeleton Snapshot, ordered []*tensors.Tensor, err error) {
	rewritten, err := rewriteLeaves(snapshot, func(leaf any) (any, error) {
		t, ok := leaf.(*tensors.Tensor)
		if !ok {
			return leaf, nil
		}
		if err := t.CheckValid(); err != nil {
			return nil, errors.WithMessagef(err, "tensor #%d of snapshot", len(ordered))
		}
		ref := internalRef{ID: len(ordered), Shape: t.Shape()}
		ordered = append(ordered, t)
		return ref, nil
	})
	if err != nil {
		return nil, nil, err
	}
	return rewritten.(Snapshot), ordered, nil
}

// externalizeRefs converts a skeleton's internal references to the persisted TensorRef form,
// collecting the shapes into the table saved next to the skeleton.
func externalizeRefs(skeleton Snapshot) (persisted Snapshot, shapeTable map[int]shapes.Shape) {
	shapeTable = make(map[int]shapes.Shape)
	rewritten, _ := rewriteLeaves(skeleton, func(leaf any) (any, error) {
		ref, ok := leaf.(internalRef)
		if !ok {
			return leaf, nil
		}
		shapeTable[ref.ID] = ref.Shape
		return TensorRef{ID: ref.ID}, nil
	})
	return rewritten.(Snapshot), shapeTable
}

// collectRefIDs returns the ids of the TensorRef leaves of a loaded skeleton, in traversal
// order. The result is identical on every rank.
func collectRefIDs(skeleton Snapshot) []int {
	var ids []int
	_, _ = rewriteLeaves(skeleton, func(leaf any) (any, error) {
		if ref, ok := leaf.(TensorRef); ok {
			ids = append(ids, ref.ID)
		}
		return leaf, nil
	})
	return ids
}

// resolveRefs replaces every TensorRef leaf of a loaded skeleton with resolve(ref).
func resolveRefs(skeleton Snapshot, resolve func(ref TensorRef) (*tensors.Tensor, error)) (Snapshot, error) {
	rewritten, err := rewriteLeaves(skeleton, func(leaf any) (any, error) {
		ref, ok := leaf.(TensorRef)
		if !ok {
			return leaf, nil
		}
		return resolve(ref)
	})
	if err != nil {
		return nil, err
	}
	return rewritten.(Snapshot), nil
}

// snapshotBytes estimates the payload size of an object queued for saving: the total tensor
// memory for snapshots and tensors, zero for everything else. Used for accounting only.
func snapshotBytes(obj any) int64 {
	var total int64
	switch v := obj.(type) {
	case *tensors.Tensor:
		if v.Ok() {
			total = int64(v.Memory())
		}
	case Snapshot, map[string]any, []any:
		_, _ = rewriteLeaves(v, func(leaf any) (any, error) {
			if t, ok := leaf.(*tensors.Tensor); ok && t.Ok() {
				total += int64(t.Memory())
			}
			return leaf, nil
		})
	}
	return total
}
