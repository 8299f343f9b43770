package checkpoints

import (
	"fmt"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/shapes"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/sets"
	"github.com/gomlx/distckpt/storage"
	"github.com/pkg/errors"
)

// infoSuffix names the shape table written next to a sharded snapshot's skeleton.
const infoSuffix = ".info.pt"

func tensorFileName(folder string, id int) string {
	return fmt.Sprintf("%s/tensor_%d.pt", folder, id)
}

// saveSnapshot stages one snapshot at filePath. In sharded mode its tensors are split across
// the caller's replica group; otherwise the group leader stages the whole snapshot as a single
// object. A nil groups slice means the snapshot is not replicated: every rank is its own
// leader and writes its copy in full.
func (s *ioState) saveSnapshot(snap Snapshot, filePath string, groups [][]int) error {
	if s.sharded {
		return s.saveSharded(snap, filePath, groups)
	}
	if groups != nil {
		rankInGroup, _, err := distributed.GroupInfo(groups, s.peer.Rank())
		if err != nil {
			return err
		}
		if rankInGroup != 0 {
			return nil
		}
	}
	return s.addSaveTask(snap, filePath)
}

// saveSharded stages snap with every tensor in its own file under "<filePath>.tensors/". The
// tensors are bin-packed across the rank's replica group by byte size, so replicas holding the
// same data split the write load; the group leader also stages the skeleton -- the snapshot
// with tensors swapped for references -- and the shape table next to it.
func (s *ioState) saveSharded(snap Snapshot, filePath string, groups [][]int) error {
	rankInGroup, groupSize := 0, 1
	if groups != nil {
		var err error
		rankInGroup, groupSize, err = distributed.GroupInfo(groups, s.peer.Rank())
		if err != nil {
			return err
		}
	}
	skeleton, ordered, err := extractTensors(snap)
	if err != nil {
		return err
	}
	folder := filePath + storage.SuffixShardedTensors
	if err := s.store.CreateSharedDir(s.ctx, folder); err != nil {
		return err
	}
	var myTensors sets.Set[int]
	if groupSize > 1 {
		myTensors = sets.MakeWith(assignTensorsToBins(ordered, groupSize)[rankInGroup]...)
	}
	for id, t := range ordered {
		if myTensors != nil && !myTensors.Has(id) {
			continue
		}
		if err := s.addSaveTask(t, tensorFileName(folder, id)); err != nil {
			return err
		}
	}
	if rankInGroup == 0 {
		persisted, shapeTable := externalizeRefs(skeleton)
		if err := s.addSaveTask(persisted, filePath); err != nil {
			return err
		}
		if err := s.addSaveTask(shapeTable, filePath+infoSuffix); err != nil {
			return err
		}
	}
	return nil
}

// loadSnapshot loads a snapshot staged by saveSnapshot. For a sharded snapshot with a shape
// table and a replica group, each rank reads a round-robin share of the tensor files, zero
// fills the rest and recovers the full values with an all-reduce over the group, turning the
// replicas into parallel readers. Without a shape table or a group, every rank reads every
// tensor itself.
func (s *ioState) loadSnapshot(filePath string, groups [][]int, sharded bool) (Snapshot, error) {
	obj, err := s.store.LoadObject(s.ctx, filePath)
	if err != nil {
		return nil, err
	}
	snap, err := castSnapshot(obj, filePath)
	if err != nil {
		return nil, err
	}
	if !sharded {
		return snap, nil
	}

	var shapeTable map[int]shapes.Shape
	infoPath := filePath + infoSuffix
	hasTable, err := s.store.FileExists(s.ctx, infoPath)
	if err != nil {
		return nil, err
	}
	if hasTable {
		infoObj, err := s.store.LoadObject(s.ctx, infoPath)
		if err != nil {
			return nil, err
		}
		var ok bool
		if shapeTable, ok = infoObj.(map[int]shapes.Shape); !ok {
			return nil, errors.Errorf("shape table %s holds a %T, expected map[int]shapes.Shape", infoPath, infoObj)
		}
	}
	rankInGroup, groupSize := 0, 1
	if groups != nil {
		if rankInGroup, groupSize, err = distributed.GroupInfo(groups, s.peer.Rank()); err != nil {
			return nil, err
		}
	}
	ids := collectRefIDs(snap)
	distribute := shapeTable != nil && groups != nil
	if distribute {
		// Checked upfront so all ranks agree on whether the reduce below happens.
		for _, id := range ids {
			if _, ok := shapeTable[id]; !ok {
				return nil, errors.Errorf("shape table %s is missing tensor %d, cannot distribute the load", infoPath, id)
			}
		}
	}

	folder := filePath + storage.SuffixShardedTensors
	loaded := make(map[int]*tensors.Tensor, len(ids))
	ordered := make([]*tensors.Tensor, 0, len(ids))
	var readErr error
	for _, id := range ids {
		if _, seen := loaded[id]; seen {
			continue
		}
		var t *tensors.Tensor
		if !distribute || id%groupSize == rankInGroup {
			t, err = s.loadTensorFile(folder, id)
			if err != nil {
				if !distribute {
					return nil, err
				}
				// The group still expects this rank in the reduce: contribute
				// zeros and surface the error after.
				if readErr == nil {
					readErr = err
				}
				t = tensors.FromShape(shapeTable[id])
			}
		} else {
			t = tensors.FromShape(shapeTable[id])
		}
		loaded[id] = t
		ordered = append(ordered, t)
	}
	if distribute {
		if err := s.peer.AllReduceSum(groups, ordered...); err != nil && readErr == nil {
			readErr = err
		}
	}
	if readErr != nil {
		return nil, readErr
	}
	return resolveRefs(snap, func(ref TensorRef) (*tensors.Tensor, error) {
		t, ok := loaded[ref.ID]
		if !ok {
			return nil, errors.Errorf("unresolved tensor reference %d in %s", ref.ID, filePath)
		}
		return t, nil
	})
}

func (s *ioState) loadTensorFile(folder string, id int) (*tensors.Tensor, error) {
	filePath := tensorFileName(folder, id)
	obj, err := s.store.LoadObject(s.ctx, filePath)
	if err != nil {
		return nil, err
	}
	t, ok := obj.(*tensors.Tensor)
	if !ok {
		return nil, errors.Errorf("%s holds a %T, expected a tensor", filePath, obj)
	}
	return t, nil
}

func castSnapshot(obj any, filePath string) (Snapshot, error) {
	switch v := obj.(type) {
	case Snapshot:
		return v, nil
	case map[string]any:
		return Snapshot(v), nil
	default:
		return nil, errors.Errorf("%s holds a %T, expected a snapshot", filePath, obj)
	}
}
