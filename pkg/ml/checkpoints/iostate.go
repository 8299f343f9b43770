package checkpoints

import (
	"context"
	"strings"
	"time"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/support/sets"
	"github.com/gomlx/distckpt/pkg/support/xslices"
	"github.com/gomlx/distckpt/pkg/support/xsync"
	"github.com/gomlx/distckpt/storage"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ioState tracks one handler's in-flight checkpoint I/O across save cycles: the tag being
// written, the files this rank contributed, and the outstanding background work. All of its
// collective methods (begin, end, waitSave, waitRemove, submitRemove) must be called by every
// rank of the world in the same order.
type ioState struct {
	ctx     context.Context
	peer    *distributed.Peer
	store   storage.Store
	metrics MetricsRecorder
	async   bool
	sharded bool

	currentTag string
	saveStart  time.Time
	numKept    int

	// relativePaths accumulates the tag-relative names of every file this rank writes, over
	// the handler's whole lifetime. Removal multiplies them by the tags being deleted, so
	// each rank deletes exactly the files it once wrote.
	relativePaths sets.Set[string]

	runner     *runner
	saveItems  []saveItem
	saveFuture *xsync.LatchWithValue[error]
	stagingErr error

	removeTags   []string
	removeCount  int
	removeStart  time.Time
	removeFuture *xsync.LatchWithValue[error]
}

// saveItem is one queued write of a save cycle.
type saveItem struct {
	obj      any
	filePath string
}

func newIOState(ctx context.Context, peer *distributed.Peer, store storage.Store,
	metrics MetricsRecorder, async, sharded bool) *ioState {
	s := &ioState{
		ctx:           ctx,
		peer:          peer,
		store:         store,
		metrics:       metrics,
		async:         async,
		sharded:       sharded,
		numKept:       KeepAll,
		relativePaths: sets.Make[string](),
	}
	if async {
		s.runner = newRunner()
	}
	return s
}

// syncPoint rendezvouses all ranks at name, then merges their errors for the step just
// executed: either every rank proceeds, or every rank fails together. Keeping errors joint is
// what lets a failing rank abort without leaving the others blocked at the next barrier.
func (s *ioState) syncPoint(name string, localErr error) error {
	s.peer.Rendezvous(name)
	return s.jointError(localErr, name)
}

// jointError sums the per-rank failure flags over the world, so all ranks agree whether the
// step succeeded. It is itself a collective: every rank must call it.
func (s *ioState) jointError(localErr error, step string) error {
	flag := int32(0)
	if localErr != nil {
		flag = 1
	}
	t := tensors.FromScalar(flag)
	if err := s.peer.AllReduceSum(nil, t); err != nil {
		if localErr != nil {
			return localErr
		}
		return err
	}
	failures := tensors.ToScalar[int32](t)
	switch {
	case failures == 0:
		return nil
	case localErr != nil:
		return localErr
	default:
		return errors.Errorf("%s: failed on %d other rank(s)", step, failures)
	}
}

// begin opens a save cycle for tag. With asynchronous saving on, it first drains the previous
// cycle, so at most one checkpoint is in flight. The coordinator creates the tag directory and
// writes its creation marker; the marker's presence is what makes the tag visible to scans.
func (s *ioState) begin(tag string) error {
	if s.async && s.currentTag != "" {
		if err := s.waitSave(true); err != nil {
			return err
		}
	}
	s.currentTag = tag
	s.saveStart = time.Now()
	if !s.peer.IsCoordinator() {
		return nil
	}
	if s.async {
		klog.Infof("async saving of checkpoint %s began", tag)
	} else {
		klog.Infof("synced saving of checkpoint %s began", tag)
	}
	if err := s.store.CreateDir(s.ctx, tag); err != nil {
		return err
	}
	return s.store.SaveText(s.ctx, ulid.Make().String(), tag+"/"+storage.CheckpointMarker)
}

// addSaveTask records obj to be written at filePath, which must live under the open cycle's
// tag. Synchronous mode writes immediately; asynchronous mode queues the write for end.
func (s *ioState) addSaveTask(obj any, filePath string) error {
	if s.currentTag == "" {
		return errors.New("no save cycle is open")
	}
	prefix := s.currentTag + "/"
	if !strings.HasPrefix(filePath, prefix) {
		return errors.Errorf("save task %q is outside the current checkpoint tag %q", filePath, s.currentTag)
	}
	s.relativePaths.Insert(filePath[len(prefix):])
	s.metrics.RecordBytesWritten(s.ctx, s.currentTag, snapshotBytes(obj))
	if s.async {
		s.saveItems = append(s.saveItems, saveItem{obj: obj, filePath: filePath})
		return nil
	}
	return s.store.SaveObject(s.ctx, obj, filePath)
}

// bulkSave writes the queued items of one cycle. It runs on the background runner.
func (s *ioState) bulkSave(items []saveItem) error {
	for _, item := range items {
		if err := s.store.SaveObject(s.ctx, item.obj, item.filePath); err != nil {
			return errors.WithMessagef(err, "saving %s", item.filePath)
		}
	}
	return nil
}

// end closes the cycle opened by begin. Synchronous mode marks the checkpoint done -- once
// every rank's writes landed -- and applies retention inline; asynchronous mode hands the
// queued writes to the background runner and defers the rest to waitSave. stagingErr carries
// any error the caller hit while staging payloads, so the decision to mark the checkpoint
// done is made jointly even then.
func (s *ioState) end(numKept int, stagingErr error) error {
	s.numKept = numKept
	tag := s.currentTag

	if s.async {
		s.stagingErr = stagingErr
		if stagingErr == nil && len(s.saveItems) > 0 {
			items := s.saveItems
			s.saveFuture = s.runner.submit(saveTask, func() error { return s.bulkSave(items) })
		}
		s.saveItems = nil
		if s.peer.IsCoordinator() {
			klog.Infof("async saving of checkpoint %s requested", tag)
		}
		return stagingErr
	}

	s.currentTag = ""
	if err := s.syncPoint("saving checkpoint done", stagingErr); err != nil {
		s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), err)
		return err
	}
	var markErr error
	if s.peer.IsCoordinator() {
		markErr = s.store.SaveText(s.ctx, "1", tag+"/"+storage.DoneMarker)
		if markErr == nil {
			klog.Infof("synced saving of checkpoint %s completed", tag)
		}
	}
	if err := s.syncPoint("mark checkpoint as done", markErr); err != nil {
		s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), err)
		return err
	}
	err := s.submitRemove(numKept, false, nil)
	s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), err)
	return err
}

// waitSave drains the outstanding asynchronous save: it waits for this rank's writes, marks
// the checkpoint done once all ranks landed theirs, then finishes the previous removal and
// submits the next one (in the background again if asyncRemove). A no-op in synchronous mode
// or when no cycle is in flight.
func (s *ioState) waitSave(asyncRemove bool) error {
	if !s.async || s.currentTag == "" {
		return nil
	}
	tag := s.currentTag
	s.currentTag = ""
	localErr := s.stagingErr
	s.stagingErr = nil
	if s.saveFuture != nil {
		if err := s.saveFuture.Wait(); err != nil && localErr == nil {
			localErr = err
		}
		s.saveFuture = nil
	}
	if err := s.syncPoint("async saving checkpoint done", localErr); err != nil {
		s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), err)
		return err
	}
	var markErr error
	if s.peer.IsCoordinator() {
		markErr = s.store.SaveText(s.ctx, "1", tag+"/"+storage.DoneMarker)
	}
	if err := s.syncPoint("mark checkpoint as done", markErr); err != nil {
		s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), err)
		return err
	}
	if s.peer.IsCoordinator() {
		klog.Infof("async saving of checkpoint %s completed", tag)
	}
	s.metrics.RecordSave(s.ctx, tag, time.Since(s.saveStart), nil)
	if err := s.waitRemove(); err != nil {
		return err
	}
	return s.submitRemove(s.numKept, asyncRemove, nil)
}

// submitRemove deletes the checkpoints the retention policy condemns (or explicitTags, when
// given). All ranks compute the candidates, the coordinator clears their completion markers
// so no partially deleted checkpoint ever looks complete, then every rank deletes the files
// it once wrote. asyncRemove defers the file deletion to the background runner, to be
// finished by waitRemove; otherwise the coordinator drops the emptied directories inline.
func (s *ioState) submitRemove(numKept int, asyncRemove bool, explicitTags []string) error {
	tags := explicitTags
	var detErr error
	if tags == nil {
		tags, detErr = removeCandidates(s.ctx, s.store, numKept)
	}
	if err := s.syncPoint("determine remove tags done", detErr); err != nil {
		return err
	}
	// Agree on whether anything is condemned: a rank whose scan came back empty still joins
	// the removal barriers when any other rank found candidates.
	count := tensors.FromScalar(int32(len(tags)))
	if err := s.peer.AllReduceSum(nil, count); err != nil {
		return err
	}
	if tensors.ToScalar[int32](count) == 0 {
		if s.peer.IsCoordinator() {
			klog.Info("no checkpoints to remove.")
		}
		return nil
	}

	var clearErr error
	if s.peer.IsCoordinator() {
		klog.Infof("removing previous checkpoints %v", tags)
		for _, tag := range tags {
			if clearErr = s.store.RemoveFile(s.ctx, tag+"/"+storage.DoneMarker); clearErr != nil {
				break
			}
		}
	}
	if err := s.syncPoint("clear done markers", clearErr); err != nil {
		return err
	}

	filePaths := make([]string, 0, len(tags)*len(s.relativePaths))
	for _, tag := range tags {
		for _, relative := range xslices.SortedKeys(s.relativePaths) {
			filePaths = append(filePaths, tag+"/"+relative)
		}
	}
	if asyncRemove {
		s.removeTags = tags
		s.removeCount = len(filePaths)
		s.removeStart = time.Now()
		s.removeFuture = s.runner.submit(removeTask, func() error {
			return s.store.RemoveFiles(s.ctx, filePaths)
		})
		if s.peer.IsCoordinator() {
			klog.Infof("async removal of checkpoints %v requested", tags)
		}
		return nil
	}

	start := time.Now()
	removeErr := s.store.RemoveFiles(s.ctx, filePaths)
	if err := s.syncPoint("remove files done", removeErr); err != nil {
		s.metrics.RecordRemoval(s.ctx, len(filePaths), time.Since(start), err)
		return err
	}
	var dirErr error
	if s.peer.IsCoordinator() {
		dirErr = s.store.RemoveDirs(s.ctx, tags)
		if dirErr == nil {
			klog.Infof("previous checkpoints %v successfully removed", tags)
		}
	}
	err := s.syncPoint("Wait for all workers to come from deletion", dirErr)
	s.metrics.RecordRemoval(s.ctx, len(filePaths), time.Since(start), err)
	return err
}

// waitRemove drains the outstanding asynchronous removal, if any, and finishes it: once every
// rank's files are gone the coordinator drops the emptied directories. The final barrier keeps
// any rank from scanning the store while the deletion is still in progress.
func (s *ioState) waitRemove() error {
	if s.removeFuture == nil {
		return nil
	}
	localErr := s.removeFuture.Wait()
	s.removeFuture = nil
	tags := s.removeTags
	s.removeTags = nil

	if err := s.syncPoint("remove files done", localErr); err != nil {
		s.metrics.RecordRemoval(s.ctx, s.removeCount, time.Since(s.removeStart), err)
		return err
	}
	var dirErr error
	if s.peer.IsCoordinator() {
		dirErr = s.store.RemoveDirs(s.ctx, tags)
		if dirErr == nil {
			klog.Infof("previous checkpoints %v successfully removed", tags)
		}
	}
	err := s.syncPoint("Wait for all workers to come from deletion", dirErr)
	s.metrics.RecordRemoval(s.ctx, s.removeCount, time.Since(s.removeStart), err)
	return err
}

// waitAll drains everything: the pending save, then its removal, synchronously. The trailing
// waitRemove also picks up a removal left behind by an earlier failed drain.
func (s *ioState) waitAll() error {
	if err := s.waitSave(false); err != nil {
		return err
	}
	return s.waitRemove()
}

func (s *ioState) close() {
	if s.runner != nil {
		s.runner.Close()
	}
}
