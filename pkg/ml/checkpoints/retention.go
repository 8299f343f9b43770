package checkpoints

import (
	"context"

	"github.com/gomlx/distckpt/storage"
)

// KeepAll as the retention count disables pruning of completed checkpoints.
const KeepAll = -1

// removeCandidates returns the checkpoint tags to delete so the store satisfies the retention
// policy, oldest first.
//
// Tags without a completion marker that precede every completed checkpoint are debris from a
// crashed save or an interrupted removal and are always deleted. An incomplete tag after a
// completed one is a save still in flight (or about to be retried) and is left alone. Beyond
// that, only the newest numKept completed checkpoints survive; numKept == KeepAll keeps them
// all.
func removeCandidates(ctx context.Context, store storage.Store, numKept int) ([]string, error) {
	tags, err := store.ListCheckpointTags(ctx)
	if err != nil {
		return nil, err
	}
	var corrupted, completed []string
	for _, tag := range tags {
		done, err := store.FileExists(ctx, tag+"/"+storage.DoneMarker)
		if err != nil {
			return nil, err
		}
		if done {
			completed = append(completed, tag)
		} else if len(completed) == 0 {
			corrupted = append(corrupted, tag)
		}
	}
	removeTags := corrupted
	if numKept != KeepAll && len(completed) > numKept {
		removeTags = append(removeTags, completed[:len(completed)-numKept]...)
	}
	return removeTags, nil
}
