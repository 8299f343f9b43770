// distckpt inspects and maintains distributed checkpoint directories.
//
// It takes the base URL of a checkpoint store (a plain directory path, "file://..." or any
// registered scheme) and runs one or more of the reports below. Without any report flag it
// defaults to -list.
//
// Example:
//
//	distckpt -list -verify /tmp/my_training_run
//	distckpt -prune -keep 3 /tmp/my_training_run
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	lgtable "github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/pkg/core/tensors"
	"github.com/gomlx/distckpt/pkg/ml/checkpoints"
	"github.com/gomlx/distckpt/pkg/support/sets"
	"github.com/gomlx/distckpt/pkg/support/xslices"
	"github.com/gomlx/distckpt/storage"
	_ "github.com/gomlx/distckpt/storage/default"
	"github.com/janpfeifer/must"
	"github.com/oklog/ulid/v2"
	"github.com/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"k8s.io/klog/v2"
)

var (
	flagList = flag.Bool("list", false, "Lists the checkpoints in the store with their creation "+
		"time, completion status, layout and file count. This is the default if no other report is selected.")
	flagVerify = flag.Bool("verify", false, "Decodes every object file of every checkpoint and "+
		"validates the tensors it holds. Slow on large checkpoints, it reads everything.")
	flagPrune = flag.Bool("prune", false, "Removes incomplete checkpoints (crash debris) and all but "+
		"the -keep newest completed ones. Runs before the other reports, so they reflect the result.")
	flagKeep = flag.Int("keep", 3, "Number of completed checkpoints -prune retains. "+
		"0 removes every completed checkpoint.")
)

func main() {
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		klog.Errorf("Missing checkpoint base URL to read from. See 'distckpt -help'.")
		os.Exit(1)
	}
	if len(args) > 1 {
		klog.Errorf("Too many arguments. See 'distckpt -help'.")
		os.Exit(1)
	}
	if *flagPrune && *flagKeep < 0 {
		klog.Errorf("-keep must be >= 0, got %d. See 'distckpt -help'.", *flagKeep)
		os.Exit(1)
	}
	if !*flagList && !*flagVerify && !*flagPrune {
		*flagList = true
	}
	report(args[0])
}

var (
	headerRowStyle = lipgloss.NewStyle().Reverse(true).
			Padding(0, 2, 0, 2).Align(lipgloss.Center)

	oddRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFF")).
			PaddingLeft(1).PaddingRight(1)
	evenRowStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#999")).
			PaddingLeft(1).PaddingRight(1)

	titleStyle = lipgloss.NewStyle().Bold(true).Padding(1, 4, 1, 4)
)

func newPlainTable(withHeader bool) *lgtable.Table {
	return lgtable.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))).
		StyleFunc(func(row, col int) (s lipgloss.Style) {
			if withHeader && row == 1 {
				s = headerRowStyle
				return
			}
			switch {
			case row%2 == 0:
				// Even row style.
				s = oddRowStyle
			default:
				// Odd row style
				s = evenRowStyle
			}
			if col == 0 {
				s = s.Align(lipgloss.Left)
			} else {
				s = s.Align(lipgloss.Right)
			}
			return
		})
}

func report(baseURL string) {
	ctx := context.Background()
	store := must.M1(storage.New(ctx, baseURL))
	defer func() { _ = store.Close() }()

	if *flagPrune {
		prune(ctx, store)
	}
	if *flagList {
		list(ctx, store)
	}
	if *flagVerify {
		verify(ctx, store)
	}
}

// list prints one row per checkpoint tag, in creation order.
func list(ctx context.Context, store storage.Store) {
	fmt.Println(titleStyle.Render("Checkpoints"))
	tags := must.M1(store.ListCheckpointTags(ctx))
	if len(tags) == 0 {
		fmt.Printf("No checkpoints under %q.\n", store.URL())
		return
	}
	table := newPlainTable(true)
	table.Row("Tag", "Created", "Status", "Layout", "Files")
	for _, tag := range tags {
		// The creation marker carries a ULID, whose timestamp is the creation time.
		created := "?"
		if text, err := store.LoadText(ctx, tag+"/"+storage.CheckpointMarker); err == nil {
			if id, err := ulid.Parse(strings.TrimSpace(text)); err == nil {
				created = ulid.Time(id.Time()).UTC().Format(time.DateTime)
			}
		}
		status := "incomplete"
		if must.M1(store.FileExists(ctx, tag+"/"+storage.DoneMarker)) {
			status = "complete"
		}
		layout := "full"
		if must.M1(store.IsCheckpointSharded(ctx, tag)) {
			layout = "sharded"
		}
		files := must.M1(store.ListFiles(ctx, tag))
		table.Row(tag, created, status, layout, humanize.Comma(int64(len(files))))
	}
	fmt.Println(table.Render())
}

// verify reads back every object file of every checkpoint, validating all tensors found.
func verify(ctx context.Context, store storage.Store) {
	fmt.Println(titleStyle.Render("Verify"))
	tags := must.M1(store.ListCheckpointTags(ctx))
	if len(tags) == 0 {
		fmt.Printf("No checkpoints under %q.\n", store.URL())
		return
	}
	table := newPlainTable(true)
	table.Row("Tag", "Files", "Tensors", "Bytes", "Result")
	for _, tag := range tags {
		var objFiles []string
		for _, filePath := range must.M1(store.ListFiles(ctx, tag)) {
			if strings.HasSuffix(filePath, ".pt") {
				objFiles = append(objFiles, filePath)
			}
		}
		bar := progressbar.Default(int64(len(objFiles)), tag)
		var numTensors int
		var numBytes uint64
		var verifyErr error
		for _, filePath := range objFiles {
			obj, err := store.LoadObject(ctx, filePath)
			if err == nil {
				err = checkTensors(obj, &numTensors, &numBytes)
			}
			if err != nil && verifyErr == nil {
				verifyErr = errors.WithMessagef(err, "in %q", filePath)
			}
			_ = bar.Add(1)
		}
		_ = bar.Finish()
		result := "ok"
		if verifyErr != nil {
			result = verifyErr.Error()
		}
		table.Row(tag, humanize.Comma(int64(len(objFiles))),
			humanize.Comma(int64(numTensors)), humanize.Bytes(numBytes), result)
	}
	fmt.Println(table.Render())
}

// checkTensors walks a decoded checkpoint value, validating every tensor it holds and
// accumulating tensor and byte counts. Non-tensor leaves (scalars, shard references, shape
// tables) have nothing to validate.
func checkTensors(value any, numTensors *int, numBytes *uint64) error {
	switch v := value.(type) {
	case *tensors.Tensor:
		if err := v.CheckValid(); err != nil {
			return err
		}
		*numTensors++
		*numBytes += uint64(v.Memory())
		return nil
	case checkpoints.Snapshot:
		return checkTensorsOfMap(v, numTensors, numBytes)
	case map[string]any:
		return checkTensorsOfMap(v, numTensors, numBytes)
	case []any:
		for i, elem := range v {
			if err := checkTensors(elem, numTensors, numBytes); err != nil {
				return errors.WithMessagef(err, "at #%d", i)
			}
		}
		return nil
	default:
		return nil
	}
}

func checkTensorsOfMap(m map[string]any, numTensors *int, numBytes *uint64) error {
	for _, key := range xslices.SortedKeys(m) {
		if err := checkTensors(m[key], numTensors, numBytes); err != nil {
			return errors.WithMessagef(err, "under %q", key)
		}
	}
	return nil
}

// prune runs the engine's retention pass with a single-rank world: crash debris and completed
// checkpoints beyond the budget are removed.
func prune(ctx context.Context, store storage.Store) {
	fmt.Println(titleStyle.Render("Prune"))
	before := must.M1(store.ListCheckpointTags(ctx))

	handler := must.M1(checkpoints.Build(distributed.NewGroup(1).Peer(0)).
		Context(ctx).Storage(store).Keep(*flagKeep).Done())
	must.M(handler.Prune(*flagKeep))
	must.M(handler.Close())

	if len(before) == 0 {
		fmt.Printf("No checkpoints under %q.\n", store.URL())
		return
	}
	kept := sets.MakeWith(must.M1(store.ListCheckpointTags(ctx))...)
	table := newPlainTable(true)
	table.Row("Tag", "Action")
	for _, tag := range before {
		action := "removed"
		if kept.Has(tag) {
			action = "kept"
		}
		table.Row(tag, action)
	}
	fmt.Println(table.Render())
}
