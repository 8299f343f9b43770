// Package checkpoints saves and restores the state of large synchronized computations, where
// every rank of a world holds a shard (or a replica) of the state and all ranks move through
// save and load cycles in lockstep.
//
// A checkpoint is a tagged directory in a storage.Store. Its lifecycle is crash-consistent:
// the tag directory and its "checkpoint" marker are created first, each rank then writes its
// payload files under the tag, and only once every rank's writes landed does the coordinator
// write the "done" marker. Readers treat checkpoints without the marker as nonexistent, so a
// crash mid-save never exposes a torn checkpoint. After each completed save the retention
// policy prunes old checkpoints, clearing their "done" markers before touching payload files
// so a partial deletion cannot look complete either.
//
// Saving is synchronous by default; Config.Async moves the writes to a background goroutine
// and overlaps them with computation, draining automatically when the next cycle begins. In
// sharded mode (the default) every tensor of a snapshot goes to its own file and the tensors
// are bin-packed across the ranks of a data-parallel replica group, so replicas split the
// write load instead of all writing identical bytes; on load each rank reads its share and
// the full state is recovered with an all-reduce over the group.
//
// Build a Handler with the Config builder:
//
//	handler, err := checkpoints.Build(peer).
//		StorageURL("file:///checkpoints/run7").
//		Mesh(mesh).
//		Keep(3).
//		Async().
//		Done()
//
// All Handler lifecycle methods (Save, Load, Flush, Close) are collective: every rank of the
// world must call them in the same order with the same arguments, or the world deadlocks. A
// Handler is not safe for concurrent use by multiple goroutines.
package checkpoints

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/gomlx/distckpt/pkg/core/distributed"
	"github.com/gomlx/distckpt/storage"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Payloads names the pieces of state a Save writes or a Load restores. Any nil field is
// skipped. The same fields must be set on every rank.
type Payloads struct {
	// Model state is replicated across data-parallel ranks, so it is saved once per
	// replica group (sharded across the group in sharded mode).
	Model Snapshotter

	// Optimizer state follows the model's routing, unless Zero1 is set.
	Optimizer Snapshotter

	// Zero1 declares the optimizer state partitioned across data-parallel ranks (optimizer
	// state sharding): each rank then saves its own partition under a key carrying its
	// data-parallel coordinate. On load the layout is probed from the checkpoint itself,
	// so restoring works even when Zero1 is left unset.
	Zero1 bool

	// Scheduler state is tiny and rank-independent; the coordinator saves it whole.
	Scheduler Snapshotter

	// UserContent is arbitrary extra state (current step, RNG seeds, data iterator
	// positions...). The coordinator saves it whole; Load returns it when present.
	UserContent Snapshot
}

// zero1ProbeFile exists only in checkpoints whose optimizer state was saved with Zero1:
// with optimizer state sharding the data-parallel coordinate enters the file name, so
// coordinate 1 shows up as soon as there are two data-parallel ranks.
const zero1ProbeFile = "optim/dp_rank_01_tp_rank_00_pp_rank_00.pt"

// Config is created with Build, configured with the setter methods and turned into a Handler
// by Done (or MustDone). Setters return the Config itself to allow chaining; errors are
// deferred to Done.
type Config struct {
	peer     *distributed.Peer
	ctx      context.Context
	store    storage.Store
	storeURL string
	mesh     *distributed.Mesh
	keep     int
	async    bool
	sharded  bool
	metrics  MetricsRecorder
	err      error
}

// Build starts the configuration of a checkpoint Handler for this rank. Every rank of the
// peer's world must build its own Handler with an equivalent configuration.
func Build(peer *distributed.Peer) *Config {
	return &Config{
		peer:    peer,
		ctx:     context.Background(),
		keep:    1,
		sharded: true,
		metrics: NoopMetrics{},
	}
}

func (c *Config) setError(err error) {
	if c.err == nil {
		c.err = err
	}
}

// Storage sets the store checkpoints are kept in. The caller keeps ownership: closing the
// Handler will not close the store. Use StorageURL to have the Handler own its store.
func (c *Config) Storage(store storage.Store) *Config {
	c.store = store
	return c
}

// StorageURL has Done open a store for baseURL -- e.g. "file:///checkpoints/run7",
// "mem://localhost/test" or "sqlite:///tmp/ckpt.db" -- owned by the Handler and closed with
// it. The URL scheme selects among the registered storage backends.
func (c *Config) StorageURL(baseURL string) *Config {
	c.storeURL = baseURL
	return c
}

// Mesh sets the rank topology used to route payload shards. It must account for exactly the
// world's ranks. Defaults to a pure data-parallel mesh over the whole world.
func (c *Config) Mesh(mesh *distributed.Mesh) *Config {
	c.mesh = mesh
	return c
}

// Keep sets how many completed checkpoints to retain, 1 by default. Keep(KeepAll) disables
// pruning; Keep(0) keeps none once the next save completes.
func (c *Config) Keep(n int) *Config {
	if n < KeepAll {
		c.setError(errors.Errorf("checkpoints: Keep(%d) is invalid, must be >= 0 or KeepAll", n))
		return c
	}
	c.keep = n
	return c
}

// Async makes Save queue its writes to a background goroutine and return immediately. The
// pending checkpoint is drained by the next Save (so at most one is in flight), or explicitly
// by Flush.
func (c *Config) Async() *Config {
	c.async = true
	return c
}

// Sharded toggles saving each snapshot tensor to its own file, bin-packed across the ranks of
// a replica group. On by default; turn it off to save each snapshot as a single object.
func (c *Config) Sharded(sharded bool) *Config {
	c.sharded = sharded
	return c
}

// Context sets the context storage operations run under. Defaults to context.Background().
func (c *Config) Context(ctx context.Context) *Config {
	if ctx == nil {
		c.setError(errors.New("checkpoints: Context(nil) is invalid"))
		return c
	}
	c.ctx = ctx
	return c
}

// Metrics sets the recorder that lifecycle measurements go to, e.g. NewMetricsRecorder() for
// OpenTelemetry. Defaults to discarding them.
func (c *Config) Metrics(recorder MetricsRecorder) *Config {
	if recorder == nil {
		recorder = NoopMetrics{}
	}
	c.metrics = recorder
	return c
}

// autoTagRegex extracts the counter from tags generated by Handler.AutoTag.
var autoTagRegex = regexp.MustCompile(`^checkpoint-n(\d+)-`)

// Done validates the configuration and builds the Handler.
func (c *Config) Done() (*Handler, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.peer == nil {
		return nil, errors.New("checkpoints: Build was given a nil peer")
	}
	store, ownStore := c.store, false
	if store == nil {
		if c.storeURL == "" {
			return nil, errors.New("checkpoints: no storage configured, set Config.Storage or Config.StorageURL")
		}
		var err error
		if store, err = storage.New(c.ctx, c.storeURL); err != nil {
			return nil, err
		}
		ownStore = true
	}
	mesh := c.mesh
	if mesh == nil {
		var err error
		if mesh, err = distributed.NewTrainingMesh(c.peer.WorldSize(), 1, 1); err != nil {
			return nil, err
		}
	}
	if mesh.NumRanks() != c.peer.WorldSize() {
		return nil, errors.Errorf("checkpoints: mesh %s accounts for %d ranks, but the world has %d",
			mesh, mesh.NumRanks(), c.peer.WorldSize())
	}

	h := &Handler{
		config:   c,
		ctx:      c.ctx,
		peer:     c.peer,
		store:    store,
		ownStore: ownStore,
		mesh:     mesh,
		metrics:  c.metrics,
	}
	rank := c.peer.Rank()
	for _, axis := range []struct {
		name string
		dst  *int
	}{
		{distributed.DataAxis, &h.dpRank},
		{distributed.TensorAxis, &h.tpRank},
		{distributed.PipelineAxis, &h.ppRank},
	} {
		if !mesh.HasAxis(axis.name) {
			continue
		}
		coordinate, err := mesh.Coordinate(rank, axis.name)
		if err != nil {
			return nil, err
		}
		*axis.dst = coordinate
	}
	if mesh.HasAxis(distributed.DataAxis) {
		groups, err := mesh.ReplicaGroups([]string{distributed.DataAxis})
		if err != nil {
			return nil, err
		}
		h.dpGroups = groups
	}

	if c.peer.IsCoordinator() {
		if err := store.CreateDir(c.ctx, "."); err != nil {
			return nil, err
		}
	}
	tags, err := store.ListCheckpointTags(c.ctx)
	if err != nil {
		return nil, err
	}
	for _, tag := range tags {
		match := autoTagRegex.FindStringSubmatch(tag)
		if match == nil {
			continue
		}
		count, err := strconv.Atoi(match[1])
		if err == nil && count+1 > h.autoTagCount {
			h.autoTagCount = count + 1
		}
	}

	h.io = newIOState(c.ctx, c.peer, store, c.metrics, c.async, c.sharded)
	return h, nil
}

// MustDone builds the Handler, panicking on error.
func (c *Config) MustDone() *Handler {
	h, err := c.Done()
	if err != nil {
		panic(errors.WithMessage(err, "checkpoints: failed to build the Handler"))
	}
	return h
}

// Handler drives checkpoints for one rank. See the package documentation for the protocol;
// create one with Build on every rank.
type Handler struct {
	config   *Config
	ctx      context.Context
	peer     *distributed.Peer
	store    storage.Store
	ownStore bool
	mesh     *distributed.Mesh
	metrics  MetricsRecorder

	dpRank, tpRank, ppRank int
	dpGroups               [][]int

	io           *ioState
	autoTagCount int
	closed       bool
}

// Storage exposes the handler's store, e.g. for inspection tools.
func (h *Handler) Storage() storage.Store { return h.store }

// Mesh returns the rank topology the handler routes payloads with.
func (h *Handler) Mesh() *distributed.Mesh { return h.mesh }

// shardKey builds the per-rank payload file name under a checkpoint tag. The tensor- and
// pipeline-parallel coordinates always participate; the data-parallel coordinate only for
// per-rank payloads (Zero1 optimizer state), since data replicas otherwise hold identical
// values and share one file set per group.
func (h *Handler) shardKey(prefix string, dataParallel bool) string {
	dpRank := 0
	if dataParallel {
		dpRank = h.dpRank
	}
	return fmt.Sprintf("%s/dp_rank_%02d_tp_rank_%02d_pp_rank_%02d.pt", prefix, dpRank, h.tpRank, h.ppRank)
}

// Save writes one checkpoint under tag. Collective: every rank must call it with the same tag
// and the same payload fields set. In synchronous mode the checkpoint is complete (or the
// error definitive) when Save returns; in asynchronous mode the writes continue in the
// background and errors may only surface at the next Save, Flush or Close.
//
// A save failure on any rank is reported on every rank, and the checkpoint is left without
// its completion marker, to be pruned as debris eventually.
func (h *Handler) Save(tag string, payloads Payloads) error {
	if h.closed {
		return errors.New("checkpoints: Save called on a closed Handler")
	}
	if tag == "" || strings.ContainsRune(tag, '/') {
		return errors.Errorf("checkpoints: invalid tag %q, it must be non-empty and without '/'", tag)
	}

	stagingErr := h.io.begin(tag)
	stage := func(fn func() error) {
		if stagingErr == nil {
			stagingErr = fn()
		}
	}
	if payloads.Model != nil {
		stage(func() error {
			if h.peer.IsCoordinator() {
				if err := h.store.CreateDir(h.ctx, tag+"/model"); err != nil {
					return err
				}
			}
			snapshot, err := payloads.Model.StateSnapshot()
			if err != nil {
				return errors.WithMessage(err, "snapshotting the model")
			}
			return h.io.saveSnapshot(snapshot, tag+"/"+h.shardKey("model", false), h.dpGroups)
		})
	}
	if payloads.Optimizer != nil {
		stage(func() error {
			if h.peer.IsCoordinator() {
				if err := h.store.CreateDir(h.ctx, tag+"/optim"); err != nil {
					return err
				}
			}
			snapshot, err := payloads.Optimizer.StateSnapshot()
			if err != nil {
				return errors.WithMessage(err, "snapshotting the optimizer")
			}
			groups := h.dpGroups
			if payloads.Zero1 {
				groups = nil // every rank owns its partition of the optimizer state
			}
			return h.io.saveSnapshot(snapshot, tag+"/"+h.shardKey("optim", payloads.Zero1), groups)
		})
	}
	if payloads.Scheduler != nil {
		stage(func() error {
			if !h.peer.IsCoordinator() {
				return nil
			}
			snapshot, err := payloads.Scheduler.StateSnapshot()
			if err != nil {
				return errors.WithMessage(err, "snapshotting the scheduler")
			}
			return h.io.addSaveTask(snapshot, tag+"/scheduler.pt")
		})
	}
	if payloads.UserContent != nil {
		stage(func() error {
			if !h.peer.IsCoordinator() {
				return nil
			}
			return h.io.addSaveTask(payloads.UserContent, tag+"/user_content.pt")
		})
	}
	return h.io.end(h.config.keep, stagingErr)
}

// Load restores the given payloads from the checkpoint tag, or from the newest completed
// checkpoint if tag is empty -- erroring if there is none. It returns the checkpoint's user
// content when present. Collective, like Save.
//
// Zero1 optimizer layout is probed from the checkpoint itself, so Payloads.Zero1 may be left
// unset when loading.
func (h *Handler) Load(tag string, payloads Payloads) (userContent Snapshot, err error) {
	if h.closed {
		return nil, errors.New("checkpoints: Load called on a closed Handler")
	}
	start := time.Now()
	defer func() { h.metrics.RecordLoad(h.ctx, tag, time.Since(start), err) }()

	// Each step below ends in a world-wide error merge, so either every rank moves on to
	// the next step or every rank fails: a rank-local read error cannot leave the others
	// blocked in a collective further down.
	var sharded bool
	if err = h.io.jointError(func() error {
		if tag == "" {
			completed, err := h.store.ListCompletedCheckpointTags(h.ctx)
			if err != nil {
				return err
			}
			if len(completed) == 0 {
				return errors.Errorf("no completed checkpoints under %q", h.store.URL())
			}
			tag = completed[len(completed)-1]
		}
		var err error
		sharded, err = h.store.IsCheckpointSharded(h.ctx, tag)
		return err
	}(), "resolving the checkpoint to load"); err != nil {
		return nil, err
	}
	if h.peer.IsCoordinator() {
		klog.Infof("loading checkpoint from %s", tag)
	}

	if payloads.Model != nil {
		if err = h.io.jointError(func() error {
			snapshot, err := h.io.loadSnapshot(tag+"/"+h.shardKey("model", false), h.dpGroups, sharded)
			if err != nil {
				return err
			}
			return payloads.Model.RestoreSnapshot(snapshot)
		}(), "loading the model state"); err != nil {
			return nil, err
		}
	}
	if payloads.Optimizer != nil {
		if err = h.io.jointError(func() error {
			zero1 := payloads.Zero1
			if !zero1 {
				var err error
				if zero1, err = h.store.FileExists(h.ctx, tag+"/"+zero1ProbeFile); err != nil {
					return err
				}
			}
			groups := h.dpGroups
			if zero1 {
				groups = nil
			}
			snapshot, err := h.io.loadSnapshot(tag+"/"+h.shardKey("optim", zero1), groups, sharded)
			if err != nil {
				return err
			}
			return payloads.Optimizer.RestoreSnapshot(snapshot)
		}(), "loading the optimizer state"); err != nil {
			return nil, err
		}
	}
	if payloads.Scheduler != nil {
		if err = h.io.jointError(func() error {
			obj, err := h.store.LoadObject(h.ctx, tag+"/scheduler.pt")
			if err != nil {
				return err
			}
			snapshot, err := castSnapshot(obj, tag+"/scheduler.pt")
			if err != nil {
				return err
			}
			return payloads.Scheduler.RestoreSnapshot(snapshot)
		}(), "loading the scheduler state"); err != nil {
			return nil, err
		}
	}
	if err = h.io.jointError(func() error {
		filePath := tag + "/user_content.pt"
		exists, err := h.store.FileExists(h.ctx, filePath)
		if err != nil || !exists {
			return err
		}
		obj, err := h.store.LoadObject(h.ctx, filePath)
		if err != nil {
			return err
		}
		userContent, err = castSnapshot(obj, filePath)
		return err
	}(), "loading the user content"); err != nil {
		return nil, err
	}

	if h.peer.IsCoordinator() {
		klog.Infof("loading checkpoint done")
	}
	h.peer.Rendezvous("load all checkpoints done")
	return userContent, nil
}

// Flush blocks until every outstanding asynchronous save and removal is durable. Collective.
func (h *Handler) Flush() error {
	if h.closed {
		return errors.New("checkpoints: Flush called on a closed Handler")
	}
	return h.io.waitAll()
}

// Close flushes outstanding work and releases the handler. The store is closed only when the
// handler opened it itself (StorageURL). Collective on the first call; idempotent after.
func (h *Handler) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	err := h.io.waitAll()
	h.io.close()
	if h.ownStore {
		if closeErr := h.store.Close(); err == nil {
			err = closeErr
		}
	}
	return err
}

// HasCheckpoint reports whether the store holds at least one completed checkpoint.
func (h *Handler) HasCheckpoint() (bool, error) {
	tags, err := h.store.ListCompletedCheckpointTags(h.ctx)
	return len(tags) > 0, err
}

// AutoTag generates a fresh checkpoint tag "checkpoint-n<count>-<timestamp>", continuing the
// highest count found in storage when the handler was built. Use the same generated tag on
// every rank -- typically only step counts or timestamps already shared by the computation;
// ranks calling AutoTag at the same point get the same count but may disagree on the
// timestamp, so prefer generating on the coordinator and broadcasting when clocks drift.
func (h *Handler) AutoTag() string {
	tag := fmt.Sprintf("checkpoint-n%07d-%s", h.autoTagCount, time.Now().Format("20060102-150405"))
	h.autoTagCount++
	return tag
}

// Prune applies the retention policy with the given budget right now, removing debris and
// excess completed checkpoints. Collective. Typically used at startup to clean up after a
// crash; during steady operation Save already prunes with the configured Keep.
func (h *Handler) Prune(numKept int) error {
	if h.closed {
		return errors.New("checkpoints: Prune called on a closed Handler")
	}
	if numKept < KeepAll {
		exceptions.Panicf("checkpoints: Prune(%d) is invalid, numKept must be >= 0 or KeepAll", numKept)
	}
	return h.io.submitRemove(numKept, false, nil)
}
