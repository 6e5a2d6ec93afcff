// Package checkpoint persists model parameter snapshots for a run: rolling
// raw and EMA checkpoints, the best-checkpoint slots, and the directories
// read by single-model and ensemble evaluation.
package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"slices"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/haasonsaas/squadqa/internal/observability"
)

// Rotation decides which snapshots survive once more than Keep exist.
type Rotation string

const (
	// RotationPerTag keeps the Keep most recent snapshots of each tag.
	RotationPerTag Rotation = "per_tag"
	// RotationShared keeps the Keep most recent steps; both tags of older
	// steps are removed together.
	RotationShared Rotation = "shared"
)

const indexVersion = 1

// Snapshot describes one saved parameter set.
type Snapshot struct {
	Step      int64     `json:"step"`
	Tag       Tag       `json:"tag"`
	Path      string    `json:"path"`
	File      string    `json:"file"`
	NumParams int       `json:"num_params"`
	CreatedAt time.Time `json:"created_at"`
}

type index struct {
	Version   int        `json:"version"`
	Tag       Tag        `json:"tag"`
	Snapshots []Snapshot `json:"snapshots"`
}

type payload struct {
	Step   int64  `json:"step"`
	Tag    Tag    `json:"tag"`
	Params Params `json:"params"`
}

// Restorer is the part of a model runtime the store drives on load.
type Restorer interface {
	Restore(params Params) error
	InitFresh() error
	NumParams() int
}

// LoadResult reports what Load did.
type LoadResult struct {
	Snapshot  Snapshot
	Fresh     bool
	NumParams int
}

// Options configures a Store.
type Options struct {
	// Keep bounds the number of rolling snapshots; 0 keeps all.
	Keep   int
	Policy Rotation
	// Open resolves a directory to a Blob. Defaults to OpenLocal.
	Open    Opener
	Logger  *slog.Logger
	Metrics *observability.Metrics
	Now     func() time.Time
}

// Store reads and writes snapshots in run directories.
type Store struct {
	keep    int
	policy  Rotation
	open    Opener
	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// NewStore creates a store.
func NewStore(opts Options) (*Store, error) {
	if opts.Keep < 0 {
		return nil, fmt.Errorf("keep must be >= 0, got %d", opts.Keep)
	}
	switch opts.Policy {
	case "":
		opts.Policy = RotationPerTag
	case RotationPerTag, RotationShared:
	default:
		return nil, fmt.Errorf("unknown rotation policy %q", opts.Policy)
	}
	if opts.Open == nil {
		opts.Open = OpenLocal
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Store{
		keep:    opts.Keep,
		policy:  opts.Policy,
		open:    opts.Open,
		logger:  opts.Logger.With("component", "checkpoint"),
		metrics: opts.Metrics,
		now:     opts.Now,
	}, nil
}

// IndexFileName is the per-tag list of snapshots in a directory.
func IndexFileName(tag Tag) string {
	return fmt.Sprintf("checkpoint.%s.json", tag)
}

// SnapshotFileName is the payload file of one snapshot.
func SnapshotFileName(step int64, tag Tag) string {
	return fmt.Sprintf("qa.ckpt-%d.%s.json", step, tag)
}

// Save writes params as the tag snapshot at step and applies rotation.
// Saving the same step twice replaces the earlier snapshot.
func (s *Store) Save(ctx context.Context, dir string, tag Tag, step int64, params Params) (Snapshot, error) {
	snap, err := s.save(ctx, dir, tag, step, params, s.keep, s.policy)
	if err != nil {
		return Snapshot{}, err
	}
	s.metrics.RecordSave(string(tag), "rolling")
	return snap, nil
}

func (s *Store) save(ctx context.Context, dir string, tag Tag, step int64, params Params, keep int, policy Rotation) (Snapshot, error) {
	if !tag.Valid() {
		return Snapshot{}, fmt.Errorf("unknown checkpoint tag %q", tag)
	}
	if step < 0 {
		return Snapshot{}, fmt.Errorf("checkpoint step must be >= 0, got %d", step)
	}
	blob, err := s.open(ctx, dir)
	if err != nil {
		return Snapshot{}, err
	}
	defer blob.Close()

	idx, err := readIndex(ctx, blob, tag)
	if err != nil {
		return Snapshot{}, err
	}
	data, err := json.Marshal(payload{Step: step, Tag: tag, Params: params})
	if err != nil {
		return Snapshot{}, fmt.Errorf("encode checkpoint: %w", err)
	}
	name := SnapshotFileName(step, tag)
	if err := blob.Put(ctx, name, data); err != nil {
		return Snapshot{}, fmt.Errorf("write checkpoint %s: %w", name, err)
	}
	snap := Snapshot{
		Step:      step,
		Tag:       tag,
		Path:      JoinDir(blob.Location(), name),
		File:      name,
		NumParams: params.Count(),
		CreatedAt: s.now().UTC(),
	}

	listed := slices.ContainsFunc(idx.Snapshots, func(existing Snapshot) bool { return existing.Step == step })
	idx.Snapshots = upsert(idx.Snapshots, snap)
	if err := writeIndex(ctx, blob, idx); err != nil {
		if !listed {
			s.dropPayload(ctx, blob, name)
		}
		return Snapshot{}, err
	}
	if err := s.rotate(ctx, blob, tag, keep, policy); err != nil {
		return Snapshot{}, err
	}
	if err := s.sweep(ctx, blob, tag); err != nil {
		s.logger.Warn("sweep orphaned checkpoints", "dir", blob.Location(), "tag", tag, "error", err)
	}
	s.logger.Info("saved checkpoint", "dir", blob.Location(), "tag", tag, "step", step, "params", snap.NumParams)
	return snap, nil
}

// dropPayload removes a payload that no index lists.
func (s *Store) dropPayload(ctx context.Context, blob Blob, name string) {
	if err := blob.Delete(ctx, name); err != nil {
		s.logger.Warn("remove unindexed checkpoint", "dir", blob.Location(), "file", name, "error", err)
	}
}

// sweep deletes tag payloads in blob that the tag index does not list, such
// as files left by a save that failed before its index was written.
func (s *Store) sweep(ctx context.Context, blob Blob, tag Tag) error {
	names, err := blob.List(ctx)
	if err != nil {
		return err
	}
	idx, err := readIndex(ctx, blob, tag)
	if err != nil {
		return err
	}
	listed := make(map[string]bool, len(idx.Snapshots))
	for _, snap := range idx.Snapshots {
		listed[snap.File] = true
	}
	for _, name := range names {
		if _, ok := parseSnapshotFileName(name, tag); !ok || listed[name] {
			continue
		}
		if err := blob.Delete(ctx, name); err != nil {
			return fmt.Errorf("delete orphaned checkpoint %s: %w", name, err)
		}
		s.logger.Info("removed orphaned checkpoint", "dir", blob.Location(), "file", name)
	}
	return nil
}

// parseSnapshotFileName is the inverse of SnapshotFileName for one tag.
func parseSnapshotFileName(name string, tag Tag) (int64, bool) {
	rest, ok := strings.CutPrefix(name, "qa.ckpt-")
	if !ok {
		return 0, false
	}
	rest, ok = strings.CutSuffix(rest, "."+string(tag)+".json")
	if !ok {
		return 0, false
	}
	step, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || step < 0 {
		return 0, false
	}
	return step, true
}

func upsert(list []Snapshot, snap Snapshot) []Snapshot {
	out := make([]Snapshot, 0, len(list)+1)
	for _, existing := range list {
		if existing.Step != snap.Step {
			out = append(out, existing)
		}
	}
	out = append(out, snap)
	sort.Slice(out, func(i, j int) bool { return out[i].Step < out[j].Step })
	return out
}

func (s *Store) rotate(ctx context.Context, blob Blob, tag Tag, keep int, policy Rotation) error {
	if keep == 0 {
		return nil
	}
	if policy == RotationPerTag {
		idx, err := readIndex(ctx, blob, tag)
		if err != nil {
			return err
		}
		return pruneIndex(ctx, blob, idx, keepLatest(idx.Snapshots, keep))
	}

	indexes := make([]index, 0, len(Tags))
	var steps []int64
	seen := map[int64]bool{}
	for _, t := range Tags {
		idx, err := readIndex(ctx, blob, t)
		if err != nil {
			return err
		}
		indexes = append(indexes, idx)
		for _, snap := range idx.Snapshots {
			if !seen[snap.Step] {
				seen[snap.Step] = true
				steps = append(steps, snap.Step)
			}
		}
	}
	sort.Slice(steps, func(i, j int) bool { return steps[i] > steps[j] })
	kept := map[int64]bool{}
	for i := 0; i < len(steps) && i < keep; i++ {
		kept[steps[i]] = true
	}
	for _, idx := range indexes {
		if err := pruneIndex(ctx, blob, idx, kept); err != nil {
			return err
		}
	}
	return nil
}

func keepLatest(list []Snapshot, keep int) map[int64]bool {
	kept := map[int64]bool{}
	for i := len(list) - 1; i >= 0 && len(kept) < keep; i-- {
		kept[list[i].Step] = true
	}
	return kept
}

// pruneIndex drops the steps absent from kept from idx, then deletes their
// payload files. The index never lists a deleted file.
func pruneIndex(ctx context.Context, blob Blob, idx index, kept map[int64]bool) error {
	var survivors, dropped []Snapshot
	for _, snap := range idx.Snapshots {
		if kept[snap.Step] {
			survivors = append(survivors, snap)
		} else {
			dropped = append(dropped, snap)
		}
	}
	if len(dropped) == 0 {
		return nil
	}
	idx.Snapshots = survivors
	if err := writeIndex(ctx, blob, idx); err != nil {
		return err
	}
	for _, snap := range dropped {
		if err := blob.Delete(ctx, snap.File); err != nil {
			return fmt.Errorf("delete checkpoint %s: %w", snap.File, err)
		}
	}
	return nil
}

func readIndex(ctx context.Context, blob Blob, tag Tag) (index, error) {
	name := IndexFileName(tag)
	data, err := blob.Get(ctx, name)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return index{Version: indexVersion, Tag: tag}, nil
		}
		return index{}, fmt.Errorf("read %s: %w", name, err)
	}
	var idx index
	if err := json.Unmarshal(data, &idx); err != nil {
		return index{}, fmt.Errorf("decode %s: %w", name, err)
	}
	if idx.Version != indexVersion {
		return index{}, fmt.Errorf("%s: unsupported index version %d", name, idx.Version)
	}
	if idx.Tag != tag {
		return index{}, fmt.Errorf("%s: index lists tag %q", name, idx.Tag)
	}
	sort.Slice(idx.Snapshots, func(i, j int) bool { return idx.Snapshots[i].Step < idx.Snapshots[j].Step })
	return idx, nil
}

func writeIndex(ctx context.Context, blob Blob, idx index) error {
	idx.Version = indexVersion
	data, err := json.MarshalIndent(idx, "", "  ")
	if err != nil {
		return fmt.Errorf("encode index: %w", err)
	}
	name := IndexFileName(idx.Tag)
	if err := blob.Put(ctx, name, data); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// List returns the snapshots of tag in dir, oldest first.
func (s *Store) List(ctx context.Context, dir string, tag Tag) ([]Snapshot, error) {
	blob, err := s.open(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	idx, err := readIndex(ctx, blob, tag)
	if err != nil {
		return nil, err
	}
	return idx.Snapshots, nil
}

// Latest returns the highest-step snapshot of tag in dir.
func (s *Store) Latest(ctx context.Context, dir string, tag Tag) (Snapshot, bool, error) {
	snaps, err := s.List(ctx, dir, tag)
	if err != nil || len(snaps) == 0 {
		return Snapshot{}, false, err
	}
	return snaps[len(snaps)-1], true, nil
}

// Read loads the parameters of snap from dir.
func (s *Store) Read(ctx context.Context, dir string, snap Snapshot) (Params, error) {
	blob, err := s.open(ctx, dir)
	if err != nil {
		return nil, err
	}
	defer blob.Close()
	data, err := blob.Get(ctx, snap.File)
	if err != nil {
		return nil, fmt.Errorf("read checkpoint %s: %w", snap.File, err)
	}
	var p payload
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", snap.File, err)
	}
	if p.Tag != snap.Tag || p.Step != snap.Step {
		return nil, fmt.Errorf("checkpoint %s holds %s step %d", snap.File, p.Tag, p.Step)
	}
	return p.Params, nil
}

// Load restores target from the most recent tag snapshot in dir. When none
// exists, a required load fails with *MissingCheckpointError and an
// optional one initializes target with fresh parameters.
func (s *Store) Load(ctx context.Context, dir string, tag Tag, required bool, target Restorer) (LoadResult, error) {
	snap, ok, err := s.Latest(ctx, dir, tag)
	if err != nil {
		return LoadResult{}, err
	}
	if !ok {
		if required {
			s.metrics.RecordLoad(string(tag), "missing")
			return LoadResult{}, &MissingCheckpointError{Dir: dir, Tag: tag}
		}
		if err := target.InitFresh(); err != nil {
			return LoadResult{}, fmt.Errorf("initialize fresh parameters: %w", err)
		}
		n := target.NumParams()
		s.metrics.RecordLoad(string(tag), "fresh")
		s.logger.Info("no checkpoint found, initialized fresh parameters",
			"dir", dir, "tag", tag, "num_params", n)
		return LoadResult{Fresh: true, NumParams: n}, nil
	}

	params, err := s.Read(ctx, dir, snap)
	if err != nil {
		return LoadResult{}, err
	}
	if err := target.Restore(params); err != nil {
		return LoadResult{}, fmt.Errorf("restore %s: %w", snap.Path, err)
	}
	s.metrics.RecordLoad(string(tag), "restored")
	s.logger.Info("restored checkpoint", "path", snap.Path, "step", snap.Step, "num_params", params.Count())
	return LoadResult{Snapshot: snap, NumParams: params.Count()}, nil
}
