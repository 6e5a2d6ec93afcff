package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"time"
)

// BestFileName records the metric of the snapshot held by a best slot.
const BestFileName = "best.json"

// Comparator reports whether candidate beats current.
type Comparator func(candidate, current float64) bool

// HigherIsBetter suits F1 and EM.
func HigherIsBetter(candidate, current float64) bool { return candidate > current }

// LowerIsBetter suits losses.
func LowerIsBetter(candidate, current float64) bool { return candidate < current }

// BestRecord is the content of best.json.
type BestRecord struct {
	Step      int64     `json:"step"`
	Metric    float64   `json:"metric"`
	UpdatedAt time.Time `json:"updated_at"`
}

// BestSlots maintains best_checkpoint and ema_best_checkpoint of a run.
type BestSlots struct {
	store  *Store
	better Comparator
}

// NewBestSlots returns best slots judged by better; nil means HigherIsBetter.
func NewBestSlots(store *Store, better Comparator) *BestSlots {
	if better == nil {
		better = HigherIsBetter
	}
	return &BestSlots{store: store, better: better}
}

// Current returns the record of the slot, if any.
func (b *BestSlots) Current(ctx context.Context, runDir string, slot Tag) (BestRecord, bool, error) {
	dir := BestDir(runDir, slot)
	blob, err := b.store.open(ctx, dir)
	if err != nil {
		return BestRecord{}, false, err
	}
	defer blob.Close()
	data, err := blob.Get(ctx, BestFileName)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return BestRecord{}, false, nil
		}
		return BestRecord{}, false, fmt.Errorf("read %s: %w", BestFileName, err)
	}
	var rec BestRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return BestRecord{}, false, fmt.Errorf("decode %s in %s: %w", BestFileName, dir, err)
	}
	return rec, true, nil
}

// Offer stores set in the slot when metric beats the slot's current metric
// or the slot is empty. Both tags of set are written, one snapshot each, so
// loads from a best dir honor the raw/EMA switch like any other directory.
func (b *BestSlots) Offer(ctx context.Context, runDir string, slot Tag, step int64, set ParamSet, metric float64) (bool, error) {
	if math.IsNaN(metric) {
		return false, nil
	}
	cur, ok, err := b.Current(ctx, runDir, slot)
	if err != nil {
		return false, err
	}
	if ok && !b.better(metric, cur.Metric) {
		return false, nil
	}

	dir := BestDir(runDir, slot)
	for _, tag := range Tags {
		params, present := set[tag]
		if !present {
			return false, fmt.Errorf("best slot %s: missing %s parameters", dir, tag)
		}
		if _, err := b.store.save(ctx, dir, tag, step, params, 1, RotationPerTag); err != nil {
			return false, err
		}
	}

	blob, err := b.store.open(ctx, dir)
	if err != nil {
		return false, err
	}
	defer blob.Close()
	rec := BestRecord{Step: step, Metric: metric, UpdatedAt: b.store.now().UTC()}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return false, err
	}
	if err := blob.Put(ctx, BestFileName, data); err != nil {
		return false, fmt.Errorf("write %s: %w", BestFileName, err)
	}
	b.store.metrics.RecordSave(string(slot), "best")
	b.store.logger.Info("new best checkpoint", "dir", dir, "step", step, "metric", metric)
	return true, nil
}
