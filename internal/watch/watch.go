// Package watch reports new best checkpoints of a training run as they
// are written.
package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/haasonsaas/squadqa/internal/checkpoint"
)

const defaultDebounce = 250 * time.Millisecond

// Event describes a best slot that received a new snapshot.
type Event struct {
	Slot   checkpoint.Tag
	Dir    string
	Record checkpoint.BestRecord
}

// Handler is called once per new best snapshot, from the Run goroutine.
type Handler func(ctx context.Context, ev Event) error

// Options configures a Watcher.
type Options struct {
	TrainDir string
	Best     *checkpoint.BestSlots
	// Debounce delays the check after the last file event so a slot is
	// read once its snapshot, index and best.json are all written.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher follows the best_checkpoint and ema_best_checkpoint directories
// of one local train dir.
type Watcher struct {
	opts    Options
	logger  *slog.Logger
	fsw     *fsnotify.Watcher
	last    map[checkpoint.Tag]int64
	pending chan struct{}

	closeOnce sync.Once
}

// New starts watching opts.TrainDir. Best snapshots present at this point
// are treated as already seen.
func New(ctx context.Context, opts Options) (*Watcher, error) {
	if opts.Best == nil {
		return nil, errors.New("watch: best slots are required")
	}
	if checkpoint.IsRemote(opts.TrainDir) {
		return nil, fmt.Errorf("watch: %s is not a local directory", opts.TrainDir)
	}
	info, err := os.Stat(opts.TrainDir)
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch: %s is not a directory", opts.TrainDir)
	}
	if opts.Debounce <= 0 {
		opts.Debounce = defaultDebounce
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{
		opts:    opts,
		logger:  opts.Logger.With("component", "watch"),
		fsw:     fsw,
		last:    make(map[checkpoint.Tag]int64, len(checkpoint.Tags)),
		pending: make(chan struct{}, 1),
	}
	if err := fsw.Add(opts.TrainDir); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watch %s: %w", opts.TrainDir, err)
	}
	for _, slot := range checkpoint.Tags {
		dir := checkpoint.BestDir(opts.TrainDir, slot)
		if err := w.addDir(dir); err != nil {
			fsw.Close()
			return nil, err
		}
		rec, ok, err := opts.Best.Current(ctx, opts.TrainDir, slot)
		if err != nil {
			fsw.Close()
			return nil, err
		}
		if ok {
			w.last[slot] = rec.Step
		}
	}
	return w, nil
}

func (w *Watcher) addDir(dir string) error {
	if info, err := os.Stat(dir); err != nil || !info.IsDir() {
		return nil
	}
	if err := w.fsw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	return nil
}

// Run delivers events to handle until ctx is done. A handler error stops
// Run and is returned.
func (w *Watcher) Run(ctx context.Context, handle Handler) error {
	defer w.Close()

	var mu sync.Mutex
	var timer *time.Timer
	schedule := func() {
		mu.Lock()
		defer mu.Unlock()
		if timer != nil {
			timer.Stop()
		}
		timer = time.AfterFunc(w.opts.Debounce, func() {
			select {
			case w.pending <- struct{}{}:
			default:
			}
		})
	}
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	w.logger.Info("watching best checkpoints", "train_dir", w.opts.TrainDir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if event.Op&fsnotify.Create != 0 && w.isBestDir(event.Name) {
				if err := w.addDir(event.Name); err != nil {
					w.logger.Warn("add watch failed", "dir", event.Name, "error", err)
				}
			}
			schedule()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		case <-w.pending:
			if err := w.check(ctx, handle); err != nil {
				return err
			}
		}
	}
}

func (w *Watcher) isBestDir(path string) bool {
	clean := filepath.Clean(path)
	for _, slot := range checkpoint.Tags {
		if clean == filepath.Clean(checkpoint.BestDir(w.opts.TrainDir, slot)) {
			return true
		}
	}
	return false
}

// check compares each slot against the last step seen.
func (w *Watcher) check(ctx context.Context, handle Handler) error {
	for _, slot := range checkpoint.Tags {
		rec, ok, err := w.opts.Best.Current(ctx, w.opts.TrainDir, slot)
		if err != nil {
			w.logger.Warn("read best record failed", "slot", slot, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if seen, present := w.last[slot]; present && seen == rec.Step {
			continue
		}
		w.last[slot] = rec.Step
		ev := Event{Slot: slot, Dir: checkpoint.BestDir(w.opts.TrainDir, slot), Record: rec}
		w.logger.Info("new best checkpoint", "slot", slot, "step", rec.Step, "metric", rec.Metric)
		if err := handle(ctx, ev); err != nil {
			return fmt.Errorf("handle %s step %d: %w", slot, rec.Step, err)
		}
	}
	return nil
}

// Close stops the underlying watcher. It is safe to call more than once.
func (w *Watcher) Close() error {
	var err error
	w.closeOnce.Do(func() { err = w.fsw.Close() })
	return err
}
