package checkpoint

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// Tag distinguishes the two parameter sets kept for every run.
type Tag string

const (
	// TagRaw marks the weights produced directly by the optimizer.
	TagRaw Tag = "raw"
	// TagEMA marks the exponential-moving-average shadow of the weights.
	TagEMA Tag = "ema"
)

// Tags lists every tag in a fixed order.
var Tags = []Tag{TagRaw, TagEMA}

// TagFor maps the load_ema_checkpoint switch onto a tag. Every load site
// goes through this function so the switch applies uniformly.
func TagFor(useEMA bool) Tag {
	if useEMA {
		return TagEMA
	}
	return TagRaw
}

// Valid reports whether t is a known tag.
func (t Tag) Valid() bool {
	return t == TagRaw || t == TagEMA
}

const (
	// BestDirName holds the best snapshot judged on the raw weights.
	BestDirName = "best_checkpoint"
	// EMABestDirName holds the best snapshot judged on the EMA weights.
	EMABestDirName = "ema_best_checkpoint"

	s3Scheme = "s3://"
)

// BestDir returns the best-slot directory of runDir for tag.
func BestDir(runDir string, tag Tag) string {
	if tag == TagEMA {
		return JoinDir(runDir, EMABestDirName)
	}
	return JoinDir(runDir, BestDirName)
}

// EnsembleMemberDir returns the directory of base model i (1-based) under
// an ensemble checkpoint root: <root>/ema_best_checkpoint_<i>.
func EnsembleMemberDir(root string, i int) string {
	return JoinDir(root, fmt.Sprintf("%s_%d", EMABestDirName, i))
}

// IsRemote reports whether dir lives in object storage.
func IsRemote(dir string) bool {
	return strings.HasPrefix(dir, s3Scheme)
}

// JoinDir joins path elements onto a local directory or an s3:// URL.
func JoinDir(dir string, elem ...string) string {
	if IsRemote(dir) {
		rest := strings.TrimPrefix(dir, s3Scheme)
		return s3Scheme + path.Join(append([]string{rest}, elem...)...)
	}
	return filepath.Join(append([]string{dir}, elem...)...)
}
