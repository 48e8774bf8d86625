package dataset

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/larworkshop/nuvision/metrics"
)

// ErrCorpusUnreadable is returned when the root or a label directory cannot
// be listed.
var ErrCorpusUnreadable = errors.New("corpus directory unreadable")

// Skip reasons, also used as metric labels.
const (
	SkipUnknownLabel   = "unknown_label"
	SkipNotDirectory   = "not_directory"
	SkipNotRegularFile = "not_regular_file"
	SkipExtension      = "extension"
)

// SkipTally counts directory entries that were ignored during a scan.
type SkipTally struct {
	UnknownLabel   int
	NotDirectory   int
	NotRegularFile int
	Extension      int
}

// Total returns the number of ignored entries.
func (s SkipTally) Total() int {
	return s.UnknownLabel + s.NotDirectory + s.NotRegularFile + s.Extension
}

// Sample is one labelled image file.
type Sample struct {
	Path  string
	Label MetaLabel
}

// Corpus is the result of scanning one directory tree. Labels and Paths
// have equal length; their order follows directory enumeration and must not
// be relied upon.
type Corpus struct {
	Labels  []MetaLabel
	Paths   []string
	Skipped SkipTally
}

// Len returns the number of samples.
func (c *Corpus) Len() int {
	return len(c.Paths)
}

// Sample returns the i-th sample.
func (c *Corpus) Sample(i int) Sample {
	return Sample{Path: c.Paths[i], Label: c.Labels[i]}
}

// Counts tallies samples per meta label.
func (c *Corpus) Counts() map[MetaLabel]int {
	counts := make(map[MetaLabel]int)
	for _, l := range c.Labels {
		counts[l]++
	}
	return counts
}

// subset copies the samples at indices, in order.
func (c *Corpus) subset(indices []int) *Corpus {
	s := &Corpus{
		Labels: make([]MetaLabel, len(indices)),
		Paths:  make([]string, len(indices)),
	}
	for i, idx := range indices {
		s.Labels[i] = c.Labels[idx]
		s.Paths[i] = c.Paths[idx]
	}
	return s
}

// ScanOptions tunes which files become samples.
type ScanOptions struct {
	// Extensions restricts samples to these file extensions, compared case
	// insensitively. Empty accepts every regular file.
	Extensions []string
}

// Scan builds a corpus from root, whose immediate subdirectories are named
// by raw labels. Every regular file directly inside an accepted label
// directory becomes a sample. Unrecognised names, stray files at the top
// level and nested directories are skipped and tallied, never reported as
// errors.
func Scan(root string) (*Corpus, error) {
	return ScanWithOptions(root, ScanOptions{})
}

// ScanWithOptions is Scan with a file filter.
func ScanWithOptions(root string, opts ScanOptions) (*Corpus, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		return nil, unreadable(root, err)
	}

	exts := make(map[string]bool, len(opts.Extensions))
	for _, ext := range opts.Extensions {
		exts[strings.ToLower(ext)] = true
	}

	corpus := &Corpus{}
	for _, entry := range entries {
		path := filepath.Join(root, entry.Name())

		mode, err := resolveMode(path, entry)
		if err != nil || !mode.IsDir() {
			corpus.skip(SkipNotDirectory, path)
			continue
		}

		raw, ok := ParseRawLabel(entry.Name())
		var meta MetaLabel
		if ok {
			meta, ok = MapLabel(raw)
		}
		if !ok {
			corpus.skip(SkipUnknownLabel, path)
			continue
		}

		if err := corpus.addLabelDir(path, meta, exts); err != nil {
			return nil, err
		}
	}

	log.Info().
		Str("root", root).
		Int("samples", corpus.Len()).
		Int("skipped", corpus.Skipped.Total()).
		Msg("corpus scanned")

	return corpus, nil
}

func (c *Corpus) addLabelDir(dir string, label MetaLabel, exts map[string]bool) error {
	files, err := os.ReadDir(dir)
	if err != nil {
		return unreadable(dir, err)
	}

	for _, f := range files {
		path := filepath.Join(dir, f.Name())

		mode, err := resolveMode(path, f)
		if err != nil || !mode.IsRegular() {
			c.skip(SkipNotRegularFile, path)
			continue
		}
		if len(exts) > 0 && !exts[strings.ToLower(filepath.Ext(path))] {
			c.skip(SkipExtension, path)
			continue
		}

		c.Labels = append(c.Labels, label)
		c.Paths = append(c.Paths, path)
		metrics.Observer.FilesScanned.Inc()
	}
	return nil
}

func (c *Corpus) skip(reason, path string) {
	switch reason {
	case SkipUnknownLabel:
		c.Skipped.UnknownLabel++
	case SkipNotDirectory:
		c.Skipped.NotDirectory++
	case SkipNotRegularFile:
		c.Skipped.NotRegularFile++
	case SkipExtension:
		c.Skipped.Extension++
	}
	metrics.Observer.Skipped(reason)
	log.Debug().Str("path", path).Str("reason", reason).Msg("entry skipped")
}

// resolveMode follows symlinks so that linked label directories and images
// behave like the real thing.
func resolveMode(path string, entry fs.DirEntry) (fs.FileMode, error) {
	if entry.Type()&fs.ModeSymlink == 0 {
		return entry.Type(), nil
	}
	info, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return info.Mode(), nil
}

func unreadable(path string, err error) error {
	return errors.Wrapf(ErrCorpusUnreadable, "%s: %v", path, err)
}
