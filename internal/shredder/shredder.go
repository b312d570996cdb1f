// Package shredder emits chunk hashes over a sliding window of features.
//
// # Overview
//
// The shredder consumes the analyzer's feature stream for each file and
// emits one chunk per window position: the chunk covers the inclusive line
// range of its W features and carries the content hash of their normalized
// text. A file with fewer than W features yields a single chunk covering
// whatever was accepted; a file with L ≥ 1 features yields max(1, L−W+1)
// chunks, and a file with no features yields none.
//
// # Concurrency Model
//
// Tree shredding uses a fixed worker pool:
//
//  1. WORKER GOROUTINES (fixed pool)
//     - N workers consume file indices from a channel
//     - Each worker owns its Analyzer and Hasher (both are stateful)
//     - Results land in a pre-sized slice by index, so output order equals
//     the sorted input order no matter how workers interleave
//
//  2. MAIN GOROUTINE
//     - Feeds indices, waits for the pool, returns the ordered results
//
// The observable behavior is that of a single thread walking the sorted
// file list.
package shredder

import (
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/shredhound/internal/analyzer"
	"github.com/ivoronin/shredhound/internal/cache"
	"github.com/ivoronin/shredhound/internal/hasher"
	"github.com/ivoronin/shredhound/internal/progress"
	"github.com/ivoronin/shredhound/internal/types"
)

// DefaultSize is the default shred size W.
const DefaultSize = 5

// Config carries the shredding parameters shared by every file of a run.
type Config struct {
	Options analyzer.Options
	Size    int           // Shred size W
	Method  hasher.Method // Digest algorithm
	MaxLine types.Linenum // Line limit; files are truncated there
	Workers int           // Worker pool size for tree shredding
}

// FileShreds is the shredding result for one file.
type FileShreds struct {
	Path   string
	Lines  types.Linenum // Physical line count at end of scan
	Chunks []types.Chunk
}

// Tree shreds a sorted list of files under one tree root.
//
// The tree shredder is designed for single-use: create with NewTree(),
// call Run() once.
type Tree struct {
	// Config (immutable, set by NewTree)
	cfg          Config
	root         string
	files        []string
	showProgress bool
	debug        bool
	errCh        chan error
	cache        *cache.Cache

	// Runtime (initialized in Run)
	stats *stats
	bar   *progress.Bar
}

// NewTree creates a tree shredder over an already-sorted file list.
// Use cache.Open("") for a disabled cache; nil will panic.
func NewTree(cfg Config, root string, files []string, showProgress, debug bool, errCh chan error, shredCache *cache.Cache) *Tree {
	return &Tree{
		cfg:          cfg,
		root:         root,
		files:        files,
		showProgress: showProgress,
		debug:        debug,
		errCh:        errCh,
		cache:        shredCache,
	}
}

// stats tracks shredding progress using atomic counters for lock-free
// updates from the worker pool.
type stats struct {
	root        string
	doneFiles   atomic.Int64
	totalFiles  int64
	chunks      atomic.Int64
	lines       atomic.Int64
	cachedFiles atomic.Int64
	startTime   time.Time
}

func (s *stats) String() string {
	cached := ""
	if n := s.cachedFiles.Load(); n > 0 {
		cached = fmt.Sprintf(" (%d cached)", n)
	}
	return fmt.Sprintf("%s: shredded %d/%d files%s, %s chunks over %s lines in %.1fs",
		s.root, s.doneFiles.Load(), s.totalFiles, cached,
		humanize.Comma(s.chunks.Load()), humanize.Comma(s.lines.Load()),
		time.Since(s.startTime).Seconds())
}

// Run shreds every file and returns results in input (sorted) order.
// Unreadable files are reported on the error channel and yield an empty
// result entry.
func (t *Tree) Run() []FileShreds {
	t.bar = progress.New(t.showProgress, int64(len(t.files)))
	t.stats = &stats{root: t.root, totalFiles: int64(len(t.files)), startTime: time.Now()}
	t.bar.Describe(t.stats)

	results := make([]FileShreds, len(t.files))
	jobCh := make(chan int, len(t.files))
	var wg sync.WaitGroup

	workers := max(1, t.cfg.Workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sh := NewShredder(t.cfg)
			for i := range jobCh {
				results[i] = t.shredOne(sh, t.files[i])
				t.stats.doneFiles.Add(1)
				t.bar.Add(1)
				t.bar.Describe(t.stats)
			}
		}()
	}

	for i := range t.files {
		jobCh <- i
	}
	close(jobCh)
	wg.Wait()

	t.bar.Finish(t.stats)

	if t.debug {
		for _, fs := range results {
			for i, c := range fs.Chunks {
				fmt.Fprintf(os.Stderr, "%d: %s %s:%d:%d\n", i, c.Hash, fs.Path, c.Start, c.End)
			}
		}
	}
	return results
}

// shredOne shreds a single file, consulting the cache first.
func (t *Tree) shredOne(sh *Shredder, path string) FileShreds {
	info, err := os.Stat(path)
	if err != nil {
		t.sendError(fmt.Errorf("%s: %w", path, err))
		return FileShreds{Path: path}
	}

	key := cache.Key{
		Path:    path,
		Size:    info.Size(),
		ModTime: info.ModTime(),
		Params:  fmt.Sprintf("%s/%d/%s/%d", t.cfg.Options, t.cfg.Size, t.cfg.Method, t.cfg.MaxLine),
	}
	if entry, err := t.cache.Lookup(key); err != nil {
		t.sendError(fmt.Errorf("cache lookup %s: %w", path, err))
	} else if entry != nil {
		t.stats.cachedFiles.Add(1)
		t.stats.chunks.Add(int64(len(entry.Chunks)))
		t.stats.lines.Add(int64(entry.Lines))
		return FileShreds{Path: path, Lines: entry.Lines, Chunks: entry.Chunks}
	}

	f, err := os.Open(path)
	if err != nil {
		t.sendError(fmt.Errorf("%s: %w", path, err))
		return FileShreds{Path: path}
	}
	defer func() { _ = f.Close() }()

	chunks, lines, err := sh.File(path, f)
	if err != nil {
		t.sendError(fmt.Errorf("%s: %w", path, err))
	}

	t.stats.chunks.Add(int64(len(chunks)))
	t.stats.lines.Add(int64(lines))

	if err := t.cache.Store(key, &cache.Entry{Lines: lines, Chunks: chunks}); err != nil {
		t.sendError(fmt.Errorf("cache store %s: %w", path, err))
	}
	return FileShreds{Path: path, Lines: lines, Chunks: chunks}
}

// sendError sends an error to the errors channel if one is configured.
func (t *Tree) sendError(err error) {
	if t.errCh != nil {
		t.errCh <- err
	}
}

// Shredder shreds one file at a time. Not safe for concurrent use; the
// tree shredder creates one per worker.
type Shredder struct {
	cfg      Config
	analyzer *analyzer.Analyzer
	hasher   hasher.Hasher
}

// NewShredder creates a single-file shredder.
func NewShredder(cfg Config) *Shredder {
	if cfg.Size < 1 {
		cfg.Size = DefaultSize
	}
	if cfg.MaxLine < 2 {
		cfg.MaxLine = 1<<16 - 1
	}
	return &Shredder{
		cfg:      cfg,
		analyzer: analyzer.New(cfg.Options, cfg.MaxLine),
		hasher:   hasher.New(cfg.Method),
	}
}

// File shreds one file's contents. The returned line count is the number
// of physical lines consumed, for the file header. A file exceeding the
// line limit is truncated: the error reports it, and the chunks emitted so
// far remain valid.
func (s *Shredder) File(path string, r io.Reader) ([]types.Chunk, types.Linenum, error) {
	s.analyzer.Begin(r, analyzer.ModeForPath(path))

	var (
		chunks     []types.Chunk
		window     = make([]analyzer.Feature, 0, s.cfg.Size)
		accepted   int
		pendingEnd types.Linenum
		scanErr    error
	)

	for {
		f, err := s.analyzer.Next()
		if err == analyzer.ErrTruncated {
			scanErr = fmt.Errorf("too large, only first %d lines compared", s.cfg.MaxLine-1)
			break
		}
		if err != nil {
			return chunks, s.analyzer.Line(), err
		}
		if f == nil {
			break
		}
		if f.TrailingBrace {
			// A closing brace belongs to the span it terminates even
			// though it contributes nothing to the hash.
			if len(chunks) > 0 {
				chunks[len(chunks)-1].End = f.Line
			} else {
				pendingEnd = f.Line
			}
			continue
		}

		accepted++
		window = append(window, *f)
		if len(window) == s.cfg.Size {
			chunks = append(chunks, s.emit(window))
			copy(window, window[1:])
			window = window[:len(window)-1]
		}
	}

	// A short file still gets one chunk covering whatever was accepted.
	if accepted > 0 && accepted < s.cfg.Size {
		c := s.emit(window)
		if pendingEnd > c.End {
			c.End = pendingEnd
		}
		chunks = append(chunks, c)
	}

	return chunks, s.analyzer.Line(), scanErr
}

// emit hashes the current window into a chunk. The chunk is insignificant
// only when every constituent feature is; language bits are ORed together
// with the currently active mode.
func (s *Shredder) emit(window []analyzer.Feature) types.Chunk {
	s.hasher.Init()
	flags := s.analyzer.Mode()
	insignificant := true
	for i := range window {
		s.hasher.Update([]byte(window[i].Text))
		flags |= window[i].Flags &^ types.FlagInsignificant
		insignificant = insignificant && window[i].Flags&types.FlagInsignificant != 0
	}
	if insignificant {
		flags |= types.FlagInsignificant
	}
	return types.Chunk{
		Start: window[0].Line,
		End:   window[len(window)-1].Line,
		Hash:  s.hasher.Sum(),
		Flags: flags,
	}
}
