// Package walker produces the sorted list of eligible files under a tree.
//
// # Concurrency Model
//
// The walker fans out one goroutine per discovered directory, limited by a
// semaphore, and fans results into a single collector goroutine:
//
//  1. WALKER GOROUTINES (fan-out)
//     - One goroutine spawned per directory discovered
//     - Concurrency limited by semaphore (walkerSem)
//     - Each walker: acquires semaphore → lists directory → sends files
//     → spawns child walkers → releases semaphore on return
//
//  2. COLLECTOR GOROUTINE (fan-in)
//     - Single goroutine that drains resultCh into a slice
//     - Runs until resultCh is closed
//
//  3. MAIN GOROUTINE (orchestrator)
//     - Spawns initial walker, waits for walkers, closes resultCh,
//     waits for the collector, sorts the collected paths
//
// The final sort makes the output independent of traversal order, so the
// downstream pipeline stays deterministic no matter how the goroutines
// interleave.
package walker

import (
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dustin/go-humanize"
	enry "github.com/go-enry/go-enry/v2"

	"github.com/ivoronin/shredhound/internal/progress"
	"github.com/ivoronin/shredhound/internal/types"
)

// Walker discovers eligible files under one tree root using parallel
// directory traversal.
//
// The walker is designed for single-use: create with New(), call Run() once.
type Walker struct {
	// Config (immutable, set by New)
	root         string     // Tree root to scan
	onlyCode     bool       // Restrict to recognized programming languages
	workers      int        // Max concurrent directory reads
	showProgress bool       // Whether to display progress bar
	errCh        chan error // Non-fatal errors (permission denied, etc.)

	// Runtime (initialized in Run)
	walkerWg  sync.WaitGroup  // Tracks in-flight walker goroutines
	walkerSem types.Semaphore // Limits concurrent directory reads
	resultCh  chan string     // Fan-in channel: walkers → collector
	stats     *stats          // Atomic counters for progress tracking
	bar       *progress.Bar   // Progress display (thread-safe)
}

// New creates a Walker for the given tree root.
func New(root string, onlyCode bool, workers int, showProgress bool, errCh chan error) *Walker {
	return &Walker{
		root:         root,
		onlyCode:     onlyCode,
		workers:      workers,
		showProgress: showProgress,
		errCh:        errCh,
	}
}

// stats tracks walking progress using atomic counters for lock-free updates.
type stats struct {
	root         string
	scannedFiles atomic.Int64 // Total files discovered (all walkers)
	matchedFiles atomic.Int64 // Files passing eligibility
	matchedBytes atomic.Int64 // Bytes of matched files only
	startTime    time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("%s: scanned %d, eligible %d files (%s) in %.1fs",
		s.root, s.scannedFiles.Load(), s.matchedFiles.Load(),
		humanize.IBytes(uint64(s.matchedBytes.Load())),
		time.Since(s.startTime).Seconds())
}

// Run executes the walk and returns the sorted list of eligible paths.
// Paths are rooted at the walker's root argument, exactly as given, so a
// relative root "A" yields paths like "A/x.c".
func (w *Walker) Run() ([]string, error) {
	if fi, err := os.Stat(w.root); err != nil {
		return nil, fmt.Errorf("tree %s: %w", w.root, err)
	} else if !fi.IsDir() {
		return nil, fmt.Errorf("tree %s: not a directory", w.root)
	}

	w.walkerSem = types.NewSemaphore(w.workers)
	w.bar = progress.New(w.showProgress, -1)
	w.stats = &stats{root: w.root, startTime: time.Now()}
	w.bar.Describe(w.stats)
	w.resultCh = make(chan string, 1000)

	var results []string
	collectorWg := sync.WaitGroup{}

	collectorWg.Add(1)
	go func() {
		for r := range w.resultCh {
			results = append(results, r)
		}
		collectorWg.Done()
	}()

	w.walkDirectory(w.root)

	w.walkerWg.Wait()  // All walkers done
	close(w.resultCh)  // Signal collector: no more items coming
	collectorWg.Wait() // Collector drained channel

	w.bar.Finish(w.stats)

	sort.Strings(results)
	return results, nil
}

// walkDirectory spawns a goroutine to process one directory and recursively
// spawn children. walkerWg.Add happens before the spawn to prevent a race
// with Wait.
func (w *Walker) walkDirectory(dir string) {
	w.walkerWg.Add(1)
	go func() {
		defer w.walkerWg.Done()

		w.walkerSem.Acquire()
		defer w.walkerSem.Release()

		files, subdirs, err := w.listDirectory(dir)
		if err != nil {
			w.sendError(err)
			return
		}

		for _, f := range files {
			w.resultCh <- f
		}
		w.bar.Describe(w.stats)

		for _, sub := range subdirs {
			w.walkDirectory(sub)
		}
	}()
}

// listDirectory reads a single directory, returning eligible files and
// subdirectories. Batched ReadDir bounds memory on huge directories; this
// is the only place directory I/O occurs, protected by walkerSem.
func (w *Walker) listDirectory(dirPath string) (files []string, subdirs []string, err error) {
	dir, err := os.Open(dirPath)
	if err != nil {
		return nil, nil, err
	}
	defer func() { _ = dir.Close() }()

	const batchSize = 1000
	for {
		entries, err := dir.ReadDir(batchSize)
		if len(entries) == 0 {
			if err != nil && err != io.EOF {
				return files, subdirs, err
			}
			break
		}

		for _, entry := range entries {
			fullPath := filepath.Join(dirPath, entry.Name())
			if entry.IsDir() {
				subdirs = append(subdirs, fullPath)
				continue
			}
			if !entry.Type().IsRegular() {
				continue
			}
			info, err := entry.Info()
			if err != nil {
				continue // File vanished or unreadable; skip
			}
			w.stats.scannedFiles.Add(1)
			if !w.eligible(entry.Name(), info) {
				continue
			}
			w.stats.matchedFiles.Add(1)
			w.stats.matchedBytes.Add(info.Size())
			files = append(files, fullPath)
		}
	}

	return files, subdirs, nil
}

// eligible reports whether a file should be shredded. Empty files never
// are; with onlyCode set, the name must map to a recognized programming
// language.
func (w *Walker) eligible(name string, info fs.FileInfo) bool {
	if info.Size() == 0 {
		return false
	}
	if w.onlyCode && enry.GetLanguage(name, nil) == "" {
		return false
	}
	return true
}

// sendError sends an error to the errors channel if one is configured.
func (w *Walker) sendError(err error) {
	if w.errCh != nil {
		w.errCh <- err
	}
}
