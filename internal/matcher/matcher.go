// Package matcher finds duplicated passages in a consolidated chunk array.
//
// # Overview
//
// The matcher is the reduction stage of the pipeline. It takes the single
// flat array of chunks collected from every input tree and catalogue and
// boils it down to match groups: sets of line ranges, in files from at
// least two different trees, whose normalized content hashed identically.
//
// # Processing Pipeline
//
//	Input: []types.SortedChunk (all trees, concatenated)
//	    │
//	    ├──► Stable sort by (hash, file path)
//	    │
//	    ├──► Prune: mark unique hashes internal, compact in place
//	    │
//	    ├──► Extract cliques (maximal equal-hash runs), dropping cliques
//	    │    confined to a single tree
//	    │
//	    ├──► Merge overlapping groups with identical file tuples into
//	    │    maximal spans (significance heals across merges)
//	    │
//	    ├──► Filter by minimum span size and significance
//	    │
//	    └──► Output: []Match sorted by (first file, first line)
//
// # Memory Discipline
//
// With 10^7+ chunks the array dominates memory, so match groups are
// (offset, count) windows into it rather than copies, range merging
// mutates chunks in place and never relocates them, and pruning compacts
// the array instead of allocating a second one. The quadratic merge stage
// is tamed by pre-sorting groups by their file tuple: only groups with
// identical tuples can merge, so merging runs within tuple spans.
package matcher

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/ivoronin/shredhound/internal/progress"
	"github.com/ivoronin/shredhound/internal/types"
)

// flagInternal marks chunks scheduled for compaction. Engine-private; it
// never appears in catalogues or reports.
const flagInternal byte = 1 << 7

// Engine reduces a consolidated chunk array to match groups.
//
// The engine is designed for single-use: create with New(), call Run()
// once. It takes ownership of the chunk slice and mutates it.
type Engine struct {
	// Config (immutable, set by New)
	chunks       []types.SortedChunk
	store        *types.FileStore
	minSize      int  // Minimum reported span length in lines
	language     bool // Apply the significance filter
	showProgress bool
	timer        *progress.Timer

	stats *stats
}

// New creates a match engine over a consolidated chunk array.
func New(chunks []types.SortedChunk, store *types.FileStore, minSize int, language bool, showProgress bool, timer *progress.Timer) *Engine {
	return &Engine{
		chunks:       chunks,
		store:        store,
		minSize:      minSize,
		language:     language,
		showProgress: showProgress,
		timer:        timer,
	}
}

// Match is one reported duplicate passage: a window into the engine's
// sorted array whose members all hashed identically before merging.
type Match struct {
	chunks []types.SortedChunk
}

// Members returns the match members. The slice aliases the engine's array;
// treat it as read-only.
func (m Match) Members() []types.SortedChunk { return m.chunks }

// Len returns the clique width.
func (m Match) Len() int { return len(m.chunks) }

// stats tracks reduction progress across stages.
type stats struct {
	total     int64
	pruned    int64
	cliques   int64
	merged    int64
	reported  int64
	startTime time.Time
}

func (s *stats) String() string {
	return fmt.Sprintf("Reduced %s chunks to %d groups (%d pruned, %d cliques, %d merged) in %.1fs",
		humanize.Comma(s.total), s.reported, s.pruned, s.cliques, s.merged,
		time.Since(s.startTime).Seconds())
}

// group is a clique surviving same-tree suppression: a window of n chunks
// starting at off in the sorted array. A deleted group has n == 0.
type group struct {
	off, n int
}

// Run executes all reduction stages and returns the final sorted matches.
func (e *Engine) Run() []Match {
	bar := progress.New(e.showProgress, -1)
	e.stats = &stats{total: int64(len(e.chunks)), startTime: time.Now()}
	bar.Describe(e.stats)

	e.sortChunks()
	e.timer.Mark("sort done, %d entries", len(e.chunks))

	e.pruneUnique()
	e.timer.Mark("%d entries after pruning unique hashes", len(e.chunks))
	bar.Describe(e.stats)

	groups := e.extractCliques()
	e.stats.cliques = int64(len(groups))
	e.timer.Mark("%d range groups after removing same-tree cliques", len(groups))
	bar.Describe(e.stats)

	groups = e.mergeRanges(groups)
	e.timer.Mark("%d range groups after merging", len(groups))
	bar.Describe(e.stats)

	matches := e.filter(groups)
	e.sortMatches(matches)
	e.stats.reported = int64(len(matches))
	bar.Finish(e.stats)

	return matches
}

// sortChunks stable-sorts by (hash, file path). The path tiebreak makes
// output deterministic and groups same-tree members adjacently within each
// clique.
func (e *Engine) sortChunks() {
	slices.SortStableFunc(e.chunks, func(a, b types.SortedChunk) int {
		if c := a.Hash.Compare(b.Hash); c != 0 {
			return c
		}
		return strings.Compare(e.path(a), e.path(b))
	})
}

// pruneUnique marks chunks whose hash differs from both neighbors, then
// compacts the array in place. Purely an optimization to shrink the
// working set before the clique walk.
func (e *Engine) pruneUnique() {
	s := e.chunks
	for i := range s {
		if (i == 0 || !s[i].Hash.Equal(s[i-1].Hash)) &&
			(i == len(s)-1 || !s[i].Hash.Equal(s[i+1].Hash)) {
			s[i].Flags |= flagInternal
		}
	}

	kept := s[:0]
	for i := range s {
		if s[i].Flags&flagInternal == 0 {
			kept = append(kept, s[i])
		}
	}
	e.stats.pruned = int64(len(s) - len(kept))
	e.chunks = kept
}

// extractCliques walks the pruned array and records every maximal
// equal-hash run that spans at least two trees. Copies confined to a
// single tree are not interesting.
func (e *Engine) extractCliques() []group {
	var groups []group
	s := e.chunks
	for off := 0; off < len(s); {
		n := 1
		for off+n < len(s) && s[off].Hash.Equal(s[off+n].Hash) {
			n++
		}
		if n >= 2 && !e.homogeneous(s[off:off+n]) {
			groups = append(groups, group{off: off, n: n})
		}
		off += n
	}
	return groups
}

// homogeneous reports whether every clique member comes from the same
// top-level tree.
func (e *Engine) homogeneous(clique []types.SortedChunk) bool {
	first := types.TreeOf(e.path(clique[0]))
	for _, c := range clique[1:] {
		if types.TreeOf(e.path(c)) != first {
			return false
		}
	}
	return true
}

// mergeRanges coalesces groups describing overlapping occurrences of the
// same passage. Two groups are mergeable iff they have the same width, the
// identical file tuple, and their line intervals overlap at a constant
// offset across every position. Merging widens [start, end] per member and
// heals significance: if either occurrence of a member was significant,
// the merged member is.
//
// Groups are first sorted by their file tuple; only groups inside the same
// tuple span can merge, which keeps the pairwise work local.
func (e *Engine) mergeRanges(groups []group) []group {
	slices.SortFunc(groups, func(a, b group) int { return e.compareTuples(a, b) })

	for lo := 0; lo < len(groups); {
		hi := lo + 1
		for hi < len(groups) && e.compareTuples(groups[lo], groups[hi]) == 0 {
			hi++
		}
		e.mergeSpan(groups[lo:hi])
		lo = hi
	}

	kept := groups[:0]
	for _, g := range groups {
		if g.n > 0 {
			kept = append(kept, g)
		}
	}
	return kept
}

// compareTuples orders groups by width, then by member file paths
// pairwise. Groups comparing equal have identical file tuples.
func (e *Engine) compareTuples(a, b group) int {
	if a.n != b.n {
		return a.n - b.n
	}
	as, bs := e.window(a), e.window(b)
	for i := range as {
		if c := strings.Compare(e.path(as[i]), e.path(bs[i])); c != 0 {
			return c
		}
	}
	return 0
}

// mergeSpan repeatedly merges group pairs within one file-tuple span until
// a full pass makes no changes. Merging widens ranges, which can enable
// further merges, hence the fixpoint loop.
func (e *Engine) mergeSpan(span []group) {
	for retry := true; retry; {
		retry = false
		for i := range span {
			if span[i].n == 0 {
				continue
			}
			for j := i + 1; j < len(span); j++ {
				if span[j].n == 0 {
					continue
				}
				if e.merge(span[i], span[j]) {
					span[j].n = 0
					e.stats.merged++
					retry = true
				}
			}
		}
	}
}

// merge attempts to fold group b into group a, widening a's ranges.
// The intervals must overlap in the same direction with a constant offset
// at every position; otherwise the two groups cannot describe the same
// overlapping segments of text.
func (e *Engine) merge(a, b group) bool {
	p, q := e.window(a), e.window(b)

	var offset int64
	switch {
	case p[0].Start >= q[0].Start && p[0].Start <= q[0].End:
		offset = int64(p[0].Start) - int64(q[0].Start)
		for i := 1; i < len(p); i++ {
			if int64(p[i].Start)-int64(q[i].Start) != offset {
				return false
			}
		}
	case q[0].Start >= p[0].Start && q[0].Start <= p[0].End:
		offset = int64(q[0].Start) - int64(p[0].Start)
		for i := 1; i < len(p); i++ {
			if int64(q[i].Start)-int64(p[i].Start) != offset {
				return false
			}
		}
	default:
		return false
	}

	for i := range p {
		p[i].Start = min(p[i].Start, q[i].Start)
		p[i].End = max(p[i].End, q[i].End)
		if q[i].Flags&types.FlagInsignificant == 0 {
			p[i].Flags &^= types.FlagInsignificant
		}
	}
	return true
}

// filter applies the minimum-span and significance filters and converts
// surviving groups to matches.
func (e *Engine) filter(groups []group) []Match {
	var matches []Match
	for _, g := range groups {
		w := e.window(g)

		maxSpan := 0
		allInsignificant := true
		for _, c := range w {
			if span := int(c.End-c.Start) + 1; span > maxSpan {
				maxSpan = span
			}
			if c.Flags&types.FlagCategorized == 0 || c.Flags&types.FlagInsignificant == 0 {
				allInsignificant = false
			}
		}

		if maxSpan < e.minSize {
			continue
		}
		if e.language && allInsignificant {
			continue
		}
		matches = append(matches, Match{chunks: w})
	}
	return matches
}

// sortMatches orders the final report by (first member's file, first
// member's start line) for stable output.
func (e *Engine) sortMatches(matches []Match) {
	slices.SortFunc(matches, func(a, b Match) int {
		if c := strings.Compare(e.path(a.chunks[0]), e.path(b.chunks[0])); c != 0 {
			return c
		}
		return int(int64(a.chunks[0].Start) - int64(b.chunks[0].Start))
	})
}

func (e *Engine) window(g group) []types.SortedChunk {
	return e.chunks[g.off : g.off+g.n]
}

func (e *Engine) path(c types.SortedChunk) string {
	return e.store.Header(c.File).Path
}
