// Package report emits the final SCF-B 2.0 match report.
//
// The report is the human-auditable end product: a text header describing
// the run, per-tree summary counters, then one block per match group
// listing every member as path:start:end:file-line-count. Output is fully
// determined by the match list, so identical inputs produce byte-identical
// reports.
package report

import (
	"bufio"
	"fmt"
	"io"
	"slices"

	"github.com/ivoronin/shredhound/internal/hasher"
	"github.com/ivoronin/shredhound/internal/matcher"
	"github.com/ivoronin/shredhound/internal/types"
)

// Magic is the report magic prefix; the full first line is Magic + version.
const (
	Magic   = "#SCF-B "
	Version = "2.0"
)

// Header describes the run that produced the report.
type Header struct {
	Language      bool // Significance filtering was applied
	HashMethod    hasher.Method
	MergeProgram  string
	Normalization string
	ShredSize     int
}

// Summary holds the per-tree counters emitted in the report preamble.
type Summary struct {
	Tree       string
	Matches    int
	MatchLines int64
	TotalLines int64
}

// Summarize computes per-tree counters for the given trees, in the order
// given. MatchLines counts distinct matched lines per file, so overlapping
// members are not double-counted.
func Summarize(trees []string, store *types.FileStore, matches []matcher.Match) []Summary {
	type interval struct {
		start, end types.Linenum
	}
	byFile := make(map[int32][]interval)
	treeMatches := make(map[string]map[int]bool)

	for mi, m := range matches {
		for _, c := range m.Members() {
			byFile[c.File] = append(byFile[c.File], interval{c.Start, c.End})
			tree := store.Header(c.File).Tree
			if treeMatches[tree] == nil {
				treeMatches[tree] = make(map[int]bool)
			}
			treeMatches[tree][mi] = true
		}
	}

	matchLines := make(map[string]int64)
	for file, ivs := range byFile {
		tree := store.Header(file).Tree
		// Union of intervals: sort by start, sum non-overlapping spans
		slices.SortFunc(ivs, func(a, b interval) int {
			return int(int64(a.start) - int64(b.start))
		})
		var covered int64
		var high types.Linenum
		for _, iv := range ivs {
			if high == 0 || iv.start > high {
				covered += int64(iv.end-iv.start) + 1
				high = iv.end
			} else if iv.end > high {
				covered += int64(iv.end - high)
				high = iv.end
			}
		}
		matchLines[tree] += covered
	}

	totalLines := make(map[string]int64)
	for _, h := range store.Headers() {
		totalLines[h.Tree] += int64(h.Length)
	}

	summaries := make([]Summary, len(trees))
	for i, tree := range trees {
		summaries[i] = Summary{
			Tree:       tree,
			Matches:    len(treeMatches[tree]),
			MatchLines: matchLines[tree],
			TotalLines: totalLines[tree],
		}
	}
	return summaries
}

// Write emits the full report: header block, per-tree summaries, then one
// block per match group, each terminated by a "%%" line.
func Write(w io.Writer, hdr Header, summaries []Summary, store *types.FileStore, matches []matcher.Match) error {
	bw := bufio.NewWriter(w)

	filtering := "none"
	if hdr.Language {
		filtering = "language"
	}

	fmt.Fprintf(bw, "%s%s\n", Magic, Version)
	fmt.Fprintf(bw, "Filtering: %s\n", filtering)
	fmt.Fprintf(bw, "Hash-Method: %s\n", hdr.HashMethod)
	fmt.Fprintf(bw, "Matches: %d\n", len(matches))
	fmt.Fprintf(bw, "Merge-Program: %s\n", hdr.MergeProgram)
	fmt.Fprintf(bw, "Normalization: %s\n", hdr.Normalization)
	fmt.Fprintf(bw, "Shred-Size: %d\n", hdr.ShredSize)
	fmt.Fprintln(bw, "%%")

	for _, s := range summaries {
		fmt.Fprintf(bw, "%s: matches=%d, matchlines=%d, totallines=%d\n",
			s.Tree, s.Matches, s.MatchLines, s.TotalLines)
	}
	fmt.Fprintln(bw, "%%")

	for _, m := range matches {
		for _, c := range m.Members() {
			h := store.Header(c.File)
			fmt.Fprintf(bw, "%s:%d:%d:%d\n", h.Path, c.Start, c.End, h.Length)
		}
		fmt.Fprintln(bw, "%%")
	}

	return bw.Flush()
}
