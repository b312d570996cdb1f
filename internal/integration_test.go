package internal

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/ivoronin/shredhound/internal/analyzer"
	"github.com/ivoronin/shredhound/internal/cache"
	"github.com/ivoronin/shredhound/internal/catalog"
	"github.com/ivoronin/shredhound/internal/hasher"
	"github.com/ivoronin/shredhound/internal/matcher"
	"github.com/ivoronin/shredhound/internal/progress"
	"github.com/ivoronin/shredhound/internal/report"
	"github.com/ivoronin/shredhound/internal/shredder"
	"github.com/ivoronin/shredhound/internal/types"
	"github.com/ivoronin/shredhound/internal/walker"
)

// noCache is a disabled cache for tests (cache.Open("") returns no-op cache).
var noCache, _ = cache.Open("")

// writeTree materializes a tree of files under the current directory.
func writeTree(t *testing.T, files map[string]string) {
	t.Helper()
	for path, content := range files {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func testConfig(size int, opts analyzer.Options) shredder.Config {
	return shredder.Config{
		Options: opts,
		Size:    size,
		Method:  hasher.RXOR,
		MaxLine: catalog.MaxLine(false),
		Workers: 2,
	}
}

// shredTrees runs walker and shredder over each tree and consolidates the
// results, the way the compare command does.
func shredTrees(t *testing.T, cfg shredder.Config, trees ...string) (*types.FileStore, []types.SortedChunk) {
	t.Helper()
	store := types.NewFileStore()
	var chunks []types.SortedChunk

	for _, tree := range trees {
		files, err := walker.New(tree, false, 2, false, nil).Run()
		if err != nil {
			t.Fatalf("walker(%s): %v", tree, err)
		}
		for _, fs := range shredder.NewTree(cfg, tree, files, false, false, nil, noCache).Run() {
			idx := store.Intern(fs.Path, types.TreeOf(fs.Path))
			store.Header(idx).Length = fs.Lines
			for _, c := range fs.Chunks {
				chunks = append(chunks, types.SortedChunk{Chunk: c, File: idx})
			}
		}
	}
	return store, chunks
}

func runPipeline(t *testing.T, cfg shredder.Config, minSize int, language bool, trees ...string) (*types.FileStore, []matcher.Match) {
	t.Helper()
	store, chunks := shredTrees(t, cfg, trees...)
	engine := matcher.New(chunks, store, minSize, language, false, progress.NewTimer(false))
	return store, engine.Run()
}

// member is a flattened match member for assertions.
type member struct {
	Path       string
	Start, End types.Linenum
}

func flatten(store *types.FileStore, matches []matcher.Match) [][]member {
	var out [][]member
	for _, m := range matches {
		var ms []member
		for _, c := range m.Members() {
			ms = append(ms, member{store.Header(c.File).Path, c.Start, c.End})
		}
		out = append(out, ms)
	}
	return out
}

func chdirTemp(t *testing.T) string {
	dir := t.TempDir()
	prevDir, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd() error: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("Chdir() error: %v", err)
	}
	t.Cleanup(func() { os.Chdir(prevDir) })
	return dir
}

// realCode builds n distinct, significant C lines. Distinctness matters:
// repeated lines would make windows collide within one file and change the
// clique shapes the scenarios assert on.
func realCode(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "total = accumulate%d(total, rec[%d]);\n", i, i)
	}
	return b.String()
}

// boilerplate builds n distinct lines that are each insignificant under
// the C filter.
func boilerplate(n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "return %c%c;\n", 'a'+i%26, 'a'+(i/26)%26)
	}
	return b.String()
}

// =============================================================================
// Section 8.1: End-to-End Scenarios
// =============================================================================

// TestIdenticalFilesInTwoTrees: 20 identical lines in A/x.c and B/x.c,
// shred size 5, no normalization: one match group A/x.c:1:20, B/x.c:1:20.
func TestIdenticalFilesInTwoTrees(t *testing.T) {
	chdirTemp(t)
	content := realCode(20)
	writeTree(t, map[string]string{"A/x.c": content, "B/x.c": content})

	store, matches := runPipeline(t, testConfig(5, analyzer.Options{}), 0, true, "A", "B")

	want := [][]member{{{"A/x.c", 1, 20}, {"B/x.c", 1, 20}}}
	if diff := cmp.Diff(want, flatten(store, matches)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}

// TestShiftedDuplicate: A/x.c lines 1..30 equal B/y.c lines 11..40.
func TestShiftedDuplicate(t *testing.T) {
	chdirTemp(t)
	block := realCode(30)
	var prefix strings.Builder
	for i := 0; i < 10; i++ {
		prefix.WriteString("filler_line_")
		prefix.WriteByte(byte('a' + i))
		prefix.WriteString("();\n")
	}
	writeTree(t, map[string]string{
		"A/x.c": block,
		"B/y.c": prefix.String() + block,
	})

	store, matches := runPipeline(t, testConfig(5, analyzer.Options{}), 0, true, "A", "B")

	want := [][]member{{{"A/x.c", 1, 30}, {"B/y.c", 11, 40}}}
	if diff := cmp.Diff(want, flatten(store, matches)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}

// TestPureBoilerplateCollision: a shared all-boilerplate file is reported
// only when significance filtering is off.
func TestPureBoilerplateCollision(t *testing.T) {
	chdirTemp(t)
	content := strings.Repeat("return 0;\n", 10)
	writeTree(t, map[string]string{"A/x.c": content, "B/x.c": content})

	cfg := testConfig(3, analyzer.Options{})

	if _, matches := runPipeline(t, cfg, 0, true, "A", "B"); len(matches) != 0 {
		t.Errorf("filtered match count = %d, want 0", len(matches))
	}
	if _, matches := runPipeline(t, cfg, 0, false, "A", "B"); len(matches) != 1 {
		t.Errorf("unfiltered match count = %d, want 1", len(matches))
	}
}

// TestIntraTreeDuplicateSuppressed: the same block in A/a.c and A/b.c
// with nothing matching in B yields no matches.
func TestIntraTreeDuplicateSuppressed(t *testing.T) {
	chdirTemp(t)
	block := realCode(15)
	writeTree(t, map[string]string{
		"A/a.c": block,
		"A/b.c": block,
		"B/c.c": "nothing_resembling_the_block();\n",
	})

	_, matches := runPipeline(t, testConfig(5, analyzer.Options{}), 0, true, "A", "B")
	if len(matches) != 0 {
		t.Errorf("match count = %d, want 0", len(matches))
	}
}

// TestSignificanceHealsAcrossMerge: a shared passage whose head windows
// are pure boilerplate is still reported in full, because merging with the
// significant windows heals the insignificant ones.
func TestSignificanceHealsAcrossMerge(t *testing.T) {
	chdirTemp(t)
	content := boilerplate(7) + realCode(10)
	writeTree(t, map[string]string{"A/a.c": content, "B/b.c": content})

	store, matches := runPipeline(t, testConfig(5, analyzer.Options{}), 0, true, "A", "B")

	want := [][]member{{{"A/a.c", 1, 17}, {"B/b.c", 1, 17}}}
	if diff := cmp.Diff(want, flatten(store, matches)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}

// TestMinSpanFilter: the -m flag drops small spans end to end.
func TestMinSpanFilter(t *testing.T) {
	chdirTemp(t)
	content := realCode(8)
	writeTree(t, map[string]string{"A/x.c": content, "B/x.c": content})

	cfg := testConfig(5, analyzer.Options{})
	if _, matches := runPipeline(t, cfg, 9, true, "A", "B"); len(matches) != 0 {
		t.Errorf("min-size 9 match count = %d, want 0", len(matches))
	}
	if _, matches := runPipeline(t, cfg, 8, true, "A", "B"); len(matches) != 1 {
		t.Errorf("min-size 8 match count = %d, want 1", len(matches))
	}
}

// =============================================================================
// Section 8.2: Catalogue Round Trip
// =============================================================================

// TestCatalogueRoundTrip: shredding a tree to a catalogue and reading it
// back yields element-wise identical chunks (scenario: precompute, merge
// later).
func TestCatalogueRoundTrip(t *testing.T) {
	chdirTemp(t)
	writeTree(t, map[string]string{
		"T/src/alpha.c": realCode(25),
		"T/src/beta.c":  realCode(12),
		"T/util.sh":     "#!/bin/sh\ntar czf out.tgz src\nscp out.tgz host:\n",
	})

	cfg := testConfig(5, analyzer.Options{RemoveWhitespace: true})

	files, err := walker.New("T", false, 2, false, nil).Run()
	if err != nil {
		t.Fatalf("walker: %v", err)
	}
	results := shredder.NewTree(cfg, "T", files, false, false, nil, noCache).Run()

	sections := make([]catalog.FileSection, len(results))
	for i, fs := range results {
		sections[i] = catalog.FileSection{Path: fs.Path, Lines: fs.Lines, Chunks: fs.Chunks}
	}
	meta := catalog.Metadata{
		Generator:     "shredhound test",
		HashMethod:    cfg.Method,
		Normalization: cfg.Options.String(),
		Root:          "T",
		ShredSize:     cfg.Size,
	}

	var buf bytes.Buffer
	if err := catalog.Write(&buf, meta, sections, false); err != nil {
		t.Fatalf("catalog.Write: %v", err)
	}
	cat, err := catalog.Read(&buf, "t.scf", false)
	if err != nil {
		t.Fatalf("catalog.Read: %v", err)
	}

	// Re-shredding the same tree must agree with the catalogue bit for bit
	again := shredder.NewTree(cfg, "T", files, false, false, nil, noCache).Run()
	reshred := make([]catalog.FileSection, len(again))
	for i, fs := range again {
		reshred[i] = catalog.FileSection{Path: fs.Path, Lines: fs.Lines, Chunks: fs.Chunks}
	}

	if diff := cmp.Diff(reshred, cat.Files); diff != "" {
		t.Errorf("catalogue vs re-shred mismatch (-want +got):\n%s", diff)
	}
}

// TestCatalogueFeedsPipeline: chunks loaded from a catalogue and chunks
// shredded fresh produce the same matches as two fresh trees.
func TestCatalogueFeedsPipeline(t *testing.T) {
	chdirTemp(t)
	content := realCode(20)
	writeTree(t, map[string]string{"A/x.c": content, "B/x.c": content})

	cfg := testConfig(5, analyzer.Options{})

	// Shred A into a catalogue
	filesA, err := walker.New("A", false, 2, false, nil).Run()
	if err != nil {
		t.Fatalf("walker: %v", err)
	}
	resultsA := shredder.NewTree(cfg, "A", filesA, false, false, nil, noCache).Run()
	sections := make([]catalog.FileSection, len(resultsA))
	for i, fs := range resultsA {
		sections[i] = catalog.FileSection{Path: fs.Path, Lines: fs.Lines, Chunks: fs.Chunks}
	}
	var buf bytes.Buffer
	meta := catalog.Metadata{Generator: "t", HashMethod: cfg.Method, Normalization: cfg.Options.String(), Root: "A", ShredSize: cfg.Size}
	if err := catalog.Write(&buf, meta, sections, false); err != nil {
		t.Fatalf("catalog.Write: %v", err)
	}
	cat, err := catalog.Read(&buf, "a.scf", false)
	if err != nil {
		t.Fatalf("catalog.Read: %v", err)
	}

	// Consolidate catalogue A + fresh tree B
	store := types.NewFileStore()
	var chunks []types.SortedChunk
	for _, f := range cat.Files {
		idx := store.Intern(f.Path, types.TreeOf(f.Path))
		store.Header(idx).Length = f.Lines
		for _, c := range f.Chunks {
			chunks = append(chunks, types.SortedChunk{Chunk: c, File: idx})
		}
	}
	filesB, err := walker.New("B", false, 2, false, nil).Run()
	if err != nil {
		t.Fatalf("walker: %v", err)
	}
	for _, fs := range shredder.NewTree(cfg, "B", filesB, false, false, nil, noCache).Run() {
		idx := store.Intern(fs.Path, types.TreeOf(fs.Path))
		store.Header(idx).Length = fs.Lines
		for _, c := range fs.Chunks {
			chunks = append(chunks, types.SortedChunk{Chunk: c, File: idx})
		}
	}

	matches := matcher.New(chunks, store, 0, true, false, progress.NewTimer(false)).Run()
	want := [][]member{{{"A/x.c", 1, 20}, {"B/x.c", 1, 20}}}
	if diff := cmp.Diff(want, flatten(store, matches)); diff != "" {
		t.Errorf("matches mismatch (-want +got):\n%s", diff)
	}
}

// =============================================================================
// Section 8.3: Report Determinism
// =============================================================================

// TestReportByteIdentical: running the full pipeline twice on the same
// inputs produces byte-identical reports.
func TestReportByteIdentical(t *testing.T) {
	chdirTemp(t)
	writeTree(t, map[string]string{
		"A/x.c": realCode(20),
		"A/y.c": realCode(9),
		"B/x.c": realCode(20),
		"B/z.c": realCode(14),
	})

	render := func() string {
		cfg := testConfig(5, analyzer.Options{})
		store, matches := runPipeline(t, cfg, 0, true, "A", "B")
		hdr := report.Header{
			Language:      true,
			HashMethod:    cfg.Method,
			MergeProgram:  "shredhound test",
			Normalization: cfg.Options.String(),
			ShredSize:     cfg.Size,
		}
		var buf bytes.Buffer
		if err := report.Write(&buf, hdr, report.Summarize([]string{"A", "B"}, store, matches), store, matches); err != nil {
			t.Fatalf("report.Write: %v", err)
		}
		return buf.String()
	}

	first := render()
	for i := 0; i < 3; i++ {
		if render() != first {
			t.Fatalf("run %d produced different report", i+1)
		}
	}
	if !strings.HasPrefix(first, "#SCF-B 2.0\n") {
		t.Errorf("report header wrong: %q", first[:20])
	}
}
