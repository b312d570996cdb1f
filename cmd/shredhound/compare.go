package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"

	"github.com/spf13/cobra"

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

// compareOptions holds CLI flags for the compare command.
type compareOptions struct {
	catalogues    bool
	dir           string
	minSize       int
	noFilter      bool
	output        string
	shredSize     int
	verbose       bool
	debug         bool
	normalization string
	hashMethod    string
	largeFiles    bool
	workers       int
	cacheFile     string
	onlyCode      bool
}

// newCompareCmd creates the compare subcommand.
func newCompareCmd() *cobra.Command {
	opts := &compareOptions{
		shredSize:     shredder.DefaultSize,
		normalization: "line-oriented",
		hashMethod:    "RXOR",
		workers:       runtime.NumCPU(),
	}

	cmd := &cobra.Command{
		Use:   "compare [trees and catalogues...]",
		Short: "Find duplicated passages across trees and catalogues",
		Long: `Shreds each tree argument into sliding-window line hashes and reports
groups of line ranges whose normalized content is identical across trees.

Arguments may be directories (shredded on the fly) or previously generated
shred catalogues (detected by their #SCF-A magic); the two can be mixed
freely. With -c, each tree argument is shredded into <tree>.scf instead of
being compared. A single tree argument writes its catalogue to stdout.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompare(cmd, args, opts)
		},
	}

	cmd.Flags().BoolVarP(&opts.catalogues, "catalogue", "c", false, "Write a catalogue per input tree instead of comparing")
	cmd.Flags().StringVarP(&opts.dir, "directory", "d", "", "Change directory before scanning")
	cmd.Flags().IntVarP(&opts.minSize, "min-size", "m", 0, "Minimum span size (lines) for reported matches")
	cmd.Flags().BoolVarP(&opts.noFilter, "no-filter", "n", false, "Disable language significance filtering")
	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Write report or catalogue to file instead of stdout")
	cmd.Flags().IntVarP(&opts.shredSize, "shred-size", "s", opts.shredSize, "Shred size (lines per window)")
	cmd.Flags().BoolVarP(&opts.verbose, "verbose", "v", false, "Show progress and stage timings")
	cmd.Flags().BoolVarP(&opts.debug, "debug", "x", false, "Dump chunks to stderr while shredding")
	cmd.Flags().StringVarP(&opts.normalization, "normalization", "N", opts.normalization, "Normalization list (line-oriented[, remove-whitespace][, remove-comments][, remove-braces])")
	cmd.Flags().StringVar(&opts.hashMethod, "hash-method", opts.hashMethod, "Chunk hash algorithm (RXOR or MD5)")
	cmd.Flags().BoolVar(&opts.largeFiles, "large-files", false, "Use 32-bit line numbers in catalogues (for files of 65535 lines or more)")
	cmd.Flags().IntVarP(&opts.workers, "workers", "w", opts.workers, "Number of parallel workers")
	cmd.Flags().StringVar(&opts.cacheFile, "cache-file", "", "Path to shred cache file (enables caching)")
	cmd.Flags().BoolVar(&opts.onlyCode, "only-code", false, "Shred only files recognized as a programming language")

	return cmd
}

// settings are the effective shredding parameters after reconciling flags
// with any catalogue headers on the command line.
type settings struct {
	options   analyzer.Options
	normDump  string
	shredSize int
	method    hasher.Method
	wide      bool
}

func (s settings) shredConfig(workers int) shredder.Config {
	return shredder.Config{
		Options: s.options,
		Size:    s.shredSize,
		Method:  s.method,
		MaxLine: catalog.MaxLine(s.wide),
		Workers: workers,
	}
}

// runCompare executes the pipeline: walk → shred/read → sort → reduce →
// report, or the catalogue-writing variants under -c / single tree.
func runCompare(cmd *cobra.Command, args []string, opts *compareOptions) error {
	if opts.dir != "" {
		if err := os.Chdir(opts.dir); err != nil {
			return fmt.Errorf("chdir: %w", err)
		}
	}
	if opts.shredSize < 1 || opts.shredSize > 1024 {
		return fmt.Errorf("invalid shred size %d", opts.shredSize)
	}

	normOpts, err := analyzer.ParseOptions(opts.normalization)
	if err != nil {
		return err
	}
	method, err := hasher.ParseMethod(opts.hashMethod)
	if err != nil {
		return err
	}
	eff := settings{
		options:   normOpts,
		normDump:  normOpts.String(),
		shredSize: opts.shredSize,
		method:    method,
		wide:      opts.largeFiles,
	}

	// Classify arguments, preserving command-line order
	var trees, cataloguePaths []string
	for _, arg := range args {
		if catalog.Sniff(arg) {
			cataloguePaths = append(cataloguePaths, arg)
		} else {
			trees = append(trees, filepath.Clean(arg))
		}
	}

	// Create shared error channel for non-fatal diagnostics
	errCh := make(chan error, 100)
	go drainErrors(errCh)
	defer close(errCh)

	shredCache, err := cache.Open(opts.cacheFile)
	if err != nil {
		return fmt.Errorf("open cache: %w", err)
	}
	defer func() { _ = shredCache.Close() }()

	if opts.catalogues {
		if len(cataloguePaths) > 0 {
			return fmt.Errorf("%s is already a catalogue", cataloguePaths[0])
		}
		for _, tree := range trees {
			if err := writeTreeCatalogue(tree, tree+".scf", eff, opts, errCh, shredCache); err != nil {
				return err
			}
		}
		return nil
	}

	// Special case: exactly one tree and nothing else writes a catalogue
	if len(cataloguePaths) == 0 && len(trees) == 1 {
		out, closeOut, err := openOutput(opts.output)
		if err != nil {
			return err
		}
		defer closeOut()
		return streamTreeCatalogue(out, trees[0], eff, opts, errCh, shredCache)
	}

	// Read catalogues first: their headers pin the run's parameters
	catalogues := make([]*catalog.Catalogue, len(cataloguePaths))
	for i, path := range cataloguePaths {
		if catalogues[i], err = catalog.ReadFile(path, eff.wide); err != nil {
			return err
		}
	}
	if len(catalogues) > 0 {
		if err := reconcile(cmd, &eff, cataloguePaths, catalogues); err != nil {
			return err
		}
	}

	timer := progress.NewTimer(opts.verbose)

	// Consolidate all chunks into one flat array
	store := types.NewFileStore()
	var chunks []types.SortedChunk
	var treeNames []string
	seenTrees := make(map[string]bool)
	addTree := func(name string) {
		if !seenTrees[name] {
			seenTrees[name] = true
			treeNames = append(treeNames, name)
		}
	}

	for _, cat := range catalogues {
		addTree(types.TreeOf(filepath.Clean(cat.Meta.Root)))
		for _, f := range cat.Files {
			idx := store.Intern(f.Path, types.TreeOf(f.Path))
			store.Header(idx).Length = f.Lines
			for _, c := range f.Chunks {
				chunks = append(chunks, types.SortedChunk{Chunk: c, File: idx})
			}
		}
	}

	for _, tree := range trees {
		addTree(types.TreeOf(tree))
		results, err := shredTree(tree, eff, opts, errCh, shredCache)
		if err != nil {
			return err
		}
		for _, fs := range results {
			idx := store.Intern(fs.Path, types.TreeOf(fs.Path))
			store.Header(idx).Length = fs.Lines
			for _, c := range fs.Chunks {
				chunks = append(chunks, types.SortedChunk{Chunk: c, File: idx})
			}
		}
	}
	timer.Mark("hash merge done, %d entries", len(chunks))

	engine := matcher.New(chunks, store, opts.minSize, !opts.noFilter, opts.verbose, timer)
	matches := engine.Run()

	out, closeOut, err := openOutput(opts.output)
	if err != nil {
		return err
	}
	defer closeOut()

	hdr := report.Header{
		Language:      !opts.noFilter,
		HashMethod:    eff.method,
		MergeProgram:  generator(),
		Normalization: eff.normDump,
		ShredSize:     eff.shredSize,
	}
	return report.Write(out, hdr, report.Summarize(treeNames, store, matches), store, matches)
}

// reconcile checks catalogue headers against each other and folds their
// parameters into the effective settings. Explicitly set flags that
// contradict the catalogues are an error rather than a silent override.
func reconcile(cmd *cobra.Command, eff *settings, paths []string, catalogues []*catalog.Catalogue) error {
	first := catalogues[0].Meta
	for i, cat := range catalogues[1:] {
		m := cat.Meta
		switch {
		case m.HashMethod != first.HashMethod:
			return fmt.Errorf("hash methods of %s and %s don't match", paths[0], paths[i+1])
		case m.Normalization != first.Normalization:
			return fmt.Errorf("normalizations of %s and %s don't match", paths[0], paths[i+1])
		case m.ShredSize != first.ShredSize:
			return fmt.Errorf("shred sizes of %s and %s don't match", paths[0], paths[i+1])
		}
	}

	if cmd.Flags().Changed("shred-size") && eff.shredSize != first.ShredSize {
		return fmt.Errorf("-s %d conflicts with shred size %d of %s", eff.shredSize, first.ShredSize, paths[0])
	}
	if cmd.Flags().Changed("normalization") && eff.normDump != first.Normalization {
		return fmt.Errorf("-N %q conflicts with normalization %q of %s", eff.normDump, first.Normalization, paths[0])
	}
	if cmd.Flags().Changed("hash-method") && eff.method != first.HashMethod {
		return fmt.Errorf("--hash-method %s conflicts with %s of %s", eff.method, first.HashMethod, paths[0])
	}

	opts, err := analyzer.ParseOptions(first.Normalization)
	if err != nil {
		return fmt.Errorf("%s: %w", paths[0], err)
	}
	eff.options = opts
	eff.normDump = opts.String()
	eff.shredSize = first.ShredSize
	eff.method = first.HashMethod
	return nil
}

// shredTree walks one tree and shreds every eligible file, in sorted
// order.
func shredTree(tree string, eff settings, opts *compareOptions, errCh chan error, shredCache *cache.Cache) ([]shredder.FileShreds, error) {
	files, err := walker.New(tree, opts.onlyCode, opts.workers, opts.verbose, errCh).Run()
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("tree %s: no eligible files", tree)
	}
	cfg := eff.shredConfig(opts.workers)
	return shredder.NewTree(cfg, tree, files, opts.verbose, opts.debug, errCh, shredCache).Run(), nil
}

// streamTreeCatalogue shreds a tree and writes its catalogue to w.
func streamTreeCatalogue(w io.Writer, tree string, eff settings, opts *compareOptions, errCh chan error, shredCache *cache.Cache) error {
	results, err := shredTree(tree, eff, opts, errCh, shredCache)
	if err != nil {
		return err
	}

	sections := make([]catalog.FileSection, len(results))
	for i, fs := range results {
		sections[i] = catalog.FileSection{Path: fs.Path, Lines: fs.Lines, Chunks: fs.Chunks}
	}

	meta := catalog.Metadata{
		Generator:     generator(),
		HashMethod:    eff.method,
		Normalization: eff.normDump,
		Root:          tree,
		ShredSize:     eff.shredSize,
	}
	return catalog.Write(w, meta, sections, eff.wide)
}

// writeTreeCatalogue shreds a tree into a named catalogue file.
func writeTreeCatalogue(tree, outPath string, eff settings, opts *compareOptions, errCh chan error, shredCache *cache.Cache) error {
	f, err := os.Create(outPath)
	if err != nil {
		return fmt.Errorf("catalogue %s: %w", outPath, err)
	}
	if err := streamTreeCatalogue(f, tree, eff, opts, errCh, shredCache); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

func generator() string {
	return "shredhound " + version
}
