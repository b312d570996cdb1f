// Package analyzer turns source files into streams of normalized features.
//
// # Overview
//
// The analyzer is the feature source of the shredding pipeline. Today's only
// implementation is line-oriented: one feature per surviving source line,
// after the configured normalizations. The contract is line-agnostic so a
// token-level analyzer can plug in later under the same interface.
//
// # Processing Pipeline
//
//	Input: one file (path + byte stream)
//	    │
//	    ├──► Classify language (suffix, then shebang override on line 1)
//	    │
//	    ├──► Per line: remove comments → remove whitespace → remove braces
//	    │
//	    ├──► Skip lines left empty (brace-only lines become trailing-brace
//	    │    markers so the shredder can extend the previous chunk)
//	    │
//	    └──► Output: Feature{Text, Line, Flags} with the significance bit set
//
// # Why This Design?
//
//   - Normalization state is per-Analyzer, not process-global, so files can
//     be analyzed concurrently with one Analyzer per worker
//   - Significance is computed here, where the language mode lives; the
//     shredder only ORs flag bits
//   - Line truncation at the configured limit is a warning, not an error:
//     chunks emitted so far stay valid
package analyzer

import (
	"bufio"
	"fmt"
	"io"
	"path/filepath"
	"strings"

	"github.com/ivoronin/shredhound/internal/types"
)

// ErrTruncated is returned by Next once when a file exceeds the line limit.
// The stream ends cleanly at that point.
var ErrTruncated = fmt.Errorf("file exceeds line limit, truncated")

// Options is the set of line normalizations, applied in declaration order.
type Options struct {
	RemoveComments   bool
	RemoveWhitespace bool
	RemoveBraces     bool
}

// ParseOptions parses a normalization list. The list is comma-separated and
// must begin with "line-oriented".
func ParseOptions(s string) (Options, error) {
	var opts Options
	fields := strings.Split(s, ",")
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	if len(fields) == 0 || fields[0] != "line-oriented" {
		return opts, fmt.Errorf("normalization %q: must start with line-oriented", s)
	}
	for _, f := range fields[1:] {
		switch f {
		case "remove-whitespace":
			opts.RemoveWhitespace = true
		case "remove-comments":
			opts.RemoveComments = true
		case "remove-braces":
			opts.RemoveBraces = true
		case "":
		default:
			return opts, fmt.Errorf("normalization %q: unknown option %q", s, f)
		}
	}
	return opts, nil
}

// String returns the canonical artifact representation of the option set.
func (o Options) String() string {
	parts := []string{"line-oriented"}
	if o.RemoveWhitespace {
		parts = append(parts, "remove-whitespace")
	}
	if o.RemoveComments {
		parts = append(parts, "remove-comments")
	}
	if o.RemoveBraces {
		parts = append(parts, "remove-braces")
	}
	return strings.Join(parts, ", ")
}

// Feature is a normalized unit produced by the analyzer — currently always
// one normalized source line.
//
// A feature with TrailingBrace set carries no text: it marks a line whose
// only content was a closing brace, removed by normalization. The shredder
// extends the most recently emitted chunk's end to Line instead of hashing
// it.
type Feature struct {
	Text          string
	Line          types.Linenum
	Flags         byte
	TrailingBrace bool
}

// Analyzer reads one file at a time and emits features. Not safe for
// concurrent use; create one per worker and call Begin per file.
type Analyzer struct {
	opts    Options
	maxLine types.Linenum

	mode    byte
	line    types.Linenum
	scanner *bufio.Scanner
	done    bool
}

// New creates an Analyzer with the given normalizations and line limit.
// Files reaching maxLine lines are truncated with ErrTruncated.
func New(opts Options, maxLine types.Linenum) *Analyzer {
	return &Analyzer{opts: opts, maxLine: maxLine}
}

// Options returns the analyzer's normalization set.
func (a *Analyzer) Options() Options { return a.opts }

// Describe returns the analyzer's artifact description.
func (a *Analyzer) Describe() string { return a.opts.String() }

// ModeForPath classifies a file by suffix: C for .c/.cc/.h, shell for .sh,
// otherwise uncategorized.
func ModeForPath(path string) byte {
	switch filepath.Ext(path) {
	case ".c", ".cc", ".h":
		return types.FlagCCode
	case ".sh":
		return types.FlagShellCode
	}
	return 0
}

// Begin starts analysis of a new file. The mode is normally ModeForPath of
// the file being scanned; a shebang on the first line overrides it.
func (a *Analyzer) Begin(r io.Reader, mode byte) {
	a.scanner = bufio.NewScanner(r)
	a.scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	a.SetMode(mode)
	a.done = false
}

// SetMode switches the active language mode and resets the line counter.
func (a *Analyzer) SetMode(mode byte) {
	a.mode = mode & types.FlagCategorized
	a.line = 0
}

// Mode returns the active language mode bit, if any.
func (a *Analyzer) Mode() byte { return a.mode }

// Line returns the number of physical lines consumed so far.
func (a *Analyzer) Line() types.Linenum { return a.line }

// Next returns the next feature, or nil at end of stream. When the file
// exceeds the line limit it returns (nil, ErrTruncated) once; the features
// delivered before that remain valid.
func (a *Analyzer) Next() (*Feature, error) {
	if a.done {
		return nil, nil
	}
	for a.scanner.Scan() {
		a.line++
		if a.line >= a.maxLine {
			a.done = true
			return nil, ErrTruncated
		}

		text := a.scanner.Text()
		braceLine := false
		if a.opts.RemoveBraces {
			braceLine = strings.TrimLeft(text, " \t") != "" &&
				strings.TrimLeft(text, " \t")[0] == '}'
		}

		text = a.normalize(text)
		if text == "" {
			if braceLine {
				return &Feature{Line: a.line, TrailingBrace: true}, nil
			}
			continue
		}

		// Maybe we can get the file type from the first line?
		if a.line == 1 && text[0] == '#' && strings.Contains(text, "sh") {
			a.SetMode(types.FlagShellCode)
			a.line = 1
		}

		f := &Feature{Text: text, Line: a.line, Flags: a.mode}
		if !significant(text, a.mode) {
			f.Flags |= types.FlagInsignificant
		}
		return f, nil
	}
	a.done = true
	return nil, a.scanner.Err()
}

// normalize applies the configured normalizations to one line. An empty
// result means the line is skipped entirely.
func (a *Analyzer) normalize(text string) string {
	if a.opts.RemoveComments {
		switch {
		case a.mode&types.FlagCCode != 0:
			text = stripCComments(text)
		case a.mode&types.FlagShellCode != 0:
			if i := strings.IndexByte(text, '#'); i >= 0 {
				text = text[:i]
			}
		}
	}
	if a.opts.RemoveWhitespace {
		text = strings.Map(func(r rune) rune {
			if r == ' ' || r == '\t' || r == '\n' {
				return -1
			}
			return r
		}, text)
	}
	if a.opts.RemoveBraces {
		text = strings.Map(func(r rune) rune {
			if r == '{' || r == '}' {
				return -1
			}
			return r
		}, text)
	}
	return text
}

// stripCComments removes // comments and same-line /* */ pairs. An
// unmatched opener deletes the tail of the line; an unmatched closer
// deletes the head, on the assumption the line continues a block comment.
func stripCComments(text string) string {
	if i := strings.Index(text, "//"); i >= 0 {
		return text[:i]
	}
	start := strings.Index(text, "/*")
	end := strings.Index(text, "*/")
	switch {
	case start >= 0 && end > start:
		return text[:start] + text[end+2:]
	case start >= 0:
		return text[:start]
	case end >= 0:
		return text[end+2:]
	}
	return text
}
