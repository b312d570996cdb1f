// Package progress owns all diagnostic-stream output: progress bars and
// stage timing lines. The core stages report progress only through a Bar;
// the one exception is the shredder's debug chunk dump, which it writes to
// stderr itself.
package progress

import (
	"fmt"
	"os"
	"time"

	"github.com/schollz/progressbar/v3"
)

const updateInterval = 50 * time.Millisecond

// Bar wraps progressbar with enabled/disabled handling.
// All methods are no-ops when disabled, so stages can call unconditionally.
type Bar struct {
	bar *progressbar.ProgressBar
}

// New creates a progress bar writing to stderr.
// If enabled=false, returns a Bar where all methods are no-ops.
// Use total=-1 for spinner mode, or total>0 for determinate progress.
func New(enabled bool, total int64) *Bar {
	if !enabled {
		return &Bar{}
	}

	opts := []progressbar.Option{
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionThrottle(updateInterval),
		progressbar.OptionClearOnFinish(),
	}

	if total < 0 {
		opts = append(opts,
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(false),
		)
		return &Bar{bar: progressbar.NewOptions(-1, opts...)}
	}

	opts = append(opts, progressbar.OptionSetWidth(40))
	return &Bar{bar: progressbar.NewOptions64(total, opts...)}
}

// Set sets the progress bar to a specific value.
func (b *Bar) Set(n int64) {
	if b.bar != nil {
		_ = b.bar.Set64(n)
	}
}

// Add advances the progress bar by n.
func (b *Bar) Add(n int64) {
	if b.bar != nil {
		_ = b.bar.Add64(n)
	}
}

// Describe updates the progress bar description.
func (b *Bar) Describe(s fmt.Stringer) {
	if b.bar != nil {
		b.bar.Describe(s.String())
	}
}

// Finish completes the progress bar and prints a final summary line.
func (b *Bar) Finish(s fmt.Stringer) {
	if b.bar != nil {
		_ = b.bar.Finish()
		fmt.Fprintln(os.Stderr, "✔ "+s.String())
	}
}

// Timer reports elapsed time per pipeline stage, mirroring each stage's
// summary line on the diagnostic stream. A nil or disabled Timer discards
// all reports.
type Timer struct {
	enabled bool
	mark    time.Time
}

// NewTimer creates a stage timer.
func NewTimer(enabled bool) *Timer {
	return &Timer{enabled: enabled, mark: time.Now()}
}

// Mark reports time since the previous mark under the given legend and
// resets the mark.
func (t *Timer) Mark(format string, args ...any) {
	if t == nil || !t.enabled {
		return
	}
	elapsed := time.Since(t.mark).Truncate(time.Millisecond)
	fmt.Fprintf(os.Stderr, "%% %s: %v\n", fmt.Sprintf(format, args...), elapsed)
	t.mark = time.Now()
}
