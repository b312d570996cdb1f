package main

import (
	"fmt"
	"io"
	"os"
)

// drainErrors consumes errors from a channel and writes them to stderr.
// Clears the progress bar line before printing to avoid visual collision.
func drainErrors(errs <-chan error) {
	for err := range errs {
		fmt.Fprintf(os.Stderr, "\r\033[Kshredhound: %v\n", err)
	}
}

// openOutput returns the report/catalogue destination: the named file, or
// stdout when path is empty. The returned closer is a no-op for stdout.
func openOutput(path string) (io.Writer, func(), error) {
	if path == "" {
		return os.Stdout, func() {}, nil
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, nil, fmt.Errorf("output %s: %w", path, err)
	}
	return f, func() { _ = f.Close() }, nil
}
