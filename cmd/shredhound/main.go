package main

import (
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "2.0"
	commit  = "none"
)

func main() {
	os.Exit(run())
}

func run() int {
	root := &cobra.Command{
		Use:     "shredhound",
		Short:   "Find duplicated source passages across code trees",
		Version: version + " (" + commit + ")",
	}

	root.AddCommand(newCompareCmd())

	if err := root.Execute(); err != nil {
		return 1
	}
	return 0
}
