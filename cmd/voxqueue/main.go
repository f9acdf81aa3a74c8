package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/fmueller/voxqueue/internal/cli"
	"github.com/spf13/cobra"
)

var usageErrorPatterns = []string{
	"unknown command",
	"unknown flag",
	"unknown shorthand flag",
	"accepts ",
	"requires at least",
	"requires at most",
	"requires between",
	"required flag",
	"missing required",
	"invalid argument",
}

func main() {
	cmd := cli.NewRootCmd()
	if err := cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		if shouldPrintUsageHint(err) {
			fmt.Fprintf(os.Stderr, "Run '%s --help' for usage.\n", helpHintTarget(cmd, os.Args[1:]))
		}
		os.Exit(1)
	}
}

func shouldPrintUsageHint(err error) bool {
	if err == nil {
		return false
	}

	message := strings.ToLower(strings.TrimSpace(err.Error()))
	for _, pattern := range usageErrorPatterns {
		if strings.Contains(message, pattern) {
			return true
		}
	}
	return false
}

// helpHintTarget names the deepest command the arguments resolve to, skipping
// global flags placed before it.
func helpHintTarget(root *cobra.Command, args []string) string {
	if root == nil {
		return "voxqueue"
	}

	found, _, err := root.Find(args)
	if err != nil || found == nil {
		return root.CommandPath()
	}
	return found.CommandPath()
}
