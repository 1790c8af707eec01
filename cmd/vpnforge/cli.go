package main

import (
	"encoding/json"
	"io"
	"os"

	"github.com/spf13/cobra"
)

// cmdOut returns the writer a command should print tabular output to,
// defaulting to stdout the way cobra's own usage/help output does.
func cmdOut(cmd *cobra.Command) io.Writer {
	if out := cmd.OutOrStdout(); out != nil {
		return out
	}
	return os.Stdout
}

// printJSON renders v as indented JSON to stdout for --format json flags.
func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
