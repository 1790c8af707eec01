package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var exitCodesCmd = &cobra.Command{
	Use:   "exit-codes",
	Short: "Print the CLI exit-code enumeration",
	RunE: func(cmd *cobra.Command, args []string) error {
		w := tabwriter.NewWriter(cmdOut(cmd), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "CODE\tKIND\tMEANING")
		rows := [][3]string{
			{"0", "-", "success"},
			{"1", "-", "unclassified error"},
			{"33", "config_invalid", "configuration failed validation"},
			{"98", "not_found", "entity does not exist"},
			{"99", "already_exists", "entity already exists"},
			{"115", "port_in_use", "requested listen port is taken"},
			{"130", "cancelled", "operation cancelled or interrupted"},
			{"145", "auth_required / auth_failed", "authentication required or rejected"},
			{"161", "invalid_input / validation_failed", "malformed or invalid input"},
			{"173", "rate_limited", "request denied by rate limiting"},
			{"193", "runtime_unavailable / timeout", "container runtime unreachable or op timed out"},
		}
		for _, r := range rows {
			fmt.Fprintf(w, "%s\t%s\t%s\n", r[0], r[1], r[2])
		}
		return w.Flush()
	},
}
