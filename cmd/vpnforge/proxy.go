package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the HTTP/SOCKS5 proxy data plane",
}

var proxyStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the proxy listeners and block until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		fmt.Println("proxy data plane starting, press Ctrl+C to stop")
		return app.proxy.Start(ctx)
	},
}

func init() {
	proxyCmd.AddCommand(proxyStartCmd)
}
