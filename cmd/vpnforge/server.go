package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"

	"github.com/cuemby/vpnforge/pkg/servermanager"
	"github.com/cuemby/vpnforge/pkg/storage"
	"github.com/cuemby/vpnforge/pkg/types"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Manage VPN server instances",
}

var serverInstallCmd = &cobra.Command{
	Use:   "install NAME",
	Short: "Install and start a new server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		protocol, _ := cmd.Flags().GetString("protocol")
		host, _ := cmd.Flags().GetString("host")
		port, _ := cmd.Flags().GetInt("port")
		dest, _ := cmd.Flags().GetString("vless-dest")
		subnet, _ := cmd.Flags().GetString("wg-subnet")
		openFirewall, _ := cmd.Flags().GetBool("open-firewall")

		server, err := app.servers.Install(cmd.Context(), servermanager.ServerInstallSpec{
			Name:            args[0],
			Host:            host,
			Protocol:        types.ProtocolKind(protocol),
			ListenPort:      port,
			VlessDest:       dest,
			WireguardSubnet: subnet,
			OpenFirewall:    openFirewall,
		})
		if err != nil {
			return err
		}
		fmt.Printf("server installed: %s (protocol=%s, port=%d, status=%s)\n", server.Name, server.Protocol, server.ListenPort, server.Status)
		return nil
	},
}

var serverStartCmd = &cobra.Command{
	Use:   "start NAME",
	Short: "Start a stopped server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := app.servers.Start(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("server started: %s (status=%s)\n", server.Name, server.Status)
		return nil
	},
}

var serverStopCmd = &cobra.Command{
	Use:   "stop NAME",
	Short: "Stop a running server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := app.servers.Stop(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("server stopped: %s (status=%s)\n", server.Name, server.Status)
		return nil
	},
}

var serverRestartCmd = &cobra.Command{
	Use:   "restart NAME",
	Short: "Restart a server instance",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		server, err := app.servers.Restart(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		fmt.Printf("server restarted: %s (status=%s)\n", server.Name, server.Status)
		return nil
	},
}

var serverListCmd = &cobra.Command{
	Use:   "list",
	Short: "List server instances",
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		servers, total, err := app.servers.List(storage.Filter{}, storage.Pagination{Page: 1, PageSize: 500})
		if err != nil {
			return err
		}

		if format == "json" {
			return printJSON(servers)
		}

		w := tabwriter.NewWriter(cmdOut(cmd), 0, 2, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tPROTOCOL\tPORT\tSTATUS\tCLIENTS")
		for _, s := range servers {
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%d\n", s.Name, s.Protocol, s.ListenPort, s.Status, len(s.Clients))
		}
		w.Flush()
		fmt.Printf("(%d total)\n", total)
		return nil
	},
}

var serverLogsCmd = &cobra.Command{
	Use:   "logs NAME",
	Short: "Stream a server instance's container logs",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		follow, _ := cmd.Flags().GetBool("follow")
		tailN, _ := cmd.Flags().GetInt("tail")

		ctx := cmd.Context()
		if follow {
			var cancel context.CancelFunc
			ctx, cancel = signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
			defer cancel()
		}

		lines, err := app.servers.Logs(ctx, args[0], tailN, follow)
		if err != nil {
			return err
		}

		out := bufio.NewWriter(cmdOut(cmd))
		defer out.Flush()
		for line := range lines {
			fmt.Fprintln(out, line)
			out.Flush()
		}
		return nil
	},
}

func init() {
	serverInstallCmd.Flags().String("protocol", "", "Protocol kind: vless, shadowsocks, wireguard, http_proxy, socks5_proxy")
	serverInstallCmd.Flags().String("host", "", "Public hostname or IP clients will connect to")
	serverInstallCmd.Flags().Int("port", 0, "Listen port; 0 picks the first free port in the configured range")
	serverInstallCmd.Flags().String("vless-dest", "", "Reality destination (vless only)")
	serverInstallCmd.Flags().String("wg-subnet", "", "Client subnet CIDR (wireguard only)")
	serverInstallCmd.Flags().Bool("open-firewall", false, "Open the listen port on the host firewall")
	_ = serverInstallCmd.MarkFlagRequired("protocol")
	_ = serverInstallCmd.MarkFlagRequired("host")

	serverListCmd.Flags().String("format", "table", "Output format: table or json")

	serverLogsCmd.Flags().Bool("follow", false, "Stream new log lines until interrupted")
	serverLogsCmd.Flags().Int("tail", 100, "Number of trailing lines to fetch")

	serverCmd.AddCommand(serverInstallCmd, serverStartCmd, serverStopCmd, serverRestartCmd, serverListCmd, serverLogsCmd)
}
