// Command vpnforge is the control-plane CLI: a thin cobra dispatcher whose
// subcommands only parse flags and call into a Manager, matching spec.md
// §6's "business logic lives in the Managers, commands only marshal args/
// flags and map returned apperr.Kind to the exit code table" contract.
// Grounded on cuemby-warren/cmd/warren/main.go's rootCmd/PersistentFlags/
// cobra.OnInitialize shape; replaces its gRPC pkg/client dial (this system
// has no manager/worker split to dial across) with direct, in-process
// Manager construction in app.go.
package main

import (
	"fmt"
	"net/http"
	"os"

	"github.com/cuemby/vpnforge/pkg/apperr"
	"github.com/cuemby/vpnforge/pkg/log"
	"github.com/cuemby/vpnforge/pkg/metrics"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// app holds every Manager the command tree dispatches into. Built once in
// rootCmd's PersistentPreRunE, after flags and environment are parsed, so
// every subcommand's RunE can assume it is non-nil.
var app *application

var rootCmd = &cobra.Command{
	Use:   "vpnforge",
	Short: "Control plane for self-hosted VPN and proxy infrastructure",
	Long: `vpnforge provisions, configures, lifecycles, and observes containerized
VPN servers speaking VLESS+Reality, Shadowsocks, WireGuard, and optional
HTTP/SOCKS5 proxies, issuing per-user credentials and connection artifacts.`,
	Version:           Version,
	SilenceUsage:      true,
	PersistentPreRunE: setup,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("vpnforge version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime))

	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error); overrides VPN_LOG_LEVEL")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format; overrides VPN_LOG_FORMAT")
	rootCmd.PersistentFlags().Bool("enable-metrics-server", true, "Serve /metrics, /health, /ready, /live on VPN_METRICS_ADDR")

	rootCmd.AddCommand(usersCmd)
	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(proxyCmd)
	rootCmd.AddCommand(exitCodesCmd)
}

// setup loads configuration, initializes logging, builds every Manager, and
// optionally starts the metrics HTTP server. It runs once before any
// subcommand's RunE, the cobra equivalent of the teacher's
// cobra.OnInitialize(initLogging) but extended to the rest of process
// bootstrap since this binary has no separate daemon process to do it in.
func setup(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logLevel, _ := cmd.Flags().GetString("log-level")
	if logLevel == "" {
		logLevel = cfg.LogLevel
	}
	jsonOutput := cfg.LogFormat == "json"
	if cmd.Flags().Changed("log-json") {
		jsonOutput, _ = cmd.Flags().GetBool("log-json")
	}
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: jsonOutput})

	built, err := buildApp(cfg)
	if err != nil {
		return err
	}
	app = built

	metrics.SetVersion(Version)
	if enabled, _ := cmd.Flags().GetBool("enable-metrics-server"); enabled {
		go serveMetrics(cfg.MetricsListenAddr())
	}

	app.scheduler.Start()
	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/health", metrics.HealthHandler())
	mux.Handle("/ready", metrics.ReadyHandler())
	mux.Handle("/live", metrics.LivenessHandler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		log.WithComponent("cmd").Warn().Err(err).Str("addr", addr).Msg("metrics server exited")
	}
}

func main() {
	err := rootCmd.Execute()
	if app != nil {
		app.scheduler.Stop()
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(apperr.ExitCode(err))
	}
}
