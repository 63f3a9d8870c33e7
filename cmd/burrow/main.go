package main

import (
	"fmt"
	"os"

	"github.com/cuemby/burrow/pkg/client"
	"github.com/cuemby/burrow/pkg/config"
	"github.com/cuemby/burrow/pkg/log"
	"github.com/spf13/cobra"
)

var (
	// Version information (set via ldflags during build)
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// v holds the resolved settings of this invocation: defaults, config
// file, BURROW_* environment, then flags
var v = config.New()

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "burrow",
	Short: "Burrow - workload orchestrator",
	Long: `Burrow keeps declared workloads running on a fleet of nodes.

Stateless workloads are spread across nodes and rolled out within surge
and availability bounds. Ordered workloads get stable identities and a
volume per ordinal. Ready instances are published in a service registry
answered over DNS, and stateless workloads can autoscale on utilization.`,
	Version:       Version,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		envFile, _ := cmd.Flags().GetString("env-file")
		if err := config.LoadEnvFile(envFile); err != nil {
			return err
		}
		log.Init(log.Config{
			Level:      log.Level(v.GetString("log.level")),
			JSONOutput: v.GetBool("log.json"),
			Output:     os.Stderr,
		})
		return nil
	},
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"Burrow version %s\nCommit: %s\nBuilt: %s\n",
		Version, Commit, BuildTime,
	))

	pf := rootCmd.PersistentFlags()
	pf.String("config", "", "Config file (yaml, json or toml)")
	pf.String("env-file", "", "File of KEY=VALUE pairs to load into the environment (default ./.env when present)")
	pf.String("manager", "", "Manager API address for client commands (default api.addr)")
	pf.String("log-level", "info", "Log level (debug, info, warn, error)")
	pf.Bool("log-json", false, "Log as JSON")
	_ = v.BindPFlag("log.level", pf.Lookup("log-level"))
	_ = v.BindPFlag("log.json", pf.Lookup("log-json"))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(applyCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(resolveCmd)
	rootCmd.AddCommand(nodeCmd)
	rootCmd.AddCommand(scaleCmd)
	rootCmd.AddCommand(deleteCmd)
	rootCmd.AddCommand(metricCmd)
	rootCmd.AddCommand(versionCmd)
}

// loadConfig resolves the full node configuration
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	file, _ := cmd.Flags().GetString("config")
	return config.Load(v, file)
}

// managerAddr is the API address client commands talk to
func managerAddr(cmd *cobra.Command) string {
	if addr, _ := cmd.Flags().GetString("manager"); addr != "" {
		return addr
	}
	return v.GetString("api.addr")
}

// newClient connects to the manager selected by --manager or api.addr
func newClient(cmd *cobra.Command) (*client.Client, error) {
	addr := managerAddr(cmd)
	c, err := client.NewClient(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to manager at %s: %w", addr, err)
	}
	return c, nil
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("Burrow version %s\nCommit: %s\nBuilt: %s\n", Version, Commit, BuildTime)
	},
}
