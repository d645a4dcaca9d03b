package commands

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/admin"
	"github.com/robohub/robohub/internal/config"
	"github.com/robohub/robohub/internal/logging"
	"github.com/robohub/robohub/internal/ui"
)

var (
	// Version is set at build time
	Version = "dev"
	// Commit is set at build time
	Commit = "none"
)

var rootCmd = &cobra.Command{
	Use:   "hubctl",
	Short: "hubctl - operator CLI for a robohub hub",
	Long: `hubctl talks to a running robohub hub over its admin service.
It lists connected robots, sends them commands and shows their telemetry.

Use "hubctl [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		verbose, _ := cmd.Flags().GetBool("verbose")
		logging.SetVerbose(verbose)
		if noColor, _ := cmd.Flags().GetBool("no-color"); noColor {
			ui.SetNoColor(true)
		}
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "Enable verbose output")
	rootCmd.PersistentFlags().String("config", "", "Config file (default: ~/.robohub/config.yaml)")
	rootCmd.PersistentFlags().String("admin", "", "Admin service address (default: $ROBOHUB_ADMIN_ADDR or config http.admin_addr)")
	rootCmd.PersistentFlags().Duration("timeout", 5*time.Second, "Per-request timeout")
	rootCmd.PersistentFlags().Bool("no-color", false, "Disable colored output")

	rootCmd.AddCommand(versionCmd)
}

// versionCmd shows version info
var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Show version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("hubctl\n")
		fmt.Printf("  Version:  %s\n", Version)
		fmt.Printf("  Commit:   %s\n", Commit)
		fmt.Printf("  Platform: %s/%s %s\n", runtime.GOOS, runtime.GOARCH, runtime.Version())
	},
}

// adminAddr resolves the admin address: flag, then env, then config file
func adminAddr(cmd *cobra.Command) (string, error) {
	if addr, _ := cmd.Flags().GetString("admin"); addr != "" {
		return addr, nil
	}
	if addr := os.Getenv("ROBOHUB_ADMIN_ADDR"); addr != "" {
		return addr, nil
	}

	path, _ := cmd.Flags().GetString("config")
	if path == "" {
		if paths, err := config.GetPaths(); err == nil {
			path = paths.ConfigFile
		}
	}
	cfg, err := config.Load(path)
	if err != nil {
		return "", err
	}
	return cfg.HTTP.AdminAddr, nil
}

// dial connects to the admin service selected by the flags
func dial(cmd *cobra.Command) (*admin.Client, string, error) {
	addr, err := adminAddr(cmd)
	if err != nil {
		return nil, "", err
	}
	logging.Debugf("dialing admin service: addr=%s", addr)
	client, err := admin.Dial(addr)
	if err != nil {
		return nil, "", err
	}
	return client, addr, nil
}

// requestContext bounds one admin call by --timeout
func requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	timeout, _ := cmd.Flags().GetDuration("timeout")
	return context.WithTimeout(cmd.Context(), timeout)
}
