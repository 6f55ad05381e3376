package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skybeam/groundstation/internal/buildinfo"
	"github.com/skybeam/groundstation/internal/debug"
)

const (
	// ANSI color codes
	colorReset  = "\033[0m"
	colorBold   = "\033[1m"
	colorDim    = "\033[2m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"

	styleBoldWhite = "\033[1;37m"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "groundstation",
	Short: "Laser power-beaming ground station orchestrator",
	Long: colorBold + `groundstation` + colorReset + ` v` + buildinfo.Current().Version + `

  Supervises the permit-protocol role processes (ground controller,
  airborne gate, link relay) over a virtual radio link, decodes their
  output into live telemetry and safety events, and exposes the result
  to operators over a console UI and a WebSocket API.

` + colorBold + `Getting Started:` + colorReset + `
  groundstation run               Start the orchestrator and console
  groundstation run --headless    API only, no console
  groundstation decode ground -   Replay a captured log through a grammar
  groundstation version           Show build information`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.CompletionOptions.HiddenDefaultCmd = true
	rootCmd.PersistentFlags().Bool("debug", false, "Enable verbose debug logging to ~/.groundstation/debug/")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "Path to YAML config file")

	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		debugFlag, _ := cmd.Flags().GetBool("debug")
		if !debugFlag && !debug.ShouldEnableFromEnv() {
			return nil
		}
		logPath, err := debug.Init()
		if err != nil {
			return fmt.Errorf("initializing debug logger: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%s[debug]%s logging to %s\n", colorDim, colorReset, logPath)
		bi := buildinfo.Current()
		debug.LogKV("cli", "groundstation starting",
			"version", bi.Version,
			"commit", bi.Commit,
			"pid", os.Getpid(),
			"command", cmd.Name(),
			"args", args,
		)
		return nil
	}
}

// Execute runs the root command.
func Execute() {
	defer debug.Close()
	if err := rootCmd.Execute(); err != nil {
		debug.Logf("cli", "exit with error: %v", err)
		fmt.Fprintf(os.Stderr, "%sError: %s%s\n", colorRed, err, colorReset)
		os.Exit(1)
	}
	debug.Log("cli", "exit success")
}
