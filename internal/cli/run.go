package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hashicorp/mdns"
	"github.com/mattn/go-isatty"
	qrcode "github.com/skip2/go-qrcode"
	"github.com/spf13/cobra"

	"github.com/skybeam/groundstation/internal/config"
	"github.com/skybeam/groundstation/internal/linkbridge"
	"github.com/skybeam/groundstation/internal/statestore"
	"github.com/skybeam/groundstation/internal/supervisor"
	"github.com/skybeam/groundstation/internal/tui"
	"github.com/skybeam/groundstation/internal/wsbridge"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Start the orchestrator, API server, and operator console",
	Long: `Starts the orchestration core: the WebSocket/HTTP API comes up
immediately, and when stdout is a terminal an interactive console is
attached. Role processes are started on operator request (console "s"
key or POST /api/start), not at boot.`,
	RunE: runRun,
}

var (
	runHost     string
	runPort     int
	runHeadless bool
	runScenario string
	runMDNS     bool
	runQR       bool
)

func init() {
	runCmd.Flags().StringVar(&runHost, "host", "127.0.0.1", "API listen host")
	runCmd.Flags().IntVar(&runPort, "port", 8800, "API listen port")
	runCmd.Flags().BoolVar(&runHeadless, "headless", false, "Serve the API without the operator console")
	runCmd.Flags().StringVar(&runScenario, "scenario", "baseline", "Scenario name used by console-initiated runs")
	runCmd.Flags().BoolVar(&runMDNS, "mdns", false, "Advertise the API on the local network via mDNS")
	runCmd.Flags().BoolVar(&runQR, "qr", false, "Print a QR code of the API URL")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	store := statestore.New()
	bridge, err := linkbridge.New(cfg.Link, nil)
	if err != nil {
		return err
	}
	sup := supervisor.New(cfg, store, bridge, nil, nil)

	srv := wsbridge.New(store, sup, wsbridge.Options{Host: runHost, Port: runPort})
	if err := srv.Start(); err != nil {
		return err
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}()

	store.SetStatus(statestore.StatusReady)
	url := "http://" + srv.Addr()
	fmt.Fprintf(cmd.OutOrStdout(), "%sgroundstation%s listening on %s\n",
		colorBold, colorReset, srv.Addr())

	if runQR {
		if err := printAPIQRCode(cmd, url); err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to render QR code: %v\n", err)
		}
	}
	if runMDNS {
		server, err := startMDNSService(runPort, url)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to start mDNS advertisement: %v\n", err)
		} else {
			defer server.Shutdown()
		}
	}

	params := supervisor.DefaultRampParams()
	params.Scenario = runScenario

	if !runHeadless && isatty.IsTerminal(os.Stdout.Fd()) {
		err = tui.Run(store, sup, params)
	} else {
		err = waitForSignal(cmd)
	}

	// Whatever ended the session, the role processes must not outlive it.
	sup.StopAll(context.Background())
	return err
}

// startMDNSService advertises the control API so field tablets can find
// the station without knowing its address.
func startMDNSService(port int, url string) (*mdns.Server, error) {
	txt := []string{"url=" + url}
	service, err := mdns.NewMDNSService("groundstation", "_groundstation._tcp", "local", "", port, nil, txt)
	if err != nil {
		return nil, err
	}
	return mdns.NewServer(&mdns.Config{Zone: service})
}

func printAPIQRCode(cmd *cobra.Command, url string) error {
	code, err := qrcode.New(url, qrcode.Medium)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), code.ToString(false))
	return nil
}

func waitForSignal(cmd *cobra.Command) error {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	s := <-sig
	fmt.Fprintf(cmd.OutOrStdout(), "\n%sreceived %s, shutting down%s\n", colorYellow, s, colorReset)
	return nil
}
