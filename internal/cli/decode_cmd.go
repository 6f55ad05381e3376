package cli

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/skybeam/groundstation/internal/decode"
	"github.com/skybeam/groundstation/internal/statestore"
)

var decodeCmd = &cobra.Command{
	Use:   "decode <role> [file]",
	Short: "Replay a captured process log through a role grammar",
	Long: `Feeds a captured role-process log through the matching line grammar
and prints every event and the final telemetry snapshot. Useful for
checking what a given run would have looked like live, and for
debugging grammar changes against real captures. Reads stdin when the
file argument is "-" or omitted.`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runDecode,
}

var decodeJSON bool

func init() {
	decodeCmd.Flags().BoolVar(&decodeJSON, "json", false, "Print events and telemetry as JSON")
	rootCmd.AddCommand(decodeCmd)
}

func runDecode(cmd *cobra.Command, args []string) error {
	role := args[0]

	var in io.Reader = os.Stdin
	if len(args) == 2 && args[1] != "-" {
		f, err := os.Open(args[1])
		if err != nil {
			return err
		}
		defer f.Close()
		in = f
	}

	store := statestore.New()

	var dec *decode.Decoder
	switch role {
	case "ground":
		dec = decode.NewGround(store)
	case "air":
		dec = decode.NewAir(store)
	case "relay":
		dec = decode.NewRelay(store)
	default:
		return fmt.Errorf("unknown role %q (want ground, air, or relay)", role)
	}

	// Stream events to the terminal as the grammar produces them.
	store.SetBroadcast(func(b statestore.Broadcast) {
		printEvent(cmd.OutOrStdout(), b.Event)
	})

	var total, matched int
	sc := bufio.NewScanner(in)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		total++
		if dec.HandleLine(line) {
			matched++
		}
	}
	if err := sc.Err(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "\n%s%d/%d lines matched the %s grammar%s\n",
		colorDim, matched, total, role, colorReset)

	if decodeJSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		return enc.Encode(store.TelemetrySnapshot())
	}
	return nil
}

func printEvent(w io.Writer, ev statestore.Event) {
	color := colorDim
	switch ev.Level {
	case statestore.LevelWarn:
		color = colorYellow
	case statestore.LevelError:
		color = colorRed
	}
	ts := time.UnixMilli(ev.TS).Format("15:04:05.000")
	fmt.Fprintf(w, "%s%s %-5s %-6s %-16s%s %s\n",
		color, ts, ev.Level, ev.Source, ev.Code, colorReset, ev.Message)
}
