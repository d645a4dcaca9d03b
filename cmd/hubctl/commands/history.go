package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/ui"
)

var historyCmd = &cobra.Command{
	Use:   "history <key>",
	Short: "Show telemetry history for a session key",
	Long: `Show the telemetry samples the hub recorded for a session. History is
kept per session key and outlives the connection for a while, so a robot
that just dropped can still be inspected.`,
	Args: cobra.ExactArgs(1),
	RunE: runHistory,
}

var (
	historySince int64
	historyJSON  bool
)

func init() {
	historyCmd.Flags().Int64Var(&historySince, "since", 0, "Only samples after this unix time in milliseconds")
	historyCmd.Flags().BoolVar(&historyJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(historyCmd)
}

func runHistory(cmd *cobra.Command, args []string) error {
	client, _, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := requestContext(cmd)
	defer cancel()

	h, err := client.TelemetryHistory(ctx, args[0], historySince)
	if err != nil {
		return fmt.Errorf("telemetry history: %w", err)
	}
	if historyJSON {
		return printJSON(h)
	}

	fmt.Print(renderHistory(h))
	if first, last, ok := batteryTrend(h.Samples); ok && first != last {
		fmt.Println(ui.RenderDim(fmt.Sprintf("battery %g%% -> %g%%", first, last)))
	}
	return nil
}
