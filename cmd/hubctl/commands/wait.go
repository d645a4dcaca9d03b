package commands

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/ui"
)

const waitPollInterval = 500 * time.Millisecond

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait until enough sessions are connected",
	Long: `Poll the hub until at least --count sessions are connected, or fail
after --for. Useful in scripts that start robots and then drive them.`,
	Args: cobra.NoArgs,
	RunE: runWait,
}

var (
	waitCount int
	waitFor   time.Duration
)

func init() {
	waitCmd.Flags().IntVarP(&waitCount, "count", "n", 1, "Number of sessions to wait for")
	waitCmd.Flags().DurationVar(&waitFor, "for", time.Minute, "Give up after this long")
	rootCmd.AddCommand(waitCmd)
}

func runWait(cmd *cobra.Command, args []string) error {
	client, _, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	spinner := ui.NewSpinner(fmt.Sprintf("Waiting for %d session(s)...", waitCount))
	spinner.Start()
	defer spinner.Stop()

	deadline := time.Now().Add(waitFor)
	ticker := time.NewTicker(waitPollInterval)
	defer ticker.Stop()

	for {
		ctx, cancel := requestContext(cmd)
		infos, err := client.ListSessions(ctx)
		cancel()
		if err == nil {
			if len(infos) >= waitCount {
				spinner.Stop()
				fmt.Println(ui.RenderSuccess(fmt.Sprintf("%d session(s) connected after %s",
					len(infos), spinner.Elapsed().Truncate(time.Millisecond))))
				return nil
			}
			spinner.SetMessage(fmt.Sprintf("Waiting for %d session(s), %d connected...", waitCount, len(infos)))
		} else {
			spinner.SetMessage(fmt.Sprintf("Waiting for hub: %v", err))
		}

		if time.Now().After(deadline) {
			return fmt.Errorf("timed out after %s waiting for %d session(s)", waitFor, waitCount)
		}
		select {
		case <-cmd.Context().Done():
			return cmd.Context().Err()
		case <-ticker.C:
		}
	}
}
