package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/admin"
	"github.com/robohub/robohub/internal/envelope"
)

var sendCmd = &cobra.Command{
	Use:   "send <command>",
	Short: "Send a command to one session or all of them",
	Long: `Send a command envelope through the hub.

Commands:
  check_status   Ask for a telemetry reply
  get_jpeg       Ask for a camera frame
  move           Move in --direction, for --duration seconds when set
  upload_url     Assign an egress stream target (--url)

Without --session the command is broadcast to every connected robot.

Examples:
  hubctl send check_status
  hubctl send move --session 0 --direction forward --duration 2.5
  hubctl send upload_url --session 3f0c9a1e --url rtsp://10.0.0.2:8554/cam`,
	Args: cobra.ExactArgs(1),
	ValidArgs: []string{
		envelope.CommandCheckStatus, envelope.CommandGetJPEG, envelope.CommandMove, envelope.FieldUploadURL,
	},
	RunE: runSend,
}

var sendReq admin.CommandRequest

func init() {
	sendCmd.Flags().StringVarP(&sendReq.Session, "session", "s", "", "Target slot id or session key")
	sendCmd.Flags().StringVarP(&sendReq.Direction, "direction", "d", "", "Move direction")
	sendCmd.Flags().Float64Var(&sendReq.Duration, "duration", 0, "Move duration in seconds")
	sendCmd.Flags().StringVar(&sendReq.UploadURL, "url", "", "Upload URL for upload_url")
	rootCmd.AddCommand(sendCmd)
}

func runSend(cmd *cobra.Command, args []string) error {
	req := sendReq
	req.Command = args[0]

	client, _, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := requestContext(cmd)
	defer cancel()

	res, err := client.SendCommand(ctx, req)
	if err != nil {
		return fmt.Errorf("send %s: %w", req.Command, err)
	}
	fmt.Print(renderResult(res))
	if len(res.Failed) > 0 {
		return fmt.Errorf("%d session(s) did not receive %s", len(res.Failed), req.Command)
	}
	return nil
}
