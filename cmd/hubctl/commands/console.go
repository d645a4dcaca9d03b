package commands

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/admin"
	"github.com/robohub/robohub/internal/envelope"
	"github.com/robohub/robohub/internal/ui"
)

var consoleCmd = &cobra.Command{
	Use:   "console",
	Short: "Interactive operator console",
	Long: `Start an interactive console against the hub admin service.

Each line is one command, optionally prefixed with @<slot> or @<key> to
target a single session:

  sessions              List connected sessions
  status                check_status
  jpeg                  get_jpeg
  move <dir> [secs]     Move, for secs seconds when given
  stop                  Stop moving
  url <url>             Assign an upload URL
  help, clear, exit

Lines can also be piped in, e.g. "echo status | hubctl console".`,
	Args: cobra.NoArgs,
	RunE: runConsole,
}

func init() {
	rootCmd.AddCommand(consoleCmd)
}

type consoleAction int

const (
	actionNone consoleAction = iota
	actionSend
	actionSessions
	actionHelp
	actionClear
	actionExit
)

// consoleLine is one parsed console input
type consoleLine struct {
	Action  consoleAction
	Request admin.CommandRequest
}

var errUsage = errors.New("usage")

// parseConsoleLine turns "[@target] verb args..." into an action
func parseConsoleLine(input string) (consoleLine, error) {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return consoleLine{Action: actionNone}, nil
	}

	var target string
	if strings.HasPrefix(fields[0], "@") {
		target = strings.TrimPrefix(fields[0], "@")
		if target == "" {
			return consoleLine{}, fmt.Errorf("%w: @ needs a slot or key", errUsage)
		}
		fields = fields[1:]
		if len(fields) == 0 {
			return consoleLine{}, fmt.Errorf("%w: missing command after @%s", errUsage, target)
		}
	}

	verb, args := strings.ToLower(fields[0]), fields[1:]
	send := func(req admin.CommandRequest) (consoleLine, error) {
		req.Session = target
		return consoleLine{Action: actionSend, Request: req}, nil
	}

	switch verb {
	case "exit", "quit", "q":
		return consoleLine{Action: actionExit}, nil
	case "help", "?":
		return consoleLine{Action: actionHelp}, nil
	case "clear":
		return consoleLine{Action: actionClear}, nil
	case "sessions", "ls":
		return consoleLine{Action: actionSessions}, nil

	case "status", envelope.CommandCheckStatus:
		return send(admin.CommandRequest{Command: envelope.CommandCheckStatus})
	case "jpeg", envelope.CommandGetJPEG:
		return send(admin.CommandRequest{Command: envelope.CommandGetJPEG})
	case "stop":
		return send(admin.CommandRequest{Command: envelope.CommandMove, Direction: "stop"})

	case envelope.CommandMove:
		if len(args) == 0 || len(args) > 2 {
			return consoleLine{}, fmt.Errorf("%w: move <direction> [seconds]", errUsage)
		}
		req := admin.CommandRequest{Command: envelope.CommandMove, Direction: args[0]}
		if len(args) == 2 {
			d, err := strconv.ParseFloat(args[1], 64)
			if err != nil || d <= 0 {
				return consoleLine{}, fmt.Errorf("%w: duration must be a positive number, got %q", errUsage, args[1])
			}
			req.Duration = d
		}
		return send(req)

	case "url", envelope.FieldUploadURL:
		if len(args) != 1 {
			return consoleLine{}, fmt.Errorf("%w: url <upload-url>", errUsage)
		}
		return send(admin.CommandRequest{Command: envelope.FieldUploadURL, UploadURL: args[0]})
	}

	return consoleLine{}, fmt.Errorf("unknown command %q (try help)", verb)
}

func runConsole(cmd *cobra.Command, args []string) error {
	client, addr, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	interactive := ui.IsInteractive()
	if interactive {
		fmt.Print(ui.RenderHeader(Version, addr))
		fmt.Print(ui.RenderHelpLines())
	}

	scanner := bufio.NewScanner(os.Stdin)
	for {
		if interactive {
			fmt.Print(ui.RenderPrompt())
		}
		if !scanner.Scan() {
			break
		}

		line, err := parseConsoleLine(scanner.Text())
		if err != nil {
			fmt.Println(ui.RenderError(err))
			continue
		}

		switch line.Action {
		case actionNone:
			continue
		case actionExit:
			if interactive {
				fmt.Println(ui.RenderDim("Goodbye!"))
			}
			return nil
		case actionHelp:
			fmt.Print(ui.RenderHelpLines())
		case actionClear:
			fmt.Print("\033[H\033[2J")
			fmt.Print(ui.RenderHeader(Version, addr))
		case actionSessions:
			ctx, cancel := requestContext(cmd)
			infos, err := client.ListSessions(ctx)
			cancel()
			if err != nil {
				fmt.Println(ui.RenderError(err))
				continue
			}
			fmt.Print(renderSessions(infos, time.Now()))
		case actionSend:
			ctx, cancel := requestContext(cmd)
			res, err := client.SendCommand(ctx, line.Request)
			cancel()
			if err != nil {
				fmt.Println(ui.RenderError(err))
				continue
			}
			fmt.Print(renderResult(res))
		}
	}

	return scanner.Err()
}
