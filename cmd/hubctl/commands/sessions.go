package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/registry"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions [slot|key]",
	Short: "List connected sessions",
	Long: `List the robots connected to the hub. With an argument, show one
session in detail. The argument is a slot number or a session key (a
prefix of the key is enough when it is unambiguous).`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSessions,
}

var sessionsJSON bool

func init() {
	sessionsCmd.Flags().BoolVar(&sessionsJSON, "json", false, "Print raw JSON")
	rootCmd.AddCommand(sessionsCmd)
}

func runSessions(cmd *cobra.Command, args []string) error {
	client, _, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := requestContext(cmd)
	defer cancel()

	infos, err := client.ListSessions(ctx)
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}

	if len(args) == 1 {
		in, err := findSession(infos, args[0])
		if err != nil {
			return err
		}
		if sessionsJSON {
			return printJSON(in)
		}
		fmt.Print(renderSessionCard(in, time.Now()))
		return nil
	}

	if sessionsJSON {
		return printJSON(infos)
	}
	fmt.Print(renderSessions(infos, time.Now()))
	return nil
}

// findSession matches ref against slot ids, full keys, then key prefixes
func findSession(infos []registry.Info, ref string) (registry.Info, error) {
	if id, err := strconv.Atoi(ref); err == nil {
		for _, in := range infos {
			if in.ID == id {
				return in, nil
			}
		}
	}

	var match []registry.Info
	for _, in := range infos {
		if in.Key == ref {
			return in, nil
		}
		if len(ref) >= 4 && len(in.Key) >= len(ref) && in.Key[:len(ref)] == ref {
			match = append(match, in)
		}
	}
	switch len(match) {
	case 1:
		return match[0], nil
	case 0:
		return registry.Info{}, fmt.Errorf("no session matches %q", ref)
	default:
		return registry.Info{}, fmt.Errorf("%q matches %d sessions", ref, len(match))
	}
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
