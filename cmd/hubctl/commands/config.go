package commands

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/spf13/cobra"

	"github.com/robohub/robohub/internal/config"
	"github.com/robohub/robohub/internal/ui"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the robohub config file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default config file",
	Long: `Write the default configuration to --config, or ~/.robohub/config.yaml.
An existing file is left alone unless --force is given.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		force, _ := cmd.Flags().GetBool("force")

		written, err := writeDefaultConfig(path, force)
		if err != nil {
			return err
		}
		fmt.Println(ui.RenderSuccess("Wrote " + written))
		return nil
	},
}

func init() {
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

// writeDefaultConfig saves config.Default() to path (the standard location
// when empty) and returns the path written
func writeDefaultConfig(path string, force bool) (string, error) {
	if path == "" {
		paths, err := config.GetPaths()
		if err != nil {
			return "", err
		}
		path = paths.ConfigFile
	}

	if !force {
		if _, err := os.Stat(path); err == nil {
			return "", fmt.Errorf("%s already exists (use --force to overwrite)", path)
		} else if !errors.Is(err, fs.ErrNotExist) {
			return "", err
		}
	}

	if err := config.Default().Save(path); err != nil {
		return "", err
	}
	return path, nil
}
