package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mschirtzinger/filewatchd/internal/config"
)

var configCmd = &cobra.Command{
	Use:     "config",
	GroupID: "setup",
	Short:   "Inspect or create the configuration file",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration",
	Long: `Print the configuration after applying defaults, the config file,
FILEWATCHD_* environment variables and flags.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, used, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		format, _ := cmd.Flags().GetString("format")
		out, err := cfg.Encode(format)
		if err != nil {
			return err
		}
		if used != "" {
			fmt.Fprintf(cmd.OutOrStdout(), "# %s\n", used)
		}
		_, err = cmd.OutOrStdout().Write(out)
		return err
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a starter config file",
	Long: `Write the default configuration to path, or to
$XDG_CONFIG_HOME/filewatchd/filewatchd.<format> when no path is given.`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		format, _ := cmd.Flags().GetString("format")
		force, _ := cmd.Flags().GetBool("force")

		var path string
		if len(args) == 1 {
			path = args[0]
		} else {
			dir, err := config.Dir()
			if err != nil {
				return err
			}
			path = filepath.Join(dir, config.ConfigFileName+"."+format)
		}

		if err := config.DefaultConfig().WriteFile(path, force); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", path)
		return nil
	},
}

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "setup",
	Short:   "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "filewatchd %s (%s)\n", Version, Commit)
	},
}

func init() {
	configShowCmd.Flags().String("format", "yaml", "Output format (yaml or toml)")
	configInitCmd.Flags().String("format", "yaml", "File format when no path is given (yaml or toml)")
	configInitCmd.Flags().Bool("force", false, "Overwrite an existing file")

	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
