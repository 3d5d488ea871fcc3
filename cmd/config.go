package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/guestify/mediakit/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect and validate configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as YAML",
	Long: `Resolve defaults, the config file, and MEDIAKIT_ environment variables,
then print the merged result. The output is a valid config file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return err
		}

		out, err := cfg.YAML()
		if err != nil {
			return err
		}

		_, err = os.Stdout.Write(out)

		return err
	},
}

var configValidateCmd = &cobra.Command{
	Use:   "validate <file>",
	Short: "Validate a configuration file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := config.Load(args[0]); err != nil {
			return err
		}

		fmt.Printf("%s is valid\n", args[0])

		return nil
	},
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configValidateCmd)
}
