package commands

import (
	"fmt"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/teranos/agentdeploy/config"
	"github.com/teranos/agentdeploy/errors"
)

// ConfigCmd inspects the configuration.
var ConfigCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect agentdeploy configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	Long: `Print the configuration after merging defaults, config files and
AGENTDEPLOY_* environment variables. Secrets are masked.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(ConfigFile)
		if err != nil {
			return errors.Wrap(err, "failed to load configuration")
		}
		out, err := cfg.TOML()
		if err != nil {
			return err
		}
		if src := cfg.Source(); src != "" {
			fmt.Printf("# source: %s\n", src)
		} else {
			fmt.Println("# source: defaults and environment")
		}
		fmt.Print(string(out))

		if err := cfg.Validate(); err != nil {
			pterm.Warning.Printf("Configuration is invalid: %v\n", err)
		}
		return nil
	},
}

func init() {
	ConfigCmd.AddCommand(configShowCmd)
}
