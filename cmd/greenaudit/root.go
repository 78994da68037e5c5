package main

import (
	"github.com/spf13/cobra"
)

var version = "dev"

type globalFlags struct {
	configPath string
	debug      bool
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}
	cmd := &cobra.Command{
		Use:   "greenaudit",
		Short: "Audit web pages for sustainability",
		Long: `greenaudit loads a page in headless Chrome, records what it transfers and
executes, and scores the result against server and design sustainability
audits: carbon footprint, caching, compression, green hosting, image formats,
lazy loading, bot traffic handling and more.`,
		Version:      version,
		SilenceUsage: true,
	}
	cmd.PersistentFlags().StringVar(&flags.configPath, "config", "", "Path to a YAML config file (defaults apply when empty)")
	cmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "Enable debug logging")

	cmd.AddCommand(newAuditCommand(flags))
	cmd.AddCommand(newServeCommand(flags))
	return cmd
}
