package main

import (
	"os"

	"github.com/effective-security/mcpagent/config"
	"github.com/effective-security/mcpagent/orchestrator"
	"github.com/effective-security/xlog"
	"github.com/spf13/cobra"
)

type rootFlags struct {
	cfgFile string
	debug   bool
}

func execute() error {
	return newRootCmd().Execute()
}

func newRootCmd() *cobra.Command {
	flags := &rootFlags{}
	rootCmd := &cobra.Command{
		Use:           "mcpagent",
		Short:         "LLM agent over MCP capability servers",
		Long:          "mcpagent connects an LLM to MCP capability servers: it forwards the model's tool calls to the servers and feeds the results back until the model produces an answer.",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			xlog.SetFormatter(xlog.NewStringFormatter(os.Stderr))
			if flags.debug {
				xlog.SetGlobalLogLevel(xlog.DEBUG)
			} else {
				xlog.SetGlobalLogLevel(xlog.WARNING)
			}
		},
	}
	rootCmd.PersistentFlags().StringVar(&flags.cfgFile, "cfg", "mcpagent.yaml", "configuration file")
	rootCmd.PersistentFlags().BoolVar(&flags.debug, "debug", false, "enable debug logging")

	rootCmd.AddCommand(
		newChatCmd(flags),
		newServeCmd(flags),
		newToolsCmd(flags),
	)
	return rootCmd
}

func newClient(flags *rootFlags) (*orchestrator.Client, error) {
	cfg, err := config.Load(flags.cfgFile)
	if err != nil {
		return nil, err
	}
	return orchestrator.NewClient(cfg, orchestrator.WithConfigFile(flags.cfgFile))
}
