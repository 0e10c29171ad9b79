package main

import (
	"github.com/spf13/cobra"

	"whisper-gateway/internal/config"
)

type rootOptions struct {
	configFile string
	envFile    string
}

func (o *rootOptions) load() (*config.Config, error) {
	return config.Load(config.Options{ConfigFile: o.configFile, EnvFile: o.envFile})
}

func newRootCommand() *cobra.Command {
	opts := &rootOptions{}

	rootCmd := &cobra.Command{
		Use:           "whisper-gateway",
		Short:         "Speech-to-text inference gateway",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.configFile, "config", "c", "", "YAML configuration file")
	rootCmd.PersistentFlags().StringVar(&opts.envFile, "env-file", "", "dotenv file loaded before the environment (default ./.env)")

	rootCmd.AddCommand(newServeCommand(opts))
	rootCmd.AddCommand(newHealthcheckCommand(opts))

	return rootCmd
}
