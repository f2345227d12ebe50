package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/ongas/gemini-cli-sub000/config"
	"github.com/ongas/gemini-cli-sub000/contentgen"
)

// buildConfigCmd creates the "config" command group.
func buildConfigCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect the configuration",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "show",
			Short: "Print the effective configuration with secrets masked",
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadConfig(opts)
				if err != nil {
					return err
				}
				out, err := cfg.Marshal()
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the configuration file location",
			RunE: func(cmd *cobra.Command, args []string) error {
				path := opts.configPath
				if path == "" {
					path = os.Getenv(config.EnvConfigPath)
				}
				if path == "" {
					path = config.DefaultPath()
				}
				fmt.Fprintln(cmd.OutOrStdout(), path)
				return nil
			},
		},
		&cobra.Command{
			Use:   "validate",
			Short: "Check the configuration and report every problem",
			RunE: func(cmd *cobra.Command, args []string) error {
				if _, err := loadConfig(opts); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Configuration is valid.")
				return nil
			},
		},
	)
	return cmd
}

// buildModelsCmd creates the "models" command.
func buildModelsCmd() *cobra.Command {
	var provider string
	cmd := &cobra.Command{
		Use:   "models",
		Short: "List known models",
		RunE: func(cmd *cobra.Command, args []string) error {
			models := contentgen.ListModels(provider)
			if len(models) == 0 {
				return fmt.Errorf("no models known for provider %q", provider)
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "MODEL\tPROVIDER\tCONTEXT\tNAME")
			for _, m := range models {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\n", m.ID, m.Provider, m.ContextWindow, m.DisplayName)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&provider, "provider", "", "Only list models of this provider")
	return cmd
}
