package main

import (
	"encoding/json"

	"github.com/spf13/cobra"
)

func newRootCommand(tools *toolchain) *cobra.Command {
	var configFlag string
	var jsonFlag, verbose bool

	ctx := &commandContext{configFlag: &configFlag, jsonFlag: &jsonFlag, verbose: &verbose, tools: tools}

	rootCmd := &cobra.Command{
		Use:           "reelctl",
		Short:         "Offline renditions, watermarking and job submission",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configFlag, "config", "c", "", "Configuration file path")
	rootCmd.PersistentFlags().BoolVar(&jsonFlag, "json", false, "Print results as JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log transcoder activity")

	rootCmd.AddCommand(newABRCommand(ctx))
	rootCmd.AddCommand(newWatermarkCommand(ctx))
	rootCmd.AddCommand(newProtectCommand(ctx))
	rootCmd.AddCommand(newSubmitCommand(ctx))
	rootCmd.AddCommand(newTokenCommand(ctx))

	return rootCmd
}

// writeJSON encodes v as indented JSON to the command's stdout.
func writeJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
