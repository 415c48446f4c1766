package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

type rootFlags struct {
	configPath string
	output     string
	verbose    bool
}

func newRootCmd(version string) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:   "payrollctl",
		Short: "Payroll closure audit tooling",
		Long: `payrollctl reads ERP payroll exports the way the engine does and runs
closure stages against the engine's database.

Commands that only read files (formats, headers, normalize) need no database.`,
		Version: version,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			switch flags.output {
			case outputTable, outputJSON:
				return nil
			default:
				return fmt.Errorf("unknown output format %q (want %s or %s)", flags.output, outputTable, outputJSON)
			}
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.yaml", "engine configuration file")
	root.PersistentFlags().StringVarP(&flags.output, "output", "o", outputTable, "output format (table|json)")
	root.PersistentFlags().BoolVarP(&flags.verbose, "verbose", "v", false, "log pipeline activity to stderr")

	_ = root.RegisterFlagCompletionFunc("output", func(*cobra.Command, []string, string) ([]string, cobra.ShellCompDirective) {
		return []string{outputTable, outputJSON}, cobra.ShellCompDirectiveNoFileComp
	})

	root.AddCommand(
		newVersionCmd(version),
		newFormatsCmd(flags),
		newHeadersCmd(flags),
		newNormalizeCmd(flags),
		newMigrateCmd(flags),
		newStatusCmd(flags),
		newProcessCmd(flags),
		newReconcileCmd(flags),
		newDetectCmd(flags),
		newSweepCmd(flags),
		newHistoryCmd(flags),
	)
	return root
}

func newVersionCmd(version string) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, _ []string) {
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "payrollctl %s\n", version)
		},
	}
}
