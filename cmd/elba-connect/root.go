package main

import "github.com/spf13/cobra"

var rootCmd = &cobra.Command{
	Use:           "elba-connect",
	Short:         "elba-connect syncs SaaS vendor users and permissions into Elba.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return prepareCommandExecution(cmd)
	},
}

func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.AddCommand(serveCmd, workerCmd, syncCmd, migrateCmd, organisationsCmd)
}
