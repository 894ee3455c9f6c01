// Command pgsync migrates MySQL databases to PostgreSQL: pgloader replicates
// the schema, DataX copies the rows table by table.
package main

import (
	"errors"
	"fmt"
	"os"
	"runtime"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var version = "0.1.0"

// exitError carries a process exit code through cobra without printing
// anything more
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func main() {
	// Load .env file if it exists
	_ = godotenv.Load() // Ignore error if .env doesn't exist

	root := newRootCommand()
	if err := root.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.code)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand
type globalFlags struct {
	configFile string
	databases  []string
	logLevel   string
}

func newRootCommand() *cobra.Command {
	flags := &globalFlags{}

	root := &cobra.Command{
		Use:   "pgsync",
		Short: "pgsync - MySQL to PostgreSQL migration orchestrator",
		Long: `pgsync migrates MySQL databases to PostgreSQL in two phases.
The structure phase clears the target schema and replicates the schema with pgloader.
The data phase copies every table with DataX, several tables at a time.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVarP(&flags.configFile, "config", "c", "pgsync.json", "Path to the configuration file (JSON or YAML)")
	root.PersistentFlags().StringSliceVar(&flags.databases, "db", nil, "Database to process; repeat for several (default: every configured database)")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "Override log.level (debug, info, warn, error)")

	root.AddCommand(
		newRunCommand(flags),
		newPlanCommand(flags),
		newCheckCommand(flags),
		&cobra.Command{
			Use:   "version",
			Short: "Show version information",
			Run: func(cmd *cobra.Command, args []string) {
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "pgsync v%s\n", version)
				fmt.Fprintf(out, "Go version: %s\n", runtime.Version())
				fmt.Fprintf(out, "OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			},
		},
	)
	return root
}
