package cmd

import (
	"context"
	"os"

	"github.com/spf13/cobra"
)

// newRootCmd creates and configures the root command.
func newRootCmd() *cobra.Command {
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "examscan",
		Short: "Finds registrable exam ids on CampusNet.",
		Long: `examscan walks CampusNet exam ids from a known id towards a target,
probing each candidate's grade overview with a logged-in session. Ids that
answer with a grade table are reported as hits, and the search window follows
the hits so sparse id ranges are skipped.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./examscan.yaml or $HOME/.examscan/examscan.yaml)")
	cmd.AddCommand(newScanCmd(&cfgFile))

	return cmd
}

// Execute is the main entry point.
func Execute() {
	if err := newRootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}
