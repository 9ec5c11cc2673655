package cli

import (
	"os"

	"github.com/spf13/cobra"
)

// NewRootCmd creates the beaconcheck root command
func NewRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "beaconcheck",
		Short: "Beaconcheck CLI",
		Long: `Beaconcheck drives a browser through a storefront and verifies that the
expected analytics beacons reach the collect endpoint.`,
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			debug, _ := cmd.Flags().GetBool("debug")
			if debug {
				_ = os.Setenv(LogEnv, "DEBUG")
			}

			InitLogging()
		},
	}

	cmd.PersistentFlags().Bool("debug", false, "Enable debug logging")

	cmd.AddCommand(
		NewRunCmd(),
		NewValidateCmd(),
		NewWatchCmd(),
		NewBrowserCmd(),
		NewVersionCmd(),
	)

	return cmd
}
