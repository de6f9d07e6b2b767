// Package commands wires the upnpcore CLI command tree, grounded on
// ChinmayShringi-distributed-computing/cmd/edgecli/commands/root.go's
// cobra.Command layout: a package-level rootCmd with
// SilenceUsage/SilenceErrors, subcommands registered from init().
package commands

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "upnpcore",
	Short: "upnpcore - UPnP discovery, announcement, and eventing core",
	Long: `upnpcore is a control-point/device UPnP 1.0/1.1 core: SSDP discovery
and announcement, and GENA event subscription.

Use "upnpcore [command] --help" for more information about a command.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if path, _ := cmd.Flags().GetString("config"); path != "" {
			return os.Setenv("UPNP_CORE_CONFIG_FILE", path)
		}
		return nil
	},
}

// Execute runs the upnpcore root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("config", "", "Path to a YAML config overlay (UPNP_CORE_CONFIG_FILE)")
	rootCmd.AddCommand(discoverCmd)
	rootCmd.AddCommand(serveCmd)
}
