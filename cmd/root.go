package cmd

import (
	"github.com/spf13/cobra"
)

const version = "1.1.0"

var configPath string

var rootCmd = &cobra.Command{
	Use:   "printhost",
	Short: "Serial print host for Marlin-family 3D printers",
	Long: `Printhost drives 3D printers over their USB serial ports: it speaks the
line-oriented G-code request/response protocol, streams print jobs with
single-command flow control, and exposes everything over a REST API with a
live websocket event stream.

Configuration is read from a YAML file when --config is given, otherwise
from PRINTHOST_* environment variables.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML config file")
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}
