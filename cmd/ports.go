package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/openfab/printhost/internal/serialport"
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "List serial ports and the devices behind them",
	RunE:  runPorts,
}

func init() {
	rootCmd.AddCommand(portsCmd)
}

func runPorts(cmd *cobra.Command, args []string) error {
	ports, err := (serialport.Enumerator{}).List()
	if err != nil {
		return err
	}
	if len(ports) == 0 {
		fmt.Println("No serial ports found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "PATH\tUSB ID\tVENDOR\tMODEL\tSERIAL")
	for _, p := range ports {
		usbID := ""
		if p.IsUSB {
			usbID = p.VendorID + ":" + p.ProductID
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", p.Path, usbID, p.Vendor, p.Model, p.SerialNumber)
	}
	return w.Flush()
}
