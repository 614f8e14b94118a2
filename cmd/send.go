package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openfab/printhost/internal/core"
	"github.com/openfab/printhost/internal/serialport"
)

var (
	sendPort    string
	sendBaud    int
	sendTimeout time.Duration
	sendNoWait  bool
)

var sendCmd = &cobra.Command{
	Use:   "send <gcode> [gcode...]",
	Short: "Send G-code to a printer and print the responses",
	Long: `Connect to a printer, send each G-code argument in order, and print the
response text. The connection waits out the firmware boot and runs the M115
handshake before the first command.

Examples:
  printhost send --port /dev/ttyUSB0 M115
  printhost send --port /dev/ttyACM0 "G28" "G1 X10 F3000"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runSend,
}

func init() {
	rootCmd.AddCommand(sendCmd)
	sendCmd.Flags().StringVarP(&sendPort, "port", "p", "", "Serial port device")
	sendCmd.Flags().IntVarP(&sendBaud, "baud", "b", core.DefaultBaudRate, "Baud rate")
	sendCmd.Flags().DurationVar(&sendTimeout, "timeout", 10*time.Second, "Per-command response timeout")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-boot-wait", false, "Skip the firmware boot-settle delay")
	sendCmd.MarkFlagRequired("port")
}

func runSend(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))

	bootDelay := 2 * time.Second
	if sendNoWait {
		bootDelay = 0
	}
	printer := core.NewPrinter(serialport.Opener{}, core.PrinterOptions{
		Port:           sendPort,
		BaudRate:       sendBaud,
		BootDelay:      bootDelay,
		DefaultTimeout: sendTimeout,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := printer.Connect(ctx); err != nil {
		return err
	}
	defer printer.Disconnect()

	if fw := printer.Firmware(); fw != nil && fw.FirmwareName != "" {
		fmt.Fprintf(os.Stderr, "connected: %s\n", fw.FirmwareName)
	}

	for _, gcode := range args {
		command, err := printer.SendCommand(gcode, core.SendOptions{})
		if err != nil {
			return err
		}
		response, err := command.Wait(ctx)
		if err != nil {
			return fmt.Errorf("%s: %w", gcode, err)
		}
		fmt.Println(response)
	}
	return nil
}
