package main

import (
	"github.com/spf13/cobra"
)

var (
	configPath  string
	portName    string
	useMock     bool
	metricsAddr string
	logLevel    string
)

var rootCmd = &cobra.Command{
	Use:   "plasmactl",
	Short: "Plasma driver control",
	Long: `plasmactl controls a plasma driver board over its serial port.

It switches the supplies, strikes and stops the plasma, sets the H-bridge
frequency and voltage and records the driver's telemetry log while the
plasma is running.

Front-ends:
  gui      desktop control panel with a live plot
  console  terminal control panel
  run      headless strike for a fixed duration
  ports    list serial ports

Every front-end returns the driver to a safe state (plasma stopped, supplies
off) when it exits.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Configuration file path")
	rootCmd.PersistentFlags().StringVarP(&portName, "port", "p", "", "Serial port override (e.g., COM3 or /dev/ttyACM0)")
	rootCmd.PersistentFlags().BoolVar(&useMock, "mock", false, "Use the simulated driver instead of a serial port")
	rootCmd.PersistentFlags().StringVar(&metricsAddr, "metrics-addr", "", "Serve prometheus metrics on this address (overrides config)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level override (debug, info, warn, error)")
}
