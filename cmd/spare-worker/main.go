package main

import (
	"os"

	"github.com/spf13/cobra"

	_ "github.com/mattn/go-sqlite3"
)

var (
	cfgFile string
	verbose bool
	version = "dev"
)

var rootCmd = &cobra.Command{
	Use:     "spare-worker",
	Short:   "SPARE edge-serverless worker orchestration core",
	Long:    `spare-worker runs one worker node of an edge-serverless platform: it admits or offloads incoming function invocations, drives a per-request microVM through its boot/handshake/teardown lifecycle, and tracks resource pressure and neighbor latency for routing decisions.`,
	Version: version,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "verbose output")

	rootCmd.AddCommand(serveCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
