package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/mazuadm/mazuadm/pkg/log"
	"github.com/mazuadm/mazuadm/pkg/version"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "mazuadm",
	Short: "MazuADM - Attack/Defense CTF exploit fleet control plane",
	Long: `MazuADM schedules exploit containers against target teams in rounds,
harvests flags from their output and records everything in one place.

The server subcommand runs the control plane; every other subcommand is a
client of its HTTP API.`,
	Version: version.Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf(
		"MazuADM version %s\nCommit: %s\nBuilt: %s\n",
		version.Version, version.Commit, version.BuildTime,
	))

	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	rootCmd.PersistentFlags().String("api", "", "API base URL for client commands (default $MAZUADM_API or http://localhost:3000)")

	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(serverCmd)
	rootCmd.AddCommand(challengeCmd)
	rootCmd.AddCommand(teamCmd)
	rootCmd.AddCommand(exploitCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(roundCmd)
	rootCmd.AddCommand(jobCmd)
	rootCmd.AddCommand(flagCmd)
	rootCmd.AddCommand(settingCmd)
	rootCmd.AddCommand(containerCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")

	log.Init(log.Config{
		Level:      log.Level(logLevel),
		JSONOutput: logJSON,
	})
}
