// Package cmd implements CLI commands using cobra framework.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	// Global flags
	configFile string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "tracelens",
	Short: "tracelens - offline mobile traffic and radio energy analyzer",
	Long: `tracelens reconstructs what happened in a packet capture taken on a mobile
device. It rebuilds TCP sessions, HTTP exchanges (decrypting TLS when key
material is available), simulates the cellular or WiFi radio state machine
to estimate energy, and classifies traffic bursts.

Features:
  - pcap and pcapng input, Ethernet, raw IP, Linux cooked and loopback links
  - TLS 1.0-1.2 decryption from NSS key log files and session resumption
  - 3G, LTE and WiFi radio models with configurable timers and powers
  - best-practice checks over the reconstructed traffic`,
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "",
		"config file path (defaults apply when empty)")

	// Add subcommands
	rootCmd.AddCommand(analyzeCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(profilesCmd)
}

// exitWithError prints error message and exits with code 1
func exitWithError(msg string, err error) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s: %v\n", msg, err)
	} else {
		fmt.Fprintf(os.Stderr, "Error: %s\n", msg)
	}
	os.Exit(1)
}
