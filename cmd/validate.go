package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"firestige.xyz/tracelens/internal/config"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a configuration file",
	Long: `Validate a configuration file without analyzing a trace.

Profiles, the frame filter and analyzer names are resolved exactly as
analyze would resolve them.

Examples:
  tracelens validate -c tracelens.yml`,
	Run: func(cmd *cobra.Command, args []string) {
		runValidateCommand()
	},
}

func runValidateCommand() {
	if configFile == "" {
		exitWithError("--config is required", nil)
	}
	cfg, err := config.Load(configFile)
	if err != nil {
		fmt.Fprintf(os.Stderr, "INVALID: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("VALID: %d profile(s), %d worker(s), output %s\n",
		len(cfg.EffectiveProfiles),
		cfg.Analysis.Workers,
		cfg.Output.Format,
	)
}
