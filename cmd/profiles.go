package cmd

import (
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"firestige.xyz/tracelens/internal/config"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles [name...]",
	Short: "Print the effective radio profiles as YAML",
	Long: `Print the radio profiles an analysis would simulate, after merging the
configuration over the built-in 3G, LTE and WIFI models. Names narrow the list.

Examples:
  tracelens profiles
  tracelens profiles -c tracelens.yml LTE`,
	Run: func(cmd *cobra.Command, args []string) {
		cfg, err := config.Load(configFile)
		if err != nil {
			exitWithError("failed to load config", err)
		}
		if err := cfg.SelectProfiles(args); err != nil {
			exitWithError("failed to select profiles", err)
		}

		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		doc := map[string]interface{}{"profiles": cfg.EffectiveProfiles}
		if err := enc.Encode(doc); err != nil {
			exitWithError("failed to encode profiles", err)
		}
		enc.Close()
	},
}
