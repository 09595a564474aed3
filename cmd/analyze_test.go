package cmd

import (
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
)

func TestLoadAnalyzeConfigFlags(t *testing.T) {
	configFile = ""
	f := analyzeCmd.Flags()
	require.NoError(t, f.Set("workers", "3"))
	require.NoError(t, f.Set("device", "10.0.0.2"))
	require.NoError(t, f.Set("format", "json"))
	require.NoError(t, f.Set("profile", "lte"))
	t.Cleanup(func() {
		analyzeOpts.profiles = nil
		for _, name := range []string{"workers", "device", "format", "profile"} {
			f.Lookup(name).Changed = false
		}
	})

	cfg, err := loadAnalyzeConfig(analyzeCmd)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Analysis.Workers)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), cfg.DeviceAddress)
	assert.Equal(t, "json", cfg.Output.Format)
	require.Len(t, cfg.EffectiveProfiles, 1)
	assert.Equal(t, "LTE", cfg.EffectiveProfiles[0].Name)
}

func TestLoadAnalyzeConfigRejectsBadFlag(t *testing.T) {
	configFile = ""
	f := analyzeCmd.Flags()
	require.NoError(t, f.Set("format", "html"))
	t.Cleanup(func() {
		analyzeOpts.format = ""
		f.Lookup("format").Changed = false
	})

	_, err := loadAnalyzeConfig(analyzeCmd)
	assert.ErrorIs(t, err, core.ErrConfigInvalid)
}

func TestCommandsRegistered(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"analyze", "validate", "profiles"} {
		assert.True(t, names[want], want)
	}
}
