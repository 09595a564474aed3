package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/rrc"
)

func writeConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "text", cfg.Log.Format)
	assert.Equal(t, "console", cfg.Output.Format)
	assert.Greater(t, cfg.Analysis.Workers, 0)
	assert.Equal(t, 30*time.Second, cfg.Analysis.Decoder.Reassembly.Timeout)
	assert.False(t, cfg.DeviceAddress.IsValid())
	assert.True(t, cfg.TraceEnd.IsZero())

	require.Len(t, cfg.EffectiveProfiles, 3)
	assert.Equal(t, rrc.Defaults(), cfg.EffectiveProfiles)
}

func TestLoadValidConfig(t *testing.T) {
	path := writeConfig(t, "config.yml", `
tracelens:
  log:
    level: debug
    format: json
  analysis:
    workers: 3
    device_address: 10.0.0.2
    trace_end: "2023-11-14T22:15:00Z"
    filter: "ip and src net 10.0.0.0/8"
    analyzers: [text-compression]
  tls:
    keylog_file: /tmp/keys.log
  profiles:
    - family: lte
      name: LTE-fast
      lte:
        inactivity: 50ms
  output:
    format: yaml
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 3, cfg.Analysis.Workers)
	assert.Equal(t, netip.MustParseAddr("10.0.0.2"), cfg.DeviceAddress)
	assert.True(t, time.Date(2023, 11, 14, 22, 15, 0, 0, time.UTC).Equal(cfg.TraceEnd))
	assert.Equal(t, "/tmp/keys.log", cfg.TLS.KeyLogFile)
	assert.Equal(t, "yaml", cfg.Output.Format)

	require.Len(t, cfg.EffectiveProfiles, 1)
	p := cfg.EffectiveProfiles[0]
	assert.Equal(t, "LTE-fast", p.Name)
	assert.Equal(t, rrc.FamilyLTE, p.Family)
	assert.Equal(t, 50*time.Millisecond, p.LTE.Inactivity)
	assert.Equal(t, rrc.DefaultLTE().LTE.LongDRX, p.LTE.LongDRX, "unset values come from the family")

	pc := cfg.Pipeline()
	assert.Equal(t, 3, pc.Workers)
	assert.Equal(t, 3, pc.Session.Workers)
	assert.Equal(t, cfg.DeviceAddress, pc.DeviceAddress)
	assert.Equal(t, []string{"text-compression"}, pc.Analyzers)
}

func TestEnvOverride(t *testing.T) {
	t.Setenv("TRACELENS_ANALYSIS_WORKERS", "7")
	t.Setenv("TRACELENS_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 7, cfg.Analysis.Workers)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadInvalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"log level", "tracelens:\n  log:\n    level: loud\n"},
		{"log format", "tracelens:\n  log:\n    format: xml\n"},
		{"output format", "tracelens:\n  output:\n    format: html\n"},
		{"device address", "tracelens:\n  analysis:\n    device_address: phone\n"},
		{"trace end", "tracelens:\n  analysis:\n    trace_end: yesterday\n"},
		{"workers", "tracelens:\n  analysis:\n    workers: -1\n"},
		{"filter", "tracelens:\n  analysis:\n    filter: \"port 80\"\n"},
		{"analyzer", "tracelens:\n  analysis:\n    analyzers: [battery-saver]\n"},
		{"profile family", "tracelens:\n  profiles:\n    - family: 5G\n"},
		{"duplicate profile", "tracelens:\n  profiles:\n    - family: LTE\n    - family: LTE\n"},
		{"metrics textfile", "tracelens:\n  metrics:\n    enabled: true\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, "config.yml", tt.content))
			assert.ErrorIs(t, err, core.ErrConfigInvalid)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yml"))
	assert.Error(t, err)
}

func TestProfileFile(t *testing.T) {
	profiles := writeConfig(t, "profiles.yml", `
profiles:
  - family: WIFI
    name: wifi-slow
    wifi:
      tail: 1s
`)
	path := writeConfig(t, "config.yml", "tracelens:\n  profile_file: "+profiles+"\n")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Len(t, cfg.EffectiveProfiles, 1)
	assert.Equal(t, "wifi-slow", cfg.EffectiveProfiles[0].Name)
	assert.Equal(t, time.Second, cfg.EffectiveProfiles[0].WiFi.Tail)
}

func TestSelectProfiles(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)

	require.NoError(t, cfg.SelectProfiles(nil))
	assert.Len(t, cfg.EffectiveProfiles, 3)

	require.NoError(t, cfg.SelectProfiles([]string{"wifi", "3g"}))
	require.Len(t, cfg.EffectiveProfiles, 2)
	assert.Equal(t, "WIFI", cfg.EffectiveProfiles[0].Name)
	assert.Equal(t, "3G", cfg.EffectiveProfiles[1].Name)

	// Built-in families stay selectable after narrowing.
	require.NoError(t, cfg.SelectProfiles([]string{"LTE"}))
	assert.Equal(t, "LTE", cfg.EffectiveProfiles[0].Name)

	assert.ErrorIs(t, cfg.SelectProfiles([]string{"5G"}), core.ErrConfigInvalid)
}
