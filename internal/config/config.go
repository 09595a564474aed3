// Package config handles configuration loading using viper.
package config

import (
	"fmt"
	"net/netip"
	"runtime"
	"strings"
	"time"

	"github.com/spf13/viper"

	"firestige.xyz/tracelens/internal/bestpractice"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/core/decoder"
	"firestige.xyz/tracelens/internal/filter"
	"firestige.xyz/tracelens/internal/httprec"
	"firestige.xyz/tracelens/internal/log"
	"firestige.xyz/tracelens/internal/pipeline"
	"firestige.xyz/tracelens/internal/rrc"
	"firestige.xyz/tracelens/internal/session"
	"firestige.xyz/tracelens/internal/tlsx"
)

// Config represents the top-level configuration.
// Maps to the `tracelens:` root key in YAML.
type Config struct {
	Log         log.Config     `mapstructure:"log"`
	Analysis    AnalysisConfig `mapstructure:"analysis"`
	TLS         TLSConfig      `mapstructure:"tls"`
	Profiles    []interface{}  `mapstructure:"profiles"`     // Inline profile list
	ProfileFile string         `mapstructure:"profile_file"` // File with a `profiles:` list
	UserEvents  string         `mapstructure:"user_events"`  // File of user input timestamps
	Metrics     MetricsConfig  `mapstructure:"metrics"`
	Output      OutputConfig   `mapstructure:"output"`

	// Resolved by ValidateAndApplyDefaults
	EffectiveProfiles []rrc.Profile `mapstructure:"-"`
	DeviceAddress     netip.Addr    `mapstructure:"-"`
	TraceEnd          time.Time     `mapstructure:"-"`
}

// ─── Analysis ───

// AnalysisConfig tunes the analysis stages.
type AnalysisConfig struct {
	Workers           int            `mapstructure:"workers"` // 0 = auto (GOMAXPROCS)
	DeviceAddress     string         `mapstructure:"device_address"`
	Filter            string         `mapstructure:"filter"`
	TraceEnd          string         `mapstructure:"trace_end"` // RFC 3339
	MaxBodyBytes      int            `mapstructure:"max_body_bytes"`
	MaxHeaderBytes    int            `mapstructure:"max_header_bytes"`
	MaxRecordBytes    int            `mapstructure:"max_record_bytes"`
	MaxPlaintextBytes int            `mapstructure:"max_plaintext_bytes"`
	MaxBufferedPages  int            `mapstructure:"max_buffered_pages"`
	Decoder           decoder.Config `mapstructure:"decoder"`
	Analyzers         []string       `mapstructure:"analyzers"` // Empty = all built-in
}

// ─── TLS ───

// TLSConfig points at decryption key material.
type TLSConfig struct {
	KeyLogFile string `mapstructure:"keylog_file"` // NSS key log format
}

// ─── Metrics ───

// MetricsConfig contains Prometheus metrics settings.
type MetricsConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Textfile string `mapstructure:"textfile"` // Text exposition output path
}

// ─── Output ───

// OutputConfig selects where the report goes.
type OutputConfig struct {
	Path   string `mapstructure:"path"`   // Empty = stdout
	Format string `mapstructure:"format"` // console / yaml / json
}

// ─── Loading ───

// configRoot is the top-level wrapper matching the YAML structure `tracelens: ...`.
type configRoot struct {
	Tracelens Config `mapstructure:"tracelens"`
}

// Load loads configuration from file. An empty path yields the defaults,
// still subject to environment overrides.
// The YAML file uses `tracelens:` as root key; env vars use the TRACELENS_ prefix (e.g., TRACELENS_LOG_LEVEL).
func Load(path string) (*Config, error) {
	v := viper.New()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	// No explicit env prefix: key "tracelens.log.level" maps to env
	// "TRACELENS_LOG_LEVEL" via the key replacer.
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	var root configRoot
	if err := v.Unmarshal(&root); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg := root.Tracelens

	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for configuration.
// All keys use "tracelens." prefix to match the YAML root wrapper.
func setDefaults(v *viper.Viper) {
	// Log defaults
	v.SetDefault("tracelens.log.level", "info")
	v.SetDefault("tracelens.log.format", "text")
	v.SetDefault("tracelens.log.time", "2006-01-02 15:04:05")
	v.SetDefault("tracelens.log.caller", false)
	v.SetDefault("tracelens.log.file.filename", "")
	v.SetDefault("tracelens.log.file.max_size", 100)
	v.SetDefault("tracelens.log.file.max_backups", 5)
	v.SetDefault("tracelens.log.file.max_age", 30)
	v.SetDefault("tracelens.log.file.compress", true)

	// Analysis defaults
	v.SetDefault("tracelens.analysis.workers", 0)
	v.SetDefault("tracelens.analysis.device_address", "")
	v.SetDefault("tracelens.analysis.filter", "")
	v.SetDefault("tracelens.analysis.trace_end", "")
	v.SetDefault("tracelens.analysis.max_body_bytes", 16<<20)
	v.SetDefault("tracelens.analysis.max_header_bytes", 64<<10)
	v.SetDefault("tracelens.analysis.max_record_bytes", 16384+2048)
	v.SetDefault("tracelens.analysis.max_plaintext_bytes", 64<<20)
	v.SetDefault("tracelens.analysis.max_buffered_pages", 0)
	v.SetDefault("tracelens.analysis.decoder.disable_reassembly", false)
	v.SetDefault("tracelens.analysis.decoder.ip_reassembly.max_fragments", 100)
	v.SetDefault("tracelens.analysis.decoder.ip_reassembly.max_size", 65535)
	v.SetDefault("tracelens.analysis.decoder.ip_reassembly.timeout", "30s")

	// TLS defaults
	v.SetDefault("tracelens.tls.keylog_file", "")

	// Profile and event defaults
	v.SetDefault("tracelens.profile_file", "")
	v.SetDefault("tracelens.user_events", "")

	// Metrics defaults
	v.SetDefault("tracelens.metrics.enabled", false)
	v.SetDefault("tracelens.metrics.textfile", "")

	// Output defaults
	v.SetDefault("tracelens.output.path", "")
	v.SetDefault("tracelens.output.format", "console")
}

// ValidateAndApplyDefaults validates configuration and resolves derived
// fields. Every validation error wraps core.ErrConfigInvalid.
func (cfg *Config) ValidateAndApplyDefaults() error {
	// ── Log validation ──
	validLevels := map[string]bool{"trace": true, "debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Log.Level)] {
		return fmt.Errorf("%w: invalid log level: %s (must be trace/debug/info/warn/error)", core.ErrConfigInvalid, cfg.Log.Level)
	}
	switch cfg.Log.Format {
	case "text", "json", "pattern":
	default:
		return fmt.Errorf("%w: invalid log format: %s (must be text/json/pattern)", core.ErrConfigInvalid, cfg.Log.Format)
	}

	// ── Output validation ──
	switch cfg.Output.Format {
	case "console", "yaml", "json":
	default:
		return fmt.Errorf("%w: invalid output format: %s (must be console/yaml/json)", core.ErrConfigInvalid, cfg.Output.Format)
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Textfile == "" {
		return fmt.Errorf("%w: metrics.textfile is required when metrics.enabled=true", core.ErrConfigInvalid)
	}

	// ── Analysis ──
	a := &cfg.Analysis
	if a.Workers < 0 {
		return fmt.Errorf("%w: analysis.workers must not be negative", core.ErrConfigInvalid)
	}
	if a.Workers == 0 {
		a.Workers = runtime.GOMAXPROCS(0)
	}
	if a.DeviceAddress != "" {
		addr, err := netip.ParseAddr(a.DeviceAddress)
		if err != nil {
			return fmt.Errorf("%w: analysis.device_address: %v", core.ErrConfigInvalid, err)
		}
		cfg.DeviceAddress = addr.Unmap()
	}
	if a.TraceEnd != "" {
		end, err := time.Parse(time.RFC3339Nano, a.TraceEnd)
		if err != nil {
			return fmt.Errorf("%w: analysis.trace_end: %v", core.ErrConfigInvalid, err)
		}
		cfg.TraceEnd = end
	}
	if _, err := filter.Compile(a.Filter); err != nil {
		return fmt.Errorf("analysis.filter: %w", err)
	}
	if _, err := bestpractice.Lookup(a.Analyzers); err != nil {
		return fmt.Errorf("%w: analysis.analyzers: %v", core.ErrConfigInvalid, err)
	}

	// ── Profiles ──
	profiles, err := rrc.DecodeProfiles(cfg.Profiles)
	if err != nil {
		return err
	}
	if cfg.ProfileFile != "" {
		fromFile, err := rrc.LoadProfiles(cfg.ProfileFile)
		if err != nil {
			return err
		}
		profiles = append(profiles, fromFile...)
	}
	if len(profiles) == 0 {
		profiles = rrc.Defaults()
	}
	seen := make(map[string]bool, len(profiles))
	for _, p := range profiles {
		name := strings.ToUpper(p.Name)
		if seen[name] {
			return fmt.Errorf("%w: duplicate profile name %q", core.ErrConfigInvalid, p.Name)
		}
		seen[name] = true
	}
	cfg.EffectiveProfiles = profiles

	return nil
}

// SelectProfiles narrows the effective profiles to names, in the given
// order. A name that is not configured falls back to the built-in profile
// of that family.
func (cfg *Config) SelectProfiles(names []string) error {
	if len(names) == 0 {
		return nil
	}
	selected := make([]rrc.Profile, 0, len(names))
	for _, name := range names {
		p, ok := cfg.profile(name)
		if !ok {
			p, ok = rrc.Builtin(name)
		}
		if !ok {
			return fmt.Errorf("%w: unknown profile %q", core.ErrConfigInvalid, name)
		}
		selected = append(selected, p)
	}
	cfg.EffectiveProfiles = selected
	return nil
}

func (cfg *Config) profile(name string) (rrc.Profile, bool) {
	for _, p := range cfg.EffectiveProfiles {
		if strings.EqualFold(p.Name, name) {
			return p, true
		}
	}
	return rrc.Profile{}, false
}

// Pipeline returns the pipeline configuration.
func (cfg *Config) Pipeline() pipeline.Config {
	a := cfg.Analysis
	return pipeline.Config{
		Workers: a.Workers,
		Decoder: a.Decoder,
		Session: session.Config{
			Workers:          a.Workers,
			MaxBufferedPages: a.MaxBufferedPages,
		},
		HTTP: httprec.Config{
			MaxBodyBytes:   a.MaxBodyBytes,
			MaxHeaderBytes: a.MaxHeaderBytes,
		},
		TLS: tlsx.Config{
			MaxRecordBytes:    a.MaxRecordBytes,
			MaxPlaintextBytes: a.MaxPlaintextBytes,
		},
		Filter:        a.Filter,
		DeviceAddress: cfg.DeviceAddress,
		TraceEnd:      cfg.TraceEnd,
		Profiles:      cfg.EffectiveProfiles,
		Analyzers:     a.Analyzers,
	}
}
