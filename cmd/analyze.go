package cmd

import (
	"context"
	"io"
	"net/netip"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"firestige.xyz/tracelens/internal/burst"
	"firestige.xyz/tracelens/internal/config"
	"firestige.xyz/tracelens/internal/core"
	"firestige.xyz/tracelens/internal/log"
	"firestige.xyz/tracelens/internal/pipeline"
	"firestige.xyz/tracelens/internal/sink"
	_ "firestige.xyz/tracelens/internal/sink/console"
	_ "firestige.xyz/tracelens/internal/sink/file"
	"firestige.xyz/tracelens/internal/tlsx"
)

var analyzeOpts struct {
	keylog     string
	profiles   []string
	userEvents string
	filter     string
	workers    int
	device     string
	traceEnd   string
	output     string
	format     string
}

var analyzeCmd = &cobra.Command{
	Use:   "analyze <trace>",
	Short: "Analyze a pcap or pcapng trace",
	Long: `Analyze a capture: decode frames, rebuild TCP sessions and HTTP exchanges,
decrypt TLS when key material is available, simulate radio energy for each
profile and classify bursts. A partial status means some data could not be
reconstructed; the anomalies section of the report says why.

Flags override the corresponding configuration values.

Examples:
  tracelens analyze capture.pcap
  tracelens analyze -c tracelens.yml --keylog keys.log --profile LTE capture.pcapng
  tracelens analyze --format yaml --output report.yml capture.pcap`,
	Args: cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		runAnalyzeCommand(cmd, args[0])
	},
}

func init() {
	f := analyzeCmd.Flags()
	f.StringVar(&analyzeOpts.keylog, "keylog", "", "NSS key log file for TLS decryption")
	f.StringArrayVarP(&analyzeOpts.profiles, "profile", "p", nil, "radio profile to simulate (repeatable)")
	f.StringVar(&analyzeOpts.userEvents, "user-events", "", "file of user input timestamps")
	f.StringVar(&analyzeOpts.filter, "filter", "", "frame filter expression, e.g. \"host 10.0.0.2\"")
	f.IntVarP(&analyzeOpts.workers, "workers", "w", 0, "worker pool size (0 = GOMAXPROCS)")
	f.StringVar(&analyzeOpts.device, "device", "", "device address (inferred from handshakes when empty)")
	f.StringVar(&analyzeOpts.traceEnd, "trace-end", "", "extend the trace window to this RFC 3339 time")
	f.StringVarP(&analyzeOpts.output, "output", "o", "", "report file (stdout when empty)")
	f.StringVarP(&analyzeOpts.format, "format", "f", "", "report format: console, yaml or json")
}

func runAnalyzeCommand(cmd *cobra.Command, trace string) {
	cfg, err := loadAnalyzeConfig(cmd)
	if err != nil {
		exitWithError("invalid configuration", err)
	}
	if err := log.Init(cfg.Log); err != nil {
		exitWithError("failed to initialize logging", err)
	}
	logger := log.GetLogger().WithField("prefix", "analyze")

	var keys *tlsx.KeyLog
	if cfg.TLS.KeyLogFile != "" {
		if keys, err = tlsx.LoadKeyLog(cfg.TLS.KeyLogFile); err != nil {
			exitWithError("failed to load key log", err)
		}
		logger.WithFields(map[string]interface{}{"file": cfg.TLS.KeyLogFile, "secrets": keys.Len()}).Info("key log loaded")
	}
	var events []time.Time
	if cfg.UserEvents != "" {
		if events, err = burst.LoadUserEvents(cfg.UserEvents); err != nil {
			exitWithError("failed to load user events", err)
		}
	}

	p, err := pipeline.New(cfg.Pipeline())
	if err != nil {
		exitWithError("failed to create pipeline", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	m, err := p.Run(ctx, pipeline.Input{TracePath: trace, KeyLog: keys, UserEvents: events})
	if err != nil {
		exitWithError("analysis failed", err)
	}
	if m.Status == core.StatusPartial {
		logger.WithField("anomalies", len(m.Anomalies)).Warn("analysis finished with partial results")
	}

	var w io.Writer = os.Stdout
	if cfg.Output.Path != "" {
		f, err := os.Create(cfg.Output.Path)
		if err != nil {
			exitWithError("failed to create report", err)
		}
		defer f.Close()
		w = f
	}
	s, err := sink.New(cfg.Output.Format, w)
	if err != nil {
		exitWithError("failed to create report writer", err)
	}
	if err := s.Write(m); err != nil {
		exitWithError("failed to write report", err)
	}

	if cfg.Metrics.Enabled {
		if err := m.Metrics.WriteToTextfile(cfg.Metrics.Textfile); err != nil {
			exitWithError("failed to write metrics", err)
		}
	}
}

// loadAnalyzeConfig loads the configuration and applies the flags that were
// set on the command line.
func loadAnalyzeConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("keylog") {
		cfg.TLS.KeyLogFile = analyzeOpts.keylog
	}
	if flags.Changed("user-events") {
		cfg.UserEvents = analyzeOpts.userEvents
	}
	if flags.Changed("filter") {
		cfg.Analysis.Filter = analyzeOpts.filter
	}
	if flags.Changed("workers") {
		cfg.Analysis.Workers = analyzeOpts.workers
	}
	if flags.Changed("device") {
		cfg.Analysis.DeviceAddress = analyzeOpts.device
		cfg.DeviceAddress = netip.Addr{}
	}
	if flags.Changed("trace-end") {
		cfg.Analysis.TraceEnd = analyzeOpts.traceEnd
		cfg.TraceEnd = time.Time{}
	}
	if flags.Changed("output") {
		cfg.Output.Path = analyzeOpts.output
	}
	if flags.Changed("format") {
		cfg.Output.Format = analyzeOpts.format
	}
	if err := cfg.ValidateAndApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.SelectProfiles(analyzeOpts.profiles); err != nil {
		return nil, err
	}
	return cfg, nil
}
