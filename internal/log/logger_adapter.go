package log

import (
	"fmt"
	"io"
	"time"

	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const (
	FormatText    = "text"
	FormatJSON    = "json"
	FormatPattern = "pattern"

	defaultPattern = "%time [%level] %field %msg\n"
	defaultTime    = time.RFC3339
)

// Config selects level, format and outputs of the logger.
type Config struct {
	Level   string     `mapstructure:"level"`
	Format  string     `mapstructure:"format"`
	Pattern string     `mapstructure:"pattern"`
	Time    string     `mapstructure:"time"`
	Caller  bool       `mapstructure:"caller"`
	File    FileConfig `mapstructure:"file"`
}

type logrusAdapter struct {
	entry *logrus.Entry
}

// New builds a logger. Output goes to stderr, the rotating file when
// configured, and extra when non-nil.
func New(cfg Config, extra io.Writer) (Logger, error) {
	l := logrus.New()

	level := logrus.InfoLevel
	if cfg.Level != "" {
		var err error
		if level, err = logrus.ParseLevel(cfg.Level); err != nil {
			return nil, fmt.Errorf("log: %w", err)
		}
	}
	l.SetLevel(level)
	l.SetReportCaller(cfg.Caller)

	switch cfg.Format {
	case "", FormatText:
		l.SetFormatter(textFormatter(cfg))
	case FormatJSON:
		l.SetFormatter(&logrus.JSONFormatter{TimestampFormat: timeLayout(cfg)})
	case FormatPattern:
		pattern := cfg.Pattern
		if pattern == "" {
			pattern = defaultPattern
		}
		l.SetFormatter(&formatter{pattern: pattern, time: timeLayout(cfg)})
	default:
		return nil, fmt.Errorf("log: unknown format %q", cfg.Format)
	}

	l.SetOutput(output(cfg, extra))

	return &logrusAdapter{entry: logrus.NewEntry(l)}, nil
}

func timeLayout(cfg Config) string {
	if cfg.Time != "" {
		return cfg.Time
	}
	return defaultTime
}

func textFormatter(cfg Config) logrus.Formatter {
	return &prefixed.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: timeLayout(cfg),
		ForceFormatting: true,
	}
}

func (l *logrusAdapter) Print(args ...interface{})                 { l.entry.Print(args...) }
func (l *logrusAdapter) Printf(format string, args ...interface{}) { l.entry.Printf(format, args...) }

func (l *logrusAdapter) Trace(args ...interface{})                 { l.entry.Trace(args...) }
func (l *logrusAdapter) Tracef(format string, args ...interface{}) { l.entry.Tracef(format, args...) }

func (l *logrusAdapter) Debug(args ...interface{})                 { l.entry.Debug(args...) }
func (l *logrusAdapter) Debugf(format string, args ...interface{}) { l.entry.Debugf(format, args...) }

func (l *logrusAdapter) Info(args ...interface{})                 { l.entry.Info(args...) }
func (l *logrusAdapter) Infof(format string, args ...interface{}) { l.entry.Infof(format, args...) }

func (l *logrusAdapter) Warn(args ...interface{})                 { l.entry.Warn(args...) }
func (l *logrusAdapter) Warnf(format string, args ...interface{}) { l.entry.Warnf(format, args...) }

func (l *logrusAdapter) Error(args ...interface{})                 { l.entry.Error(args...) }
func (l *logrusAdapter) Errorf(format string, args ...interface{}) { l.entry.Errorf(format, args...) }

func (l *logrusAdapter) Fatal(args ...interface{})                 { l.entry.Fatal(args...) }
func (l *logrusAdapter) Fatalf(format string, args ...interface{}) { l.entry.Fatalf(format, args...) }

func (l *logrusAdapter) Panic(args ...interface{})                 { l.entry.Panic(args...) }
func (l *logrusAdapter) Panicf(format string, args ...interface{}) { l.entry.Panicf(format, args...) }

func (l *logrusAdapter) WithField(field string, value interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithField(field, value)}
}
func (l *logrusAdapter) WithFields(fields map[string]interface{}) Logger {
	return &logrusAdapter{entry: l.entry.WithFields(fields)}
}
func (l *logrusAdapter) WithError(err error) Logger {
	return &logrusAdapter{entry: l.entry.WithError(err)}
}

func (l *logrusAdapter) IsTraceEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.TraceLevel)
}
func (l *logrusAdapter) IsDebugEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.DebugLevel)
}
func (l *logrusAdapter) IsInfoEnabled() bool {
	return l.entry.Logger.IsLevelEnabled(logrus.InfoLevel)
}
