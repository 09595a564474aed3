package log

import (
	"io"
	"os"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileConfig configures the rotating log file. An empty Filename disables it.
type FileConfig struct {
	Filename   string `mapstructure:"filename"`
	MaxSize    int    `mapstructure:"max_size"`    // megabytes
	MaxBackups int    `mapstructure:"max_backups"` // number of backups
	MaxAge     int    `mapstructure:"max_age"`     // days
	Compress   bool   `mapstructure:"compress"`
}

// output fans log lines out to extra (stderr when nil) and the rotating
// file when one is configured.
func output(cfg Config, extra io.Writer) io.Writer {
	if extra == nil {
		extra = os.Stderr
	}
	if cfg.File.Filename == "" {
		return extra
	}
	return io.MultiWriter(extra, &lumberjack.Logger{
		Filename:   cfg.File.Filename,
		MaxSize:    cfg.File.MaxSize,
		MaxBackups: cfg.File.MaxBackups,
		MaxAge:     cfg.File.MaxAge,
		Compress:   cfg.File.Compress,
	})
}
