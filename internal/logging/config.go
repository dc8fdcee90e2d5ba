package logging

import (
	"fmt"
	"io"
	"os"
	"strings"
)

// Config selects the level, encoding and destination of a Logger.
type Config struct {
	// Level is one of DEBUG, INFO, WARN (or WARNING), ERROR, FATAL.
	// Unrecognised values fall back to INFO.
	Level string
	// Format is json or text.
	Format string
	// Output is stdout, stderr or a file path opened for appending.
	Output string
}

func DefaultConfig() *Config {
	return &Config{Level: string(InfoLevel), Format: string(FormatJSON), Output: "stderr"}
}

// NewLogger builds a Logger from cfg. A nil cfg uses DefaultConfig.
func NewLogger(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	format, err := parseFormat(cfg.Format)
	if err != nil {
		return nil, err
	}
	out, err := getOutput(cfg.Output)
	if err != nil {
		return nil, fmt.Errorf("open log output %q: %w", cfg.Output, err)
	}
	return New(parseLevel(cfg.Level), out).WithFormat(format), nil
}

func parseLevel(level string) LogLevel {
	l := LogLevel(strings.ToUpper(strings.TrimSpace(level)))
	if l == "WARNING" {
		return WarnLevel
	}
	if _, ok := levelRank[l]; ok {
		return l
	}
	return InfoLevel
}

func parseFormat(format string) (Format, error) {
	switch f := Format(strings.ToLower(format)); f {
	case "":
		return FormatJSON, nil
	case FormatJSON, FormatText:
		return f, nil
	}
	return "", fmt.Errorf("unknown log format %q", format)
}

func getOutput(output string) (io.Writer, error) {
	switch output {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	}
	f, err := os.OpenFile(output, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, err
	}
	return f, nil
}
