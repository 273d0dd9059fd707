package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Logger owns the process log writers and the zerolog.Logger built on them
type Logger struct {
	logger   zerolog.Logger
	file     io.Closer
	redactor *Redactor
}

// Config holds logger configuration
type Config struct {
	Level     string // debug, info, warn, error; empty or unknown means info
	File      string // log file path
	Console   bool   // enable console output
	Pretty    bool   // human readable console lines instead of JSON
	Redaction bool   // mask tokens, keys and webhook signatures
	MaxSize   int    // MB before rotation, 0 disables rotation
	MaxAge    int    // days to keep rotated files
	Compress  bool   // gzip rotated files

	// Output is the console destination. Defaults to stderr so command
	// output on stdout stays machine readable.
	Output io.Writer
}

// New builds the logger and installs it as the global zerolog logger
func New(cfg Config) (*Logger, error) {
	sink, file, err := buildSink(cfg)
	if err != nil {
		return nil, err
	}

	l := &Logger{file: file}
	if cfg.Redaction {
		l.redactor = NewRedactor()
		sink = l.redactor.Wrap(sink)
	}

	l.logger = zerolog.New(sink).Level(parseLevel(cfg.Level)).With().Timestamp().Logger()
	log.Logger = l.logger

	return l, nil
}

func parseLevel(s string) zerolog.Level {
	if s == "" {
		return zerolog.InfoLevel
	}
	level, err := zerolog.ParseLevel(s)
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

// buildSink combines the console and file writers. With neither configured
// records go to the console destination anyway, so nothing is lost silently.
func buildSink(cfg Config) (io.Writer, io.Closer, error) {
	console := cfg.Output
	if console == nil {
		console = os.Stderr
	}
	if cfg.Pretty {
		console = zerolog.ConsoleWriter{Out: console, TimeFormat: time.RFC3339}
	}

	if cfg.File == "" {
		return console, nil, nil
	}

	file, err := openFile(cfg)
	if err != nil {
		return nil, nil, err
	}
	if !cfg.Console {
		return file, file, nil
	}
	return zerolog.MultiLevelWriter(console, file), file, nil
}

// openFile opens the log file, rotating it when MaxSize is set
func openFile(cfg Config) (io.WriteCloser, error) {
	if cfg.MaxSize > 0 {
		return NewRotatingWriter(cfg.File, cfg.MaxSize, cfg.MaxAge, cfg.Compress)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.File), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return f, nil
}

// Close closes the log file, if any. Records logged afterwards are dropped
// by the file writer.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}

// Info starts an info record
func (l *Logger) Info() *zerolog.Event {
	return l.logger.Info()
}

// Error starts an error record
func (l *Logger) Error() *zerolog.Event {
	return l.logger.Error()
}

// Component returns a child logger tagged with the component name
func (l *Logger) Component(name string) zerolog.Logger {
	return l.logger.With().Str("component", name).Logger()
}

// GetZerolog returns the underlying zerolog.Logger
func (l *Logger) GetZerolog() zerolog.Logger {
	return l.logger
}
