package dlog

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/robfig/cron/v3"
	slogmulti "github.com/samber/slog-multi"
)

// Log is the process logger. It is replaced by Setup.
var Log = slog.Default()

type Options struct {
	Dir         string
	Level       slog.Level
	ArchiveCron string
	Stdout      io.Writer
	Uploader    Uploader
}

// Logger owns the log files and the archive schedule.
type Logger struct {
	*slog.Logger
	Archiver *Archiver
	cron     *cron.Cron
	files    []*os.File
}

// Setup opens the log files under opts.Dir, fans records out to a pretty
// console handler and text and JSON file handlers, and schedules archiving.
func Setup(opts Options) (*Logger, error) {
	if opts.Dir == "" {
		opts.Dir = "logs"
	}
	if opts.Stdout == nil {
		opts.Stdout = os.Stdout
	}
	if err := os.MkdirAll(filepath.Join(opts.Dir, "buffered"), os.ModePerm); err != nil {
		return nil, errors.Wrap(err, "failed to create log directory")
	}

	l := &Logger{}
	l.Archiver = NewArchiver(opts.Dir, opts.Uploader)
	handlerOpts := &slog.HandlerOptions{
		AddSource: true,
		Level:     opts.Level,
	}

	pretty, err := l.open(opts.Dir, "pretty.log")
	if err != nil {
		return nil, err
	}
	text, err := l.open(opts.Dir, "default.txt")
	if err != nil {
		return nil, err
	}
	json, err := l.open(opts.Dir, "default.json")
	if err != nil {
		return nil, err
	}

	l.Logger = slog.New(slogmulti.Fanout(
		NewHandler(DualWriter{Stdout: opts.Stdout, File: pretty}, handlerOpts),
		slog.NewTextHandler(text, handlerOpts),
		slog.NewJSONHandler(json, handlerOpts),
	))
	l.Archiver.logger = l.Logger

	if opts.ArchiveCron != "" {
		l.cron = cron.New()
		entryID, err := l.cron.AddFunc(opts.ArchiveCron, func() {
			if _, err := l.Archiver.Process(); err != nil {
				l.Error("Failed to archive logs", "err", err)
			}
		})
		if err != nil {
			l.Close()
			return nil, errors.Wrapf(err, "invalid archive schedule %q", opts.ArchiveCron)
		}
		l.cron.Start()
		l.Debug("Created cron", "entryID", entryID, "schedule", opts.ArchiveCron)
	}

	Log = l.Logger
	slog.SetDefault(l.Logger)
	return l, nil
}

func (l *Logger) open(dir, name string) (*BufferedFile, error) {
	file, err := os.OpenFile(filepath.Join(dir, name), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open %s", name)
	}
	l.files = append(l.files, file)
	buffer, err := os.OpenFile(filepath.Join(dir, "buffered", name), os.O_RDWR|os.O_CREATE, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to open buffered %s", name)
	}
	l.files = append(l.files, buffer)
	bf := &BufferedFile{File: file, BufferFile: buffer, buffered: true}
	if err := bf.release(); err != nil {
		return nil, errors.Wrapf(err, "failed to restore buffered %s", name)
	}
	l.Archiver.track(bf)
	return bf, nil
}

// Close stops the archive schedule and closes the log files.
func (l *Logger) Close() error {
	if l.cron != nil {
		<-l.cron.Stop().Done()
	}
	var first error
	for _, f := range l.files {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func ParseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

func Info(msg string, args ...any) {
	Log.Info(msg, args...)
}
func Error(msg string, args ...any) {
	Log.Error(msg, args...)
}
func Warn(msg string, args ...any) {
	Log.Warn(msg, args...)
}
func Debug(msg string, args ...any) {
	Log.Debug(msg, args...)
}
