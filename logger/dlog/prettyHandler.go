package dlog

import (
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/context"
)

type color int

const (
	timeFormat = "[2006-01-02 15:04:05.000]"

	reset = "\033[0m"

	green        color = 32
	cyan         color = 36
	lightGray    color = 37
	darkGray     color = 90
	lightRed     color = 91
	lightYellow  color = 93
	lightMagenta color = 95
	white        color = 97
)

func colorizer(colorCode color, v string) string {
	return "\033[" + strconv.Itoa(int(colorCode)) + "m" + v + reset
}

// DualWriter sends console output to Stdout and keeps a copy in File.
type DualWriter struct {
	Stdout io.Writer
	File   io.Writer
}

func (t DualWriter) Write(p []byte) (int, error) {
	if n, err := t.Stdout.Write(p); err != nil {
		return n, err
	}
	return t.File.Write(p)
}

// Handler renders one line per record: time, level, [component], source,
// message and then key=value attributes. Debug records only reach the file.
type Handler struct {
	level  slog.Leveler
	source bool
	color  bool
	writer DualWriter
	mu     *sync.Mutex

	component string
	attrs     []slog.Attr
	prefix    string
}

func NewHandler(writer DualWriter, opts *slog.HandlerOptions) *Handler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	level := opts.Level
	if level == nil {
		level = slog.LevelInfo
	}
	return &Handler{
		level:  level,
		source: opts.AddSource,
		color:  true,
		writer: writer,
		mu:     &sync.Mutex{},
	}
}

func (h *Handler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level.Level()
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clone := *h
	clone.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, attr := range attrs {
		if h.prefix == "" && attr.Key == "component" {
			clone.component = attr.Value.String()
			continue
		}
		clone.attrs = append(clone.attrs, slog.Attr{Key: h.prefix + attr.Key, Value: attr.Value})
	}
	return &clone
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	clone := *h
	clone.prefix = h.prefix + name + "."
	return &clone
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	paint := func(_ color, v string) string { return v }
	if h.color {
		paint = colorizer
	}

	out := strings.Builder{}
	if !r.Time.IsZero() {
		out.WriteString(paint(lightGray, r.Time.Format(timeFormat)))
		out.WriteByte(' ')
	}
	out.WriteString(paint(levelColor(r.Level), fmt.Sprintf("%-6s", r.Level.String()+":")))
	out.WriteByte(' ')

	component := h.component
	attrs := append([]slog.Attr(nil), h.attrs...)
	r.Attrs(func(attr slog.Attr) bool {
		if h.prefix == "" && attr.Key == "component" {
			component = attr.Value.String()
			return true
		}
		attrs = append(attrs, slog.Attr{Key: h.prefix + attr.Key, Value: attr.Value})
		return true
	})
	if component != "" {
		out.WriteString(paint(lightMagenta, "["+component+"]"))
		out.WriteByte(' ')
	}
	if h.source && r.PC != 0 {
		frame, _ := runtime.CallersFrames([]uintptr{r.PC}).Next()
		out.WriteString(paint(darkGray, filepath.Base(frame.File)+":"+strconv.Itoa(frame.Line)))
		out.WriteByte(' ')
	}
	out.WriteString(paint(white, r.Message))
	for _, attr := range attrs {
		writeAttr(&out, paint, "", attr)
	}
	out.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()
	if r.Level <= slog.LevelDebug {
		_, err := io.WriteString(h.writer.File, out.String())
		return err
	}
	_, err := io.WriteString(h.writer, out.String())
	return err
}

func writeAttr(out *strings.Builder, paint func(color, string) string, prefix string, attr slog.Attr) {
	value := attr.Value.Resolve()
	if attr.Equal(slog.Attr{}) {
		return
	}
	if value.Kind() == slog.KindGroup {
		for _, nested := range value.Group() {
			writeAttr(out, paint, prefix+attr.Key+".", nested)
		}
		return
	}
	out.WriteByte(' ')
	out.WriteString(paint(green, prefix+attr.Key+"="))
	out.WriteString(formatValue(value))
}

func formatValue(value slog.Value) string {
	var s string
	switch value.Kind() {
	case slog.KindString:
		s = value.String()
	case slog.KindDuration:
		return value.Duration().Round(time.Millisecond).String()
	case slog.KindTime:
		return value.Time().Format(time.RFC3339)
	case slog.KindAny:
		if err, ok := value.Any().(error); ok {
			s = err.Error()
		} else {
			s = fmt.Sprint(value.Any())
		}
	default:
		return value.String()
	}
	if s == "" || strings.ContainsAny(s, " \t\n\"=") {
		return strconv.Quote(s)
	}
	return s
}

func levelColor(level slog.Level) color {
	switch {
	case level <= slog.LevelDebug:
		return lightGray
	case level < slog.LevelWarn:
		return cyan
	case level < slog.LevelError:
		return lightYellow
	case level <= slog.LevelError:
		return lightRed
	}
	return lightMagenta
}
