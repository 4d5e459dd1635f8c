package dlog

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func read(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestSetup(t *testing.T) {
	previous := slog.Default()
	t.Cleanup(func() {
		slog.SetDefault(previous)
		Log = previous
	})

	dir := t.TempDir()
	stdout := &bytes.Buffer{}
	l, err := Setup(Options{Dir: dir, Level: slog.LevelDebug, Stdout: stdout})
	require.NoError(t, err)
	defer l.Close()

	Info("Bot is up!", "guilds", 2)
	Debug("Only in files")

	assert.Contains(t, stdout.String(), "Bot is up!")
	assert.NotContains(t, stdout.String(), "Only in files")
	assert.Contains(t, read(t, filepath.Join(dir, "pretty.log")), "Only in files")
	assert.Contains(t, read(t, filepath.Join(dir, "default.txt")), `msg="Bot is up!"`)
	assert.Contains(t, read(t, filepath.Join(dir, "default.json")), `"guilds":2`)
}

func TestSetupRejectsBadSchedule(t *testing.T) {
	_, err := Setup(Options{Dir: t.TempDir(), Stdout: &bytes.Buffer{}, ArchiveCron: "whenever"})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warn"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

type recordingUploader struct {
	dir    string
	prefix string
}

func (u *recordingUploader) UploadDir(ctx context.Context, dir, prefix string) error {
	u.dir, u.prefix = dir, prefix
	return nil
}

func TestArchiver(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "buffered"), os.ModePerm))
	uploader := &recordingUploader{}
	a := NewArchiver(dir, uploader)
	a.now = func() time.Time { return time.Date(2024, 5, 2, 0, 0, 0, 0, time.UTC) }

	file, err := os.OpenFile(filepath.Join(dir, "default.txt"), os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	require.NoError(t, err)
	defer file.Close()
	buffer, err := os.OpenFile(filepath.Join(dir, "buffered", "default.txt"), os.O_RDWR|os.O_CREATE, 0600)
	require.NoError(t, err)
	defer buffer.Close()
	bf := &BufferedFile{File: file, BufferFile: buffer}
	a.track(bf)

	_, err = bf.Write([]byte("before\n"))
	require.NoError(t, err)

	archived, err := a.Process()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "2024-05-01"), archived)
	assert.Equal(t, "before\n", read(t, filepath.Join(archived, "default.txt")))
	assert.Empty(t, read(t, filepath.Join(dir, "default.txt")))
	assert.Equal(t, archived, uploader.dir)
	assert.Equal(t, "logs/2024-05-01", uploader.prefix)

	t.Run("writes during archiving are kept", func(t *testing.T) {
		bf.hold()
		_, err := bf.Write([]byte("during\n"))
		require.NoError(t, err)
		assert.Empty(t, read(t, filepath.Join(dir, "default.txt")))
		require.NoError(t, bf.release())
		_, err = bf.Write([]byte("after\n"))
		require.NoError(t, err)
		assert.Equal(t, "during\nafter\n", read(t, filepath.Join(dir, "default.txt")))
		assert.Empty(t, read(t, filepath.Join(dir, "buffered", "default.txt")))
	})

	t.Run("second archive on the same day gets a suffix", func(t *testing.T) {
		archived, err := a.Process()
		require.NoError(t, err)
		assert.True(t, strings.HasSuffix(archived, "2024-05-01-1"))
	})
}

func TestHandler(t *testing.T) {
	stdout, file := &bytes.Buffer{}, &bytes.Buffer{}
	h := NewHandler(DualWriter{Stdout: stdout, File: file}, &slog.HandlerOptions{Level: slog.LevelDebug})
	h.color = false
	logger := slog.New(h).With("component", "dispatcher")

	logger.Warn("Command timed out", "channel", "c1", "took", 1500*time.Millisecond, "err", errors.New("deadline exceeded"))
	line := stdout.String()
	assert.Contains(t, line, "WARN:")
	assert.Contains(t, line, "[dispatcher] Command timed out")
	assert.Contains(t, line, "channel=c1")
	assert.Contains(t, line, "took=1.5s")
	assert.Contains(t, line, `err="deadline exceeded"`)
	assert.Equal(t, line, file.String())

	stdout.Reset()
	logger.WithGroup("request").Debug("Routed", "path", "/guilds")
	assert.Empty(t, stdout.String())
	assert.Contains(t, file.String(), "request.path=/guilds")

	assert.False(t, NewHandler(DualWriter{Stdout: stdout, File: file}, nil).Enabled(context.Background(), slog.LevelDebug))
}
