package dlog

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Uploader ships an archived log directory somewhere durable.
type Uploader interface {
	UploadDir(ctx context.Context, dir, prefix string) error
}

type Archiver struct {
	dir      string
	uploader Uploader
	now      func() time.Time
	logger   *slog.Logger

	mu    sync.Mutex
	files []*BufferedFile
}

func NewArchiver(dir string, uploader Uploader) *Archiver {
	return &Archiver{
		dir:      dir,
		uploader: uploader,
		now:      time.Now,
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

func (a *Archiver) track(bf *BufferedFile) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.files = append(a.files, bf)
}

// Process copies every live log file into a directory named after yesterday
// and truncates it. Writes arriving meanwhile go to the buffered files and
// are moved back afterwards. It returns the archive directory.
func (a *Archiver) Process() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.logger.Info("Started archiving logs")
	for _, bf := range a.files {
		bf.hold()
	}
	defer func() {
		for _, bf := range a.files {
			if err := bf.release(); err != nil {
				a.logger.Error("Failed to restore buffered log", "file", bf.File.Name(), "err", err)
			}
		}
	}()

	yesterday := a.now().AddDate(0, 0, -1).Format("2006-01-02")
	archiveDir := filepath.Join(a.dir, yesterday)
	tmp := archiveDir
	counter := 1
	err := os.Mkdir(archiveDir, 0755)
	for os.IsExist(err) {
		archiveDir = tmp + "-" + strconv.Itoa(counter)
		counter++
		err = os.Mkdir(archiveDir, 0755)
	}
	if err != nil {
		return "", errors.Wrap(err, "failed to create archive directory")
	}

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return "", errors.Wrap(err, "failed to read log directory")
	}
	for _, entry := range entries {
		if !entry.Type().IsRegular() {
			continue
		}
		src := filepath.Join(a.dir, entry.Name())
		written, err := copyFile(filepath.Join(archiveDir, entry.Name()), src)
		if err != nil {
			return archiveDir, err
		}
		if err := os.Truncate(src, 0); err != nil {
			return archiveDir, errors.Wrapf(err, "failed to truncate %s", src)
		}
		a.logger.Debug("Copied log", "fileName", entry.Name(), "written", written)
	}

	if a.uploader != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
		defer cancel()
		if err := a.uploader.UploadDir(ctx, archiveDir, "logs/"+filepath.Base(archiveDir)); err != nil {
			return archiveDir, errors.Wrap(err, "failed to upload archived logs")
		}
	}
	return archiveDir, nil
}

func copyFile(dst, src string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", src)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return 0, errors.Wrapf(err, "failed to open %s", dst)
	}
	defer out.Close()
	written, err := io.Copy(out, in)
	if err != nil {
		return written, errors.Wrapf(err, "failed to copy %s", src)
	}
	return written, nil
}

// BufferedFile writes to File, or to BufferFile while its directory is being
// archived.
type BufferedFile struct {
	File       *os.File
	BufferFile *os.File

	mu       sync.Mutex
	holding  bool
	buffered bool
}

func (b *BufferedFile) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.holding {
		b.buffered = true
		return b.BufferFile.Write(p)
	}
	return b.File.Write(p)
}

func (b *BufferedFile) hold() {
	b.mu.Lock()
	b.holding = true
	b.mu.Unlock()
}

func (b *BufferedFile) release() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.holding = false
	if !b.buffered {
		return nil
	}
	b.buffered = false
	if _, err := b.BufferFile.Seek(0, io.SeekStart); err != nil {
		return err
	}
	if _, err := io.Copy(b.File, b.BufferFile); err != nil {
		return err
	}
	if err := b.BufferFile.Truncate(0); err != nil {
		return err
	}
	_, err := b.BufferFile.Seek(0, io.SeekStart)
	return err
}
