package source

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Follow sends the existing lines of path to out, then keeps sending lines
// appended to it until ctx is done. A file that is replaced (rotated or
// recreated) is reopened from the start; a truncated file is re-read.
// A missing file is waited for.
func Follow(ctx context.Context, path string, logger *zap.Logger, out chan<- string) error {
	if logger == nil {
		logger = zap.NewNop()
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory so creates and renames of the file are seen
	path = filepath.Clean(path)
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch directory %s: %w", dir, err)
	}

	t := &tail{path: path}
	defer t.close()

	if err := t.drain(ctx, out); err != nil {
		return ignoreCancel(err)
	}

	logger.Info("Following source", zap.String("path", path))

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != path {
				continue
			}

			switch {
			case event.Has(fsnotify.Create):
				logger.Debug("Source recreated", zap.String("path", path))
				t.close()
			case event.Has(fsnotify.Remove) || event.Has(fsnotify.Rename):
				logger.Debug("Source moved away", zap.String("path", path))
				if err := t.drain(ctx, out); err != nil {
					return ignoreCancel(err)
				}
				t.close()
				continue
			}

			if err := t.drain(ctx, out); err != nil {
				return ignoreCancel(err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("File watcher error", zap.Error(err))
		}
	}
}

// tail reads a growing file, holding back an unterminated last line
type tail struct {
	path    string
	f       *os.File
	r       *bufio.Reader
	offset  int64
	partial strings.Builder
}

func (t *tail) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to open source: %w", err)
	}
	t.f = f
	t.r = bufio.NewReader(f)
	t.offset = 0
	t.partial.Reset()
	return nil
}

func (t *tail) close() {
	if t.f != nil {
		t.f.Close()
		t.f = nil
	}
}

// drain sends every complete line available after the current offset
func (t *tail) drain(ctx context.Context, out chan<- string) error {
	if t.f == nil {
		if err := t.open(); err != nil {
			return err
		}
		if t.f == nil {
			return nil
		}
	}

	if info, err := t.f.Stat(); err == nil && info.Size() < t.offset {
		if _, err := t.f.Seek(0, io.SeekStart); err != nil {
			return fmt.Errorf("failed to rewind source: %w", err)
		}
		t.r.Reset(t.f)
		t.offset = 0
		t.partial.Reset()
	}

	for {
		chunk, err := t.r.ReadString('\n')
		t.offset += int64(len(chunk))

		if err == io.EOF {
			t.partial.WriteString(chunk)
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read source: %w", err)
		}

		line := t.partial.String() + chunk
		t.partial.Reset()
		if err := send(ctx, out, strings.TrimRight(line, "\r\n")); err != nil {
			return err
		}
	}
}

func ignoreCancel(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return nil
	}
	return err
}
