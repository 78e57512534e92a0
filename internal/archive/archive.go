// Package archive writes compressed point-in-time copies of the record sinks.
package archive

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
)

// timeLayout is the UTC stamp in snapshot names
const timeLayout = "20060102T150405Z"

// ErrEmptySource is returned when there is nothing to snapshot
var ErrEmptySource = errors.New("source is missing or empty")

// Snapshot is one archived file
type Snapshot struct {
	Path      string    `json:"path" yaml:"path"`
	Source    string    `json:"source" yaml:"source"`
	Size      int64     `json:"size" yaml:"size"`
	Original  int64     `json:"original" yaml:"original"`
	CreatedAt time.Time `json:"created_at" yaml:"created_at"`
}

// Name returns the snapshot file name for src taken at now
func Name(src string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	return fmt.Sprintf("%s-%s.csv.gz", base, now.UTC().Format(timeLayout))
}

// Create compresses src into dir. The source is left untouched.
func Create(src, dir string, now time.Time) (Snapshot, error) {
	snap := Snapshot{Source: src, CreatedAt: now.UTC()}

	in, err := os.Open(src)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return snap, fmt.Errorf("%s: %w", src, ErrEmptySource)
		}
		return snap, fmt.Errorf("failed to open %s: %w", src, err)
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return snap, fmt.Errorf("failed to stat %s: %w", src, err)
	}
	if info.Size() == 0 {
		return snap, fmt.Errorf("%s: %w", src, ErrEmptySource)
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return snap, fmt.Errorf("failed to create archive directory: %w", err)
	}

	snap.Path = filepath.Join(dir, Name(src, now))
	tmp, err := os.CreateTemp(dir, ".snapshot-*")
	if err != nil {
		return snap, fmt.Errorf("failed to create snapshot: %w", err)
	}
	defer os.Remove(tmp.Name())

	zw, err := gzip.NewWriterLevel(tmp, gzip.BestCompression)
	if err != nil {
		tmp.Close()
		return snap, err
	}
	zw.Name = filepath.Base(src)
	zw.ModTime = info.ModTime()

	n, err := io.Copy(zw, in)
	if err == nil {
		err = zw.Close()
	}
	if err == nil {
		err = tmp.Sync()
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return snap, fmt.Errorf("failed to write snapshot: %w", err)
	}

	if err := os.Rename(tmp.Name(), snap.Path); err != nil {
		return snap, fmt.Errorf("failed to finalize snapshot: %w", err)
	}

	out, err := os.Stat(snap.Path)
	if err != nil {
		return snap, err
	}
	snap.Size = out.Size()
	snap.Original = n
	return snap, nil
}

// List returns the snapshots in dir, oldest first
func List(dir string) ([]Snapshot, error) {
	matches, err := filepath.Glob(filepath.Join(dir, "*.csv.gz"))
	if err != nil {
		return nil, err
	}

	var out []Snapshot
	for _, path := range matches {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		out = append(out, Snapshot{
			Path:      path,
			Size:      info.Size(),
			CreatedAt: info.ModTime().UTC(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Open returns a reader over the decompressed snapshot
func Open(path string) (io.ReadCloser, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	zr, err := gzip.NewReader(f)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("invalid snapshot %s: %w", path, err)
	}
	return &readCloser{Reader: zr, closers: []io.Closer{zr, f}}, nil
}

type readCloser struct {
	io.Reader
	closers []io.Closer
}

func (r *readCloser) Close() error {
	var first error
	for _, c := range r.closers {
		if err := c.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
