// Package sink provides the append-only record files the pipeline routes into.
package sink

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
)

// Writer accepts routed records
type Writer interface {
	Append(line string) error
}

// File is an append-only line file. A header row is written on the first
// append when the file is empty. File is safe for concurrent use.
type File struct {
	name   string
	path   string
	header string

	mu     sync.Mutex
	f      *os.File
	size   int64
	lines  int64
	closed bool
}

// Open opens (or creates) path for appending. An empty header disables the
// header row.
func Open(name, path, header string) (*File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, apperrors.IOFailure(apperrors.CodeSinkUnavailable,
			fmt.Sprintf("cannot create directory for %s sink", name), err)
	}

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, apperrors.IOFailure(apperrors.CodeSinkUnavailable,
			fmt.Sprintf("cannot open %s sink", name), err)
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, apperrors.IOFailure(apperrors.CodeSinkUnavailable,
			fmt.Sprintf("cannot stat %s sink", name), err)
	}

	return &File{
		name:   name,
		path:   path,
		header: strings.TrimRight(header, "\r\n"),
		f:      f,
		size:   info.Size(),
	}, nil
}

// Name returns the sink name (processed, rejected, quarantine)
func (s *File) Name() string { return s.name }

// Path returns the file path
func (s *File) Path() string { return s.path }

// Append writes line followed by a newline
func (s *File) Append(line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return apperrors.IOFailure(apperrors.CodeSinkUnavailable,
			fmt.Sprintf("%s sink closed", s.name), nil)
	}

	var b strings.Builder
	if s.size == 0 && s.header != "" {
		b.WriteString(s.header)
		b.WriteByte('\n')
	}
	b.WriteString(strings.TrimRight(line, "\r\n"))
	b.WriteByte('\n')

	n, err := s.f.WriteString(b.String())
	s.size += int64(n)
	if err != nil {
		return apperrors.IOFailure(apperrors.CodeSinkUnavailable,
			fmt.Sprintf("cannot write %s sink", s.name), err)
	}
	s.lines++
	return nil
}

// Lines returns the number of records appended since Open
func (s *File) Lines() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lines
}

// Close flushes and closes the file. Safe to call more than once.
func (s *File) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true

	if err := s.f.Sync(); err != nil {
		s.f.Close()
		return fmt.Errorf("failed to flush %s sink: %w", s.name, err)
	}
	return s.f.Close()
}

// Set groups the three terminal sinks
type Set struct {
	Processed  *File
	Rejected   *File
	Quarantine *File
}

// OpenSet opens all three sinks with the same header
func OpenSet(processed, rejected, quarantine, header string) (*Set, error) {
	set := &Set{}
	var err error

	if set.Processed, err = Open("processed", processed, header); err != nil {
		return nil, err
	}
	if set.Rejected, err = Open("rejected", rejected, header); err != nil {
		set.Close()
		return nil, err
	}
	if set.Quarantine, err = Open("quarantine", quarantine, header); err != nil {
		set.Close()
		return nil, err
	}
	return set, nil
}

// Close closes every open sink and returns the first error
func (s *Set) Close() error {
	var first error
	for _, f := range []*File{s.Processed, s.Rejected, s.Quarantine} {
		if f == nil {
			continue
		}
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
