// Package source feeds raw telemetry lines into the pipeline.
package source

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
)

// maxLineSize bounds a single telemetry line
const maxLineSize = 1 << 20

// Lines sends every line of r to out until EOF or ctx is done. Line endings
// are stripped; blank lines are forwarded so the caller decides what to skip.
func Lines(ctx context.Context, r io.Reader, out chan<- string) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLineSize)

	for scanner.Scan() {
		if err := send(ctx, out, strings.TrimRight(scanner.Text(), "\r")); err != nil {
			return nil
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("failed to read source: %w", err)
	}
	return nil
}

// File sends every line of the file at path to out
func File(ctx context.Context, path string, out chan<- string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open source: %w", err)
	}
	defer f.Close()
	return Lines(ctx, f, out)
}

func send(ctx context.Context, out chan<- string, line string) error {
	select {
	case out <- line:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
