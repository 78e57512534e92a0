package source

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func collect(ch <-chan string) []string {
	var out []string
	for l := range ch {
		out = append(out, l)
	}
	return out
}

func TestLines(t *testing.T) {
	out := make(chan string, 10)
	err := Lines(context.Background(), strings.NewReader("a,1\r\n\nb,2\nc,3"), out)
	require.NoError(t, err)
	close(out)

	assert.Equal(t, []string{"a,1", "", "b,2", "c,3"}, collect(out))
}

func TestLinesStopsOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	// unbuffered with no reader: only cancellation can unblock
	err := Lines(ctx, strings.NewReader("a\nb\n"), make(chan string))
	assert.NoError(t, err)
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	require.NoError(t, os.WriteFile(path, []byte("ts,a,sig\n1,2,ab\n"), 0644))

	out := make(chan string, 10)
	require.NoError(t, File(context.Background(), path, out))
	close(out)
	assert.Equal(t, []string{"ts,a,sig", "1,2,ab"}, collect(out))

	assert.Error(t, File(context.Background(), filepath.Join(t.TempDir(), "missing.csv"), out))
}

func receive(t *testing.T, ch <-chan string) string {
	t.Helper()
	select {
	case l := <-ch:
		return l
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for line")
		return ""
	}
}

func appendTo(t *testing.T, path, data string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	require.NoError(t, err)
	_, err = f.WriteString(data)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

func TestFollow(t *testing.T) {
	path := filepath.Join(t.TempDir(), "telemetry.csv")
	require.NoError(t, os.WriteFile(path, []byte("1,a\n2,b\n"), 0644))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan string, 16)
	done := make(chan error, 1)
	go func() { done <- Follow(ctx, path, zaptest.NewLogger(t), out) }()

	assert.Equal(t, "1,a", receive(t, out))
	assert.Equal(t, "2,b", receive(t, out))

	appendTo(t, path, "3,c\n")
	assert.Equal(t, "3,c", receive(t, out))

	// an unterminated line is held until its newline arrives
	appendTo(t, path, "4,")
	appendTo(t, path, "d\n")
	assert.Equal(t, "4,d", receive(t, out))

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Follow did not stop")
	}
}

func TestFollowWaitsForFileAndHandlesReplacement(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "telemetry.csv")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	out := make(chan string, 16)
	go Follow(ctx, path, nil, out)

	// give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)
	appendTo(t, path, "1,a\n")
	assert.Equal(t, "1,a", receive(t, out))

	tmp := filepath.Join(dir, "next.csv")
	require.NoError(t, os.WriteFile(tmp, []byte("9,z\n"), 0644))
	require.NoError(t, os.Rename(tmp, path))
	assert.Equal(t, "9,z", receive(t, out))
}
