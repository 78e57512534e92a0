package sink

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/shizukutanaka/groundgate/internal/errors"
)

const header = "ts,temperature_c,humidity_pct,pressure_hpa,mode,sig"

func readLines(t *testing.T, path string) []string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return strings.Split(strings.TrimRight(string(data), "\n"), "\n")
}

func TestHeaderWrittenOnceOnEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "processed", "out.csv")

	s, err := Open("processed", path, header)
	require.NoError(t, err)
	require.NoError(t, s.Append("1,2,ab"))
	require.NoError(t, s.Append("3,4,cd\n"))
	require.NoError(t, s.Close())

	// reopening an existing non-empty file must not add a second header
	s, err = Open("processed", path, header)
	require.NoError(t, err)
	require.NoError(t, s.Append("5,6,ef"))
	assert.Equal(t, int64(1), s.Lines())
	require.NoError(t, s.Close())

	assert.Equal(t, []string{header, "1,2,ab", "3,4,cd", "5,6,ef"}, readLines(t, path))
}

func TestNoHeader(t *testing.T) {
	path := filepath.Join(t.TempDir(), "q.csv")
	s, err := Open("quarantine", path, "")
	require.NoError(t, err)
	require.NoError(t, s.Append("x,reason=lockout_active"))
	require.NoError(t, s.Close())

	assert.Equal(t, []string{"x,reason=lockout_active"}, readLines(t, path))
}

func TestOpenFailureIsIOError(t *testing.T) {
	dir := t.TempDir()
	blocker := filepath.Join(dir, "blocker")
	require.NoError(t, os.WriteFile(blocker, nil, 0644))

	_, err := Open("rejected", filepath.Join(blocker, "rejected.csv"), header)
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeIO))
	assert.True(t, apperrors.IsCode(err, apperrors.CodeSinkUnavailable))
}

func TestAppendAfterClose(t *testing.T) {
	s, err := Open("processed", filepath.Join(t.TempDir(), "p.csv"), header)
	require.NoError(t, err)
	require.NoError(t, s.Close())
	require.NoError(t, s.Close())

	err = s.Append("1,ab")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeIO))
}

func TestConcurrentAppends(t *testing.T) {
	path := filepath.Join(t.TempDir(), "p.csv")
	s, err := Open("processed", path, header)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				assert.NoError(t, s.Append("1700000000,21.50,40.00,1013.25,nominal,abcdef"))
			}
		}()
	}
	wg.Wait()
	require.NoError(t, s.Close())

	lines := readLines(t, path)
	require.Len(t, lines, 401)
	assert.Equal(t, header, lines[0])
	for _, l := range lines[1:] {
		assert.Equal(t, "1700000000,21.50,40.00,1013.25,nominal,abcdef", l)
	}
}

func TestOpenSet(t *testing.T) {
	dir := t.TempDir()
	set, err := OpenSet(
		filepath.Join(dir, "processed", "p.csv"),
		filepath.Join(dir, "rejected", "r.csv"),
		filepath.Join(dir, "quarantine", "q.csv"),
		header,
	)
	require.NoError(t, err)
	assert.Equal(t, "rejected", set.Rejected.Name())
	require.NoError(t, set.Quarantine.Append("a,b"))
	require.NoError(t, set.Close())

	assert.Equal(t, []string{header, "a,b"}, readLines(t, filepath.Join(dir, "quarantine", "q.csv")))
}
