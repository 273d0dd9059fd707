package logger

import (
	"compress/gzip"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newSmallWriter returns a writer that rotates after limit bytes
func newSmallWriter(t *testing.T, limit int64, compress bool) (*RotatingWriter, string) {
	t.Helper()
	logFile := filepath.Join(t.TempDir(), "agentrelay.log")
	rw, err := NewRotatingWriter(logFile, 1, 7, compress)
	require.NoError(t, err)
	rw.limit = limit
	return rw, logFile
}

func TestNewRotatingWriter(t *testing.T) {
	t.Run("should create the file and its directory", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "logs", "agentrelay.log")

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		_, err = os.Stat(logFile)
		assert.NoError(t, err)
	})

	t.Run("should reject a non-positive size", func(t *testing.T) {
		_, err := NewRotatingWriter(filepath.Join(t.TempDir(), "x.log"), 0, 7, false)
		assert.Error(t, err)
	})

	t.Run("should continue the size of an existing file", func(t *testing.T) {
		logFile := filepath.Join(t.TempDir(), "agentrelay.log")
		require.NoError(t, os.WriteFile(logFile, []byte("previous run\n"), 0644))

		rw, err := NewRotatingWriter(logFile, 10, 7, false)
		require.NoError(t, err)
		defer rw.Close()

		assert.Equal(t, int64(len("previous run\n")), rw.written)
	})
}

func TestRotatingWriterRotation(t *testing.T) {
	t.Run("should rotate when a write crosses the limit", func(t *testing.T) {
		rw, logFile := newSmallWriter(t, 32, false)

		_, err := rw.Write([]byte(strings.Repeat("a", 20) + "\n"))
		require.NoError(t, err)
		_, err = rw.Write([]byte(strings.Repeat("b", 20) + "\n"))
		require.NoError(t, err)
		require.NoError(t, rw.Close())

		rotated, err := filepath.Glob(logFile + ".*")
		require.NoError(t, err)
		require.Len(t, rotated, 1)

		old, err := os.ReadFile(rotated[0])
		require.NoError(t, err)
		assert.Contains(t, string(old), "aaaa")

		current, err := os.ReadFile(logFile)
		require.NoError(t, err)
		assert.Equal(t, strings.Repeat("b", 20)+"\n", string(current))
	})

	t.Run("should write an oversized record whole", func(t *testing.T) {
		rw, logFile := newSmallWriter(t, 8, false)

		n, err := rw.Write([]byte(strings.Repeat("x", 64)))
		require.NoError(t, err)
		assert.Equal(t, 64, n)
		require.NoError(t, rw.Close())

		rotated, _ := filepath.Glob(logFile + ".*")
		assert.Empty(t, rotated, "an empty file is never rotated")
	})

	t.Run("should gzip rotated files", func(t *testing.T) {
		rw, logFile := newSmallWriter(t, 1<<20, true)

		_, err := rw.Write([]byte("before rotation\n"))
		require.NoError(t, err)
		require.NoError(t, rw.Rotate())
		require.NoError(t, rw.Close())

		archives, err := filepath.Glob(logFile + ".*.gz")
		require.NoError(t, err)
		require.Len(t, archives, 1)

		f, err := os.Open(archives[0])
		require.NoError(t, err)
		defer f.Close()
		zr, err := gzip.NewReader(f)
		require.NoError(t, err)
		data, err := io.ReadAll(zr)
		require.NoError(t, err)
		assert.Equal(t, "before rotation\n", string(data))

		plain := strings.TrimSuffix(archives[0], ".gz")
		_, err = os.Stat(plain)
		assert.True(t, os.IsNotExist(err))
	})
}

func TestRotatingWriterClose(t *testing.T) {
	rw, _ := newSmallWriter(t, 1<<20, false)

	require.NoError(t, rw.Close())
	assert.NoError(t, rw.Close(), "closing twice is harmless")

	_, err := rw.Write([]byte("late"))
	assert.ErrorIs(t, err, os.ErrClosed)
	assert.ErrorIs(t, rw.Rotate(), os.ErrClosed)
}

func TestRotatingWriterPrune(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "agentrelay.log")

	stale := logFile + ".20200101-120000.000"
	fresh := logFile + ".20991231-120000.000"
	for _, f := range []string{stale, fresh} {
		require.NoError(t, os.WriteFile(f, []byte("old log"), 0644))
	}
	tenDaysAgo := time.Now().AddDate(0, 0, -10)
	require.NoError(t, os.Chtimes(stale, tenDaysAgo, tenDaysAgo))

	rw, err := NewRotatingWriter(logFile, 10, 7, false)
	require.NoError(t, err)
	defer rw.Close()

	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err), "files older than max age are removed on open")
	_, err = os.Stat(fresh)
	assert.NoError(t, err)
}

func TestGzipFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agentrelay.log.1")
	require.NoError(t, os.WriteFile(path, []byte("archived"), 0644))

	require.NoError(t, gzipFile(path))

	_, err := os.Stat(path + ".gz")
	assert.NoError(t, err)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(path + ".gz.tmp")
	assert.True(t, os.IsNotExist(err))
}
