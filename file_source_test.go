package scopedaq

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeTestCSV writes a small two-column file: row i holds (i, 2i).
func writeTestCSV(t *testing.T, path string) {
	t.Helper()
	var b strings.Builder
	for i := 0; i < 100; i++ {
		fmt.Fprintf(&b, "%d,%d\n", i, 2*i)
	}
	require.NoError(t, os.WriteFile(path, []byte(b.String()), 0644))
}

func TestLoadDelimitedColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	content := "time,volts\n1.0,2.0\n3.0,abc\n5.0\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cols, err := loadDelimitedColumns(path, ",", true)
	require.NoError(t, err)
	require.Len(t, cols, 2)
	// Bad token and short row both decode as zero.
	assert.Equal(t, []float64{1, 3, 5}, cols[0])
	assert.Equal(t, []float64{2, 0, 0}, cols[1])
}

func TestFileSourceMissingFile(t *testing.T) {
	f, err := NewFileSource(FileConfig{Path: "/nonexistent/waves.csv"})
	require.NoError(t, err)
	err = f.Connect()
	var notFound *DeviceNotFoundError
	assert.True(t, errors.As(err, &notFound), "got %v", err)
}

func TestFileSourceChannelCountFromColumns(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	writeTestCSV(t, path)

	f, err := NewFileSource(FileConfig{Path: path, SampleRate: 1000})
	require.NoError(t, err)
	require.NoError(t, f.Connect())
	assert.Equal(t, 2, f.ChannelCount())
	require.NoError(t, f.Disconnect())
}

// TestFileSourceReplayEndsAtEOF replays a 100-row file at a rate that
// exhausts it quickly and expects streaming to stop on its own.
func TestFileSourceReplayEndsAtEOF(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	writeTestCSV(t, path)

	f, err := NewFileSource(FileConfig{Path: path, SampleRate: 2000, BufferCapacity: 200})
	require.NoError(t, err)
	require.NoError(t, f.Connect())
	require.NoError(t, f.StartStreaming())

	deadline := time.After(2 * time.Second)
	for f.IsStreaming() {
		select {
		case <-deadline:
			t.Fatal("replay never finished")
		case <-time.After(10 * time.Millisecond):
		}
	}
	assert.Equal(t, uint64(100), f.TotalSamples())
	assert.Equal(t, "Replay complete", f.StatusText())

	// The buffers hold the file tail, in order.
	dest := make([]float64, 5)
	n, err := f.CopyLatest(1, dest, 5)
	require.NoError(t, err)
	require.Equal(t, 5, n)
	assert.Equal(t, []float64{190, 192, 194, 196, 198}, dest)

	require.NoError(t, f.StopStreaming())
	require.NoError(t, f.Disconnect())
}

// TestFileSourceLoopKeepsReplaying verifies looped replay passes the file
// end and keeps committing samples.
func TestFileSourceLoopKeepsReplaying(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data.csv")
	writeTestCSV(t, path)

	f, err := NewFileSource(FileConfig{Path: path, SampleRate: 5000, Loop: true, BufferCapacity: 1000})
	require.NoError(t, err)
	require.NoError(t, f.Connect())
	require.NoError(t, f.StartStreaming())

	deadline := time.After(2 * time.Second)
	for f.TotalSamples() < 300 {
		select {
		case <-deadline:
			t.Fatalf("only %d samples after deadline", f.TotalSamples())
		case <-time.After(10 * time.Millisecond):
		}
	}

	// A redundant start mid-replay must not rewind the replay position.
	before := f.TotalSamples()
	require.NoError(t, f.StartStreaming())
	assert.GreaterOrEqual(t, f.TotalSamples(), before)

	require.NoError(t, f.StopStreaming())
	require.NoError(t, f.Disconnect())
}
