package scopedaq

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sbinet/npyio"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilCaptureWriterIsSafe(t *testing.T) {
	var cw *CaptureWriter
	cw.Write([]byte{1, 2, 3})
	assert.Equal(t, uint64(0), cw.BytesWritten())
	assert.Equal(t, uint64(0), cw.BytesDropped())
	assert.Equal(t, "", cw.Path())
	assert.NoError(t, cw.Close())
}

func TestCaptureWritesRawBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.raw")
	cw, err := StartCapture(path)
	require.NoError(t, err)

	cw.Write([]byte{0xAA, 0xAA, 0x01, 0x02})
	cw.Write([]byte{0xAA, 0xAA, 0x03, 0x04})
	require.NoError(t, cw.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, []byte{0xAA, 0xAA, 0x01, 0x02, 0xAA, 0xAA, 0x03, 0x04}, data)
	assert.Equal(t, uint64(8), cw.BytesWritten())
}

func TestChannelSnapshotRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "chan.npy")
	want := []float64{1.5, -2.25, 3.0}
	require.NoError(t, WriteChannelSnapshot(path, want))

	file, err := os.Open(path)
	require.NoError(t, err)
	defer file.Close()
	var got []float64
	require.NoError(t, npyio.Read(file, &got))
	assert.Equal(t, want, got)
}

func TestSnapshotAllChannels(t *testing.T) {
	ds, err := NewDemoSource(DemoConfig{NChan: 2, SampleRate: 1000, BufferCapacity: 100})
	require.NoError(t, err)
	// Fill the rings directly instead of streaming.
	ds.commitBlock([][]float64{{1, 2, 3}, {4, 5, 6}}, 96)

	dir := t.TempDir()
	paths, err := SnapshotAllChannels(dir, ds, 10)
	require.NoError(t, err)
	require.Len(t, paths, 2)

	file, err := os.Open(paths[1])
	require.NoError(t, err)
	defer file.Close()
	var got []float64
	require.NoError(t, npyio.Read(file, &got))
	assert.Equal(t, []float64{4, 5, 6}, got)
}
