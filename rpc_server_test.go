package scopedaq

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scopedaq/scopedaq/internal/daqdb"
)

// newTestControl builds a SourceControl against a throwaway config file and
// a drained update channel, so tests never block on broadcasts.
func newTestControl(t *testing.T) *SourceControl {
	t.Helper()
	viper.Reset()
	viper.SetConfigFile(filepath.Join(t.TempDir(), "config.yaml"))

	updates := make(chan ClientUpdate, 64)
	done := make(chan struct{})
	go func() {
		for range updates {
		}
		close(done)
	}()
	t.Cleanup(func() {
		close(updates)
		<-done
	})
	return NewSourceControl(daqdb.Disabled(), updates)
}

func TestSourceControlDemoLifecycle(t *testing.T) {
	sc := newTestControl(t)
	var ok bool

	cfg := DemoConfig{NChan: 2, SampleRate: 1000, Waveform: WaveSine, BufferCapacity: 5000}
	require.NoError(t, sc.ConfigureDemoSource(&cfg, &ok))
	require.True(t, ok)

	name := "demo"
	require.NoError(t, sc.Start(&name, &ok))
	require.True(t, ok)
	assert.True(t, sc.status.Running)
	assert.Equal(t, 2, sc.status.Nchannels)

	// A second Start must be refused while a source is active.
	assert.Error(t, sc.Start(&name, &ok))

	time.Sleep(150 * time.Millisecond)

	var latest LatestData
	require.NoError(t, sc.ReadLatest(&ReadLatestArgs{Channel: 0, Max: 50}, &latest))
	assert.NotEmpty(t, latest.Samples)
	assert.LessOrEqual(t, len(latest.Samples), 50)
	assert.Greater(t, latest.TotalSamples, uint64(0))

	var cursor CursorData
	require.NoError(t, sc.ReadNewSince(&CursorArgs{Channel: 0, Cursor: 0}, &cursor))
	assert.NotEmpty(t, cursor.Samples)
	assert.Equal(t, cursor.Next, uint64(len(cursor.Samples))+cursor.Skipped)

	require.NoError(t, sc.ConfigureChannel(&ChannelArgs{
		Channel: 1,
		Config:  ChannelConfig{Gain: 2, Offset: 0.5, Label: "scaled", Enabled: true},
	}, &ok))
	require.NoError(t, sc.ConfigureResampling(&ResampleArgs{Factor: 1}, &ok))
	require.NoError(t, sc.SetBufferCapacity(&CapacityArgs{Capacity: 1000}, &ok))
	require.NoError(t, sc.ClearData(nil, &ok))
	require.NoError(t, sc.SendAllStatus(nil, &ok))

	var dummy string
	require.NoError(t, sc.Stop(&dummy, &ok))
	assert.False(t, sc.status.Running)
	// A second Stop has nothing to stop.
	assert.Error(t, sc.Stop(&dummy, &ok))
}

func TestStartRejectsUnknownSource(t *testing.T) {
	sc := newTestControl(t)
	var ok bool
	name := "holodeck"
	assert.Error(t, sc.Start(&name, &ok))
}

func TestOperationsRequireActiveSource(t *testing.T) {
	sc := newTestControl(t)
	var ok bool
	var latest LatestData

	assert.Error(t, sc.ConfigureChannel(&ChannelArgs{}, &ok))
	assert.Error(t, sc.ConfigureResampling(&ResampleArgs{}, &ok))
	assert.Error(t, sc.SetBufferCapacity(&CapacityArgs{Capacity: 10}, &ok))
	assert.Error(t, sc.ReadLatest(&ReadLatestArgs{Max: 10}, &latest))
	assert.Error(t, sc.ClearData(nil, &ok))
}

func TestConfigureValidatesResampleFactorViaSource(t *testing.T) {
	sc := newTestControl(t)
	var ok bool
	cfg := DemoConfig{NChan: 1, SampleRate: 100}
	require.NoError(t, sc.ConfigureDemoSource(&cfg, &ok))
	name := "demo"
	require.NoError(t, sc.Start(&name, &ok))
	defer func() {
		var dummy string
		sc.Stop(&dummy, &ok)
	}()

	assert.Error(t, sc.ConfigureResampling(&ResampleArgs{Factor: 42}, &ok))
	assert.NoError(t, sc.ConfigureResampling(&ResampleArgs{Factor: -3}, &ok))
}

func TestFileSourceOverRPC(t *testing.T) {
	sc := newTestControl(t)
	var ok bool

	path := filepath.Join(t.TempDir(), "waves.csv")
	writeTestCSV(t, path)
	cfg := FileConfig{Path: path, SampleRate: 2000, Loop: true, BufferCapacity: 1000}
	require.NoError(t, sc.ConfigureFileSource(&cfg, &ok))

	name := "file"
	require.NoError(t, sc.Start(&name, &ok))
	time.Sleep(120 * time.Millisecond)

	var latest LatestData
	require.NoError(t, sc.ReadLatest(&ReadLatestArgs{Channel: 0, Max: 100}, &latest))
	assert.NotEmpty(t, latest.Samples)

	var dummy string
	require.NoError(t, sc.Stop(&dummy, &ok))
}
