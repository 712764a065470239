package scopedaq

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestDemoSourceEndToEnd runs the synthetic source for about a second and
// checks the pipeline output: roughly rate*time samples committed, and
// channel 0 carrying a 1 Hz sinusoid of the configured amplitude.
func TestDemoSourceEndToEnd(t *testing.T) {
	ds, err := NewDemoSource(DemoConfig{
		NChan:          4,
		SampleRate:     1000,
		Waveform:       WaveSine,
		Amplitude:      1.0,
		BaseFrequency:  1.0,
		BufferCapacity: 2000,
	})
	require.NoError(t, err)
	require.NoError(t, ds.Connect())
	require.NoError(t, ds.StartStreaming())

	time.Sleep(1100 * time.Millisecond)
	require.NoError(t, ds.StopStreaming())

	total := ds.TotalSamples()
	assert.Greater(t, total, uint64(800), "committed %d samples", total)
	assert.Less(t, total, uint64(1400), "committed %d samples", total)
	assert.Greater(t, ds.TotalBits(), uint64(0))

	dest := make([]float64, 1000)
	n, err := ds.CopyLatest(0, dest, 1000)
	require.NoError(t, err)
	require.GreaterOrEqual(t, n, 800)
	dest = dest[:n]

	// One second of a 1 Hz sine: peak near the amplitude, about two zero
	// crossings.
	peak := 0.0
	crossings := 0
	for i, v := range dest {
		if math.Abs(v) > peak {
			peak = math.Abs(v)
		}
		if i > 0 && (v >= 0) != (dest[i-1] >= 0) {
			crossings++
		}
	}
	assert.InDelta(t, 1.0, peak, 0.05, "channel 0 peak %v", peak)
	assert.GreaterOrEqual(t, crossings, 1)
	assert.LessOrEqual(t, crossings, 4)
}

func TestDemoSourceChannelFrequenciesDiffer(t *testing.T) {
	ds, err := NewDemoSource(DemoConfig{NChan: 2, SampleRate: 1000, Waveform: WaveSine, BaseFrequency: 10})
	require.NoError(t, err)

	// Synthesize directly: channel 1 runs at twice channel 0's frequency,
	// so it crosses zero twice as often.
	count := func(ch int, freq float64) int {
		crossings := 0
		prev := 0.0
		for i := 0; i < 1000; i++ {
			v := ds.synthesize(ch, freq*float64(ch+1), float64(i)/1000)
			if i > 0 && (v >= 0) != (prev >= 0) {
				crossings++
			}
			prev = v
		}
		return crossings
	}
	c0 := count(0, 10)
	c1 := count(1, 10)
	assert.InDelta(t, 2*c0, c1, 2, "channel 1 crossings %d vs channel 0 %d", c1, c0)
}

func TestDemoSourceLifecycle(t *testing.T) {
	ds, err := NewDemoSource(DemoConfig{NChan: 1, SampleRate: 100})
	require.NoError(t, err)

	// Streaming before connecting is an error.
	assert.Error(t, ds.StartStreaming())

	require.NoError(t, ds.Connect())
	assert.True(t, ds.IsConnected())
	require.NoError(t, ds.StartStreaming())
	assert.True(t, ds.IsStreaming())

	// A second start is a no-op, not a second acquisition loop.
	require.NoError(t, ds.StartStreaming())

	require.NoError(t, ds.StopStreaming())
	assert.False(t, ds.IsStreaming())
	// A second stop is also a no-op.
	require.NoError(t, ds.StopStreaming())

	require.NoError(t, ds.Disconnect())
	assert.False(t, ds.IsConnected())
}

// TestDemoSourceDoubleStartKeepsSignal starts an already-streaming source
// again: the redundant call must neither disturb the signal position nor
// touch state owned by the acquisition goroutine.
func TestDemoSourceDoubleStartKeepsSignal(t *testing.T) {
	ds, err := NewDemoSource(DemoConfig{NChan: 1, SampleRate: 5000, BufferCapacity: 20000})
	require.NoError(t, err)
	require.NoError(t, ds.Connect())
	require.NoError(t, ds.StartStreaming())

	deadline := time.After(2 * time.Second)
	for ds.TotalSamples() == 0 {
		select {
		case <-deadline:
			t.Fatal("no samples before deadline")
		case <-time.After(5 * time.Millisecond):
		}
	}

	before := ds.TotalSamples()
	require.NoError(t, ds.StartStreaming())
	assert.True(t, ds.IsStreaming())
	assert.GreaterOrEqual(t, ds.TotalSamples(), before, "redundant start reset the session")

	require.NoError(t, ds.StopStreaming())
	require.NoError(t, ds.Disconnect())
}

func TestDemoSourceRejectsUnknownWaveform(t *testing.T) {
	_, err := NewDemoSource(DemoConfig{Waveform: "sawtooth-ish"})
	assert.Error(t, err)
}

func TestDemoSourceAllWaveformsBounded(t *testing.T) {
	for _, w := range []Waveform{
		WaveSine, WaveSquare, WaveTriangle, WaveNoise, WaveChirp, WaveMixed, WaveTonePair,
	} {
		ds, err := NewDemoSource(DemoConfig{NChan: 1, SampleRate: 1000, Waveform: w, Amplitude: 2})
		require.NoError(t, err, "waveform %q", w)
		for i := 0; i < 2000; i++ {
			v := ds.synthesize(0, 5, float64(i)/1000)
			if math.IsNaN(v) || math.IsInf(v, 0) {
				t.Fatalf("waveform %q produced %v", w, v)
			}
			if w != WaveNoise && w != WaveMixed && math.Abs(v) > 2.000001 {
				t.Fatalf("waveform %q exceeded amplitude: %v", w, v)
			}
		}
	}
}
