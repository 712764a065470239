package scopedaq

import (
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Waveform names one of the demo source's synthetic signal shapes.
type Waveform string

// The demo source's waveform menu.
const (
	WaveSine     Waveform = "sine"
	WaveSquare   Waveform = "square"
	WaveTriangle Waveform = "triangle"
	WaveNoise    Waveform = "noise"
	WaveChirp    Waveform = "chirp"
	WaveMixed    Waveform = "mixed"
	WaveTonePair Waveform = "tonepair"
)

// DemoConfig configures the synthetic demo source.
type DemoConfig struct {
	NChan          int      `json:"nChan" mapstructure:"nchan"`
	SampleRate     float64  `json:"sampleRate" mapstructure:"samplerate"`
	Waveform       Waveform `json:"waveform" mapstructure:"waveform"`
	Amplitude      float64  `json:"amplitude" mapstructure:"amplitude"`
	BaseFrequency  float64  `json:"baseFrequency" mapstructure:"basefrequency"`
	ResampleFactor int      `json:"resampleFactor" mapstructure:"resamplefactor"`
	BufferCapacity int      `json:"bufferCapacity" mapstructure:"buffercapacity"`
}

// demoBlockPeriod is the cadence at which the demo source emits blocks.
const demoBlockPeriod = 20 * time.Millisecond

// DemoSource synthesizes deterministic multichannel test signals at a
// configured sample rate, with no hardware behind it. Channel k runs at
// (k+1) times the base frequency, so every channel is visually distinct.
type DemoSource struct {
	AnySource
	cfg  DemoConfig
	rngs []*rand.Rand

	sampleIndex uint64  // absolute sample position across the session
	carry       float64 // fractional samples owed to the next block
}

// NewDemoSource validates cfg, fills defaults, and builds the source.
func NewDemoSource(cfg DemoConfig) (*DemoSource, error) {
	if cfg.NChan < 1 {
		cfg.NChan = 4
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 10000
	}
	if cfg.Waveform == "" {
		cfg.Waveform = WaveSine
	}
	if cfg.Amplitude == 0 {
		cfg.Amplitude = 1.0
	}
	if cfg.BaseFrequency <= 0 {
		cfg.BaseFrequency = 1.0
	}
	switch cfg.Waveform {
	case WaveSine, WaveSquare, WaveTriangle, WaveNoise, WaveChirp, WaveMixed, WaveTonePair:
	default:
		return nil, fmt.Errorf("unknown waveform %q", cfg.Waveform)
	}

	ds := &DemoSource{cfg: cfg}
	if err := ds.initSource("DemoSource", cfg.NChan, cfg.BufferCapacity, cfg.ResampleFactor); err != nil {
		return nil, err
	}
	ds.rngs = make([]*rand.Rand, cfg.NChan)
	for i := range ds.rngs {
		ds.rngs[i] = rand.New(rand.NewSource(int64(i) + 1))
	}
	return ds, nil
}

// Connect is trivially successful: there is no device.
func (ds *DemoSource) Connect() error {
	ds.setConnected(true, "Connected (demo)")
	return nil
}

// Disconnect stops streaming and marks the source disconnected.
func (ds *DemoSource) Disconnect() error {
	err := ds.StopStreaming()
	ds.setConnected(false, "Disconnected")
	return err
}

// StartStreaming begins synthesizing blocks on the demo cadence.
func (ds *DemoSource) StartStreaming() error {
	return ds.beginStreaming(ds.run)
}

// StopStreaming halts synthesis.
func (ds *DemoSource) StopStreaming() error { return ds.endStreaming() }

func (ds *DemoSource) run(abort <-chan struct{}) {
	// Only the acquisition goroutine touches the signal position, so a
	// redundant StartStreaming can never snap a live signal back to zero.
	ds.sampleIndex = 0
	ds.carry = 0

	ticker := time.NewTicker(demoBlockPeriod)
	defer ticker.Stop()
	perBlock := ds.cfg.SampleRate * demoBlockPeriod.Seconds()

	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			want := perBlock + ds.carry
			n := int(want)
			ds.carry = want - float64(n)
			if n == 0 {
				continue
			}
			block := ds.generate(n)
			ds.sampleIndex += uint64(n)
			// 16 bits per sample per channel, as a real digitizer would send.
			ds.commitBlock(block, n*ds.cfg.NChan*16)
		}
	}
}

// generate builds one block of n samples for every channel in parallel.
func (ds *DemoSource) generate(n int) [][]float64 {
	block := make([][]float64, ds.cfg.NChan)
	var wg sync.WaitGroup
	for ch := 0; ch < ds.cfg.NChan; ch++ {
		wg.Add(1)
		go func(ch int) {
			defer wg.Done()
			samples := make([]float64, n)
			freq := ds.cfg.BaseFrequency * float64(ch+1)
			for i := range samples {
				t := float64(ds.sampleIndex+uint64(i)) / ds.cfg.SampleRate
				samples[i] = ds.synthesize(ch, freq, t)
			}
			block[ch] = samples
		}(ch)
	}
	wg.Wait()
	return block
}

func (ds *DemoSource) synthesize(ch int, freq, t float64) float64 {
	a := ds.cfg.Amplitude
	switch ds.cfg.Waveform {
	case WaveSine:
		return a * math.Sin(2*math.Pi*freq*t)
	case WaveSquare:
		if math.Sin(2*math.Pi*freq*t) >= 0 {
			return a
		}
		return -a
	case WaveTriangle:
		p := freq*t - math.Floor(freq*t)
		if p < 0.5 {
			return a * (4*p - 1)
		}
		return a * (3 - 4*p)
	case WaveNoise:
		return a * ds.rngs[ch].NormFloat64()
	case WaveChirp:
		// Sweep from freq to 10*freq over a 10-second period.
		const period = 10.0
		tau := math.Mod(t, period)
		phase := 2 * math.Pi * (freq*tau + (9*freq/(2*period))*tau*tau)
		return a * math.Sin(phase)
	case WaveMixed:
		return a*math.Sin(2*math.Pi*freq*t) +
			0.3*a*math.Sin(2*math.Pi*7*freq*t) +
			0.05*a*ds.rngs[ch].NormFloat64()
	case WaveTonePair:
		return 0.5 * a * (math.Sin(2*math.Pi*freq*t) + math.Sin(2*math.Pi*1.1*freq*t))
	}
	return 0
}
