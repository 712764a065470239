package scopedaq

import (
	"fmt"
	"math"
	"sync"

	"github.com/scopedaq/scopedaq/internal/ringbuf"
)

// ChannelConfig is one channel's display and processing configuration, as
// set over RPC or restored from the config file. Calibration applies gain
// first: processed = raw*Gain + Offset.
type ChannelConfig struct {
	Gain         float64            `json:"gain" mapstructure:"gain"`
	Offset       float64            `json:"offset" mapstructure:"offset"`
	Label        string             `json:"label" mapstructure:"label"`
	Color        string             `json:"color" mapstructure:"color"`
	Enabled      bool               `json:"enabled" mapstructure:"enabled"`
	FilterKind   FilterKind         `json:"filterKind" mapstructure:"filterkind"`
	FilterParams map[string]float64 `json:"filterParams" mapstructure:"filterparams"`
}

// DefaultChannelConfig is the configuration a channel starts with: unit
// gain, zero offset, enabled, no filter.
func DefaultChannelConfig(channel int) ChannelConfig {
	return ChannelConfig{
		Gain:    1.0,
		Label:   fmt.Sprintf("CH%d", channel),
		Enabled: true,
	}
}

// channelPipeline is one channel's processing chain: calibration, optional
// filter, and the destination ring buffer. The owning source's settings lock
// serializes configure/resetState against processing.
type channelPipeline struct {
	channum int
	config  ChannelConfig
	filter  DigitalFilter
	ring    *ringbuf.Ring
}

func newChannelPipeline(channum int, ring *ringbuf.Ring) *channelPipeline {
	return &channelPipeline{
		channum: channum,
		config:  DefaultChannelConfig(channum),
		ring:    ring,
	}
}

// configure applies a new configuration. The filter is rebuilt only when
// the kind or parameters change; a rebuilt filter starts with clean state.
func (cp *channelPipeline) configure(cfg ChannelConfig) error {
	if cfg.Gain == 0 {
		cfg.Gain = 1.0
	}
	if cfg.FilterKind == "" {
		cp.filter = nil
	} else if cp.filter == nil || filterChanged(cp.config, cfg) {
		f, err := NewFilterByKind(cfg.FilterKind, cfg.FilterParams)
		if err != nil {
			return err
		}
		cp.filter = f
	}
	cp.config = cfg
	return nil
}

func filterChanged(old, new ChannelConfig) bool {
	if old.FilterKind != new.FilterKind {
		return true
	}
	if len(old.FilterParams) != len(new.FilterParams) {
		return true
	}
	for k, v := range new.FilterParams {
		if old.FilterParams[k] != v {
			return true
		}
	}
	return false
}

// resetState clears the filter's history, as at the start of a streaming
// session. Configuration is untouched.
func (cp *channelPipeline) resetState() {
	if cp.filter != nil {
		cp.filter.Reset()
	}
}

// process runs one block through calibration and the filter, in place.
func (cp *channelPipeline) process(samples []float64) []float64 {
	gain, offset := cp.config.Gain, cp.config.Offset
	for i, x := range samples {
		samples[i] = x*gain + offset
	}
	return ApplyBlock(cp.filter, samples)
}

// scrubCorrupt zeroes any NaN or Inf in place so corrupt values never reach
// a ring buffer.
func scrubCorrupt(samples []float64) {
	for i, x := range samples {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			samples[i] = 0.0
		}
	}
}

// commitBlock runs one decoded block (raw[ch][i], all channels the same
// length) through each channel's pipeline in parallel: calibration and
// filtering first, then resampling, then the corruption scrub, then the ring
// commit. rawBits is the raw device bit count the block was decoded from.
func (as *AnySource) commitBlock(raw [][]float64, rawBits int) {
	if len(raw) == 0 {
		return
	}
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()

	committed := 0
	var wg sync.WaitGroup
	var committedMu sync.Mutex
	for ch := 0; ch < as.nchan && ch < len(raw); ch++ {
		if len(raw[ch]) == 0 {
			continue
		}
		wg.Add(1)
		go func(ch int, samples []float64) {
			defer wg.Done()
			out := as.pipelines[ch].process(samples)
			out = as.resampler.ProcessChannel(ch, out)
			scrubCorrupt(out)
			as.rings[ch].AddRange(out)
			committedMu.Lock()
			if len(out) > committed {
				committed = len(out)
			}
			committedMu.Unlock()
		}(ch, raw[ch])
	}
	wg.Wait()

	if committed > 0 || rawBits > 0 {
		as.recordThroughput(committed, rawBits)
	}
}
