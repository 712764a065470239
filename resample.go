package scopedaq

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/dsp/window"
	"gonum.org/v1/gonum/floats"
)

// kernelHalfLength is the sinc kernel's half-length: the full kernel has
// 2*kernelHalfLength+1 taps.
const kernelHalfLength = 32

// KernelLength is the number of taps in the anti-aliasing FIR kernel; the
// first KernelLength output samples after a reset are filter transient.
const KernelLength = 2*kernelHalfLength + 1

// UpDownSampler converts the effective sample rate of a multichannel stream
// by an integer factor, using a Hamming-windowed sinc low-pass to suppress
// imaging (upsampling) or aliasing (downsampling).
//
// factor = 0 bypasses; factor > 0 upsamples by M = factor+1 (zero-stuff,
// then filter); factor < 0 downsamples by M = |factor|+1 (filter, then keep
// every Mth sample). Each channel carries the trailing KernelLength−1
// samples of its stream between blocks, so block boundaries introduce no
// discontinuity, and downsampling threads a phase counter across blocks so
// "every Mth" stays aligned regardless of block sizes.
type UpDownSampler struct {
	factor int
	m      int       // rate ratio; 1 when bypassed
	kernel []float64 // DC gain exactly 1; nil when bypassed
	chans  []resampleState
}

type resampleState struct {
	tail  []float64 // last KernelLength-1 samples of the (zero-stuffed) input
	phase int       // decimation phase in [0, m)
}

// NewUpDownSampler creates a resampler for nchan channels with the given
// integer factor in [-9, 9].
func NewUpDownSampler(nchan, factor int) (*UpDownSampler, error) {
	u := &UpDownSampler{chans: make([]resampleState, nchan)}
	if err := u.SetFactor(factor); err != nil {
		return nil, err
	}
	return u, nil
}

// Factor returns the configured resampling factor.
func (u *UpDownSampler) Factor() int { return u.factor }

// Ratio returns the integer rate ratio M (1 when bypassed).
func (u *UpDownSampler) Ratio() int { return u.m }

// RateScale returns the multiplier the factor applies to the effective
// sample rate: M for upsampling, 1/M for downsampling, 1 for bypass.
func (u *UpDownSampler) RateScale() float64 {
	switch {
	case u.factor > 0:
		return float64(u.m)
	case u.factor < 0:
		return 1 / float64(u.m)
	}
	return 1
}

// SetFactor changes the resampling factor, regenerating the kernel and
// resetting all per-channel continuity state. Factors outside [-9, 9] are
// rejected.
func (u *UpDownSampler) SetFactor(factor int) error {
	if factor < -9 || factor > 9 {
		return fmt.Errorf("resampling factor %d out of range [-9, 9]", factor)
	}
	u.factor = factor
	u.m = 1
	u.kernel = nil
	if factor > 0 {
		u.m = factor + 1
	} else if factor < 0 {
		u.m = -factor + 1
	}
	if u.m > 1 {
		u.kernel = sincKernel(u.m)
	}
	u.Reset()
	return nil
}

// Reset clears the continuity tails and decimation phases, as at the start
// of a new streaming session.
func (u *UpDownSampler) Reset() {
	for i := range u.chans {
		u.chans[i].tail = nil
		u.chans[i].phase = 0
	}
}

// sincKernel builds the Hamming-windowed sinc low-pass for rate ratio m:
// 65 taps, cutoff 0.9 of the post-conversion Nyquist, normalized to unity
// DC gain.
func sincKernel(m int) []float64 {
	fc := 0.9 * 0.5 / float64(m)
	k := make([]float64, KernelLength)
	for i := range k {
		t := float64(i - kernelHalfLength)
		k[i] = 2 * fc * sinc(2*fc*t)
	}
	window.Hamming(k)
	floats.Scale(1/floats.Sum(k), k)
	return k
}

func sinc(x float64) float64 {
	if x == 0 {
		return 1
	}
	return math.Sin(math.Pi*x) / (math.Pi * x)
}

// ProcessChannel converts one block of one channel's samples and returns
// the rate-converted block. Upsampling returns exactly len(samples)*M
// values; downsampling returns however many decimation-phase-zero positions
// the block contains. channel must be in [0, nchan).
func (u *UpDownSampler) ProcessChannel(channel int, samples []float64) []float64 {
	if u.m == 1 || len(samples) == 0 {
		return samples
	}
	st := &u.chans[channel]
	if u.factor > 0 {
		return u.upsample(st, samples)
	}
	return u.downsample(st, samples)
}

func (u *UpDownSampler) upsample(st *resampleState, samples []float64) []float64 {
	// Zero-stuff: each input sample followed by M-1 zeros.
	stuffed := make([]float64, len(samples)*u.m)
	for i, v := range samples {
		stuffed[i*u.m] = v
	}
	// The interpolation filter must have gain M to restore the amplitude
	// the zero-stuffing divided away.
	out := u.filterBlock(st, stuffed)
	floats.Scale(float64(u.m), out)
	return out
}

func (u *UpDownSampler) downsample(st *resampleState, samples []float64) []float64 {
	filtered := u.filterBlock(st, samples)
	out := make([]float64, 0, len(filtered)/u.m+1)
	for _, v := range filtered {
		if st.phase == 0 {
			out = append(out, v)
		}
		st.phase++
		if st.phase == u.m {
			st.phase = 0
		}
	}
	return out
}

// filterBlock convolves tail++block with the kernel and emits exactly the
// output positions corresponding to block, then refreshes the tail from the
// end of the extended stream. This is what keeps consecutive blocks
// continuous: the first outputs of this block see the last inputs of the
// previous one.
func (u *UpDownSampler) filterBlock(st *resampleState, block []float64) []float64 {
	const hist = KernelLength - 1
	ext := make([]float64, 0, hist+len(block))
	if len(st.tail) < hist {
		// Stream start: pre-pad with zeros so output length is exact.
		ext = append(ext, make([]float64, hist-len(st.tail))...)
	}
	ext = append(ext, st.tail...)
	ext = append(ext, block...)

	out := make([]float64, len(block))
	for i := range out {
		out[i] = floats.Dot(u.kernel, ext[i:i+KernelLength])
	}

	tail := make([]float64, hist)
	copy(tail, ext[len(ext)-hist:])
	st.tail = tail
	return out
}
