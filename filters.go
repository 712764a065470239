package scopedaq

import (
	"fmt"
	"math"
	"sort"
)

// FilterKind names one member of the closed filter variant set. The set is
// fixed at design time; external code selects a variant by kind rather than
// supplying arbitrary implementations.
type FilterKind string

// The complete filter variant set.
const (
	FilterLowPass       FilterKind = "lowpass"
	FilterHighPass      FilterKind = "highpass"
	FilterMovingAverage FilterKind = "movingaverage"
	FilterMovingMedian  FilterKind = "movingmedian"
	FilterNotch         FilterKind = "notch"
	FilterBiquad        FilterKind = "biquad"
	FilterAbsolute      FilterKind = "absolute"
	FilterSquared       FilterKind = "squared"
	FilterAnchorDecim   FilterKind = "anchordecimate"
)

// DigitalFilter is a stateful per-channel sample transform. Implementations
// are not safe for concurrent use; each channel owns its own instance, and
// the channel's processor lock serializes Apply against Reset.
type DigitalFilter interface {
	// Apply transforms one input sample into one output sample.
	Apply(x float64) float64
	// Reset clears internal state without touching parameters.
	Reset()
	// Kind reports which variant this is.
	Kind() FilterKind
	// Parameters returns the filter's numeric configuration.
	Parameters() map[string]float64
}

// ApplyBlock runs f over samples in place and returns the slice. A nil
// filter is a pass-through.
func ApplyBlock(f DigitalFilter, samples []float64) []float64 {
	if f == nil {
		return samples
	}
	for i, x := range samples {
		samples[i] = f.Apply(x)
	}
	return samples
}

// lowPassFilter is the single-pole exponential smoother y = αx + (1−α)y₁.
type lowPassFilter struct {
	alpha  float64
	yPrev  float64
	primed bool
}

// NewLowPass returns an exponential low-pass filter with smoothing factor
// alpha in (0, 1]; larger alpha passes more of the input through.
func NewLowPass(alpha float64) DigitalFilter {
	return &lowPassFilter{alpha: clampAlpha(alpha)}
}

func clampAlpha(a float64) float64 {
	if a <= 0 {
		return 1e-6
	}
	if a > 1 {
		return 1
	}
	return a
}

func (f *lowPassFilter) Apply(x float64) float64 {
	if !f.primed {
		// Seed with the first sample to avoid a long settle from zero.
		f.yPrev = x
		f.primed = true
		return x
	}
	f.yPrev = f.alpha*x + (1-f.alpha)*f.yPrev
	return f.yPrev
}

func (f *lowPassFilter) Reset()           { f.yPrev = 0; f.primed = false }
func (f *lowPassFilter) Kind() FilterKind { return FilterLowPass }
func (f *lowPassFilter) Parameters() map[string]float64 {
	return map[string]float64{"alpha": f.alpha}
}

// highPassFilter subtracts the low-passed signal: y = x − lowpass(x).
type highPassFilter struct {
	lp lowPassFilter
}

// NewHighPass returns an exponential high-pass filter built on the
// complementary low-pass with the same alpha.
func NewHighPass(alpha float64) DigitalFilter {
	return &highPassFilter{lp: lowPassFilter{alpha: clampAlpha(alpha)}}
}

func (f *highPassFilter) Apply(x float64) float64 { return x - f.lp.Apply(x) }
func (f *highPassFilter) Reset()                  { f.lp.Reset() }
func (f *highPassFilter) Kind() FilterKind        { return FilterHighPass }
func (f *highPassFilter) Parameters() map[string]float64 {
	return map[string]float64{"alpha": f.lp.alpha}
}

// movingAverageFilter keeps a running sum over a fixed sliding window for
// O(1) work per sample.
type movingAverageFilter struct {
	window []float64
	pos    int
	filled int
	sum    float64
}

// NewMovingAverage returns a sliding-window mean filter of the given width
// (minimum 1). Until the window fills, the mean covers the samples seen.
func NewMovingAverage(width int) DigitalFilter {
	if width < 1 {
		width = 1
	}
	return &movingAverageFilter{window: make([]float64, width)}
}

func (f *movingAverageFilter) Apply(x float64) float64 {
	f.sum += x - f.window[f.pos]
	f.window[f.pos] = x
	f.pos = (f.pos + 1) % len(f.window)
	if f.filled < len(f.window) {
		f.filled++
	}
	return f.sum / float64(f.filled)
}

func (f *movingAverageFilter) Reset() {
	for i := range f.window {
		f.window[i] = 0
	}
	f.pos, f.filled, f.sum = 0, 0, 0
}
func (f *movingAverageFilter) Kind() FilterKind { return FilterMovingAverage }
func (f *movingAverageFilter) Parameters() map[string]float64 {
	return map[string]float64{"width": float64(len(f.window))}
}

// movingMedianFilter sorts a copy of the window each sample: O(w log w),
// fine at the window sizes a scope uses.
type movingMedianFilter struct {
	window  []float64
	scratch []float64
	pos     int
	filled  int
}

// NewMovingMedian returns a sliding-window median filter of the given width
// (minimum 1).
func NewMovingMedian(width int) DigitalFilter {
	if width < 1 {
		width = 1
	}
	return &movingMedianFilter{
		window:  make([]float64, width),
		scratch: make([]float64, width),
	}
}

func (f *movingMedianFilter) Apply(x float64) float64 {
	f.window[f.pos] = x
	f.pos = (f.pos + 1) % len(f.window)
	if f.filled < len(f.window) {
		f.filled++
	}
	s := f.scratch[:f.filled]
	if f.filled < len(f.window) {
		// Window not yet full: the valid samples are the first f.filled.
		copy(s, f.window[:f.filled])
	} else {
		copy(s, f.window)
	}
	sort.Float64s(s)
	if f.filled%2 == 1 {
		return s[f.filled/2]
	}
	return (s[f.filled/2-1] + s[f.filled/2]) / 2
}

func (f *movingMedianFilter) Reset() {
	f.pos, f.filled = 0, 0
}
func (f *movingMedianFilter) Kind() FilterKind { return FilterMovingMedian }
func (f *movingMedianFilter) Parameters() map[string]float64 {
	return map[string]float64{"width": float64(len(f.window))}
}

// biquadFilter is the direct-form-I second-order section shared by the
// notch and generic-biquad variants.
type biquadFilter struct {
	kind               FilterKind
	b0, b1, b2, a1, a2 float64
	x1, x2, y1, y2     float64
	params             map[string]float64
}

// NewBiquad returns a direct-form-I filter computing
// y = b0·x + b1·x₁ + b2·x₂ − a1·y₁ − a2·y₂.
func NewBiquad(b0, b1, b2, a1, a2 float64) DigitalFilter {
	return &biquadFilter{kind: FilterBiquad, b0: b0, b1: b1, b2: b2, a1: a1, a2: a2,
		params: map[string]float64{"b0": b0, "b1": b1, "b2": b2, "a1": a1, "a2": a2}}
}

// NewNotch returns a biquad tuned to reject targetFreq (Hz) at the given
// sample rate, with the stated −3 dB bandwidth (Hz). The difference
// equation is y = x − 2cos(ω)x₁ + x₂ + 2r·cos(ω)y₁ − r²y₂ with the pole
// radius r set from the bandwidth.
func NewNotch(targetFreq, sampleRate, bandwidth float64) DigitalFilter {
	omega := 2 * math.Pi * targetFreq / sampleRate
	r := math.Exp(-math.Pi * bandwidth / sampleRate)
	if r >= 1 {
		r = 0.9999
	}
	cw := math.Cos(omega)
	return &biquadFilter{kind: FilterNotch,
		b0: 1, b1: -2 * cw, b2: 1, a1: -2 * r * cw, a2: r * r,
		params: map[string]float64{
			"frequency": targetFreq, "samplerate": sampleRate, "bandwidth": bandwidth,
		}}
}

func (f *biquadFilter) Apply(x float64) float64 {
	y := f.b0*x + f.b1*f.x1 + f.b2*f.x2 - f.a1*f.y1 - f.a2*f.y2
	f.x2, f.x1 = f.x1, x
	f.y2, f.y1 = f.y1, y
	return y
}

func (f *biquadFilter) Reset() {
	f.x1, f.x2, f.y1, f.y2 = 0, 0, 0, 0
}
func (f *biquadFilter) Kind() FilterKind { return f.kind }
func (f *biquadFilter) Parameters() map[string]float64 {
	p := make(map[string]float64, len(f.params))
	for k, v := range f.params {
		p[k] = v
	}
	return p
}

// pointwiseFilter covers the stateless absolute/squared transforms.
type pointwiseFilter struct {
	kind FilterKind
	fn   func(float64) float64
}

// NewAbsolute returns the pointwise |x| transform.
func NewAbsolute() DigitalFilter {
	return &pointwiseFilter{kind: FilterAbsolute, fn: math.Abs}
}

// NewSquared returns the pointwise x² transform.
func NewSquared() DigitalFilter {
	return &pointwiseFilter{kind: FilterSquared, fn: func(x float64) float64 { return x * x }}
}

func (f *pointwiseFilter) Apply(x float64) float64        { return f.fn(x) }
func (f *pointwiseFilter) Reset()                         {}
func (f *pointwiseFilter) Kind() FilterKind               { return f.kind }
func (f *pointwiseFilter) Parameters() map[string]float64 { return map[string]float64{} }

// anchorDecimFilter captures an anchor sample every Nth input and emits a
// linear ramp between the two most recent anchors. It is a display-oriented
// decimator: cheap and smooth-looking, with none of the anti-aliasing the
// sinc resampler provides.
type anchorDecimFilter struct {
	n          int
	phase      int
	prevAnchor float64
	currAnchor float64
	primed     bool
}

// NewAnchorDecimator returns the interpolating downsampler with anchor
// interval n (minimum 1; n==1 is a pass-through).
func NewAnchorDecimator(n int) DigitalFilter {
	if n < 1 {
		n = 1
	}
	return &anchorDecimFilter{n: n}
}

func (f *anchorDecimFilter) Apply(x float64) float64 {
	if f.phase == 0 {
		if !f.primed {
			f.prevAnchor, f.currAnchor = x, x
			f.primed = true
		} else {
			f.prevAnchor, f.currAnchor = f.currAnchor, x
		}
	}
	t := float64(f.phase+1) / float64(f.n)
	y := f.prevAnchor + (f.currAnchor-f.prevAnchor)*t
	f.phase = (f.phase + 1) % f.n
	return y
}

func (f *anchorDecimFilter) Reset() {
	f.phase, f.prevAnchor, f.currAnchor, f.primed = 0, 0, 0, false
}
func (f *anchorDecimFilter) Kind() FilterKind { return FilterAnchorDecim }
func (f *anchorDecimFilter) Parameters() map[string]float64 {
	return map[string]float64{"interval": float64(f.n)}
}

// NewFilterByKind builds a filter from a kind name and parameter map, the
// form in which channel configurations arrive over RPC or from the config
// file. Unknown kinds are an error so misconfigurations surface early.
func NewFilterByKind(kind FilterKind, p map[string]float64) (DigitalFilter, error) {
	get := func(name string, fallback float64) float64 {
		if v, ok := p[name]; ok {
			return v
		}
		return fallback
	}
	switch kind {
	case FilterLowPass:
		return NewLowPass(get("alpha", 0.1)), nil
	case FilterHighPass:
		return NewHighPass(get("alpha", 0.1)), nil
	case FilterMovingAverage:
		return NewMovingAverage(int(get("width", 8))), nil
	case FilterMovingMedian:
		return NewMovingMedian(int(get("width", 5))), nil
	case FilterNotch:
		return NewNotch(get("frequency", 60), get("samplerate", 1000), get("bandwidth", 5)), nil
	case FilterBiquad:
		return NewBiquad(get("b0", 1), get("b1", 0), get("b2", 0), get("a1", 0), get("a2", 0)), nil
	case FilterAbsolute:
		return NewAbsolute(), nil
	case FilterSquared:
		return NewSquared(), nil
	case FilterAnchorDecim:
		return NewAnchorDecimator(int(get("interval", 4))), nil
	}
	return nil, fmt.Errorf("unknown filter kind %q", kind)
}
