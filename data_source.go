package scopedaq

import (
	"fmt"
	"sync"
	"time"

	"github.com/scopedaq/scopedaq/internal/ringbuf"
)

// SourceState is the lifecycle state of a DataSource: Inactive -> Starting ->
// Active -> Stopping -> Inactive. Transitions happen under the source's state
// lock; callers observe them through IsStreaming.
type SourceState int

// The allowed source lifecycle states.
const (
	Inactive SourceState = iota // not streaming
	Starting                    // streaming requested but not yet running
	Active                      // acquisition loop running
	Stopping                    // streaming stop requested but not yet complete
)

func (s SourceState) String() string {
	switch s {
	case Inactive:
		return "Inactive"
	case Starting:
		return "Starting"
	case Active:
		return "Active"
	case Stopping:
		return "Stopping"
	}
	return fmt.Sprintf("SourceState(%d)", int(s))
}

// DataSource is the interface an acquisition device must satisfy: connection
// management, streaming lifecycle, per-channel configuration, and the
// snapshot-read consumer API over the per-channel ring buffers.
type DataSource interface {
	// Connect opens the underlying device. It does not start streaming.
	Connect() error
	// Disconnect stops streaming if needed and closes the device.
	Disconnect() error
	// StartStreaming begins acquisition. A no-op when already streaming.
	StartStreaming() error
	// StopStreaming halts acquisition and joins the loop. A no-op when idle.
	StopStreaming() error

	// CopyLatest copies up to n of the channel's most recent samples into
	// dest (chronological order) and returns how many were copied.
	CopyLatest(channel int, dest []float64, n int) (int, error)
	// ReadNewSince returns the samples committed after cursor, the cursor
	// for the next call, and how many samples were lost to overwrite.
	ReadNewSince(channel int, cursor uint64) (samples []float64, next uint64, skipped uint64, err error)
	// ClearData empties all channel buffers without disturbing streaming.
	ClearData()

	IsConnected() bool
	IsStreaming() bool
	ChannelCount() int
	// SampleRate reports the measured post-resampling rate in samples per
	// second per channel, smoothed over recent history.
	SampleRate() float64
	// TotalSamples is the per-channel count of samples committed since the
	// current streaming session began.
	TotalSamples() uint64
	// TotalBits is the count of raw device bits consumed this session.
	TotalBits() uint64
	StatusText() string
	SourceName() string

	ConfigureChannel(channel int, cfg ChannelConfig) error
	SetResamplingFactor(factor int) error
	SetBufferCapacity(capacity int) error
}

// DeviceNotFoundError reports that the named device does not exist.
type DeviceNotFoundError struct {
	Device string
}

func (e *DeviceNotFoundError) Error() string {
	return fmt.Sprintf("device %q not found", e.Device)
}

// DeviceBusyError reports that the named device exists but is held open by
// another process.
type DeviceBusyError struct {
	Device string
}

func (e *DeviceBusyError) Error() string {
	return fmt.Sprintf("device %q is busy", e.Device)
}

const (
	// readChunkSize bounds a single device read.
	readChunkSize = 4096
	// minBytesToParse is the starvation threshold: fewer available bytes
	// than this and the acquisition loop backs off instead of reading.
	minBytesToParse = 16
	pollSleepMin    = 2 * time.Millisecond
	pollSleepMax    = 50 * time.Millisecond
	// stopJoinTimeout bounds how long StopStreaming waits for the
	// acquisition goroutine before declaring it wedged.
	stopJoinTimeout = time.Second
	// maxConsecIOErrs read failures in a row mean the device is gone.
	maxConsecIOErrs = 10

	rateWindow    = 500 * time.Millisecond
	rateSmoothing = 0.5
)

// AnySource holds the state and machinery common to all concrete sources:
// the lifecycle state machine, per-channel pipelines and ring buffers, the
// shared resampler, and throughput accounting. Concrete sources embed it and
// drive commitBlock from their acquisition loops.
type AnySource struct {
	nchan    int
	name     string
	capacity int

	// settingsMu serializes commitBlock against configuration changes, so a
	// filter swap or buffer resize never races a block in flight.
	settingsMu sync.Mutex
	pipelines  []*channelPipeline
	rings      []*ringbuf.Ring
	resampler  *UpDownSampler

	stateMu   sync.Mutex
	state     SourceState
	connected bool
	status    string
	abort     chan struct{}
	runDone   sync.WaitGroup

	countsMu     sync.Mutex
	totalSamples uint64
	totalBits    uint64
	windowStart  time.Time
	windowCount  uint64
	measuredRate float64
}

// initSource prepares the embedded machinery. Concrete sources call it once
// from their constructors.
func (as *AnySource) initSource(name string, nchan, capacity, resampleFactor int) error {
	if nchan < 1 {
		return fmt.Errorf("source %q needs at least 1 channel, got %d", name, nchan)
	}
	if capacity < 1 {
		capacity = 10000
	}
	resampler, err := NewUpDownSampler(nchan, resampleFactor)
	if err != nil {
		return err
	}
	as.name = name
	as.nchan = nchan
	as.capacity = capacity
	as.resampler = resampler
	as.rings = make([]*ringbuf.Ring, nchan)
	as.pipelines = make([]*channelPipeline, nchan)
	for i := 0; i < nchan; i++ {
		as.rings[i] = ringbuf.New(capacity)
		as.pipelines[i] = newChannelPipeline(i, as.rings[i])
	}
	as.status = "Disconnected"
	return nil
}

// SourceName reports the human-readable source name.
func (as *AnySource) SourceName() string { return as.name }

// ChannelCount reports the number of channels the source produces.
func (as *AnySource) ChannelCount() int { return as.nchan }

// IsConnected reports whether the underlying device is open.
func (as *AnySource) IsConnected() bool {
	as.stateMu.Lock()
	defer as.stateMu.Unlock()
	return as.connected
}

// IsStreaming reports whether acquisition is running or starting.
func (as *AnySource) IsStreaming() bool {
	as.stateMu.Lock()
	defer as.stateMu.Unlock()
	return as.state == Active || as.state == Starting
}

// StatusText reports the last status message set by the source.
func (as *AnySource) StatusText() string {
	as.stateMu.Lock()
	defer as.stateMu.Unlock()
	return as.status
}

func (as *AnySource) setStatus(s string) {
	as.stateMu.Lock()
	as.status = s
	as.stateMu.Unlock()
}

func (as *AnySource) setConnected(c bool, status string) {
	as.stateMu.Lock()
	as.connected = c
	as.status = status
	as.stateMu.Unlock()
}

// CopyLatest copies up to n of the channel's most recent samples into dest.
func (as *AnySource) CopyLatest(channel int, dest []float64, n int) (int, error) {
	if channel < 0 || channel >= as.nchan {
		return 0, fmt.Errorf("channel %d out of range [0, %d)", channel, as.nchan)
	}
	return as.rings[channel].CopyLatest(dest, n), nil
}

// ReadNewSince returns samples committed after cursor along with the next
// cursor and the count lost to overwrite since the last read.
func (as *AnySource) ReadNewSince(channel int, cursor uint64) ([]float64, uint64, uint64, error) {
	if channel < 0 || channel >= as.nchan {
		return nil, cursor, 0, fmt.Errorf("channel %d out of range [0, %d)", channel, as.nchan)
	}
	samples, next, skipped := as.rings[channel].ReadNewSince(cursor)
	return samples, next, uint64(skipped), nil
}

// ClearData empties every channel's ring buffer. Streaming, if active,
// continues filling them immediately.
func (as *AnySource) ClearData() {
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	for _, r := range as.rings {
		r.Clear()
	}
}

// SetBufferCapacity resizes every channel's ring buffer, keeping the most
// recent samples that fit. Safe while streaming.
func (as *AnySource) SetBufferCapacity(capacity int) error {
	if capacity < 1 {
		return fmt.Errorf("buffer capacity must be positive, got %d", capacity)
	}
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	as.capacity = capacity
	for _, r := range as.rings {
		r.Resize(capacity)
	}
	return nil
}

// ConfigureChannel applies cfg to one channel. A filter change resets the
// new filter's state; gain/offset changes take effect on the next block.
func (as *AnySource) ConfigureChannel(channel int, cfg ChannelConfig) error {
	if channel < 0 || channel >= as.nchan {
		return fmt.Errorf("channel %d out of range [0, %d)", channel, as.nchan)
	}
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	return as.pipelines[channel].configure(cfg)
}

// ChannelSettings returns a copy of one channel's current configuration.
func (as *AnySource) ChannelSettings(channel int) (ChannelConfig, error) {
	if channel < 0 || channel >= as.nchan {
		return ChannelConfig{}, fmt.Errorf("channel %d out of range [0, %d)", channel, as.nchan)
	}
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	return as.pipelines[channel].config, nil
}

// SetResamplingFactor changes the shared resampling factor, resetting the
// resampler's continuity state.
func (as *AnySource) SetResamplingFactor(factor int) error {
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	return as.resampler.SetFactor(factor)
}

// ResamplingFactor reports the current factor.
func (as *AnySource) ResamplingFactor() int {
	as.settingsMu.Lock()
	defer as.settingsMu.Unlock()
	return as.resampler.Factor()
}

// TotalSamples reports per-channel samples committed this session.
func (as *AnySource) TotalSamples() uint64 {
	as.countsMu.Lock()
	defer as.countsMu.Unlock()
	return as.totalSamples
}

// TotalBits reports raw device bits consumed this session.
func (as *AnySource) TotalBits() uint64 {
	as.countsMu.Lock()
	defer as.countsMu.Unlock()
	return as.totalBits
}

// SampleRate reports the smoothed measured sample rate (samples per second
// per channel, after resampling). Zero until the first rate window closes.
func (as *AnySource) SampleRate() float64 {
	as.countsMu.Lock()
	defer as.countsMu.Unlock()
	return as.measuredRate
}

// recordThroughput accumulates committed frames and raw bits, folding closed
// rate windows into the smoothed rate estimate.
func (as *AnySource) recordThroughput(frames int, rawBits int) {
	as.countsMu.Lock()
	defer as.countsMu.Unlock()
	as.totalSamples += uint64(frames)
	as.totalBits += uint64(rawBits)
	as.windowCount += uint64(frames)

	now := time.Now()
	if as.windowStart.IsZero() {
		as.windowStart = now
		return
	}
	elapsed := now.Sub(as.windowStart)
	if elapsed < rateWindow {
		return
	}
	instantaneous := float64(as.windowCount) / elapsed.Seconds()
	if as.measuredRate == 0 {
		as.measuredRate = instantaneous
	} else {
		as.measuredRate = rateSmoothing*as.measuredRate + (1-rateSmoothing)*instantaneous
	}
	as.windowStart = now
	as.windowCount = 0
}

func (as *AnySource) resetCounters() {
	as.countsMu.Lock()
	as.totalSamples = 0
	as.totalBits = 0
	as.windowStart = time.Time{}
	as.windowCount = 0
	as.measuredRate = 0
	as.countsMu.Unlock()
}

// beginStreaming runs the streaming-start handshake and launches run as the
// acquisition goroutine. run must return promptly once abort closes.
func (as *AnySource) beginStreaming(run func(abort <-chan struct{})) error {
	as.stateMu.Lock()
	if !as.connected {
		as.stateMu.Unlock()
		return fmt.Errorf("source %q is not connected", as.name)
	}
	if as.state == Active || as.state == Starting {
		as.stateMu.Unlock()
		return nil
	}
	as.state = Starting
	as.abort = make(chan struct{})
	abort := as.abort
	as.runDone.Add(1)
	as.stateMu.Unlock()

	as.resetCounters()
	as.settingsMu.Lock()
	as.resampler.Reset()
	for _, p := range as.pipelines {
		p.resetState()
	}
	as.settingsMu.Unlock()

	go func() {
		defer as.runDone.Done()
		as.stateMu.Lock()
		if as.state == Starting {
			as.state = Active
		}
		as.stateMu.Unlock()

		run(abort)

		as.stateMu.Lock()
		as.state = Inactive
		as.stateMu.Unlock()
	}()
	as.setStatus("Streaming")
	return nil
}

// endStreaming signals the acquisition goroutine to stop and joins it,
// bounded by stopJoinTimeout.
func (as *AnySource) endStreaming() error {
	as.stateMu.Lock()
	if as.state != Active && as.state != Starting {
		as.stateMu.Unlock()
		return nil
	}
	as.state = Stopping
	closeIfOpen(as.abort)
	as.stateMu.Unlock()

	done := make(chan struct{})
	go func() {
		as.runDone.Wait()
		close(done)
	}()
	select {
	case <-done:
		as.setStatus("Stopped")
		return nil
	case <-time.After(stopJoinTimeout):
		as.setStatus("Stop timed out; acquisition loop is wedged")
		return fmt.Errorf("source %q did not stop within %v", as.name, stopJoinTimeout)
	}
}

// runtimeDisconnect handles a device vanishing mid-stream: close it, mark
// the source disconnected, and record why. The acquisition loop returns
// right after calling this, which completes the normal stop path.
func (as *AnySource) runtimeDisconnect(reason string, closeDevice func()) {
	if closeDevice != nil {
		closeDevice()
	}
	as.stateMu.Lock()
	as.connected = false
	as.status = fmt.Sprintf("Runtime disconnection: %s", reason)
	as.stateMu.Unlock()
	ProblemLogger.Printf("source %q runtime disconnection: %s", as.name, reason)
}

func aborted(abort <-chan struct{}) bool {
	select {
	case <-abort:
		return true
	default:
		return false
	}
}

func closeIfOpen(ch chan struct{}) {
	select {
	case <-ch:
	default:
		close(ch)
	}
}

// sleepOrAbort sleeps for d unless abort closes first; it reports whether
// the caller should keep running.
func sleepOrAbort(abort <-chan struct{}, d time.Duration) bool {
	select {
	case <-abort:
		return false
	case <-time.After(d):
		return true
	}
}

// byteDevice is the minimal surface the shared acquisition loop needs from
// a byte-stream device. Serial ports and FTDI channels both satisfy it.
type byteDevice interface {
	bytesAvailable() (int, error)
	read(p []byte) (int, error)
	close() error
}

// runByteAcquisition is the poll loop shared by byte-stream sources: check
// availability, back off adaptively when starved, read a bounded chunk, feed
// the raw bytes to the capture writer, parse with chunk-boundary-safe
// residue carry, and commit the decoded block. Repeated read failures are
// treated as the device vanishing.
func (as *AnySource) runByteAcquisition(abort <-chan struct{}, dev byteDevice, parser *FrameParser, capture *CaptureWriter) {
	var residue []byte
	chunk := make([]byte, readChunkSize)
	sleep := pollSleepMin
	consecErrs := 0

	for !aborted(abort) {
		avail, err := dev.bytesAvailable()
		if err != nil {
			consecErrs++
			if consecErrs >= maxConsecIOErrs {
				as.runtimeDisconnect(err.Error(), func() { dev.close() })
				return
			}
			if !sleepOrAbort(abort, sleep) {
				return
			}
			continue
		}

		if avail < minBytesToParse {
			// Starved: back off exponentially so an idle device does not
			// spin the CPU, but stay responsive once data resumes.
			if !sleepOrAbort(abort, sleep) {
				return
			}
			sleep *= 2
			if sleep > pollSleepMax {
				sleep = pollSleepMax
			}
			continue
		}
		sleep = pollSleepMin

		want := avail
		if want > readChunkSize {
			want = readChunkSize
		}
		nread, err := dev.read(chunk[:want])
		if err != nil {
			consecErrs++
			if consecErrs >= maxConsecIOErrs {
				as.runtimeDisconnect(err.Error(), func() { dev.close() })
				return
			}
			continue
		}
		consecErrs = 0
		if nread == 0 {
			continue
		}

		capture.Write(chunk[:nread])
		var block [][]float64
		block, residue = parser.Parse(residue, chunk[:nread])
		as.commitBlock(block, nread*8)
	}
}
