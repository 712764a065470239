package scopedaq

import (
	"fmt"
	"strings"

	"github.com/ziutek/ftdi"
)

// FTDIConfig configures an FTDI USB source.
type FTDIConfig struct {
	VendorID  int    `json:"vendorId" mapstructure:"vendorid"`
	ProductID int    `json:"productId" mapstructure:"productid"`
	Channel   string `json:"channel" mapstructure:"channel"` // any, a, b
	MPSSE     bool   `json:"mpsse" mapstructure:"mpsse"`
	ClockHz   int    `json:"clockHz" mapstructure:"clockhz"`
	LatencyMs int    `json:"latencyMs" mapstructure:"latencyms"`

	NChan          int    `json:"nChan" mapstructure:"nchan"`
	SampleType     string `json:"sampleType" mapstructure:"sampletype"`
	BigEndian      bool   `json:"bigEndian" mapstructure:"bigendian"`
	ResampleFactor int    `json:"resampleFactor" mapstructure:"resamplefactor"`
	BufferCapacity int    `json:"bufferCapacity" mapstructure:"buffercapacity"`
}

// mpsseBaseClock is the FT2232H/FT4232H internal clock feeding the MPSSE
// divisor: TCK = base / (2 * (1 + divisor)) with the div-by-5 stage off.
const mpsseBaseClock = 60_000_000

// FTDISource acquires framed samples from an FTDI USB device, optionally
// putting the channel into MPSSE mode with a programmed serial clock so an
// attached ADC can stream synchronously.
type FTDISource struct {
	AnySource
	cfg     FTDIConfig
	parser  *FrameParser
	dev     *ftdi.Device
	capture *CaptureWriter
}

// NewFTDISource validates cfg and builds the source. The USB device is not
// opened until Connect.
func NewFTDISource(cfg FTDIConfig) (*FTDISource, error) {
	if cfg.VendorID == 0 {
		cfg.VendorID = 0x0403
	}
	if cfg.ProductID == 0 {
		cfg.ProductID = 0x6010
	}
	if cfg.LatencyMs == 0 {
		cfg.LatencyMs = 2
	}
	if cfg.NChan < 1 {
		cfg.NChan = 1
	}
	if cfg.MPSSE && cfg.ClockHz <= 0 {
		cfg.ClockHz = 1_000_000
	}
	if _, err := ftdiChannelByName(cfg.Channel); err != nil {
		return nil, err
	}
	st, err := sampleTypeByName(cfg.SampleType)
	if err != nil {
		return nil, err
	}
	fs := &FTDISource{cfg: cfg, parser: NewBinaryParser(cfg.NChan, nil, st, cfg.BigEndian)}
	if err := fs.initSource("FTDISource", cfg.NChan, cfg.BufferCapacity, cfg.ResampleFactor); err != nil {
		return nil, err
	}
	return fs, nil
}

func ftdiChannelByName(name string) (ftdi.Channel, error) {
	switch strings.ToLower(name) {
	case "", "any":
		return ftdi.ChannelAny, nil
	case "a":
		return ftdi.ChannelA, nil
	case "b":
		return ftdi.ChannelB, nil
	}
	return 0, fmt.Errorf("unknown FTDI channel %q", name)
}

// SetCaptureWriter attaches a raw-byte capture sink. A nil writer disables
// capture. Only meaningful before StartStreaming.
func (fs *FTDISource) SetCaptureWriter(w *CaptureWriter) { fs.capture = w }

// Connect opens the first matching FTDI device, resets it, and programs the
// read path (latency timer, chunk size, optional MPSSE clock).
func (fs *FTDISource) Connect() error {
	channel, _ := ftdiChannelByName(fs.cfg.Channel)
	dev, err := ftdi.OpenFirst(fs.cfg.VendorID, fs.cfg.ProductID, channel)
	if err != nil {
		return classifyFTDIError(err, fs.cfg)
	}
	if err := fs.setupDevice(dev); err != nil {
		dev.Close()
		return err
	}
	fs.dev = dev
	mode := "FIFO"
	if fs.cfg.MPSSE {
		mode = fmt.Sprintf("MPSSE @ %d Hz", fs.cfg.ClockHz)
	}
	fs.setConnected(true, fmt.Sprintf("Connected to FTDI %04x:%04x (%s)",
		fs.cfg.VendorID, fs.cfg.ProductID, mode))
	return nil
}

func (fs *FTDISource) setupDevice(dev *ftdi.Device) error {
	if err := dev.SetBitmode(0, ftdi.ModeReset); err != nil {
		return fmt.Errorf("ftdi reset: %w", err)
	}
	if err := dev.SetLatencyTimer(fs.cfg.LatencyMs); err != nil {
		return fmt.Errorf("ftdi latency timer: %w", err)
	}
	if err := dev.SetReadChunkSize(readChunkSize); err != nil {
		return fmt.Errorf("ftdi read chunk size: %w", err)
	}
	if fs.cfg.MPSSE {
		if err := dev.SetBitmode(0x0b, ftdi.ModeMPSSE); err != nil {
			return fmt.Errorf("ftdi MPSSE mode: %w", err)
		}
		if err := programMPSSEClock(dev, fs.cfg.ClockHz); err != nil {
			return err
		}
	}
	if err := dev.PurgeBuffers(); err != nil {
		return fmt.Errorf("ftdi purge: %w", err)
	}
	return nil
}

// programMPSSEClock disables the div-by-5 prescaler and sets the TCK
// divisor for the requested clock, clamped to what the divisor can express.
func programMPSSEClock(dev *ftdi.Device, clockHz int) error {
	div := mpsseBaseClock/(2*clockHz) - 1
	if div < 0 {
		div = 0
	}
	if div > 0xFFFF {
		div = 0xFFFF
	}
	// 0x8A: disable clock divide-by-5; 0x86: set TCK divisor (low, high).
	cmd := []byte{0x8A, 0x86, byte(div), byte(div >> 8)}
	if _, err := dev.Write(cmd); err != nil {
		return fmt.Errorf("ftdi clock setup: %w", err)
	}
	return nil
}

// classifyFTDIError maps libftdi open failures onto the shared device error
// types. libftdi reports conditions as strings, so this matches substrings.
func classifyFTDIError(err error, cfg FTDIConfig) error {
	name := fmt.Sprintf("ftdi:%04x:%04x", cfg.VendorID, cfg.ProductID)
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "not found"):
		return &DeviceNotFoundError{Device: name}
	case strings.Contains(msg, "claim"), strings.Contains(msg, "busy"):
		return &DeviceBusyError{Device: name}
	}
	return fmt.Errorf("open %s: %w", name, err)
}

// Disconnect stops streaming and closes the device.
func (fs *FTDISource) Disconnect() error {
	err := fs.StopStreaming()
	if fs.dev != nil {
		fs.dev.Close()
		fs.dev = nil
	}
	fs.setConnected(false, "Disconnected")
	return err
}

// StartStreaming begins the shared byte-acquisition loop over the device.
func (fs *FTDISource) StartStreaming() error {
	dev := fs.dev
	return fs.beginStreaming(func(abort <-chan struct{}) {
		fs.runByteAcquisition(abort, &ftdiDevice{dev: dev}, fs.parser, fs.capture)
	})
}

// StopStreaming halts acquisition.
func (fs *FTDISource) StopStreaming() error { return fs.endStreaming() }

// ftdiDevice adapts an ftdi.Device to the shared acquisition loop. The
// driver buffers internally and returns whatever has arrived within the
// latency window, so a full chunk is always claimed available.
type ftdiDevice struct {
	dev *ftdi.Device
}

func (d *ftdiDevice) bytesAvailable() (int, error) { return readChunkSize, nil }
func (d *ftdiDevice) read(p []byte) (int, error)   { return d.dev.Read(p) }
func (d *ftdiDevice) close() error                 { return d.dev.Close() }
