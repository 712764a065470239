package scopedaq

import (
	"errors"
	"fmt"
	"strings"

	"go.bug.st/serial"
)

// SerialConfig configures a serial-port source.
type SerialConfig struct {
	Port     string `json:"port" mapstructure:"port"`
	Baud     int    `json:"baud" mapstructure:"baud"`
	DataBits int    `json:"dataBits" mapstructure:"databits"`
	Parity   string `json:"parity" mapstructure:"parity"` // none, even, odd
	StopBits int    `json:"stopBits" mapstructure:"stopbits"`

	NChan          int    `json:"nChan" mapstructure:"nchan"`
	FrameMode      string `json:"frameMode" mapstructure:"framemode"` // binary, ascii
	SampleType     string `json:"sampleType" mapstructure:"sampletype"`
	BigEndian      bool   `json:"bigEndian" mapstructure:"bigendian"`
	Delimiter      string `json:"delimiter" mapstructure:"delimiter"`
	ResampleFactor int    `json:"resampleFactor" mapstructure:"resamplefactor"`
	BufferCapacity int    `json:"bufferCapacity" mapstructure:"buffercapacity"`
}

// SerialSource acquires framed samples from a serial port.
type SerialSource struct {
	AnySource
	cfg     SerialConfig
	parser  *FrameParser
	port    serial.Port
	capture *CaptureWriter
}

// ListSerialPorts enumerates the serial ports present on this machine.
func ListSerialPorts() ([]string, error) {
	return serial.GetPortsList()
}

// NewSerialSource validates cfg and builds the source. The port is not
// opened until Connect.
func NewSerialSource(cfg SerialConfig) (*SerialSource, error) {
	if cfg.Port == "" {
		return nil, errors.New("serial source needs a port name")
	}
	if cfg.Baud <= 0 {
		cfg.Baud = 115200
	}
	if cfg.DataBits == 0 {
		cfg.DataBits = 8
	}
	if cfg.StopBits == 0 {
		cfg.StopBits = 1
	}
	if cfg.NChan < 1 {
		cfg.NChan = 1
	}
	parser, err := parserFromConfig(cfg.NChan, cfg.FrameMode, cfg.SampleType, cfg.BigEndian, cfg.Delimiter)
	if err != nil {
		return nil, err
	}
	ss := &SerialSource{cfg: cfg, parser: parser}
	if err := ss.initSource("SerialSource", cfg.NChan, cfg.BufferCapacity, cfg.ResampleFactor); err != nil {
		return nil, err
	}
	return ss, nil
}

// parserFromConfig maps the string-typed wire settings an RPC client or the
// config file supplies onto a FrameParser.
func parserFromConfig(nchan int, frameMode, sampleType string, bigEndian bool, delimiter string) (*FrameParser, error) {
	switch strings.ToLower(frameMode) {
	case "", "binary":
		st, err := sampleTypeByName(sampleType)
		if err != nil {
			return nil, err
		}
		return NewBinaryParser(nchan, nil, st, bigEndian), nil
	case "ascii":
		delim := byte(',')
		if delimiter != "" {
			delim = delimiter[0]
		}
		return NewASCIIParser(nchan, delim, '\n'), nil
	}
	return nil, fmt.Errorf("unknown frame mode %q", frameMode)
}

func sampleTypeByName(name string) (SampleType, error) {
	switch strings.ToLower(name) {
	case "", "uint16":
		return TypeUint16, nil
	case "uint8":
		return TypeUint8, nil
	case "int8":
		return TypeInt8, nil
	case "int16":
		return TypeInt16, nil
	case "uint32":
		return TypeUint32, nil
	case "int32":
		return TypeInt32, nil
	case "float32":
		return TypeFloat32, nil
	}
	return 0, fmt.Errorf("unknown sample type %q", name)
}

// SetCaptureWriter attaches a raw-byte capture sink. A nil writer disables
// capture. Only meaningful before StartStreaming.
func (ss *SerialSource) SetCaptureWriter(w *CaptureWriter) { ss.capture = w }

// Connect opens the serial port, classifying not-found and busy failures so
// clients can distinguish a wrong name from a port another program holds.
func (ss *SerialSource) Connect() error {
	mode := &serial.Mode{
		BaudRate: ss.cfg.Baud,
		DataBits: ss.cfg.DataBits,
		Parity:   parityByName(ss.cfg.Parity),
		StopBits: stopBitsByCount(ss.cfg.StopBits),
	}
	port, err := serial.Open(ss.cfg.Port, mode)
	if err != nil {
		var pe *serial.PortError
		if errors.As(err, &pe) {
			switch pe.Code() {
			case serial.PortNotFound:
				return &DeviceNotFoundError{Device: ss.cfg.Port}
			case serial.PortBusy:
				return &DeviceBusyError{Device: ss.cfg.Port}
			}
		}
		return fmt.Errorf("open %s: %w", ss.cfg.Port, err)
	}
	// A bounded read timeout stands in for a queue-depth query, which the
	// serial layer does not expose: reads return what arrived, or zero.
	if err := port.SetReadTimeout(pollSleepMax); err != nil {
		port.Close()
		return fmt.Errorf("set timeout on %s: %w", ss.cfg.Port, err)
	}
	port.ResetInputBuffer()
	ss.port = port
	ss.setConnected(true, fmt.Sprintf("Connected to %s at %d baud", ss.cfg.Port, ss.cfg.Baud))
	return nil
}

// Disconnect stops streaming and closes the port.
func (ss *SerialSource) Disconnect() error {
	err := ss.StopStreaming()
	if ss.port != nil {
		ss.port.Close()
		ss.port = nil
	}
	ss.setConnected(false, "Disconnected")
	return err
}

// StartStreaming begins the shared byte-acquisition loop over the port.
func (ss *SerialSource) StartStreaming() error {
	port := ss.port
	return ss.beginStreaming(func(abort <-chan struct{}) {
		ss.runByteAcquisition(abort, &serialDevice{port: port}, ss.parser, ss.capture)
	})
}

// StopStreaming halts acquisition.
func (ss *SerialSource) StopStreaming() error { return ss.endStreaming() }

// serialDevice adapts a serial.Port to the shared acquisition loop. The
// port cannot report queued byte counts, so it claims a full chunk is always
// available and relies on the bounded read timeout set at Connect.
type serialDevice struct {
	port serial.Port
}

func (d *serialDevice) bytesAvailable() (int, error) { return readChunkSize, nil }
func (d *serialDevice) read(p []byte) (int, error)   { return d.port.Read(p) }
func (d *serialDevice) close() error                 { return d.port.Close() }

func parityByName(name string) serial.Parity {
	switch strings.ToLower(name) {
	case "even":
		return serial.EvenParity
	case "odd":
		return serial.OddParity
	}
	return serial.NoParity
}

func stopBitsByCount(n int) serial.StopBits {
	if n == 2 {
		return serial.TwoStopBits
	}
	return serial.OneStopBit
}
