package scopedaq

import (
	"bytes"
	"encoding/binary"
	"math"
	"strconv"
	"strings"
)

// SampleType identifies the wire encoding of one sample in a binary frame.
type SampleType int

// The supported fixed-width sample encodings.
const (
	TypeUint8 SampleType = iota
	TypeInt8
	TypeUint16
	TypeInt16
	TypeUint32
	TypeInt32
	TypeFloat32
)

// WireSize returns the encoded size of one sample in bytes.
func (st SampleType) WireSize() int {
	switch st {
	case TypeUint8, TypeInt8:
		return 1
	case TypeUint16, TypeInt16:
		return 2
	default:
		return 4
	}
}

func (st SampleType) String() string {
	names := []string{"uint8", "int8", "uint16", "int16", "uint32", "int32", "float32"}
	if st < 0 || int(st) >= len(names) {
		return "invalid"
	}
	return names[st]
}

// FrameMode selects between the two wire formats a FrameParser understands.
type FrameMode int

// The two frame formats.
const (
	BinaryFrames FrameMode = iota // [marker][C1][C2]...[Cn] repeating
	ASCIIFrames                   // value<delim>value<delim>...<terminator>
)

// DefaultFrameMarker is the binary frame-start marker used when a
// FrameParser is configured with none.
var DefaultFrameMarker = []byte{0xAA, 0xAA}

// maxResidueBytes bounds the undigested bytes carried between Parse calls.
// With a misconfigured marker the input would otherwise accumulate forever;
// past this cap the oldest bytes are dropped.
const maxResidueBytes = 65536

// FrameParser converts raw byte streams into per-channel samples. It holds
// only configuration: all parse state (the residue) is threaded explicitly
// through Parse, which makes chunk-boundary behavior trivially testable.
type FrameParser struct {
	Mode       FrameMode
	NumChans   int
	Marker     []byte     // binary mode frame-start marker
	Type       SampleType // binary mode element encoding
	BigEndian  bool       // binary mode byte order
	Delimiter  byte       // ASCII mode value separator
	Terminator byte       // ASCII mode line terminator
}

// NewBinaryParser returns a parser for marker-delimited fixed-width frames.
// A nil marker selects DefaultFrameMarker.
func NewBinaryParser(nchan int, marker []byte, stype SampleType, bigEndian bool) *FrameParser {
	if marker == nil {
		marker = DefaultFrameMarker
	}
	return &FrameParser{Mode: BinaryFrames, NumChans: nchan, Marker: marker,
		Type: stype, BigEndian: bigEndian}
}

// NewASCIIParser returns a parser for delimited text frames.
func NewASCIIParser(nchan int, delimiter, terminator byte) *FrameParser {
	return &FrameParser{Mode: ASCIIFrames, NumChans: nchan,
		Delimiter: delimiter, Terminator: terminator}
}

// Parse decodes residue++chunk into per-channel sample slices plus the new
// residue. The invariant callers rely on: re-feeding the returned residue
// ahead of the next chunk yields the same samples as parsing the unsplit
// byte sequence would have. Parse never panics; if decoding goes wrong
// internally, the residue is discarded (fail-discard) so one corrupt call
// cannot poison the next.
func (fp *FrameParser) Parse(residue, chunk []byte) (samples [][]float64, newResidue []byte) {
	defer func() {
		if r := recover(); r != nil {
			samples = emptyChannels(fp.NumChans)
			newResidue = nil
		}
	}()

	buf := make([]byte, 0, len(residue)+len(chunk))
	buf = append(buf, residue...)
	buf = append(buf, chunk...)

	if fp.Mode == ASCIIFrames {
		samples, newResidue = fp.parseASCII(buf)
	} else {
		samples, newResidue = fp.parseBinary(buf)
	}
	if len(newResidue) > maxResidueBytes {
		newResidue = newResidue[len(newResidue)-maxResidueBytes:]
	}
	return samples, newResidue
}

func emptyChannels(nchan int) [][]float64 {
	ch := make([][]float64, nchan)
	for i := range ch {
		ch[i] = []float64{}
	}
	return ch
}

func (fp *FrameParser) parseBinary(buf []byte) ([][]float64, []byte) {
	samples := emptyChannels(fp.NumChans)
	wire := fp.Type.WireSize()
	frameSize := len(fp.Marker) + fp.NumChans*wire
	var order binary.ByteOrder = binary.LittleEndian
	if fp.BigEndian {
		order = binary.BigEndian
	}

	pos := 0
	for {
		idx := bytes.Index(buf[pos:], fp.Marker)
		if idx < 0 {
			// No marker in what remains. Keep it all: the marker may be
			// split across the chunk boundary.
			return samples, buf[pos:]
		}
		pos += idx
		if len(buf)-pos < frameSize {
			// Found a frame start but the frame is incomplete; wait for
			// more bytes. Not an error.
			return samples, buf[pos:]
		}
		p := pos + len(fp.Marker)
		for ch := 0; ch < fp.NumChans; ch++ {
			samples[ch] = append(samples[ch], decodeSample(buf[p:p+wire], fp.Type, order))
			p += wire
		}
		pos = p
	}
}

func decodeSample(b []byte, st SampleType, order binary.ByteOrder) float64 {
	switch st {
	case TypeUint8:
		return float64(b[0])
	case TypeInt8:
		return float64(int8(b[0]))
	case TypeUint16:
		return float64(order.Uint16(b))
	case TypeInt16:
		return float64(int16(order.Uint16(b)))
	case TypeUint32:
		return float64(order.Uint32(b))
	case TypeInt32:
		return float64(int32(order.Uint32(b)))
	case TypeFloat32:
		return float64(math.Float32frombits(order.Uint32(b)))
	}
	panic("decodeSample: invalid SampleType")
}

func (fp *FrameParser) parseASCII(buf []byte) ([][]float64, []byte) {
	samples := emptyChannels(fp.NumChans)
	last := bytes.LastIndexByte(buf, fp.Terminator)
	if last < 0 {
		// No complete line yet; everything is residue.
		return samples, buf
	}
	residue := buf[last+1:]

	for _, line := range bytes.Split(buf[:last], []byte{fp.Terminator}) {
		line = bytes.TrimRight(line, "\r")
		if len(line) == 0 {
			continue
		}
		tokens := strings.Split(string(line), string(fp.Delimiter))
		for ch := 0; ch < fp.NumChans; ch++ {
			var v float64
			if ch < len(tokens) {
				parsed, err := strconv.ParseFloat(strings.TrimSpace(tokens[ch]), 64)
				if err == nil {
					v = parsed
				}
				// A non-numeric token decodes as 0.0, never an error.
			}
			samples[ch] = append(samples[ch], v)
		}
	}
	return samples, residue
}
