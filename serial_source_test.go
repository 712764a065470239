package scopedaq

import (
	"testing"

	"go.bug.st/serial"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSerialSourceDefaults(t *testing.T) {
	ss, err := NewSerialSource(SerialConfig{Port: "/dev/ttyUSB0"})
	require.NoError(t, err)
	assert.Equal(t, 115200, ss.cfg.Baud)
	assert.Equal(t, 8, ss.cfg.DataBits)
	assert.Equal(t, 1, ss.cfg.StopBits)
	assert.Equal(t, 1, ss.ChannelCount())
	assert.False(t, ss.IsConnected())
}

func TestNewSerialSourceRequiresPort(t *testing.T) {
	_, err := NewSerialSource(SerialConfig{})
	assert.Error(t, err)
}

func TestParserFromConfig(t *testing.T) {
	p, err := parserFromConfig(4, "binary", "int16", true, "")
	require.NoError(t, err)
	assert.Equal(t, BinaryFrames, p.Mode)
	assert.Equal(t, TypeInt16, p.Type)
	assert.True(t, p.BigEndian)

	p, err = parserFromConfig(2, "ascii", "", false, ";")
	require.NoError(t, err)
	assert.Equal(t, ASCIIFrames, p.Mode)
	assert.Equal(t, byte(';'), p.Delimiter)

	_, err = parserFromConfig(2, "morse", "", false, "")
	assert.Error(t, err)

	_, err = parserFromConfig(2, "binary", "complex128", false, "")
	assert.Error(t, err)
}

func TestSampleTypeByName(t *testing.T) {
	st, err := sampleTypeByName("")
	require.NoError(t, err)
	assert.Equal(t, TypeUint16, st, "default sample type is uint16")

	for name, want := range map[string]SampleType{
		"uint8": TypeUint8, "int8": TypeInt8, "int16": TypeInt16,
		"uint32": TypeUint32, "int32": TypeInt32, "float32": TypeFloat32,
	} {
		st, err := sampleTypeByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, st, name)
	}
}

func TestSerialModeMapping(t *testing.T) {
	assert.Equal(t, serial.NoParity, parityByName(""))
	assert.Equal(t, serial.NoParity, parityByName("none"))
	assert.Equal(t, serial.EvenParity, parityByName("EVEN"))
	assert.Equal(t, serial.OddParity, parityByName("odd"))

	assert.Equal(t, serial.OneStopBit, stopBitsByCount(1))
	assert.Equal(t, serial.TwoStopBits, stopBitsByCount(2))
}
