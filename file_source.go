package scopedaq

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// FileConfig configures replay of a delimited text file as a live source.
type FileConfig struct {
	Path       string  `json:"path" mapstructure:"path"`
	Delimiter  string  `json:"delimiter" mapstructure:"delimiter"`
	SkipHeader bool    `json:"skipHeader" mapstructure:"skipheader"`
	SampleRate float64 `json:"sampleRate" mapstructure:"samplerate"`
	Loop       bool    `json:"loop" mapstructure:"loop"`

	ResampleFactor int `json:"resampleFactor" mapstructure:"resamplefactor"`
	BufferCapacity int `json:"bufferCapacity" mapstructure:"buffercapacity"`
}

// FileSource replays a delimited sample file at a configured rate, as if it
// were a live device. Useful for regression work and demos against recorded
// data.
type FileSource struct {
	AnySource
	cfg  FileConfig
	data [][]float64 // column-major: data[ch][row]
	pos  int
}

// NewFileSource validates cfg. The file is not read until Connect.
func NewFileSource(cfg FileConfig) (*FileSource, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file source needs a path")
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 1000
	}
	if cfg.Delimiter == "" {
		cfg.Delimiter = ","
	}
	return &FileSource{cfg: cfg}, nil
}

// Connect loads the whole file into memory, column-major, and sizes the
// channel machinery to the column count it finds.
func (f *FileSource) Connect() error {
	data, err := loadDelimitedColumns(f.cfg.Path, f.cfg.Delimiter, f.cfg.SkipHeader)
	if err != nil {
		if os.IsNotExist(err) {
			return &DeviceNotFoundError{Device: f.cfg.Path}
		}
		return err
	}
	if len(data) == 0 || len(data[0]) == 0 {
		return fmt.Errorf("file %s holds no samples", f.cfg.Path)
	}
	if err := f.initSource("FileSource", len(data), f.cfg.BufferCapacity, f.cfg.ResampleFactor); err != nil {
		return err
	}
	f.data = data
	f.pos = 0
	f.setConnected(true, fmt.Sprintf("Loaded %s: %d channels, %d rows",
		f.cfg.Path, len(data), len(data[0])))
	return nil
}

// loadDelimitedColumns parses a delimited text file into column-major
// float64 slices. The first data line fixes the column count; short rows
// pad with zero, long rows drop the excess, and unparsable fields become
// zero, matching the live ASCII frame decoder's tolerance.
func loadDelimitedColumns(path, delim string, skipHeader bool) ([][]float64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	var cols [][]float64
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if first && skipHeader {
			first = false
			continue
		}
		first = false
		fields := strings.Split(line, delim)
		if cols == nil {
			cols = make([][]float64, len(fields))
		}
		for ch := range cols {
			v := 0.0
			if ch < len(fields) {
				if parsed, err := strconv.ParseFloat(strings.TrimSpace(fields[ch]), 64); err == nil {
					v = parsed
				}
			}
			cols[ch] = append(cols[ch], v)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return cols, nil
}

// Disconnect stops replay and releases the loaded data.
func (f *FileSource) Disconnect() error {
	err := f.StopStreaming()
	f.data = nil
	f.setConnected(false, "Disconnected")
	return err
}

// StartStreaming begins timed replay from the start of the file.
func (f *FileSource) StartStreaming() error {
	return f.beginStreaming(f.run)
}

// StopStreaming halts replay.
func (f *FileSource) StopStreaming() error { return f.endStreaming() }

func (f *FileSource) run(abort <-chan struct{}) {
	// The replay position belongs to the acquisition goroutine alone; a
	// redundant StartStreaming must not rewind a replay in progress.
	f.pos = 0

	const period = 20 * time.Millisecond
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	perBlock := f.cfg.SampleRate * period.Seconds()
	carry := 0.0
	rows := len(f.data[0])

	for {
		select {
		case <-abort:
			return
		case <-ticker.C:
			want := perBlock + carry
			n := int(want)
			carry = want - float64(n)
			for n > 0 {
				if f.pos >= rows {
					if !f.cfg.Loop {
						f.setStatus("Replay complete")
						return
					}
					f.pos = 0
				}
				end := f.pos + n
				if end > rows {
					end = rows
				}
				block := make([][]float64, len(f.data))
				for ch := range f.data {
					// Copy: the pipeline mutates blocks in place.
					block[ch] = append([]float64(nil), f.data[ch][f.pos:end]...)
				}
				emitted := end - f.pos
				f.pos = end
				n -= emitted
				f.commitBlock(block, emitted*len(f.data)*64)
			}
		}
	}
}
