package scopedaq

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	sysctl "github.com/lorenzosaino/go-sysctl"
	"github.com/sbinet/npyio"

	"github.com/scopedaq/scopedaq/internal/asyncio"
)

const (
	captureQueueDepth    = 4096
	captureFlushInterval = 250 * time.Millisecond
)

// CaptureWriter streams the raw device bytes of a session to a file without
// ever blocking the acquisition loop. A nil *CaptureWriter is valid and
// discards everything, so sources call Write unconditionally.
type CaptureWriter struct {
	path    string
	file    *os.File
	aw      *asyncio.Writer
	written uint64
	dropped uint64

	closeOnce sync.Once
}

// StartCapture opens (truncating) a raw capture file at path.
func StartCapture(path string) (*CaptureWriter, error) {
	warnWritebackTuning()
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create capture file %s: %w", path, err)
	}
	return &CaptureWriter{
		path: path,
		file: file,
		aw:   asyncio.NewWriter(file, captureQueueDepth, captureFlushInterval),
	}, nil
}

// Write queues raw bytes for capture. Never blocks; when the disk cannot
// keep up the bytes are dropped and counted.
func (cw *CaptureWriter) Write(p []byte) {
	if cw == nil || len(p) == 0 {
		return
	}
	if _, err := cw.aw.Write(p); err != nil {
		atomic.AddUint64(&cw.dropped, uint64(len(p)))
		return
	}
	atomic.AddUint64(&cw.written, uint64(len(p)))
}

// BytesWritten reports bytes accepted for capture so far.
func (cw *CaptureWriter) BytesWritten() uint64 {
	if cw == nil {
		return 0
	}
	return atomic.LoadUint64(&cw.written)
}

// BytesDropped reports bytes lost to a saturated capture queue.
func (cw *CaptureWriter) BytesDropped() uint64 {
	if cw == nil {
		return 0
	}
	return atomic.LoadUint64(&cw.dropped)
}

// Path reports the capture file's path.
func (cw *CaptureWriter) Path() string {
	if cw == nil {
		return ""
	}
	return cw.path
}

// Close drains the queue and closes the file. Safe to call more than once.
func (cw *CaptureWriter) Close() error {
	if cw == nil {
		return nil
	}
	var err error
	cw.closeOnce.Do(func() {
		cw.aw.Close()
		err = cw.file.Close()
		if d := cw.BytesDropped(); d > 0 {
			ProblemLogger.Printf("capture %s dropped %d bytes (disk too slow)", cw.path, d)
		}
	})
	return err
}

var writebackCheckOnce sync.Once

// warnWritebackTuning flags kernel writeback settings that make sustained
// capture bursty: a high dirty_background_ratio lets gigabytes of capture
// data pile up in page cache before writeback starts, then stalls the disk
// for seconds when it does.
func warnWritebackTuning() {
	writebackCheckOnce.Do(func() {
		v, err := sysctl.Get("vm.dirty_background_ratio")
		if err != nil {
			return // not Linux, or /proc/sys unreadable; nothing to check
		}
		ratio, err := strconv.Atoi(v)
		if err != nil {
			return
		}
		if ratio > 10 {
			ProblemLogger.Printf("vm.dirty_background_ratio=%d; sustained capture may stall in writeback bursts (consider sysctl -w vm.dirty_background_ratio=5)", ratio)
		}
	})
}

// WriteChannelSnapshot writes one channel's samples to a .npy file readable
// by numpy.load.
func WriteChannelSnapshot(path string, samples []float64) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create snapshot %s: %w", path, err)
	}
	defer file.Close()
	if err := npyio.Write(file, samples); err != nil {
		return fmt.Errorf("write snapshot %s: %w", path, err)
	}
	return nil
}

// SnapshotAllChannels writes the most recent n samples of every channel to
// dir as chan0000.npy, chan0001.npy, ... and returns the paths written.
// Channels with no data are skipped.
func SnapshotAllChannels(dir string, src DataSource, n int) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	var paths []string
	dest := make([]float64, n)
	for ch := 0; ch < src.ChannelCount(); ch++ {
		got, err := src.CopyLatest(ch, dest, n)
		if err != nil {
			return paths, err
		}
		if got == 0 {
			continue
		}
		path := filepath.Join(dir, fmt.Sprintf("chan%04d.npy", ch))
		if err := WriteChannelSnapshot(path, dest[:got]); err != nil {
			return paths, err
		}
		paths = append(paths, path)
	}
	return paths, nil
}
