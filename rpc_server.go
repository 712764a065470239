package scopedaq

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"strings"
	"sync"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/spf13/viper"

	"github.com/scopedaq/scopedaq/internal/daqdb"
)

// SourceControl is the RPC sub-server that configures and operates the data
// sources. Clients speak JSON-RPC to it on Ports.RPC.
type SourceControl struct {
	mu sync.Mutex

	demoCfg   DemoConfig
	serialCfg SerialConfig
	ftdiCfg   FTDIConfig
	fileCfg   FileConfig
	capture   CaptureConfig

	activeSource DataSource
	captureFile  *CaptureWriter
	currentRun   *daqdb.RunMessage

	status        ServerStatus
	db            *daqdb.Connection
	clientUpdates chan<- ClientUpdate
}

// ServerStatus is what SourceControl reports to clients.
type ServerStatus struct {
	Running        bool
	SourceName     string
	Nchannels      int
	SampleRate     float64
	TotalSamples   uint64
	TotalBits      uint64
	ResampleFactor int
	StatusText     string
}

// CaptureConfig selects where raw device bytes are captured. An empty path
// disables capture.
type CaptureConfig struct {
	Path string `json:"path" mapstructure:"path"`
}

// NewSourceControl builds the control object with stored settings restored
// from the config file.
func NewSourceControl(db *daqdb.Connection, updates chan<- ClientUpdate) *SourceControl {
	sc := &SourceControl{db: db, clientUpdates: updates}
	// Restore whatever the config file holds; missing keys leave zero
	// values, which the source constructors replace with defaults.
	viper.UnmarshalKey("demo", &sc.demoCfg)
	viper.UnmarshalKey("serial", &sc.serialCfg)
	viper.UnmarshalKey("ftdi", &sc.ftdiCfg)
	viper.UnmarshalKey("file", &sc.fileCfg)
	viper.UnmarshalKey("capture", &sc.capture)
	return sc
}

func (s *SourceControl) storeConfig(key string, value interface{}) {
	viper.Set(key, value)
	if err := viper.WriteConfig(); err != nil {
		ProblemLogger.Printf("could not save %q to config file: %v", key, err)
	}
}

// ConfigureDemoSource stores the demo source configuration.
func (s *SourceControl) ConfigureDemoSource(args *DemoConfig, reply *bool) error {
	log.Printf("ConfigureDemoSource: %d chan, rate=%.3f, waveform=%s\n",
		args.NChan, args.SampleRate, args.Waveform)
	s.mu.Lock()
	s.demoCfg = *args
	s.mu.Unlock()
	s.storeConfig("demo", args)
	s.clientUpdates <- ClientUpdate{"DEMO", args}
	*reply = true
	return nil
}

// ConfigureSerialSource stores the serial source configuration.
func (s *SourceControl) ConfigureSerialSource(args *SerialConfig, reply *bool) error {
	log.Printf("ConfigureSerialSource: port=%s baud=%d nchan=%d\n", args.Port, args.Baud, args.NChan)
	UpdateLogger.Print(spew.Sdump(args))
	s.mu.Lock()
	s.serialCfg = *args
	s.mu.Unlock()
	s.storeConfig("serial", args)
	s.clientUpdates <- ClientUpdate{"SERIAL", args}
	*reply = true
	return nil
}

// ConfigureFTDISource stores the FTDI source configuration.
func (s *SourceControl) ConfigureFTDISource(args *FTDIConfig, reply *bool) error {
	log.Printf("ConfigureFTDISource: %04x:%04x nchan=%d mpsse=%t\n",
		args.VendorID, args.ProductID, args.NChan, args.MPSSE)
	UpdateLogger.Print(spew.Sdump(args))
	s.mu.Lock()
	s.ftdiCfg = *args
	s.mu.Unlock()
	s.storeConfig("ftdi", args)
	s.clientUpdates <- ClientUpdate{"FTDI", args}
	*reply = true
	return nil
}

// ConfigureFileSource stores the file replay configuration.
func (s *SourceControl) ConfigureFileSource(args *FileConfig, reply *bool) error {
	log.Printf("ConfigureFileSource: path=%s rate=%.3f loop=%t\n", args.Path, args.SampleRate, args.Loop)
	s.mu.Lock()
	s.fileCfg = *args
	s.mu.Unlock()
	s.storeConfig("file", args)
	s.clientUpdates <- ClientUpdate{"FILE", args}
	*reply = true
	return nil
}

// ConfigureCapture sets (or clears) the raw capture file path used by the
// next Start.
func (s *SourceControl) ConfigureCapture(args *CaptureConfig, reply *bool) error {
	s.mu.Lock()
	s.capture = *args
	s.mu.Unlock()
	s.storeConfig("capture", args)
	*reply = true
	return nil
}

// ChannelArgs pairs a channel number with its new configuration.
type ChannelArgs struct {
	Channel int
	Config  ChannelConfig
}

// ConfigureChannel applies gain, offset, label, and filter settings to one
// channel of the active source.
func (s *SourceControl) ConfigureChannel(args *ChannelArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	if err := s.activeSource.ConfigureChannel(args.Channel, args.Config); err != nil {
		return err
	}
	s.clientUpdates <- ClientUpdate{"CHANNEL", args}
	*reply = true
	return nil
}

// ResampleArgs carries the integer resampling factor.
type ResampleArgs struct {
	Factor int
}

// ConfigureResampling changes the active source's resampling factor.
func (s *SourceControl) ConfigureResampling(args *ResampleArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	if err := s.activeSource.SetResamplingFactor(args.Factor); err != nil {
		return err
	}
	s.status.ResampleFactor = args.Factor
	s.broadcastStatus()
	*reply = true
	return nil
}

// CapacityArgs carries the per-channel ring buffer capacity.
type CapacityArgs struct {
	Capacity int
}

// SetBufferCapacity resizes the active source's ring buffers.
func (s *SourceControl) SetBufferCapacity(args *CapacityArgs, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	if err := s.activeSource.SetBufferCapacity(args.Capacity); err != nil {
		return err
	}
	*reply = true
	return nil
}

// Start builds the named source from its stored configuration, connects it,
// and begins streaming.
func (s *SourceControl) Start(sourceName *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource != nil {
		return fmt.Errorf("a source is already active (call Stop first)")
	}

	var source DataSource
	var err error
	name := strings.ToUpper(*sourceName)
	switch name {
	case "DEMO", "DEMOSOURCE":
		source, err = NewDemoSource(s.demoCfg)
	case "SERIAL", "SERIALSOURCE":
		var ss *SerialSource
		if ss, err = NewSerialSource(s.serialCfg); err == nil {
			ss.SetCaptureWriter(s.openCapture())
			source = ss
		}
	case "FTDI", "FTDISOURCE":
		var fs *FTDISource
		if fs, err = NewFTDISource(s.ftdiCfg); err == nil {
			fs.SetCaptureWriter(s.openCapture())
			source = fs
		}
	case "FILE", "FILESOURCE":
		source, err = NewFileSource(s.fileCfg)
	default:
		return fmt.Errorf("data source %q is not recognized", *sourceName)
	}
	if err != nil {
		s.closeCapture()
		return err
	}

	log.Printf("Starting data source named %s\n", *sourceName)
	if err := source.Connect(); err != nil {
		s.closeCapture()
		return err
	}
	if err := source.StartStreaming(); err != nil {
		source.Disconnect()
		s.closeCapture()
		return err
	}
	s.activeSource = source

	s.status.Running = true
	s.status.SourceName = source.SourceName()
	s.status.Nchannels = source.ChannelCount()
	s.broadcastStatus()

	run := daqdb.NewRun(source.SourceName(), source.ChannelCount(), s.status.ResampleFactor)
	run.CapturePath = s.captureFile.Path()
	s.db.RecordRun(run)
	s.currentRun = run

	*reply = true
	return nil
}

// openCapture starts the raw capture file if one is configured. Must hold mu.
func (s *SourceControl) openCapture() *CaptureWriter {
	if s.capture.Path == "" {
		return nil
	}
	cw, err := StartCapture(s.capture.Path)
	if err != nil {
		ProblemLogger.Printf("capture disabled: %v", err)
		return nil
	}
	s.captureFile = cw
	return cw
}

// closeCapture closes any open capture file. Must hold mu.
func (s *SourceControl) closeCapture() {
	if s.captureFile != nil {
		s.captureFile.Close()
		s.captureFile = nil
	}
}

// Stop halts the active source and disconnects it.
func (s *SourceControl) Stop(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	log.Printf("Stopping data source\n")

	if s.currentRun != nil {
		s.currentRun.TotalSamples = s.activeSource.TotalSamples()
		s.currentRun.SampleRate = s.activeSource.SampleRate()
		s.db.FinishRun(s.currentRun)
		s.currentRun = nil
	}

	stopErr := s.activeSource.StopStreaming()
	s.activeSource.Disconnect()
	s.activeSource = nil
	s.closeCapture()

	s.status = ServerStatus{ResampleFactor: s.status.ResampleFactor}
	s.broadcastStatus()
	*reply = true
	return stopErr
}

// ReadLatestArgs asks for up to Max recent samples of one channel.
type ReadLatestArgs struct {
	Channel int
	Max     int
}

// LatestData is the reply to ReadLatest.
type LatestData struct {
	Samples      []float64
	TotalSamples uint64
}

// ReadLatest returns a snapshot of one channel's most recent samples.
func (s *SourceControl) ReadLatest(args *ReadLatestArgs, reply *LatestData) error {
	s.mu.Lock()
	source := s.activeSource
	s.mu.Unlock()
	if source == nil {
		return fmt.Errorf("no source is active")
	}
	if args.Max < 1 {
		return fmt.Errorf("Max must be positive, got %d", args.Max)
	}
	dest := make([]float64, args.Max)
	n, err := source.CopyLatest(args.Channel, dest, args.Max)
	if err != nil {
		return err
	}
	reply.Samples = dest[:n]
	reply.TotalSamples = source.TotalSamples()
	return nil
}

// CursorArgs asks for the samples committed after Cursor on one channel.
type CursorArgs struct {
	Channel int
	Cursor  uint64
}

// CursorData is the reply to ReadNewSince. Skipped counts samples lost to
// overwrite because the client read too slowly.
type CursorData struct {
	Samples []float64
	Next    uint64
	Skipped uint64
}

// ReadNewSince returns everything committed after the client's cursor.
func (s *SourceControl) ReadNewSince(args *CursorArgs, reply *CursorData) error {
	s.mu.Lock()
	source := s.activeSource
	s.mu.Unlock()
	if source == nil {
		return fmt.Errorf("no source is active")
	}
	samples, next, skipped, err := source.ReadNewSince(args.Channel, args.Cursor)
	if err != nil {
		return err
	}
	reply.Samples = samples
	reply.Next = next
	reply.Skipped = skipped
	return nil
}

// SnapshotArgs selects where and how much to dump.
type SnapshotArgs struct {
	Directory string
	Samples   int
}

// Snapshot writes the most recent samples of every channel to .npy files in
// the given directory and returns the paths written.
func (s *SourceControl) Snapshot(args *SnapshotArgs, reply *[]string) error {
	s.mu.Lock()
	source := s.activeSource
	s.mu.Unlock()
	if source == nil {
		return fmt.Errorf("no source is active")
	}
	if args.Samples < 1 {
		return fmt.Errorf("Samples must be positive, got %d", args.Samples)
	}
	paths, err := SnapshotAllChannels(args.Directory, source, args.Samples)
	if err != nil {
		return err
	}
	log.Printf("Snapshot wrote %d channel files to %s\n", len(paths), args.Directory)
	*reply = paths
	return nil
}

// ClearData empties the active source's ring buffers.
func (s *SourceControl) ClearData(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.activeSource == nil {
		return fmt.Errorf("no source is active")
	}
	s.activeSource.ClearData()
	*reply = true
	return nil
}

// SendAllStatus broadcasts all broadcastable state to status subscribers.
func (s *SourceControl) SendAllStatus(dummy *string, reply *bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.broadcastStatus()
	s.clientUpdates <- ClientUpdate{"DEMO", s.demoCfg}
	s.clientUpdates <- ClientUpdate{"SERIAL", s.serialCfg}
	s.clientUpdates <- ClientUpdate{"FTDI", s.ftdiCfg}
	s.clientUpdates <- ClientUpdate{"FILE", s.fileCfg}
	*reply = true
	return nil
}

// broadcastStatus refreshes live counters and publishes. Must hold mu.
func (s *SourceControl) broadcastStatus() {
	if s.activeSource != nil {
		s.status.SampleRate = s.activeSource.SampleRate()
		s.status.TotalSamples = s.activeSource.TotalSamples()
		s.status.TotalBits = s.activeSource.TotalBits()
		s.status.StatusText = s.activeSource.StatusText()
		s.status.Running = s.activeSource.IsStreaming()
	}
	s.clientUpdates <- ClientUpdate{"STATUS", s.status}
}

// RunRPCServer runs the JSON-RPC server until abort closes.
func RunRPCServer(db *daqdb.Connection, messageChan chan<- ClientUpdate, portrpc int, abort <-chan struct{}) {
	sourceControl := NewSourceControl(db, messageChan)
	log.Printf("ScopeDAQ is using config file %s\n", viper.ConfigFileUsed())

	// Periodic status broadcasts keep passive clients current.
	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-abort:
				return
			case <-ticker.C:
				sourceControl.mu.Lock()
				sourceControl.broadcastStatus()
				sourceControl.mu.Unlock()
			}
		}
	}()

	server := rpc.NewServer()
	server.Register(sourceControl)
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", portrpc))
	if err != nil {
		log.Fatal("listen error:", err)
	}
	go func() {
		<-abort
		listener.Close()
	}()
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-abort:
				return
			default:
				log.Fatal("accept error: " + err.Error())
			}
		}
		log.Printf("new connection established\n")
		go server.ServeCodec(jsonrpc.NewServerCodec(conn))
	}
}
