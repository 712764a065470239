package daqdb

import (
	"os"
	"runtime"
	"time"
)

// The composite types stored in the ClickHouse tables.

// SessionMessage is one row of the sessions table: one daemon lifetime.
type SessionMessage struct {
	ID        string
	Hostname  string
	Githash   string
	Version   string
	GoVersion string
	CPUs      int
	Start     time.Time
	End       time.Time
}

// NewSession builds the session row for this process.
func NewSession(version, githash string) *SessionMessage {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown host"
	}
	now := time.Now()
	return &SessionMessage{
		ID:        NewID(),
		Hostname:  hostname,
		Githash:   githash,
		Version:   version,
		GoVersion: runtime.Version(),
		CPUs:      runtime.NumCPU(),
		Start:     now,
		End:       now,
	}
}

// Stamp sets the end time to now.
func (s *SessionMessage) Stamp() { s.End = time.Now() }

// RunMessage is one row of the dataruns table: one streaming run of one
// source within a session.
type RunMessage struct {
	ID             string
	Source         string
	Nchannels      int
	SampleRate     float64
	ResampleFactor int
	TotalSamples   uint64
	CapturePath    string
	Start          time.Time
	End            time.Time
}

// NewRun builds a run row for the named source.
func NewRun(source string, nchan, resampleFactor int) *RunMessage {
	now := time.Now()
	return &RunMessage{
		ID:             NewID(),
		Source:         source,
		Nchannels:      nchan,
		ResampleFactor: resampleFactor,
		Start:          now,
		End:            now,
	}
}

// Stamp sets the end time to now.
func (m *RunMessage) Stamp() { m.End = time.Now() }
