package scopedaq

import (
	"log"
	"os"
	"time"
)

// Portnumbers holds all TCP port numbers used by ScopeDAQ.
type Portnumbers struct {
	RPC    int
	Status int
}

// Ports globally holds all TCP port numbers used by ScopeDAQ.
var Ports Portnumbers

func setPortnumbers(base int) {
	Ports.RPC = base
	Ports.Status = base + 1
}

// BuildInfo contains compile-time information about the build.
type BuildInfo struct {
	Version string
	Githash string
	Date    string
	Summary string
	Host    string
}

// Build is a global holding compile-time information about the build.
var Build = BuildInfo{
	Version: "0.3.1",
	Githash: "no git hash computed",
	Date:    "no build date computed",
}

// StartTime is a global holding the time init() was run.
var StartTime time.Time

// ProblemLogger logs warning messages to a file.
var ProblemLogger *log.Logger

// UpdateLogger logs client status updates to a file.
var UpdateLogger *log.Logger

func init() {
	setPortnumbers(5750)
	StartTime = time.Now()

	// The main program overrides these with rotating file loggers, but at
	// least initialize with sensible values.
	ProblemLogger = log.New(os.Stderr, "", log.LstdFlags)
	UpdateLogger = log.New(os.Stderr, "", log.LstdFlags)
}
