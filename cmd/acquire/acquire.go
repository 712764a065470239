// Command acquire runs a source headlessly for a fixed duration and dumps
// each channel's most recent samples to .npy files, one per channel. Handy
// for bench checks without the daemon or a GUI.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"time"

	"github.com/scopedaq/scopedaq"
)

type acquireOptions struct {
	nchan    int
	rate     float64
	waveform string
	seconds  float64
	nsamples int
	output   string
	port     string
	baud     int
}

var opt acquireOptions

func parseOptions() error {
	flag.IntVar(&opt.nchan, "c", 4, "number of channels (demo source)")
	flag.Float64Var(&opt.rate, "r", 10000, "sample rate in Hz (demo source)")
	flag.StringVar(&opt.waveform, "w", "sine", "demo waveform: sine, square, triangle, noise, chirp, mixed, tonepair")
	flag.Float64Var(&opt.seconds, "t", 2.0, "seconds to acquire")
	flag.IntVar(&opt.nsamples, "n", 0, "samples per channel to dump (<=0 means buffer capacity)")
	flag.StringVar(&opt.output, "o", ".", "output directory for .npy files")
	flag.StringVar(&opt.port, "p", "", "serial port to acquire from instead of the demo source")
	flag.IntVar(&opt.baud, "b", 115200, "serial baud rate")
	flag.Parse()

	if opt.seconds <= 0 {
		return fmt.Errorf("acquisition time (%f s) must be positive", opt.seconds)
	}
	return nil
}

func buildSource() (scopedaq.DataSource, error) {
	if opt.port != "" {
		return scopedaq.NewSerialSource(scopedaq.SerialConfig{
			Port:  opt.port,
			Baud:  opt.baud,
			NChan: opt.nchan,
		})
	}
	return scopedaq.NewDemoSource(scopedaq.DemoConfig{
		NChan:      opt.nchan,
		SampleRate: opt.rate,
		Waveform:   scopedaq.Waveform(opt.waveform),
	})
}

func acquire(source scopedaq.DataSource) error {
	if err := source.Connect(); err != nil {
		return err
	}
	defer source.Disconnect()
	if err := source.StartStreaming(); err != nil {
		return err
	}

	// Trap interrupts so we can cleanly exit the program early.
	interruptCatcher := make(chan os.Signal, 1)
	signal.Notify(interruptCatcher, os.Interrupt)
	select {
	case <-interruptCatcher:
		log.Printf("interrupted; dumping what we have")
	case <-time.After(time.Duration(opt.seconds * float64(time.Second))):
	}
	if err := source.StopStreaming(); err != nil {
		return err
	}

	log.Printf("acquired %d samples/chan at %.1f samples/s",
		source.TotalSamples(), source.SampleRate())

	n := opt.nsamples
	if n <= 0 {
		n = int(source.TotalSamples())
		if n == 0 {
			return fmt.Errorf("no samples acquired")
		}
	}
	paths, err := scopedaq.SnapshotAllChannels(opt.output, source, n)
	if err != nil {
		return err
	}
	for _, p := range paths {
		fmt.Println(p)
	}
	return nil
}

func main() {
	if err := parseOptions(); err != nil {
		log.Fatal(err)
	}
	source, err := buildSource()
	if err != nil {
		log.Fatal(err)
	}
	if err := acquire(source); err != nil {
		log.Fatal(err)
	}
}
