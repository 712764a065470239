package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime"
	"runtime/pprof"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/scopedaq/scopedaq"
	"github.com/scopedaq/scopedaq/internal/daqdb"
)

var githash = "githash not computed"
var buildDate = "build date not computed"

// appDir returns $HOME/.scopedaq/<subdir>, creating it on first use. An
// empty subdir names the config directory itself.
func appDir(subdir string) (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	dir := filepath.Join(home, ".scopedaq", subdir)
	if err := os.MkdirAll(dir, 0775); err != nil {
		return "", err
	}
	return dir, nil
}

// setupViper locates the yaml config file, creating an empty one on first
// run so viper.WriteConfig has a target, and reads it.
func setupViper() error {
	viper.SetDefault("Verbose", false)

	dir, err := appDir("")
	if err != nil {
		return err
	}
	cfgfile := filepath.Join(dir, "config.yaml")
	f, err := os.OpenFile(cfgfile, os.O_WRONLY|os.O_CREATE, 0664)
	if err != nil {
		return err
	}
	f.Close()

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(filepath.FromSlash("/etc/scopedaq"))
	viper.AddConfigPath(dir)
	viper.AddConfigPath(".")
	if err := viper.ReadInConfig(); err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	return nil
}

// newRotatingLogger logs to a size-rotated, compressed file. Lumberjack
// creates the file lazily on the first write.
func newRotatingLogger(filename string) *log.Logger {
	return log.New(&lumberjack.Logger{
		Filename:   filename,
		MaxSize:    10, // megabytes
		MaxBackups: 4,
		MaxAge:     180, // days
		Compress:   true,
	}, "", log.LstdFlags)
}

func main() {
	buildDate = strings.Replace(buildDate, ".", " ", -1) // workaround for Make problems
	scopedaq.Build.Date = buildDate
	scopedaq.Build.Githash = githash
	scopedaq.Build.Summary = fmt.Sprintf("ScopeDAQ version %s (git commit %s)",
		scopedaq.Build.Version, githash)
	if host, err := os.Hostname(); err == nil {
		scopedaq.Build.Host = host
	} else {
		scopedaq.Build.Host = "host not detected"
	}

	printVersion := flag.Bool("version", false, "print version and quit")
	pingDB := flag.Bool("pingdb", false, "check the session database connection and quit")
	cpuprofile := flag.String("cpuprofile", "", "write CPU profile to given file")
	memprofile := flag.String("memprofile", "", "write memory profile to given file")
	flag.Parse()

	if *printVersion {
		fmt.Printf("This is ScopeDAQ version %s\n", scopedaq.Build.Version)
		fmt.Printf("Git commit hash: %s\n", githash)
		fmt.Printf("Build time: %s\n", buildDate)
		fmt.Printf("Built on go version %s\n", runtime.Version())
		fmt.Printf("Running on %d CPUs.\n", runtime.NumCPU())
		os.Exit(0)
	}
	if *pingDB {
		if err := daqdb.PingServer(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
		os.Exit(0)
	}

	banner := fmt.Sprintf("\nThis is ScopeDAQ version %s (git commit %s)\n",
		scopedaq.Build.Version, githash)
	fmt.Print(banner)

	if *cpuprofile != "" {
		f, err := os.Create(*cpuprofile)
		if err != nil {
			log.Fatal(err)
		}
		pprof.StartCPUProfile(f)
		defer pprof.StopCPUProfile()
	}

	// Start logging problems and updates to 2 rotating log files.
	logdir, err := appDir("logs")
	if err != nil {
		panic(err)
	}
	problemname := filepath.Join(logdir, "problems.log")
	logname := filepath.Join(logdir, "updates.log")
	scopedaq.ProblemLogger = newRotatingLogger(problemname)
	scopedaq.UpdateLogger = newRotatingLogger(logname)
	fmt.Printf("Logging problems       to %s\n", problemname)
	fmt.Printf("Logging client updates to %s\n\n", logname)
	scopedaq.UpdateLogger.Printf("\n\n\n\n%s", banner)

	// Find config file, creating it if needed, and read it.
	if err := setupViper(); err != nil {
		panic(err)
	}

	abort := make(chan struct{})
	session := daqdb.NewSession(scopedaq.Build.Version, githash)
	db := daqdb.Start(session, abort)

	messages := scopedaq.RunClientUpdater(scopedaq.Ports.Status, abort)
	scopedaq.RunRPCServer(db, messages, scopedaq.Ports.RPC, abort)
	close(abort)
	db.Wait()
	writeMemoryProfile(memprofile)
}

// writeMemoryProfile writes the memory use profile to the indicated file.
// If `memprofile` points to an empty string, do not write.
func writeMemoryProfile(memprofile *string) {
	if *memprofile == "" {
		return
	}
	f, err := os.Create(*memprofile)
	if err != nil {
		log.Fatal("could not create memory profile: ", err)
	}
	defer f.Close()
	runtime.GC()
	if err := pprof.WriteHeapProfile(f); err != nil {
		log.Fatal("could not write memory profile: ", err)
	}
}
