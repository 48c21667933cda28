package main

import (
	"fmt"
	"log"
	"os"
	"path/filepath"
	"runtime/pprof"

	"github.com/davecgh/go-spew/spew"
	"github.com/evanphx/x86core/config"
	"github.com/evanphx/x86core/kernel"
	clog "github.com/evanphx/x86core/log"
	"github.com/evanphx/x86core/syscalls"
	"github.com/spf13/pflag"
)

var (
	fConfig    = pflag.StringP("config", "c", "", "JSON boot configuration")
	fScheduler = pflag.StringP("scheduler", "s", "", "scheduling policy: rr, priority, cfs, edf or rm")
	fMemory    = pflag.Uint32P("memory", "m", 0, "physical memory in MiB")
	fInitrd    = pflag.StringP("initrd", "i", "", "tar archive unpacked into the root filesystem")
	fHostFS    = pflag.StringP("hostfs", "H", "", "host directory mounted on /host")
	fLogLevel  = pflag.StringP("log-level", "l", "", "log level")
	fTicks     = pflag.IntP("ticks", "t", 1000, "timer ticks to run before stopping")
	fNoDemo    = pflag.Bool("no-demo", false, "skip the demo workload")
	fDump      = pflag.Bool("dump-config", false, "print the effective configuration and exit")
	fVerbose   = pflag.CountP("verbose", "v", "more logging; repeat for trace")
)

func loadConfig() (*config.Config, error) {
	cfg := config.Default()

	if *fConfig != "" {
		var err error
		cfg, err = config.Load(*fConfig)
		if err != nil {
			return nil, err
		}
	}

	if *fScheduler != "" {
		cfg.Scheduler = *fScheduler
	}
	if *fMemory != 0 {
		cfg.MemoryMB = *fMemory
	}
	if *fInitrd != "" {
		cfg.Initrd = *fInitrd
	}
	if *fHostFS != "" {
		cfg.HostFS = *fHostFS
	}
	if *fLogLevel != "" {
		cfg.LogLevel = *fLogLevel
	}

	if args := pflag.Args(); len(args) > 0 {
		cfg.Init = args[0]
	}

	return cfg, cfg.Validate()
}

func main() {
	cpuprofile := os.Getenv("CPUPROFILE")
	if cpuprofile != "" {
		f, err := os.Create(cpuprofile)
		if err != nil {
			log.Fatal("could not create CPU profile: ", err)
		}
		if err := pprof.StartCPUProfile(f); err != nil {
			log.Fatal("could not start CPU profile: ", err)
		}
		fmt.Printf("pprof: profiling started\n")
	}

	pflag.Parse()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal(err)
	}

	if *fDump {
		spew.Fdump(os.Stdout, cfg)
		return
	}

	k, err := kernel.Boot(cfg, os.Stdout)
	if err != nil {
		log.Fatal(err)
	}

	clog.Verbose(*fVerbose)

	m := kernel.NewMachine(k)
	syscalls.Install(m)

	if _, err := k.Root.Stat(k.Init().Context(), cfg.Init); err == nil || len(pflag.Args()) > 0 {
		inputArgs := pflag.Args()

		args := []string{filepath.Base(cfg.Init)}
		if len(inputArgs) > 1 {
			args = append(args, inputArgs[1:]...)
		}

		if err := k.StartInit(args, []string{"HOME=/", "TERM=" + os.Getenv("TERM")}); err != nil {
			log.Fatal(err)
		}
		m.Reload()

		clog.L.Info("init-started", "path", cfg.Init, "entry", fmt.Sprintf("%#x", m.Regs().EIP))
	}

	if !*fNoDemo {
		d := newDemo(k, m)
		err = d.run(*fTicks)
	}

	printTasks(os.Stderr, k)

	if cpuprofile != "" {
		pprof.StopCPUProfile()
		fmt.Printf("pprof: profiling finished\n")
	}

	if err != nil {
		log.Fatal(err)
	}
}
