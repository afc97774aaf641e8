// Command geopm-batch-server is the re-exec target batchserver.Launch
// spawns for one batch session (§4.5, C5): it rebuilds a PlatformIO
// over the real platform, pushes exactly the signals and controls its
// session file declares, announces readiness on stdout, and serves
// ControlRead/ControlWrite/ControlStop requests until told to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"geopm/pkg/batchserver"
	"geopm/pkg/logger"
	"geopm/pkg/pio"
	"geopm/pkg/pio/drivers/accelerator"
	"geopm/pkg/pio/drivers/cpufreq"
	"geopm/pkg/pio/drivers/msr"
	"geopm/pkg/topology"
)

func main() {
	sessionPath := flag.String("session", "", "path to the JSON batch session spec")
	shmDir := flag.String("shm-dir", shmDefaultDir(), "directory the session's shared-memory regions and wakeup FIFO live under")
	flag.Parse()

	logger.Init("info")

	if *sessionPath == "" {
		fmt.Fprintln(os.Stderr, "geopm-batch-server: -session is required")
		os.Exit(2)
	}

	if err := run(*sessionPath, *shmDir); err != nil {
		logger.Error("batch server exited with error", "error", err)
		os.Exit(1)
	}
}

func run(sessionPath, shmDir string) error {
	spec, err := batchserver.ReadSessionFile(sessionPath)
	if err != nil {
		return err
	}

	topo, err := topology.Load(topology.DefaultSysRoot)
	if err != nil {
		return err
	}
	platform := pio.New(topo)
	registerDrivers(platform, topo)

	srv, err := batchserver.NewServer(shmDir, spec, platform)
	if err != nil {
		return err
	}
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	fmt.Println("READY")

	if err := srv.Run(ctx, platform); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// registerDrivers loads whichever IOGroup drivers the host actually
// supports. A missing subsystem (no MSR device nodes, no cpufreq
// policies, no accelerator class) is not fatal — it simply means a
// session asking for one of its signals fails PushSignal/PushControl
// at NewServer time, the same out-of-set rejection §4.5 calls for.
func registerDrivers(platform *pio.PlatformIO, topo *topology.Topology) {
	if d, err := msr.Load(topo); err != nil {
		logger.Warn("MSR driver unavailable", "error", err)
	} else {
		platform.Register(d)
	}
	if d, err := cpufreq.Load(cpufreq.DefaultSysRoot, topo); err != nil {
		logger.Warn("cpufreq driver unavailable", "error", err)
	} else {
		platform.Register(d)
	}
	if d, err := accelerator.Load(accelerator.DefaultSysRoot); err != nil {
		logger.Warn("accelerator driver unavailable", "error", err)
	} else {
		platform.Register(d)
	}
}

func shmDefaultDir() string {
	if dir := os.Getenv("GEOPM_SHM_DIR"); dir != "" {
		return dir
	}
	return "/dev/shm"
}
