// Command geopm-controller runs one node's local agent tree (C13): it
// attaches to the daemon's endpoint as the user side, builds a tree of
// the requested agent from -branching, and drives the fixed-cadence
// loop until signalled to stop.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"geopm/pkg/agent/registry"
	"geopm/pkg/config"
	"geopm/pkg/controller"
	"geopm/pkg/endpoint"
	"geopm/pkg/logger"
	"geopm/pkg/pio"
	"geopm/pkg/pio/drivers/accelerator"
	"geopm/pkg/pio/drivers/cpufreq"
	"geopm/pkg/pio/drivers/msr"
	"geopm/pkg/topology"
)

func main() {
	agentName := flag.String("agent", "monitor", "agent type to run: "+strings.Join(registry.Names(), ", "))
	branchingFlag := flag.String("branching", "", "comma-separated child counts per level, leaf first (empty: single-node tree)")
	endpointDir := flag.String("endpoint-dir", endpointDefaultDir(), "shared-memory directory the daemon's endpoint lives under")
	endpointName := flag.String("endpoint-name", "geopm", "endpoint name to attach to")
	flag.Parse()

	cfg, err := config.LoadWithServiceDefaults("geopm-controller", 0)
	if err != nil {
		fmt.Fprintln(os.Stderr, "geopm-controller: failed to load config:", err)
		os.Exit(1)
	}
	logger.InitWithConfig(logger.Config{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Output: cfg.Log.Output,
	})

	factory, ok := registry.Lookup(*agentName)
	if !ok {
		logger.Fatal("unknown agent", "agent", *agentName, "known", registry.Names())
	}

	branching, err := parseBranching(*branchingFlag)
	if err != nil {
		logger.Fatal("invalid -branching", "error", err)
	}

	topo, err := topology.Load(topology.DefaultSysRoot)
	if err != nil {
		logger.Fatal("failed to load topology", "error", err)
	}
	platform := pio.New(topo)
	registerDrivers(platform, topo)

	probe := factory()
	numPolicy := len(probe.PolicyNames())
	numSample := len(probe.SampleNames())

	user, err := endpoint.Attach(*endpointDir, *endpointName, numPolicy, numSample)
	if err != nil {
		logger.Fatal("failed to attach to endpoint", "error", err)
	}
	defer user.Detach()

	if err := user.Announce(*agentName, cfg.App.Name, ""); err != nil {
		logger.Fatal("failed to announce to endpoint", "error", err)
	}
	defer user.Withdraw()

	tree, err := controller.NewTree(factory, platform, user, user, branching)
	if err != nil {
		logger.Fatal("failed to build tree", "error", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		cancel()
	}()

	logger.Info("controller started", "agent", *agentName, "branching", branching)
	if err := tree.Run(ctx); err != nil {
		logger.Fatal("controller tree exited with error", "error", err)
	}
	logger.Info("controller exiting")
}

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

func parseBranching(s string) ([]int, error) {
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	out := make([]int, len(parts))
	for i, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out[i] = n
	}
	return out, nil
}

func endpointDefaultDir() string {
	if dir := os.Getenv("GEOPM_SHM_DIR"); dir != "" {
		return dir
	}
	return "/dev/shm"
}
