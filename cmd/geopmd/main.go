// Command geopmd is the control-plane daemon (C11): it owns the
// Endpoint agents attach to, the PolicyStore backing GetBest/SetBest/
// SetDefault, and hosts the adminserver gRPC surface on the same
// *grpc.Server the rest of the stack uses.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"

	"geopm/pkg/adminserver"
	"geopm/pkg/agent/registry"
	"geopm/pkg/cache"
	"geopm/pkg/catalog"
	"geopm/pkg/config"
	"geopm/pkg/daemon"
	"geopm/pkg/database"
	"geopm/pkg/logger"
	"geopm/pkg/pio"
	"geopm/pkg/pio/drivers/accelerator"
	"geopm/pkg/pio/drivers/cpufreq"
	"geopm/pkg/pio/drivers/msr"
	"geopm/pkg/policystore"
	policymigrations "geopm/pkg/policystore/migrations"
	"geopm/pkg/server"
	"geopm/pkg/topology"
)

const defaultGRPCPort = 50098

func main() {
	agentName := flag.String("agent", "monitor", "agent type the endpoint is sized for")
	endpointDir := flag.String("endpoint-dir", endpointDefaultDir(), "shared-memory directory the endpoint lives under")
	endpointName := flag.String("endpoint-name", "geopm", "endpoint name")
	flag.Parse()

	cfg, err := config.LoadWithServiceDefaults("geopmd", defaultGRPCPort)
	if err != nil {
		fmt.Fprintln(os.Stderr, "geopmd: failed to load config:", err)
		os.Exit(1)
	}

	logger.InitWithConfig(logger.Config{
		Level:      cfg.Log.Level,
		Format:     cfg.Log.Format,
		Output:     cfg.Log.Output,
		FilePath:   cfg.Log.FilePath,
		MaxSize:    cfg.Log.MaxSize,
		MaxBackups: cfg.Log.MaxBackups,
		MaxAge:     cfg.Log.MaxAge,
		Compress:   cfg.Log.Compress,
	})

	factory, ok := registry.Lookup(*agentName)
	if !ok {
		logger.Fatal("unknown agent", "agent", *agentName)
	}
	probe := factory()
	numPolicy := len(probe.PolicyNames())
	numSample := len(probe.SampleNames())

	ctx := context.Background()

	db, err := database.NewPostgresDB(ctx, &cfg.Database)
	if err != nil {
		logger.Fatal("failed to connect to database", "error", err)
	}
	defer db.Close()

	if err := database.RunMigrations(ctx, db.Pool(), &cfg.Database, policymigrations.FS, "."); err != nil {
		logger.Fatal("failed to run policy store migrations", "error", err)
	}

	store := policystore.New(db)
	var adminStore adminserver.Store = store
	if cfg.Cache.Enabled {
		c, err := cache.New(cache.FromConfig(&cfg.Cache))
		if err != nil {
			logger.Warn("failed to create policy cache, continuing uncached", "error", err)
		} else {
			adminStore = policystore.NewCached(store, c, cfg.Cache.DefaultTTL)
		}
	}

	dae, err := daemon.Open(*endpointDir, *endpointName, numPolicy, numSample, store)
	if err != nil {
		logger.Fatal("failed to open daemon endpoint", "error", err)
	}
	defer dae.Close()

	topo, err := topology.Load(topology.DefaultSysRoot)
	if err != nil {
		logger.Fatal("failed to load topology", "error", err)
	}
	platform := pio.New(topo)
	registerDrivers(platform, topo)

	srv := server.New(cfg)
	adminCfg := adminserver.Config{AdminToken: os.Getenv("GEOPM_ADMIN_TOKEN"), ServiceName: cfg.App.Name}
	admin := adminserver.New(adminCfg, dae, adminStore, probe, srv.GetAuditLogger())
	admin.Register(srv.GetEngine())

	if cfg.HTTP.Port != 0 {
		go serveCatalog(cfg.HTTP.Port, platform)
	}

	loopCtx, cancelLoop := context.WithCancel(context.Background())
	defer cancelLoop()
	go runDaemonLoop(loopCtx, dae)

	logger.Info("geopmd starting", "port", cfg.GRPC.Port, "agent", *agentName)
	if err := srv.Run(); err != nil {
		cancelLoop()
		logger.Fatal("server failed", "error", err)
	}
	cancelLoop()
}

// runDaemonLoop keeps the endpoint's policy region fed from the store
// every time a new agent attaches, until ctx is cancelled.
func runDaemonLoop(ctx context.Context, dae *daemon.Daemon) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := dae.UpdateEndpointFromPolicyStore(ctx, 24*time.Hour); err != nil {
			logger.Warn("update endpoint from policy store failed", "error", err)
			time.Sleep(time.Second)
		}
	}
}

func serveCatalog(port int, platform *pio.PlatformIO) {
	mux := http.NewServeMux()
	catalog.RegisterRoutes(mux, nil, platform)
	addr := fmt.Sprintf(":%d", port)
	if err := http.ListenAndServe(addr, mux); err != nil {
		logger.Warn("catalog HTTP server exited", "error", err)
	}
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

func endpointDefaultDir() string {
	if dir := os.Getenv("GEOPM_SHM_DIR"); dir != "" {
		return dir
	}
	return "/dev/shm"
}
