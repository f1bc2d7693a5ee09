package cmd

import (
	"context"
	"fmt"
	"time"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/config"
	"grimm.is/netconn/internal/connmgr"
	"grimm.is/netconn/internal/detection"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/monitor"
	"grimm.is/netconn/internal/netd"
	"grimm.is/netconn/internal/scheduler"
	"grimm.is/netconn/internal/stats"
)

// backupKeep is how many corrected-stats backups survive the nightly cleanup.
const backupKeep = 5

// RunManager runs the connection manager in the foreground: it follows the
// kernel links, registers them as suppliers, keeps the default network in
// netd current and samples traffic counters.
func RunManager(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg, "manager")
	if err != nil {
		return err
	}
	if err := SetProcessName(brand.LowerName); err != nil {
		logger.Debug("set process name failed", "error", err)
	}

	removePID, err := writePIDFile(pidFilePath("manager"))
	if err != nil {
		return err
	}
	defer removePID()

	ctx, stop := signalContext()
	defer stop()

	client, err := dialNetd(ctx, cfg.Netd.Socket, logger)
	if err != nil {
		return err
	}
	defer client.Close()

	hub := events.NewHub()
	reg := metrics.Get().WithProcessCollectors()
	logEvents(ctx, hub, logger, events.EventConnState, events.EventDefaultNet, events.EventDetection)

	detCfg, prober := detection.FromConfig(cfg.Detection)
	detector := detection.New(prober, detCfg,
		detection.WithHub(hub), detection.WithMetrics(reg), detection.WithLogger(logger))
	defer detector.Close()

	svc := connmgr.NewService(client,
		connmgr.WithValidator(detector),
		connmgr.WithHub(hub),
		connmgr.WithMetrics(reg),
		connmgr.WithLogger(logger),
		connmgr.WithNetIDRange(int32(cfg.Score.NetIDMin), int32(cfg.Score.NetIDMax)))
	defer svc.Close()
	links := connmgr.NewLinkSupplier(svc, client, logger)

	store, err := stats.Open(cfg.Stats.Dir, stats.WithStoreLogger(logger))
	if err != nil {
		return fmt.Errorf("open stats: %w", err)
	}
	statsSvc := stats.NewService(store, client, stats.WithMetrics(reg), stats.WithLogger(logger))

	mon := monitor.New(monitor.NewNetlinkSource(),
		monitor.WithSpeed(monitor.EthtoolSpeed), monitor.WithHub(hub), monitor.WithLogger(logger))
	mon.OnChange(links.HandleChange)
	mon.OnChange(svc.HandleLinkChange)
	mon.OnChange(statsSvc.HandleLinkChange)
	mon.OnChange(trackUIDs(statsSvc, cfg.Stats, logger))
	if err := mon.Start(ctx); err != nil {
		return fmt.Errorf("start link monitor: %w", err)
	}
	defer mon.Stop()

	sched := scheduler.New(logger)
	if err := sched.AddTask(statsSvc.RefreshTask(cfg.Stats.RefreshDuration())); err != nil {
		return err
	}
	if err := sched.AddTask(scheduler.NewBackupCleanupTask(cfg.Stats.Dir, backupKeep)); err != nil {
		return err
	}
	sched.Start()
	defer sched.Stop()

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	rpcSrv, err := connmgr.NewRPCServer(svc, logger)
	if err != nil {
		return err
	}
	go func() {
		if err := rpcSrv.ListenAndServe(ctx, cfg.Manager.Socket); err != nil {
			logger.Error("manager socket failed", "error", err)
		}
	}()

	logger.Info("connection manager started", "version", brand.Version,
		"netd", cfg.Netd.Socket, "socket", cfg.Manager.Socket)
	<-ctx.Done()
	logger.Info("connection manager stopping")
	return nil
}

// dialNetd connects to the daemon, retrying while it starts up.
func dialNetd(ctx context.Context, socket string, logger *logging.Logger) (*netd.Client, error) {
	backoff := 250 * time.Millisecond
	for {
		client, err := netd.NewClient(socket)
		if err == nil {
			return client, nil
		}
		logger.Warn("netd not reachable, retrying", "socket", socket, "error", err, "retry_in", backoff)
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("connect to netd at %s: %w", socket, err)
		case <-time.After(backoff):
		}
		if backoff < 5*time.Second {
			backoff *= 2
		}
	}
}

// trackUIDs starts sampling the configured uids on every interface as it
// appears.
func trackUIDs(svc *stats.Service, cfg *config.StatsConfig, logger *logging.Logger) func(monitor.Change) {
	return func(c monitor.Change) {
		if c.Type != monitor.LinkAdded || c.Iface == "lo" {
			return
		}
		for _, uid := range cfg.TrackUIDs {
			if err := svc.TrackUID(uint32(uid), c.Iface); err != nil {
				logger.Warn("track uid failed", "uid", uid, "iface", c.Iface, "error", err)
			}
		}
	}
}
