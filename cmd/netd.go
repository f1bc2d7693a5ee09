package cmd

import (
	"fmt"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/events"
	"grimm.is/netconn/internal/metrics"
	"grimm.is/netconn/internal/netd"
)

// RunNetd runs the privileged network daemon in the foreground until
// SIGINT or SIGTERM. A non-empty namespace overrides the configured one.
func RunNetd(configFile, namespace string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg, "netd")
	if err != nil {
		return err
	}
	if err := SetProcessName(brand.LowerName + "-netd"); err != nil {
		logger.Debug("set process name failed", "error", err)
	}
	if namespace == "" {
		namespace = cfg.Netd.Namespace
	}

	ns, err := openNamespace(namespace, logger)
	if err != nil {
		return err
	}
	defer ns.Close()

	ctx, stop := signalContext()
	defer stop()

	hub := events.NewHub()
	logEvents(ctx, hub, logger, events.EventLinkChange, events.EventDHCPLease, events.EventDefaultNet)

	opts := []netd.DaemonOption{
		netd.WithResolver(netd.NewResolver(nil, nil)),
		netd.WithDHCP(netd.NewDHCPClientRunner(logger), netd.NewDHCPServerRunner(logger)),
		netd.WithHub(hub),
		netd.WithLogger(logger),
	}
	if acct, err := netd.NewAccounting(ns.NsFd); err != nil {
		logger.Warn("traffic accounting unavailable, interface counters only", "error", err)
	} else {
		opts = append(opts, netd.WithAccounting(acct))
	}

	daemon := netd.NewDaemon(ns.Netlinker, netd.DaemonConfig{
		TableBase:        cfg.Netd.TableBase,
		RulePriorityBase: cfg.Netd.RulePriorityBase,
	}, opts...)
	defer daemon.Close()

	reg := metrics.Get().WithProcessCollectors()
	srv, err := netd.NewServer(daemon, reg, logger)
	if err != nil {
		return err
	}

	if cfg.Metrics.Listen != "" {
		go func() {
			if err := reg.Serve(ctx, cfg.Metrics.Listen, logger); err != nil {
				logger.Error("metrics endpoint failed", "error", err)
			}
		}()
	}

	logger.Info("netd starting", "version", brand.Version, "socket", cfg.Netd.Socket, "netns", namespace)
	logger.Audit("start", "netd", map[string]any{"socket": cfg.Netd.Socket, "netns": namespace})
	if err := srv.ListenAndServe(ctx, cfg.Netd.Socket); err != nil && ctx.Err() == nil {
		return fmt.Errorf("netd: %w", err)
	}
	logger.Info("netd stopped")
	return nil
}
