package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/config"
)

// RunCheck validates the configuration file syntax and semantics.
func RunCheck(configFile string, verbose bool) error {
	if configFile == "" {
		return fmt.Errorf("usage: %s check [-v] <config-file>\nExample: %s check -v %s",
			brand.BinaryName, brand.BinaryName, brand.GetConfigPath())
	}
	if _, err := os.Stat(configFile); err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	cfg, err := loadConfig(configFile)
	if err != nil {
		return fmt.Errorf("configuration invalid: %w", err)
	}

	Printer.Printf("Configuration valid!\n")
	Printer.Printf("Schema Version: %s\n", cfg.SchemaVersion)
	Printer.Printf("Netd Socket: %s\n", cfg.Netd.Socket)
	Printer.Printf("Stats Dir: %s\n", cfg.Stats.Dir)

	if verbose {
		Printer.Println()
		printSummary(cfg)
	}
	return nil
}

func printSummary(cfg *config.Config) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)

	ns := cfg.Netd.Namespace
	if ns == "" {
		ns = "-"
	}
	Printer.Fprintln(w, "NETD\tNAMESPACE\tTABLE BASE\tRULE PRIORITY")
	Printer.Fprintf(w, "%s\t%s\t%d\t%d\n", cfg.Netd.Socket, ns, cfg.Netd.TableBase, cfg.Netd.RulePriorityBase)
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "DETECTION\tURL\tTIMEOUT\tRECHECK\tVALID")
	enabled := "no"
	if cfg.Detection.DetectionEnabled() {
		enabled = "yes"
	}
	Printer.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", enabled, cfg.Detection.HTTPURL,
		cfg.Detection.TimeoutDuration(), cfg.Detection.RecheckDuration(), cfg.Detection.ValidDuration())
	Printer.Fprintln(w)
	w.Flush()

	Printer.Fprintln(w, "STATS DIR\tREFRESH\tTRACKED UIDS")
	Printer.Fprintf(w, "%s\t%s\t%v\n", cfg.Stats.Dir, cfg.Stats.RefreshDuration(), cfg.Stats.TrackUIDs)
	Printer.Fprintln(w)
	w.Flush()

	listen := cfg.Metrics.Listen
	if listen == "" {
		listen = "disabled"
	}
	Printer.Fprintln(w, "METRICS\tNETID RANGE")
	Printer.Fprintf(w, "%s\t%d-%d\n", listen, cfg.Score.NetIDMin, cfg.Score.NetIDMax)
	w.Flush()
}
