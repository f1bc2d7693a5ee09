package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/connmgr"
	"grimm.is/netconn/internal/netd"
)

// RunStatus prints netd's view of the device and, when the manager is up,
// how it ranks the networks.
func RunStatus(configFile string) error {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}

	client, err := netd.NewClient(cfg.Netd.Socket)
	if err != nil {
		return fmt.Errorf("failed to connect to netd at %s: %w\nIs it running? Start with: %s netd",
			cfg.Netd.Socket, err, brand.BinaryName)
	}
	defer client.Close()

	Printer.Printf("=== %s Status ===\n\n", brand.Name)
	Printer.Printf("Netd:     %s\n", cfg.Netd.Socket)

	manager := "STOPPED"
	if pid, err := readPIDFile(pidFilePath("manager")); err == nil && processAlive(pid) {
		manager = fmt.Sprintf("RUNNING (PID %d)", pid)
	}
	Printer.Printf("Manager:  %s\n", manager)

	netID, err := client.GetDefaultNetwork()
	switch {
	case err != nil:
		Printer.Fprintf(os.Stderr, "Warning: Failed to get default network: %v\n", err)
	case netID == 0:
		Printer.Println("Default:  none")
	default:
		Printer.Printf("Default:  net %d\n", netID)
	}
	Printer.Println()

	if mgr, err := connmgr.Dial(cfg.Manager.Socket); err != nil {
		Printer.Printf("Networks: unavailable (%v)\n\n", err)
	} else {
		defer mgr.Close()
		if err := printNetworks(os.Stdout, mgr); err != nil {
			Printer.Fprintf(os.Stderr, "Warning: Failed to list networks: %v\n", err)
		}
		Printer.Println()
	}

	names, err := client.GetInterfaceNames()
	if err != nil {
		return fmt.Errorf("failed to list interfaces: %w", err)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "INTERFACE\tRX BYTES\tTX BYTES\tRX PKTS\tTX PKTS")
	for _, name := range names {
		ts, err := client.GetIfaceStats(name)
		if err != nil {
			Printer.Fprintf(w, "%s\t-\t-\t-\t-\n", name)
			continue
		}
		Printer.Fprintf(w, "%s\t%d\t%d\t%d\t%d\n", name, ts.RxBytes, ts.TxBytes, ts.RxPackets, ts.TxPackets)
	}
	return w.Flush()
}

type netLister interface {
	Nets() ([]connmgr.NetDetail, error)
}

// printNetworks writes the manager's networks with their scores. The default
// network is starred.
func printNetworks(out io.Writer, src netLister) error {
	nets, err := src.Nets()
	if err != nil {
		return err
	}
	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	Printer.Fprintln(w, "NET\tTYPE\tIDENT\tSTATE\tSCORE\tREAL\tVALID\tDEFAULT")
	for _, d := range nets {
		def := ""
		if d.Default {
			def = "*"
		}
		Printer.Fprintf(w, "%d\t%s\t%s\t%s\t%d\t%d\t%t\t%s\n",
			d.NetID, d.Type, d.Ident, d.State, d.Score, d.RealScore, d.Valid, def)
	}
	return w.Flush()
}
