package cmd

import (
	"flag"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/logging"
	"grimm.is/netconn/internal/stats"
)

// RunStats queries or corrects the traffic CSV files without a running
// manager. args are the words after "stats".
func RunStats(configFile string, args []string) error {
	return runStats(configFile, args, os.Stdout, time.Now())
}

func runStats(configFile string, args []string, out io.Writer, now time.Time) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: %s stats <ifaces|iface|uid|total|update> [args]", brand.BinaryName)
	}
	cfg, err := loadConfig(configFile)
	if err != nil {
		return err
	}
	store, err := stats.Open(cfg.Stats.Dir, stats.WithStoreLogger(logging.Discard()))
	if err != nil {
		return err
	}
	svc := stats.NewService(store, nil, stats.WithLogger(logging.Discard()))

	sub, rest := args[0], args[1:]
	fs := flag.NewFlagSet("stats "+sub, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	since := fs.Duration("since", 24*time.Hour, "Window length ending at -end")
	startArg := fs.String("start", "", "Window start (RFC3339 or unix seconds)")
	endArg := fs.String("end", "", "Window end (RFC3339 or unix seconds), default now")
	if err := fs.Parse(rest); err != nil {
		return err
	}
	start, end, err := parseWindow(*startArg, *endArg, *since, now)
	if err != nil {
		return err
	}
	pos := fs.Args()

	switch sub {
	case "ifaces":
		w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
		Printer.Fprintln(w, "INTERFACE\tUIDS")
		uids := make(map[string][]uint32)
		for _, k := range store.UIDs() {
			uids[k.Iface] = append(uids[k.Iface], k.UID)
		}
		for _, iface := range store.Ifaces() {
			Printer.Fprintf(w, "%s\t%v\n", iface, uids[iface])
		}
		return w.Flush()

	case "iface":
		if len(pos) != 1 {
			return fmt.Errorf("usage: %s stats iface [-since d | -start t -end t] <iface>", brand.BinaryName)
		}
		b, err := svc.GetIfaceBytes(pos[0], start, end)
		if err != nil {
			return err
		}
		printBytes(out, pos[0], start, end, b)

	case "total":
		b, err := svc.GetAllIfaceBytes(start, end)
		if err != nil {
			return err
		}
		printBytes(out, "all", start, end, b)

	case "uid":
		if len(pos) < 1 || len(pos) > 2 {
			return fmt.Errorf("usage: %s stats uid [-since d | -start t -end t] <uid> [iface]", brand.BinaryName)
		}
		uid, err := strconv.ParseUint(pos[0], 10, 32)
		if err != nil {
			return fmt.Errorf("invalid uid %q", pos[0])
		}
		var b stats.Bytes
		label := "uid " + pos[0]
		if len(pos) == 2 {
			b, err = svc.GetUidBytes(uint32(uid), pos[1], start, end)
			label += " on " + pos[1]
		} else {
			b, err = svc.GetUidTotalBytes(uint32(uid), start, end)
		}
		if err != nil {
			return err
		}
		printBytes(out, label, start, end, b)

	case "update":
		if len(pos) != 3 {
			return fmt.Errorf("usage: %s stats update -start t -end t <iface> <rx> <tx>", brand.BinaryName)
		}
		if pid, err := readPIDFile(pidFilePath("manager")); err == nil && processAlive(pid) {
			return fmt.Errorf("manager is running (PID %d); stop it before correcting stats", pid)
		}
		rx, err := strconv.ParseInt(pos[1], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid rx %q", pos[1])
		}
		tx, err := strconv.ParseInt(pos[2], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid tx %q", pos[2])
		}
		if err := svc.UpdateIfacesStats(pos[0], start, end, rx, tx); err != nil {
			return err
		}
		Printer.Fprintf(out, "Updated %s: rx=%d tx=%d\n", pos[0], rx, tx)

	default:
		return fmt.Errorf("unknown stats command %q", sub)
	}
	return nil
}

func printBytes(out io.Writer, label string, start, end time.Time, b stats.Bytes) {
	Printer.Fprintf(out, "%s  %s .. %s  rx=%d tx=%d\n", label,
		start.UTC().Format(time.RFC3339), end.UTC().Format(time.RFC3339), b.Rx, b.Tx)
}

// parseWindow resolves the query window. An explicit start wins over since;
// end defaults to now.
func parseWindow(startArg, endArg string, since time.Duration, now time.Time) (time.Time, time.Time, error) {
	end := now
	if endArg != "" {
		t, err := parseTime(endArg)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		end = t
	}
	start := end.Add(-since)
	if startArg != "" {
		t, err := parseTime(startArg)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		start = t
	}
	return start, end, nil
}

// parseTime accepts RFC3339 or unix seconds.
func parseTime(s string) (time.Time, error) {
	if sec, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(sec, 0), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC3339 or unix seconds", s)
	}
	return t, nil
}
