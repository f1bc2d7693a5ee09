package main

import (
	"flag"
	"os"

	"grimm.is/netconn/cmd"
	"grimm.is/netconn/internal/brand"
)

var printer = cmd.Printer

func configFlag(fs *flag.FlagSet) *string {
	configFile := fs.String("config", brand.GetConfigPath(), "Configuration file")
	fs.StringVar(configFile, "c", brand.GetConfigPath(), "Configuration file (short)")
	return configFile
}

func fail(what string, err error) {
	printer.Fprintf(os.Stderr, "%s failed: %v\n", what, err)
	os.Exit(1)
}

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "netd":
		netdFlags := flag.NewFlagSet("netd", flag.ExitOnError)
		configFile := configFlag(netdFlags)
		namespace := netdFlags.String("netns", "", "Manage routing inside this named network namespace")
		netdFlags.Parse(os.Args[2:])

		if err := cmd.RunNetd(*configFile, *namespace); err != nil {
			fail("Netd", err)
		}

	case "start":
		startFlags := flag.NewFlagSet("start", flag.ExitOnError)
		configFile := configFlag(startFlags)
		foreground := startFlags.Bool("foreground", false, "Run in foreground (don't daemonize)")
		startFlags.BoolVar(foreground, "f", false, "Run in foreground (short)")
		startFlags.Parse(os.Args[2:])

		if *foreground {
			if err := cmd.RunManager(*configFile); err != nil {
				fail("Start", err)
			}
		} else if err := cmd.RunStart(*configFile); err != nil {
			fail("Start", err)
		}

	case "stop":
		if err := cmd.RunStop(); err != nil {
			fail("Stop", err)
		}

	case "status":
		statusFlags := flag.NewFlagSet("status", flag.ExitOnError)
		configFile := configFlag(statusFlags)
		statusFlags.Parse(os.Args[2:])

		if err := cmd.RunStatus(*configFile); err != nil {
			fail("Status", err)
		}

	case "check":
		checkFlags := flag.NewFlagSet("check", flag.ExitOnError)
		verbose := checkFlags.Bool("verbose", false, "Verbose output")
		checkFlags.BoolVar(verbose, "v", false, "Verbose output (short)")
		checkFlags.Parse(os.Args[2:])

		configFile := brand.GetConfigPath()
		if len(checkFlags.Args()) > 0 {
			configFile = checkFlags.Arg(0)
		}
		if err := cmd.RunCheck(configFile, *verbose); err != nil {
			fail("Check", err)
		}

	case "stats":
		statsFlags := flag.NewFlagSet("stats", flag.ExitOnError)
		configFile := configFlag(statsFlags)
		statsFlags.Parse(os.Args[2:])

		if err := cmd.RunStats(*configFile, statsFlags.Args()); err != nil {
			fail("Stats", err)
		}

	case "version":
		printer.Printf("%s %s (commit %s, built %s)\n", brand.Name, brand.Version, brand.GitCommit, brand.BuildTime)

	case "help", "-h", "--help":
		printUsage()

	default:
		printer.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	printer.Printf(`%s - %s

Usage: %s <command> [options]

Commands:
  netd [-c file] [-netns name]    Run the privileged network daemon
  start [-c file] [-f]            Start the connection manager (background unless -f)
  stop                            Stop the background connection manager
  status [-c file]                Show netd interfaces and the default network
  check [-v] [file]               Validate a configuration file
  stats [-c file] <cmd> [args]    Query or correct traffic statistics:
      ifaces
      iface  [-since d | -start t -end t] <iface>
      uid    [-since d | -start t -end t] <uid> [iface]
      total  [-since d | -start t -end t]
      update -start t -end t <iface> <rx> <tx>
  version                         Print version information
`, brand.Name, brand.Description, brand.BinaryName)
}
