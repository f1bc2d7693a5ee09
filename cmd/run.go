package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/config"
	"grimm.is/netconn/internal/logging"
)

// loadConfig reads and validates configFile, falling back to the default
// path when empty.
func loadConfig(configFile string) (*config.Config, error) {
	if configFile == "" {
		configFile = brand.GetConfigPath()
	}
	cfg, err := config.LoadFile(configFile)
	if err != nil {
		return nil, fmt.Errorf("load %s: %w", configFile, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// setupLogging installs the process-wide logger described by cfg, teeing to
// the remote syslog collector when one is configured.
func setupLogging(cfg *config.Config, component string) (*logging.Logger, error) {
	level, err := logging.ParseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}
	logging.SetPrefix(brand.LowerName + "-" + component)

	var out io.Writer = os.Stderr
	if s := cfg.Syslog; s != nil {
		w, err := logging.NewSyslogWriter(logging.SyslogConfig{
			Host:     s.Host,
			Port:     s.Port,
			Protocol: s.Protocol,
			Tag:      s.Tag,
			Facility: s.Facility,
		})
		if err != nil {
			return nil, err
		}
		out = io.MultiWriter(os.Stderr, w)
	}

	logger := logging.New(logging.Config{Level: level, Output: out, JSON: cfg.LogJSON})
	logging.SetDefault(logger)
	return logger.WithComponent(component), nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func pidFilePath(name string) string {
	return filepath.Join(brand.GetRunDir(), brand.LowerName+"-"+name+".pid")
}

// readPIDFile returns the pid recorded in path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("invalid PID in %s: %w", path, err)
	}
	return pid, nil
}

// processAlive reports whether pid exists, by sending signal 0.
func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}

// writePIDFile records the current pid, refusing when another live process
// owns the file. The returned func removes it.
func writePIDFile(path string) (func(), error) {
	if pid, err := readPIDFile(path); err == nil && pid != os.Getpid() && processAlive(pid) {
		return nil, fmt.Errorf("process already running (PID: %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, err
	}
	return func() { os.Remove(path) }, nil
}
