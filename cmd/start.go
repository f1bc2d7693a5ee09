package cmd

import (
	"bufio"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"grimm.is/netconn/internal/brand"
)

// RunStart launches the connection manager in the background and returns
// once it has survived its first moments.
func RunStart(configFile string) error {
	if configFile == "" {
		configFile = brand.GetConfigPath()
	}
	// Fail here rather than in the detached child.
	if _, err := loadConfig(configFile); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	pidFile := pidFilePath("manager")
	if pid, err := readPIDFile(pidFile); err == nil {
		if processAlive(pid) {
			return fmt.Errorf("process already running (PID: %d)", pid)
		}
		Printer.Printf("Warning: Removing stale PID file %s\n", pidFile)
		os.Remove(pidFile)
	}

	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}
	cmd := exec.Command(exe, "start", "-f", "-c", configFile)

	logDir := brand.GetStateDir()
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}
	logFile := filepath.Join(logDir, brand.LowerName+".log")
	logF, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer logF.Close()

	cmd.Stdout = logF
	cmd.Stderr = logF
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	Printer.Printf("Started %s (PID: %d)\n", brand.Name, cmd.Process.Pid)
	Printer.Printf("Logs: %s\n", logFile)

	done := make(chan error, 1)
	go func() { done <- cmd.Wait() }()

	select {
	case err := <-done:
		Printer.Fprintf(os.Stderr, "\nError: Daemon exited immediately.\n")
		if lines := tailLogFile(logFile, 10); len(lines) > 0 {
			Printer.Fprintf(os.Stderr, "Log output:\n")
			for _, line := range lines {
				if line != "" {
					Printer.Fprintf(os.Stderr, "  %s\n", line)
				}
			}
		}
		if err != nil {
			return fmt.Errorf("daemon failed to start: %w", err)
		}
		return fmt.Errorf("daemon exited unexpectedly")
	case <-time.After(500 * time.Millisecond):
		if !processAlive(cmd.Process.Pid) {
			return fmt.Errorf("daemon died during startup (check logs: %s)", logFile)
		}
		return nil
	}
}

// tailLogFile returns the last n lines of a log file.
func tailLogFile(path string, n int) []string {
	f, err := os.Open(path)
	if err != nil {
		return nil
	}
	defer f.Close()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
		if len(lines) > n {
			lines = lines[1:]
		}
	}
	return lines
}
