package logging

import (
	"bytes"
	"fmt"
	"net"
	"os"
	"strconv"
	"sync"
	"time"
)

// SyslogConfig describes a remote syslog collector.
type SyslogConfig struct {
	Host     string
	Port     int    // default 514
	Protocol string // udp or tcp, default udp
	Tag      string // default is the process prefix
	Facility int    // default 1 (user)
}

// Syslog severities.
const (
	sevError  = 3
	sevWarn   = 4
	sevNotice = 5
	sevInfo   = 6
	sevDebug  = 7
)

// SyslogWriter forwards each written log line to a remote collector as an
// RFC 3164 message, redialling after a failed send.
type SyslogWriter struct {
	mu       sync.Mutex
	conn     net.Conn
	addr     string
	network  string
	tag      string
	hostname string
	facility int
}

// NewSyslogWriter dials the collector described by cfg.
func NewSyslogWriter(cfg SyslogConfig) (*SyslogWriter, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("syslog host is required")
	}
	if cfg.Port == 0 {
		cfg.Port = 514
	}
	if cfg.Protocol == "" {
		cfg.Protocol = "udp"
	}
	if cfg.Tag == "" {
		cfg.Tag = GetPrefix()
	}
	if cfg.Facility == 0 {
		cfg.Facility = 1
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}

	w := &SyslogWriter{
		addr:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		network:  cfg.Protocol,
		tag:      cfg.Tag,
		hostname: host,
		facility: cfg.Facility,
	}
	if err := w.dial(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *SyslogWriter) dial() error {
	conn, err := net.DialTimeout(w.network, w.addr, 5*time.Second)
	if err != nil {
		return fmt.Errorf("failed to connect to syslog server %s: %w", w.addr, err)
	}
	w.conn = conn
	return nil
}

// Write sends one message per call. The severity is taken from the level
// the console or JSON handler put in the line.
func (w *SyslogWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.conn == nil {
		if err := w.dial(); err != nil {
			return 0, err
		}
	}

	msg := fmt.Sprintf("<%d>%s %s %s[%d]: %s",
		w.facility*8+severityOf(p), time.Now().Format(time.Stamp), w.hostname, w.tag, os.Getpid(),
		bytes.TrimRight(p, "\n"))
	if _, err := w.conn.Write([]byte(msg)); err != nil {
		w.conn.Close()
		w.conn = nil
		return 0, err
	}
	return len(p), nil
}

func severityOf(p []byte) int {
	switch {
	case bytes.Contains(p, []byte("[error]")), bytes.Contains(p, []byte(`"level":"ERROR"`)):
		return sevError
	case bytes.Contains(p, []byte("[warn]")), bytes.Contains(p, []byte(`"level":"WARN"`)):
		return sevWarn
	case bytes.Contains(p, []byte("[audit]")), bytes.Contains(p, []byte(`"level":"ERROR+`)):
		return sevNotice
	case bytes.Contains(p, []byte("[debug]")), bytes.Contains(p, []byte(`"level":"DEBUG"`)):
		return sevDebug
	}
	return sevInfo
}

// Close closes the connection.
func (w *SyslogWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.conn == nil {
		return nil
	}
	err := w.conn.Close()
	w.conn = nil
	return err
}
