// Package config defines the netconn HCL configuration schema.
package config

import (
	"time"

	"grimm.is/netconn/internal/brand"
)

// CurrentSchemaVersion is written into generated configs.
const CurrentSchemaVersion = "1.0"

// Config is the root configuration.
type Config struct {
	SchemaVersion string `hcl:"schema_version,optional" json:"schema_version,omitempty"`
	LogLevel      string `hcl:"log_level,optional" json:"log_level,omitempty"`
	LogJSON       bool   `hcl:"log_json,optional" json:"log_json,omitempty"`

	Netd      *NetdConfig      `hcl:"netd,block" json:"netd,omitempty"`
	Manager   *ManagerConfig   `hcl:"manager,block" json:"manager,omitempty"`
	Detection *DetectionConfig `hcl:"detection,block" json:"detection,omitempty"`
	Stats     *StatsConfig     `hcl:"stats,block" json:"stats,omitempty"`
	Metrics   *MetricsConfig   `hcl:"metrics,block" json:"metrics,omitempty"`
	Score     *ScoreConfig     `hcl:"score,block" json:"score,omitempty"`
	Syslog    *SyslogConfig    `hcl:"syslog,block" json:"syslog,omitempty"`
}

// NetdConfig configures the privileged network daemon.
type NetdConfig struct {
	Socket    string `hcl:"socket,optional" json:"socket,omitempty"`
	Namespace string `hcl:"namespace,optional" json:"namespace,omitempty"`
	// Routing table of netId N is TableBase+N.
	TableBase        int `hcl:"table_base,optional" json:"table_base,omitempty"`
	RulePriorityBase int `hcl:"rule_priority_base,optional" json:"rule_priority_base,omitempty"`
}

// ManagerConfig configures the connection manager's query socket.
type ManagerConfig struct {
	Socket string `hcl:"socket,optional" json:"socket,omitempty"`
}

// DetectionConfig configures connectivity validation.
type DetectionConfig struct {
	Enabled         *bool    `hcl:"enabled,optional" json:"enabled,omitempty"`
	HTTPURL         string   `hcl:"http_url,optional" json:"http_url,omitempty"`
	PingTargets     []string `hcl:"ping_targets,optional" json:"ping_targets,omitempty"`
	Timeout         string   `hcl:"timeout,optional" json:"timeout,omitempty"`
	RecheckInterval string   `hcl:"recheck_interval,optional" json:"recheck_interval,omitempty"`
	ValidInterval   string   `hcl:"valid_interval,optional" json:"valid_interval,omitempty"`
}

// StatsConfig configures the CSV traffic counters.
type StatsConfig struct {
	Dir             string `hcl:"dir,optional" json:"dir,omitempty"`
	RefreshInterval string `hcl:"refresh_interval,optional" json:"refresh_interval,omitempty"`
	TrackUIDs       []int  `hcl:"track_uids,optional" json:"track_uids,omitempty"`
}

// MetricsConfig configures the prometheus endpoint. Empty Listen disables it.
type MetricsConfig struct {
	Listen string `hcl:"listen,optional" json:"listen,omitempty"`
}

// SyslogConfig forwards logs to a remote collector.
type SyslogConfig struct {
	Host     string `hcl:"host" json:"host"`
	Port     int    `hcl:"port,optional" json:"port,omitempty"`
	Protocol string `hcl:"protocol,optional" json:"protocol,omitempty"`
	Tag      string `hcl:"tag,optional" json:"tag,omitempty"`
	Facility int    `hcl:"facility,optional" json:"facility,omitempty"`
}

// ScoreConfig bounds the netId space.
type ScoreConfig struct {
	NetIDMin int `hcl:"netid_min,optional" json:"netid_min,omitempty"`
	NetIDMax int `hcl:"netid_max,optional" json:"netid_max,omitempty"`
}

// Defaults.
const (
	DefaultTableBase        = 1000
	DefaultRulePriorityBase = 13000
	DefaultHTTPURL          = "http://connectivitycheck.gstatic.com/generate_204"
	DefaultDetectTimeout    = 5 * time.Second
	DefaultRecheckInterval  = 10 * time.Second
	DefaultValidInterval    = 5 * time.Minute
	DefaultRefreshInterval  = 30 * time.Second
	DefaultNetIDMin         = 100
	DefaultNetIDMax         = 64511
)

// Default returns a fully populated configuration.
func Default() *Config {
	cfg := &Config{}
	cfg.ApplyDefaults()
	return cfg
}

// ApplyDefaults fills every unset field in place.
func (c *Config) ApplyDefaults() {
	if c.SchemaVersion == "" {
		c.SchemaVersion = CurrentSchemaVersion
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}

	if c.Netd == nil {
		c.Netd = &NetdConfig{}
	}
	if c.Netd.Socket == "" {
		c.Netd.Socket = brand.GetSocketPath()
	}
	if c.Netd.TableBase == 0 {
		c.Netd.TableBase = DefaultTableBase
	}
	if c.Netd.RulePriorityBase == 0 {
		c.Netd.RulePriorityBase = DefaultRulePriorityBase
	}
	if c.Manager == nil {
		c.Manager = &ManagerConfig{}
	}
	if c.Manager.Socket == "" {
		c.Manager.Socket = brand.GetManagerSocketPath()
	}

	if c.Detection == nil {
		c.Detection = &DetectionConfig{}
	}
	if c.Detection.Enabled == nil {
		enabled := true
		c.Detection.Enabled = &enabled
	}
	if c.Detection.HTTPURL == "" {
		c.Detection.HTTPURL = DefaultHTTPURL
	}
	if c.Detection.Timeout == "" {
		c.Detection.Timeout = DefaultDetectTimeout.String()
	}
	if c.Detection.RecheckInterval == "" {
		c.Detection.RecheckInterval = DefaultRecheckInterval.String()
	}
	if c.Detection.ValidInterval == "" {
		c.Detection.ValidInterval = DefaultValidInterval.String()
	}

	if c.Stats == nil {
		c.Stats = &StatsConfig{}
	}
	if c.Stats.Dir == "" {
		c.Stats.Dir = brand.GetStatsDir()
	}
	if c.Stats.RefreshInterval == "" {
		c.Stats.RefreshInterval = DefaultRefreshInterval.String()
	}

	if c.Metrics == nil {
		c.Metrics = &MetricsConfig{}
	}

	if c.Score == nil {
		c.Score = &ScoreConfig{}
	}
	if c.Score.NetIDMin == 0 {
		c.Score.NetIDMin = DefaultNetIDMin
	}
	if c.Score.NetIDMax == 0 {
		c.Score.NetIDMax = DefaultNetIDMax
	}
}

// DetectionEnabled reports whether connectivity probes should run.
func (d *DetectionConfig) DetectionEnabled() bool {
	return d == nil || d.Enabled == nil || *d.Enabled
}

// TimeoutDuration returns the parsed probe timeout.
func (d *DetectionConfig) TimeoutDuration() time.Duration {
	return durationOr(d.Timeout, DefaultDetectTimeout)
}

// RecheckDuration returns the parsed recheck interval for failed networks.
func (d *DetectionConfig) RecheckDuration() time.Duration {
	return durationOr(d.RecheckInterval, DefaultRecheckInterval)
}

// ValidDuration returns the parsed recheck interval for validated networks.
func (d *DetectionConfig) ValidDuration() time.Duration {
	return durationOr(d.ValidInterval, DefaultValidInterval)
}

// RefreshDuration returns the parsed stats refresh interval.
func (s *StatsConfig) RefreshDuration() time.Duration {
	return durationOr(s.RefreshInterval, DefaultRefreshInterval)
}

func durationOr(s string, def time.Duration) time.Duration {
	if s == "" {
		return def
	}
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}
