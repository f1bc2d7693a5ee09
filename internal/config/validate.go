package config

import (
	"fmt"
	"net"
	"net/url"
	"time"

	"grimm.is/netconn/internal/errors"
)

// Validate checks the configuration for consistency. All problems are reported together.
func (c *Config) Validate() error {
	var errs []error
	bad := func(field, format string, args ...any) {
		err := errors.Errorf(errors.KindValidation, "%s: %s", field, fmt.Sprintf(format, args...))
		errs = append(errs, errors.Attr(err, "field", field))
	}

	if c.Netd != nil {
		if c.Netd.Socket == "" {
			bad("netd.socket", "must not be empty")
		}
		if c.Netd.TableBase < 0 || c.Netd.RulePriorityBase < 0 {
			bad("netd", "table_base and rule_priority_base must be positive")
		}
	}

	if c.Manager != nil && c.Manager.Socket == "" {
		bad("manager.socket", "must not be empty")
	}
	if c.Manager != nil && c.Netd != nil && c.Manager.Socket == c.Netd.Socket {
		bad("manager.socket", "must differ from netd.socket")
	}

	if d := c.Detection; d != nil {
		for name, v := range map[string]string{
			"detection.timeout":          d.Timeout,
			"detection.recheck_interval": d.RecheckInterval,
			"detection.valid_interval":   d.ValidInterval,
		} {
			checkDuration(bad, name, v)
		}
		if d.HTTPURL != "" {
			if u, err := url.Parse(d.HTTPURL); err != nil || u.Host == "" {
				bad("detection.http_url", "invalid url %q", d.HTTPURL)
			}
		}
		for _, target := range d.PingTargets {
			if net.ParseIP(target) == nil {
				bad("detection.ping_targets", "%q is not an IP address", target)
			}
		}
	}

	if s := c.Stats; s != nil {
		checkDuration(bad, "stats.refresh_interval", s.RefreshInterval)
		for _, uid := range s.TrackUIDs {
			if uid < 0 {
				bad("stats.track_uids", "negative uid %d", uid)
			}
		}
	}

	if s := c.Score; s != nil {
		if s.NetIDMin <= 0 || s.NetIDMax < s.NetIDMin {
			bad("score", "invalid netid range [%d, %d]", s.NetIDMin, s.NetIDMax)
		}
	}

	if s := c.Syslog; s != nil {
		if s.Host == "" {
			bad("syslog.host", "must not be empty")
		}
		if s.Port < 0 || s.Port > 65535 {
			bad("syslog.port", "out of range: %d", s.Port)
		}
		if s.Protocol != "" && s.Protocol != "udp" && s.Protocol != "tcp" {
			bad("syslog.protocol", "must be udp or tcp, got %q", s.Protocol)
		}
		if s.Facility < 0 || s.Facility > 23 {
			bad("syslog.facility", "out of range: %d", s.Facility)
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return errors.Wrap(errors.Join(errs...), errors.KindValidation, "invalid configuration")
}

func checkDuration(bad func(string, string, ...any), field, v string) {
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		bad(field, "invalid duration %q", v)
		return
	}
	if d <= 0 {
		bad(field, "must be positive")
	}
}
