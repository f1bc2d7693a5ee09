package netd

import (
	"fmt"
	"strconv"
	"strings"
)

// Accounting keeps per-(uid, iface) byte counters. The first query for a pair
// installs its counters and reports zero.
type Accounting interface {
	Counters(uid uint32, iface string) (TrafficStats, error)
	Close() error
}

// accountingTag is stored in the rule UserData so counters can be found again.
func accountingTag(uid uint32, iface, dir string) string {
	return fmt.Sprintf("acct:%d:%s:%s", uid, iface, dir)
}

func parseAccountingTag(tag string) (uid uint32, iface, dir string, ok bool) {
	parts := strings.Split(tag, ":")
	if len(parts) != 4 || parts[0] != "acct" {
		return 0, "", "", false
	}
	u, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil || parts[2] == "" || (parts[3] != "rx" && parts[3] != "tx") {
		return 0, "", "", false
	}
	return uint32(u), parts[2], parts[3], true
}
