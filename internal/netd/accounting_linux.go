//go:build linux

package netd

import (
	"sync"

	"github.com/google/nftables"
	"github.com/google/nftables/binaryutil"
	"github.com/google/nftables/expr"

	"grimm.is/netconn/internal/brand"
	"grimm.is/netconn/internal/errors"
)

// NFTAccounting counts traffic with nftables.
//
// Egress packets of a uid leaving iface are counted in the output chain and
// their connection is tagged with ct mark = uid. Ingress packets on iface whose
// connection carries that mark are counted in the input chain.
type NFTAccounting struct {
	mu      sync.Mutex
	conn    *nftables.Conn
	table   *nftables.Table
	output  *nftables.Chain
	input   *nftables.Chain
	tracked map[string]bool
}

// NewAccounting creates the accounting table, replacing a stale one. A
// positive nsFd places it in that network namespace.
func NewAccounting(nsFd int) (Accounting, error) {
	var opts []nftables.ConnOption
	if nsFd > 0 {
		opts = append(opts, nftables.WithNetNSFd(nsFd))
	}
	conn, err := nftables.New(opts...)
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "nftables")
	}

	table := &nftables.Table{Family: nftables.TableFamilyINet, Name: brand.LowerName + "_acct"}
	conn.DelTable(table)
	_ = conn.Flush()

	conn.AddTable(table)
	output := conn.AddChain(&nftables.Chain{
		Name:     "output",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookOutput,
		Priority: nftables.ChainPriorityFilter,
	})
	input := conn.AddChain(&nftables.Chain{
		Name:     "input",
		Table:    table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookInput,
		Priority: nftables.ChainPriorityFilter,
	})
	if err := conn.Flush(); err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "create accounting table")
	}

	return &NFTAccounting{
		conn:    conn,
		table:   table,
		output:  output,
		input:   input,
		tracked: make(map[string]bool),
	}, nil
}

func ifname(name string) []byte {
	b := make([]byte, 16)
	copy(b, name)
	return b
}

func (a *NFTAccounting) track(uid uint32, iface string) error {
	uidBytes := binaryutil.NativeEndian.PutUint32(uid)

	a.conn.AddRule(&nftables.Rule{
		Table: a.table,
		Chain: a.output,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyOIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
			&expr.Meta{Key: expr.MetaKeySKUID, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: uidBytes},
			&expr.Immediate{Register: 1, Data: uidBytes},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1, SourceRegister: true},
			&expr.Counter{},
		},
		UserData: []byte(accountingTag(uid, iface, "tx")),
	})
	a.conn.AddRule(&nftables.Rule{
		Table: a.table,
		Chain: a.input,
		Exprs: []expr.Any{
			&expr.Meta{Key: expr.MetaKeyIIFNAME, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: ifname(iface)},
			&expr.Ct{Key: expr.CtKeyMARK, Register: 1},
			&expr.Cmp{Op: expr.CmpOpEq, Register: 1, Data: uidBytes},
			&expr.Counter{},
		},
		UserData: []byte(accountingTag(uid, iface, "rx")),
	})
	return a.conn.Flush()
}

// Counters returns the byte counters of (uid, iface).
func (a *NFTAccounting) Counters(uid uint32, iface string) (TrafficStats, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	key := accountingTag(uid, iface, "")
	if !a.tracked[key] {
		if err := a.track(uid, iface); err != nil {
			return TrafficStats{}, errors.Wrapf(err, errors.KindInternal, "track uid %d on %s", uid, iface)
		}
		a.tracked[key] = true
		return TrafficStats{}, nil
	}

	var st TrafficStats
	for _, chain := range []*nftables.Chain{a.output, a.input} {
		rules, err := a.conn.GetRules(a.table, chain)
		if err != nil {
			return TrafficStats{}, errors.Wrap(err, errors.KindInternal, "list accounting rules")
		}
		for _, r := range rules {
			ruid, riface, dir, ok := parseAccountingTag(string(r.UserData))
			if !ok || ruid != uid || riface != iface {
				continue
			}
			for _, e := range r.Exprs {
				c, ok := e.(*expr.Counter)
				if !ok {
					continue
				}
				if dir == "rx" {
					st.RxBytes, st.RxPackets = c.Bytes, c.Packets
				} else {
					st.TxBytes, st.TxPackets = c.Bytes, c.Packets
				}
			}
		}
	}
	return st, nil
}

// Close removes the accounting table.
func (a *NFTAccounting) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.conn.DelTable(a.table)
	return a.conn.Flush()
}
