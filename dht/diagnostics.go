package dht

import (
	"fmt"
	"sort"
	"strings"

	"github.com/fatih/structs"
)

// Diagnostics returns a human readable report of the internal state.
func (d *DHT) Diagnostics() string {
	var b strings.Builder
	fmt.Fprintf(&b, "==========================\n")
	fmt.Fprintf(&b, "DHT Diagnostics. Type %s\n", d.typ)
	s := d.subsys.Load()
	if s == nil {
		fmt.Fprintf(&b, "Not running\n")
		return b.String()
	}
	fmt.Fprintf(&b, "# of active endpoints / all endpoints: %d/%d\n", s.pool.ActiveCount(), s.pool.Count())
	fmt.Fprintf(&b, "Bootstrapping: %t\n", d.IsBootstrapping())

	section(&b, "Stats")
	st := d.Stats()
	m := structs.Map(st)
	names := structs.Names(st)
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %v\n", name, m[name])
	}

	section(&b, "Metrics")
	metrics := d.Metrics()
	names = names[:0]
	for name := range metrics {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "%s: %d\n", name, metrics[name])
	}

	section(&b, "Routing table")
	b.WriteString(s.table.String())
	section(&b, "RPC servers")
	b.WriteString(s.pool.String())
	section(&b, "Lookup cache")
	b.WriteString(s.cache.String())
	section(&b, "Tasks")
	b.WriteString(s.tasks.String())
	section(&b, "Peer store")
	b.WriteString(s.store.String())
	return b.String()
}

func section(b *strings.Builder, name string) {
	fmt.Fprintf(b, "\n-----------------------\n%s\n\n", name)
}
