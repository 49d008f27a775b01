// Package locality discovers the host/module/NUMA topology of a team
// from its units' hostnames and exposes it as a tree of scope-tagged
// domains ("" is the global root, ".0" the first node, ".0.1.0" a NUMA
// domain under its second module, and so on).
package locality

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/team"
)

// Scope classifies a domain's depth in the topology.
type Scope int

const (
	ScopeUndefined Scope = iota
	ScopeGlobal
	ScopeNode
	ScopeModule
	ScopeNUMA
	ScopeUnit
	ScopeCore
)

func (s Scope) String() string {
	switch s {
	case ScopeGlobal:
		return "global"
	case ScopeNode:
		return "node"
	case ScopeModule:
		return "module"
	case ScopeNUMA:
		return "numa"
	case ScopeUnit:
		return "unit"
	case ScopeCore:
		return "core"
	default:
		return "undefined"
	}
}

// hostnameCell is the fixed per-unit slot in the hostname all-gather.
const hostnameCell = 64

// Domain is one node of the locality tree.
type Domain struct {
	Tag      string
	Scope    Scope
	Host     string
	Units    []int32 // global unit ids below this domain
	Children []*Domain

	// Hardware hints for NUMA and unit scopes.
	NumaID int
	Cores  int
}

// Map is a team's discovered topology.
type Map struct {
	t      *team.Team
	root   *Domain
	byTag  map[string]*Domain
	logger zerolog.Logger
}

// Discover is collective on t: every unit contributes its hostname and
// all units compute the identical tree.
//
// Hosts whose name extends another host's name ("node124-mic0" under
// "node124") are demoted to module domains of the shorter host, which
// separates accelerator modules from their carrier node.
func Discover(ctx context.Context, t *team.Team, hostname string) (*Map, error) {
	if len(hostname) >= hostnameCell {
		hostname = hostname[:hostnameCell-1]
	}
	var mine [hostnameCell]byte
	copy(mine[:], hostname)
	all := make([]byte, int(t.Size())*hostnameCell)
	if err := t.Comm().Allgather(ctx, mine[:], all); err != nil {
		return nil, fmt.Errorf("locality: hostname gather: %w", err)
	}

	// Group units by hostname.
	unitsByHost := make(map[string][]int32)
	for i := int32(0); i < t.Size(); i++ {
		cell := all[int(i)*hostnameCell : int(i+1)*hostnameCell]
		name := string(cell)
		if nul := strings.IndexByte(name, 0); nul >= 0 {
			name = name[:nul]
		}
		global, err := t.L2G(i)
		if err != nil {
			return nil, err
		}
		unitsByHost[name] = append(unitsByHost[name], global)
	}
	hosts := make([]string, 0, len(unitsByHost))
	for h := range unitsByHost {
		hosts = append(hosts, h)
	}
	sort.Strings(hosts)

	// A host is a module of the longest other host that strictly
	// prefixes it; otherwise it is a top-level node.
	parentOf := make(map[string]string)
	for _, h := range hosts {
		for _, cand := range hosts {
			if cand != h && strings.HasPrefix(h, cand) {
				if best, ok := parentOf[h]; !ok || len(cand) > len(best) {
					parentOf[h] = cand
				}
			}
		}
	}

	root := &Domain{Tag: "", Scope: ScopeGlobal, Units: t.Units()}
	byTag := map[string]*Domain{"": root}

	nodeIdx := 0
	nodes := make(map[string]*Domain)
	for _, h := range hosts {
		if _, demoted := parentOf[h]; demoted {
			continue
		}
		d := &Domain{
			Tag:   fmt.Sprintf(".%d", nodeIdx),
			Scope: ScopeNode,
			Host:  h,
			Units: append([]int32(nil), unitsByHost[h]...),
		}
		nodeIdx++
		nodes[h] = d
		root.Children = append(root.Children, d)
		byTag[d.Tag] = d
	}
	for _, h := range hosts {
		p, demoted := parentOf[h]
		if !demoted {
			continue
		}
		// Climb to the top-level carrier in case of nested prefixes.
		for {
			pp, ok := parentOf[p]
			if !ok {
				break
			}
			p = pp
		}
		node := nodes[p]
		d := &Domain{
			Tag:   fmt.Sprintf("%s.%d", node.Tag, len(node.Children)),
			Scope: ScopeModule,
			Host:  h,
			Units: append([]int32(nil), unitsByHost[h]...),
		}
		node.Units = append(node.Units, d.Units...)
		node.Children = append(node.Children, d)
		byTag[d.Tag] = d
	}

	// Below each leaf host domain: one NUMA domain carrying the units,
	// then one domain per unit with the local core count as its
	// hardware hint.
	var attach func(d *Domain)
	attach = func(d *Domain) {
		if len(d.Children) > 0 {
			for _, c := range d.Children {
				attach(c)
			}
			return
		}
		numa := &Domain{
			Tag:    d.Tag + ".0",
			Scope:  ScopeNUMA,
			Host:   d.Host,
			Units:  append([]int32(nil), d.Units...),
			NumaID: 0,
			Cores:  runtime.NumCPU(),
		}
		d.Children = append(d.Children, numa)
		byTag[numa.Tag] = numa
		for i, u := range numa.Units {
			ud := &Domain{
				Tag:    fmt.Sprintf("%s.%d", numa.Tag, i),
				Scope:  ScopeUnit,
				Host:   d.Host,
				Units:  []int32{u},
				NumaID: 0,
				Cores:  runtime.NumCPU(),
			}
			numa.Children = append(numa.Children, ud)
			byTag[ud.Tag] = ud
		}
	}
	for _, c := range root.Children {
		attach(c)
	}

	m := &Map{t: t, root: root, byTag: byTag, logger: log.WithComponent("locality")}
	m.logger.Debug().Int("hosts", len(hosts)).Int("domains", len(byTag)).Msg("topology discovered")
	return m, nil
}

// Root returns the global domain.
func (m *Map) Root() *Domain { return m.root }

// Domain looks a domain up by its tag path.
func (m *Map) Domain(tag string) (*Domain, error) {
	d, ok := m.byTag[tag]
	if !ok {
		return nil, fmt.Errorf("locality: domain %q not found", tag)
	}
	return d, nil
}

// ScopeDomains returns all domains at the given scope, in tag order.
func (m *Map) ScopeDomains(scope Scope) []*Domain {
	var out []*Domain
	var walk func(d *Domain)
	walk = func(d *Domain) {
		if d.Scope == scope {
			out = append(out, d)
		}
		for _, c := range d.Children {
			walk(c)
		}
	}
	walk(m.root)
	return out
}

// UnitDomain returns the unit-scope domain of a global unit id.
func (m *Map) UnitDomain(unit int32) (*Domain, error) {
	for _, d := range m.ScopeDomains(ScopeUnit) {
		if len(d.Units) == 1 && d.Units[0] == unit {
			return d, nil
		}
	}
	return nil, fmt.Errorf("locality: unit %d not in topology", unit)
}
