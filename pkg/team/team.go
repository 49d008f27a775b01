// Package team maintains the tree of process subsets: each team owns a
// communicator over its units, local/global unit id translation tables
// and a segment table. Team 0 is the root and contains every unit;
// every other team's group is a subset of its parent's.
package team

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/metrics"
	"github.com/dash-project/dartrt/pkg/segment"
	"github.com/dash-project/dartrt/pkg/transport"
)

// NotFound is returned by G2L for a unit outside the team.
const NotFound int32 = -1

// Team is one node of the team tree.
type Team struct {
	id     uint16
	parent *Team

	mu       sync.Mutex
	children []*Team

	units []int32         // ordered group: local id -> global unit id
	g2l   map[int32]int32 // global unit id -> local id

	comm     transport.Comm
	segments *segment.Table

	destroyed bool
}

// ID returns the team id.
func (t *Team) ID() uint16 { return t.id }

// Size returns the number of units in the team.
func (t *Team) Size() int32 { return int32(len(t.units)) }

// Units returns the ordered group of global unit ids.
func (t *Team) Units() []int32 { return append([]int32(nil), t.units...) }

// Comm returns the team's communicator.
func (t *Team) Comm() transport.Comm { return t.comm }

// Segments returns the team's segment table.
func (t *Team) Segments() *segment.Table { return t.segments }

// MyID returns the caller's local id within the team.
func (t *Team) MyID() int32 { return t.comm.Rank() }

// L2G translates a local id to the global unit id.
func (t *Team) L2G(local int32) (int32, error) {
	if local < 0 || int(local) >= len(t.units) {
		return gptr.UndefinedUnitID, fmt.Errorf("team %d: local id %d out of range", t.id, local)
	}
	return t.units[local], nil
}

// G2L translates a global unit id to the team-local id, NotFound if the
// unit is not a member.
func (t *Team) G2L(global int32) int32 {
	if l, ok := t.g2l[global]; ok {
		return l
	}
	return NotFound
}

// Registry is the process-wide team table, indexed by team id. One
// instance is created during Init and torn down during Exit.
type Registry struct {
	tp     transport.Transport
	logger zerolog.Logger

	mu    sync.RWMutex
	teams map[uint16]*Team
	root  *Team

	// nextID is this process's "next available" counter; a collective
	// max-reduce across the parent picks the cluster-wide fresh id.
	nextID uint16
}

// NewRegistry bootstraps the root team (TEAM_ALL) over the transport's
// world communicator.
func NewRegistry(tp transport.Transport) (*Registry, error) {
	world := tp.World()
	units := world.Units()
	root := newTeam(gptr.TeamAll, nil, units, world)
	r := &Registry{
		tp:     tp,
		logger: log.WithComponent("team"),
		teams:  map[uint16]*Team{root.id: root},
		root:   root,
		nextID: gptr.TeamAll,
	}
	metrics.TeamsTotal.Inc()
	return r, nil
}

func newTeam(id uint16, parent *Team, units []int32, comm transport.Comm) *Team {
	g2l := make(map[int32]int32, len(units))
	for i, u := range units {
		g2l[u] = int32(i)
	}
	return &Team{
		id:       id,
		parent:   parent,
		units:    append([]int32(nil), units...),
		g2l:      g2l,
		comm:     comm,
		segments: segment.NewTable(id),
	}
}

// Root returns TEAM_ALL.
func (r *Registry) Root() *Team {
	return r.root
}

// Get looks a team up by id.
func (r *Registry) Get(id uint16) (*Team, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.teams[id]
	if !ok {
		return nil, fmt.Errorf("team %d not found", id)
	}
	return t, nil
}

// Create is collective on parent: every member of parent must call it
// with the identical ordered unit list, a subset of parent's group. The
// fresh id is the collective maximum of every member's next-available
// counter plus one, so ids are monotonically non-decreasing even after
// destroys. Members of the new group receive the team node; units of
// parent outside the group participate in the id agreement and receive
// nil.
func (r *Registry) Create(ctx context.Context, parent *Team, units []int32) (*Team, uint16, error) {
	if parent == nil || parent.destroyed {
		return nil, gptr.TeamNull, fmt.Errorf("team create: invalid parent")
	}
	if len(units) == 0 {
		return nil, gptr.TeamNull, fmt.Errorf("team create: empty group")
	}
	for _, u := range units {
		if parent.G2L(u) == NotFound {
			return nil, gptr.TeamNull, fmt.Errorf("team create: unit %d not in parent team %d", u, parent.id)
		}
	}

	var send, recv [2]byte
	r.mu.Lock()
	binary.LittleEndian.PutUint16(send[:], r.nextID)
	r.mu.Unlock()
	if err := parent.comm.Allreduce(ctx, send[:], recv[:], transport.ElemUint16, transport.OpMax); err != nil {
		return nil, gptr.TeamNull, fmt.Errorf("team create: id reduce: %w", err)
	}
	newID := binary.LittleEndian.Uint16(recv[:]) + 1
	if newID == gptr.TeamNull {
		return nil, gptr.TeamNull, fmt.Errorf("team create: id space exhausted")
	}
	r.mu.Lock()
	r.nextID = newID
	r.mu.Unlock()

	member := false
	for _, u := range units {
		if u == r.tp.Self() {
			member = true
		}
	}
	if !member {
		return nil, newID, nil
	}

	comm, err := r.tp.Group(units)
	if err != nil {
		return nil, gptr.TeamNull, fmt.Errorf("team create: communicator: %w", err)
	}
	t := newTeam(newID, parent, units, comm)
	parent.mu.Lock()
	parent.children = append(parent.children, t)
	parent.mu.Unlock()
	r.mu.Lock()
	r.teams[newID] = t
	r.mu.Unlock()
	metrics.TeamsTotal.Inc()
	r.logger.Debug().Uint16("team", newID).Uint16("parent", parent.id).Int("size", len(units)).Msg("team created")
	return t, newID, nil
}

// SplitGroups partitions parent's group into n contiguous chunks, the
// deterministic split whose concatenation in child order reconstructs
// the parent group.
func SplitGroups(parent *Team, n int) [][]int32 {
	if n <= 0 {
		return nil
	}
	units := parent.Units()
	groups := make([][]int32, 0, n)
	size := len(units) / n
	rem := len(units) % n
	off := 0
	for i := 0; i < n; i++ {
		take := size
		if i < rem {
			take++
		}
		if take == 0 {
			continue
		}
		groups = append(groups, units[off:off+take])
		off += take
	}
	return groups
}

// Destroy is collective on t: children are destroyed depth-first, the
// team's segments are dropped, the communicator is released and the
// node unlinks from its parent. The root team can only be destroyed
// through the registry's Shutdown.
func (r *Registry) Destroy(ctx context.Context, t *Team) error {
	if t == nil || t.destroyed {
		return fmt.Errorf("team destroy: invalid team")
	}
	if t == r.root {
		return fmt.Errorf("team destroy: root team is destroyed by shutdown only")
	}
	return r.destroy(ctx, t)
}

func (r *Registry) destroy(ctx context.Context, t *Team) error {
	t.mu.Lock()
	children := append([]*Team(nil), t.children...)
	t.mu.Unlock()
	for _, c := range children {
		if err := r.destroy(ctx, c); err != nil {
			return err
		}
	}

	if n := t.segments.Clear(); n > 0 {
		r.logger.Warn().Uint16("team", t.id).Int("segments", n).Msg("destroying team with live segments")
	}
	if err := t.comm.Free(); err != nil {
		return fmt.Errorf("team destroy: communicator free: %w", err)
	}
	t.destroyed = true

	if p := t.parent; p != nil {
		p.mu.Lock()
		for i, c := range p.children {
			if c == t {
				p.children = append(p.children[:i], p.children[i+1:]...)
				break
			}
		}
		p.mu.Unlock()
	}
	r.mu.Lock()
	delete(r.teams, t.id)
	r.mu.Unlock()
	metrics.TeamsTotal.Dec()
	r.logger.Debug().Uint16("team", t.id).Msg("team destroyed")
	return nil
}

// Shutdown tears the whole tree down, root last.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.root.mu.Lock()
	children := append([]*Team(nil), r.root.children...)
	r.root.mu.Unlock()
	for _, c := range children {
		if err := r.destroy(ctx, c); err != nil {
			return err
		}
	}
	r.root.segments.Clear()
	r.root.destroyed = true
	r.mu.Lock()
	delete(r.teams, r.root.id)
	r.mu.Unlock()
	metrics.TeamsTotal.Dec()
	return nil
}
