// Package dart assembles the runtime: one call to Init builds the type
// registry, team tree, RMA engine, locality map, active-message queue,
// remote-dependency protocol and task scheduler over a transport
// endpoint, and Exit tears them down in reverse. The process-wide
// singletons live here; initializing twice is an error.
package dart

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/amsgq"
	"github.com/dash-project/dartrt/pkg/config"
	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/dtype"
	"github.com/dash-project/dartrt/pkg/gptr"
	"github.com/dash-project/dartrt/pkg/locality"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/remotedep"
	"github.com/dash-project/dartrt/pkg/rma"
	"github.com/dash-project/dartrt/pkg/task"
	"github.com/dash-project/dartrt/pkg/team"
	"github.com/dash-project/dartrt/pkg/transport"
)

// Default active-message queue geometry.
const (
	DefaultAMsgSize = 512
	DefaultAMsgNum  = 64
)

// Runtime is one unit's fully assembled DART instance.
type Runtime struct {
	cfg    config.Runtime
	logger zerolog.Logger

	tp    transport.Transport
	types *dtype.Registry
	teams *team.Registry
	rma   *rma.Engine
	sched *task.Scheduler
	amreg *amsgq.Registry
	queue amsgq.Queue
	proto *remotedep.Protocol
	loc   *locality.Map
}

var (
	globalMu sync.Mutex
	global   *Runtime
)

// Options tunes Init beyond the environment variables.
type Options struct {
	// LocalPoolSize overrides the bootstrap segment size.
	LocalPoolSize uint64
	// AMsgSize and AMsgNum override the queue geometry.
	AMsgSize int
	AMsgNum  int
	// Hostname overrides locality discovery's idea of this unit's
	// host, for tests and simulation.
	Hostname string
	// RegisterHandlers runs against the active-message registry before
	// the queue opens, so application handlers join the fingerprint.
	RegisterHandlers func(*amsgq.Registry)
}

// Init builds the runtime over tp. Collective: every unit must call it.
// Re-initialization is an error.
func Init(tp transport.Transport, opts Options) (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global != nil {
		return nil, dartcode.New(dartcode.ErrNotInit, "dart: runtime already initialized")
	}
	r, err := NewRuntime(tp, opts)
	if err != nil {
		return nil, err
	}
	global = r
	return r, nil
}

// NewRuntime builds a runtime without touching the process-wide
// singleton. The simulation fabric uses it to host several units in
// one process; real deployments go through Init.
func NewRuntime(tp transport.Transport, opts Options) (*Runtime, error) {
	cfg := config.FromEnv()
	r := &Runtime{
		cfg:    cfg,
		logger: log.WithComponent("dart").With().Int32("unit", tp.Self()).Logger(),
		tp:     tp,
		types:  dtype.NewRegistry(),
	}

	teams, err := team.NewRegistry(tp)
	if err != nil {
		return nil, fmt.Errorf("dart: team bootstrap: %w", err)
	}
	r.teams = teams

	engine, err := rma.New(tp, teams, r.types, opts.LocalPoolSize)
	if err != nil {
		return nil, fmt.Errorf("dart: rma bootstrap: %w", err)
	}
	r.rma = engine

	hostname := opts.Hostname
	if hostname == "" {
		hostname, _ = os.Hostname()
		if hostname == "" {
			hostname = fmt.Sprintf("unit%d", tp.Self())
		}
	}
	loc, err := locality.Discover(context.Background(), teams.Root(), hostname)
	if err != nil {
		return nil, fmt.Errorf("dart: locality discovery: %w", err)
	}
	r.loc = loc

	r.sched = task.NewScheduler(cfg, tp.Self())
	r.amreg = amsgq.NewRegistry()
	r.proto = remotedep.New(r.sched, r.amreg, tp.Self())
	if opts.RegisterHandlers != nil {
		opts.RegisterHandlers(r.amreg)
	}

	msgSize := opts.AMsgSize
	if msgSize <= 0 {
		msgSize = DefaultAMsgSize
	}
	msgNum := opts.AMsgNum
	if msgNum <= 0 {
		msgNum = DefaultAMsgNum
	}
	queue, err := amsgq.New(cfg.AmsgqImpl, teams.Root(), r.amreg, msgSize, msgNum)
	if err != nil {
		return nil, fmt.Errorf("dart: message queue: %w", err)
	}
	r.queue = queue
	r.proto.Bind(queue)

	// The utility thread keeps the queue moving while workers compute.
	r.sched.AddPoller(func() {
		if err := queue.Process(context.Background()); err != nil {
			r.logger.Error().Err(err).Msg("background queue processing failed")
		}
	})
	r.sched.Start()

	r.logger.Info().Str("amsgq", string(cfg.AmsgqImpl)).Int32("units", tp.Size()).Msg("runtime initialized")
	return r, nil
}

// Current returns the initialized runtime.
func Current() (*Runtime, error) {
	globalMu.Lock()
	defer globalMu.Unlock()
	if global == nil {
		return nil, dartcode.New(dartcode.ErrNotInit, "dart: runtime not initialized")
	}
	return global, nil
}

// Exit completes outstanding tasks, drains the message queue and tears
// the runtime down. Collective.
func (r *Runtime) Exit() error {
	ctx := context.Background()
	r.sched.Complete()
	if err := r.queue.ProcessBlocking(ctx); err != nil {
		return err
	}
	r.sched.Shutdown()
	if err := r.queue.Close(ctx); err != nil {
		return err
	}
	if err := r.rma.Shutdown(); err != nil {
		return err
	}
	if err := r.teams.Shutdown(ctx); err != nil {
		return err
	}
	globalMu.Lock()
	if global == r {
		global = nil
	}
	globalMu.Unlock()
	r.logger.Info().Msg("runtime shut down")
	return nil
}

// MyUnit returns this process's global unit id.
func (r *Runtime) MyUnit() int32 { return r.tp.Self() }

// NumUnits returns the world size.
func (r *Runtime) NumUnits() int32 { return r.tp.Size() }

// TeamAll returns the root team.
func (r *Runtime) TeamAll() *team.Team { return r.teams.Root() }

// Teams returns the team registry.
func (r *Runtime) Teams() *team.Registry { return r.teams }

// Types returns the data-type registry.
func (r *Runtime) Types() *dtype.Registry { return r.types }

// RMA returns the one-sided operation engine.
func (r *Runtime) RMA() *rma.Engine { return r.rma }

// Scheduler returns the task runtime.
func (r *Runtime) Scheduler() *task.Scheduler { return r.sched }

// AMQueue returns the root team's active-message queue.
func (r *Runtime) AMQueue() amsgq.Queue { return r.queue }

// AMRegistry returns the handler table.
func (r *Runtime) AMRegistry() *amsgq.Registry { return r.amreg }

// Locality returns the discovered topology of the root team.
func (r *Runtime) Locality() *locality.Map { return r.loc }

// NullPtr returns the null global pointer, all fields zero.
func NullPtr() gptr.GPtr { return gptr.Null }

// Code translates any error from the runtime's packages into the
// fixed ABI return code.
func Code(err error) dartcode.Code { return dartcode.CodeOf(err) }
