// Package grpcnet implements the transport over gRPC: one process per
// unit, each running a fabric server that exposes its window memory,
// passive-target locks and, for communicators it coordinates, the
// collective rendezvous. Requests and responses are plain structs
// carried by a gob codec registered with grpc, so no generated stubs
// are involved.
//
// Collectives follow a coordinator pattern: the lowest-ranked member of
// a communicator collects every rank's contribution and hands the full
// vector back, the same shape as a manager node fronting its workers.
package grpcnet

import (
	"context"
	"fmt"
	"sync"

	"github.com/OneOfOne/xxhash"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/dash-project/dartrt/pkg/transport"
)

// Config describes one unit's place in the fabric.
type Config struct {
	// Self is this unit's global id, an index into Peers.
	Self int32
	// Peers holds the fabric server address of every unit, in unit order.
	Peers []string
	// ListenAddr is the address this unit's server binds; defaults to
	// Peers[Self].
	ListenAddr string
}

// Endpoint is one unit's handle into the gRPC fabric.
type Endpoint struct {
	cfg    Config
	server *server
	world  *Comm

	connMu sync.Mutex
	conns  map[int32]*grpc.ClientConn

	groupMu  sync.Mutex
	groupSeq map[string]int
}

// Dial starts this unit's fabric server and returns the endpoint. The
// peer servers are dialed lazily on first use.
func Dial(cfg Config) (*Endpoint, error) {
	if cfg.Self < 0 || int(cfg.Self) >= len(cfg.Peers) {
		return nil, fmt.Errorf("grpcnet: self %d out of range for %d peers", cfg.Self, len(cfg.Peers))
	}
	e := &Endpoint{
		cfg:      cfg,
		server:   newServer(cfg.Self),
		conns:    make(map[int32]*grpc.ClientConn),
		groupSeq: make(map[string]int),
	}
	listen := cfg.ListenAddr
	if listen == "" {
		listen = cfg.Peers[cfg.Self]
	}
	if _, err := e.server.serve(listen); err != nil {
		return nil, err
	}
	units := make([]int32, len(cfg.Peers))
	for i := range units {
		units[i] = int32(i)
	}
	// Instance -1 is reserved for the world communicator so a
	// user-created group over the same unit list cannot collide.
	e.world = e.newComm(units, commID(units, -1))
	return e, nil
}

func (e *Endpoint) Self() int32           { return e.cfg.Self }
func (e *Endpoint) Size() int32           { return int32(len(e.cfg.Peers)) }
func (e *Endpoint) World() transport.Comm { return e.world }

func (e *Endpoint) Close() error {
	e.server.stop()
	e.connMu.Lock()
	defer e.connMu.Unlock()
	for _, c := range e.conns {
		c.Close()
	}
	e.conns = nil
	return nil
}

// Group derives the communicator id deterministically from the unit
// list plus a per-list instance counter, so every member arrives at the
// same id without an extra round of agreement.
func (e *Endpoint) Group(units []int32) (transport.Comm, error) {
	rank := int32(-1)
	for i, u := range units {
		if u == e.cfg.Self {
			rank = int32(i)
		}
		if u < 0 || int(u) >= len(e.cfg.Peers) {
			return nil, fmt.Errorf("grpcnet: unit %d out of range", u)
		}
	}
	if rank < 0 {
		return nil, fmt.Errorf("grpcnet: unit %d not in group", e.cfg.Self)
	}
	sig := fmt.Sprint(units)
	e.groupMu.Lock()
	inst := e.groupSeq[sig]
	e.groupSeq[sig] = inst + 1
	e.groupMu.Unlock()
	return e.newComm(units, commID(units, inst)), nil
}

func commID(units []int32, instance int) uint64 {
	h := xxhash.New64()
	fmt.Fprintf(h, "%v#%d", units, instance)
	return h.Sum64()
}

func (e *Endpoint) conn(unit int32) (*grpc.ClientConn, error) {
	e.connMu.Lock()
	defer e.connMu.Unlock()
	if e.conns == nil {
		return nil, fmt.Errorf("grpcnet: endpoint closed")
	}
	if c := e.conns[unit]; c != nil {
		return c, nil
	}
	c, err := grpc.NewClient(e.cfg.Peers[unit],
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(grpc.ForceCodec(gobCodec{})),
	)
	if err != nil {
		return nil, fmt.Errorf("grpcnet: dial unit %d at %s: %w", unit, e.cfg.Peers[unit], err)
	}
	e.conns[unit] = c
	return c, nil
}

// invoke issues a unary call to unit over its client connection. Calls
// that target self are routed to the in-process server by the callers
// (Comm.exchange, Window.call) and never reach invoke.
func (e *Endpoint) invoke(ctx context.Context, unit int32, method string, req, resp interface{}) error {
	c, err := e.conn(unit)
	if err != nil {
		return err
	}
	return c.Invoke(ctx, "/dartrt.Fabric/"+method, req, resp)
}

func (e *Endpoint) newComm(units []int32, id uint64) *Comm {
	rank := int32(-1)
	for i, u := range units {
		if u == e.cfg.Self {
			rank = int32(i)
		}
	}
	return &Comm{
		ep:    e,
		id:    id,
		units: append([]int32(nil), units...),
		rank:  rank,
	}
}

// Comm is a communicator over the gRPC fabric.
type Comm struct {
	ep    *Endpoint
	id    uint64
	units []int32
	rank  int32

	collSeq uint64
	winSeq  uint32
}

func (c *Comm) Rank() int32    { return c.rank }
func (c *Comm) Size() int32    { return int32(len(c.units)) }
func (c *Comm) Units() []int32 { return append([]int32(nil), c.units...) }

func (c *Comm) Free() error {
	return c.Barrier(context.Background())
}

// exchange deposits at the coordinator (rank 0's unit). The coordinator
// deposits into its own server directly rather than dialing itself.
func (c *Comm) exchange(ctx context.Context, contribution []byte) ([][]byte, error) {
	seq := c.collSeq
	c.collSeq++
	req := &collExchangeRequest{
		Comm:    c.id,
		Seq:     seq,
		Rank:    c.rank,
		Size:    int32(len(c.units)),
		Payload: append([]byte(nil), contribution...),
	}
	coord := c.units[0]
	if coord == c.ep.cfg.Self {
		resp, err := c.ep.server.collExchange(ctx, req)
		if err != nil {
			return nil, err
		}
		return resp.Contrib, nil
	}
	resp := new(collExchangeResponse)
	if err := c.ep.invoke(ctx, coord, "CollExchange", req, resp); err != nil {
		return nil, err
	}
	return resp.Contrib, nil
}

func (c *Comm) Barrier(ctx context.Context) error {
	_, err := c.exchange(ctx, nil)
	return err
}

func (c *Comm) Bcast(ctx context.Context, buf []byte, root int32) error {
	return transport.BcastVia(ctx, c.exchange, c.rank, buf, root)
}

func (c *Comm) Allgather(ctx context.Context, send, recv []byte) error {
	return transport.AllgatherVia(ctx, c.exchange, send, recv)
}

func (c *Comm) Allgatherv(ctx context.Context, send []byte, counts []int, recv []byte) error {
	return transport.AllgathervVia(ctx, c.exchange, send, counts, recv)
}

func (c *Comm) Gather(ctx context.Context, send, recv []byte, root int32) error {
	return transport.GatherVia(ctx, c.exchange, c.rank, send, recv, root)
}

func (c *Comm) Scatter(ctx context.Context, send, recv []byte, root int32) error {
	return transport.ScatterVia(ctx, c.exchange, c.rank, send, recv, root)
}

func (c *Comm) Alltoall(ctx context.Context, send, recv []byte) error {
	return transport.AlltoallVia(ctx, c.exchange, c.rank, send, recv)
}

func (c *Comm) Allreduce(ctx context.Context, send, recv []byte, elem transport.Elem, op transport.ReduceOp) error {
	return transport.AllreduceVia(ctx, c.exchange, send, recv, elem, op)
}

func (c *Comm) Reduce(ctx context.Context, send, recv []byte, elem transport.Elem, op transport.ReduceOp, root int32) error {
	return transport.ReduceVia(ctx, c.exchange, c.rank, send, recv, elem, op, root)
}

// CreateWindow registers the local region with this unit's server, then
// barriers so every member's region exists before any remote access.
func (c *Comm) CreateWindow(localSize uint64) (transport.Window, error) {
	win := c.winSeq
	c.winSeq++
	c.ep.server.createWindow(winKey{c.id, win}, localSize)
	if err := c.Barrier(context.Background()); err != nil {
		return nil, err
	}
	return &Window{comm: c, win: win}, nil
}

// Window is a one-sided window over the gRPC fabric. Unary calls
// complete synchronously, so the flush family is a no-op; two atomics
// issued back to back from the same origin complete in issue order.
type Window struct {
	comm *Comm
	win  uint32
}

func (w *Window) target(rank int32) (int32, error) {
	if rank < 0 || int(rank) >= len(w.comm.units) {
		return 0, fmt.Errorf("grpcnet: window rank %d out of range", rank)
	}
	return w.comm.units[rank], nil
}

// call routes to the target unit's server, in-process when the target
// is self.
func (w *Window) call(ctx context.Context, rank int32, method string, req, resp interface{}) error {
	unit, err := w.target(rank)
	if err != nil {
		return err
	}
	if unit == w.comm.ep.cfg.Self {
		return w.selfCall(ctx, method, req, resp)
	}
	return w.comm.ep.invoke(ctx, unit, method, req, resp)
}

func (w *Window) selfCall(ctx context.Context, method string, req, resp interface{}) error {
	s := w.comm.ep.server
	switch method {
	case "Put":
		_, err := s.put(ctx, req.(*putRequest))
		return err
	case "Get":
		r, err := s.get(ctx, req.(*getRequest))
		if err != nil {
			return err
		}
		*resp.(*getResponse) = *r
		return nil
	case "Accumulate":
		_, err := s.accumulate(ctx, req.(*accumulateRequest))
		return err
	case "FetchOp":
		r, err := s.fetchOp(ctx, req.(*fetchOpRequest))
		if err != nil {
			return err
		}
		*resp.(*fetchOpResponse) = *r
		return nil
	case "CompareSwap":
		r, err := s.compareSwap(ctx, req.(*compareSwapRequest))
		if err != nil {
			return err
		}
		*resp.(*compareSwapResponse) = *r
		return nil
	case "Lock":
		_, err := s.lock(ctx, req.(*lockRequest))
		return err
	case "Unlock":
		_, err := s.unlock(ctx, req.(*unlockRequest))
		return err
	case "FreeWindow":
		_, err := s.handleFreeWindow(ctx, req.(*freeWindowRequest))
		return err
	default:
		return fmt.Errorf("grpcnet: unknown self-call %q", method)
	}
}

func (w *Window) Put(ctx context.Context, rank int32, offset uint64, data []byte) error {
	return w.call(ctx, rank, "Put", &putRequest{Comm: w.comm.id, Win: w.win, Offset: offset, Data: data}, &emptyResponse{})
}

func (w *Window) Get(ctx context.Context, rank int32, offset uint64, buf []byte) error {
	resp := new(getResponse)
	if err := w.call(ctx, rank, "Get", &getRequest{Comm: w.comm.id, Win: w.win, Offset: offset, Length: len(buf)}, resp); err != nil {
		return err
	}
	copy(buf, resp.Data)
	return nil
}

func (w *Window) Accumulate(ctx context.Context, rank int32, offset uint64, data []byte, elem transport.Elem, op transport.ReduceOp) error {
	return w.call(ctx, rank, "Accumulate", &accumulateRequest{
		Comm: w.comm.id, Win: w.win, Offset: offset, Data: data,
		ElemSize: elem.Size, Float: elem.Float, Signed: elem.Signed, Op: int(op),
	}, &emptyResponse{})
}

func (w *Window) FetchOp(ctx context.Context, rank int32, offset uint64, op transport.ReduceOp, operand, result []byte, elem transport.Elem) error {
	resp := new(fetchOpResponse)
	err := w.call(ctx, rank, "FetchOp", &fetchOpRequest{
		Comm: w.comm.id, Win: w.win, Offset: offset, Operand: operand,
		ElemSize: elem.Size, Float: elem.Float, Signed: elem.Signed, Op: int(op),
	}, resp)
	if err != nil {
		return err
	}
	copy(result, resp.Prior)
	return nil
}

func (w *Window) CompareSwap(ctx context.Context, rank int32, offset uint64, expect, desired, result []byte) error {
	resp := new(compareSwapResponse)
	err := w.call(ctx, rank, "CompareSwap", &compareSwapRequest{
		Comm: w.comm.id, Win: w.win, Offset: offset, Expect: expect, Desired: desired,
	}, resp)
	if err != nil {
		return err
	}
	copy(result, resp.Prior)
	return nil
}

func (w *Window) LockExclusive(ctx context.Context, rank int32) error {
	return w.call(ctx, rank, "Lock", &lockRequest{Comm: w.comm.id, Win: w.win, Origin: w.comm.ep.cfg.Self, Exclusive: true}, &emptyResponse{})
}

func (w *Window) LockShared(ctx context.Context, rank int32) error {
	return w.call(ctx, rank, "Lock", &lockRequest{Comm: w.comm.id, Win: w.win, Origin: w.comm.ep.cfg.Self, Exclusive: false}, &emptyResponse{})
}

func (w *Window) Unlock(ctx context.Context, rank int32) error {
	return w.call(ctx, rank, "Unlock", &unlockRequest{Comm: w.comm.id, Win: w.win, Origin: w.comm.ep.cfg.Self}, &emptyResponse{})
}

func (w *Window) Flush(ctx context.Context, rank int32) error      { return nil }
func (w *Window) FlushLocal(ctx context.Context, rank int32) error { return nil }
func (w *Window) FlushAll(ctx context.Context) error               { return nil }

func (w *Window) Local() []byte {
	sw, err := w.comm.ep.server.window(winKey{w.comm.id, w.win})
	if err != nil {
		return nil
	}
	return sw.data
}

func (w *Window) Free() error {
	ctx := context.Background()
	if err := w.comm.Barrier(ctx); err != nil {
		return err
	}
	w.comm.ep.server.freeWindow(winKey{w.comm.id, w.win})
	return nil
}
