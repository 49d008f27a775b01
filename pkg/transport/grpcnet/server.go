package grpcnet

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"

	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/transport"
)

// server owns this unit's exposed window memory, its passive-target
// lock state, and — when this unit coordinates a communicator — the
// in-flight collective exchanges of that communicator.
type server struct {
	self   int32
	logger zerolog.Logger

	mu      sync.Mutex
	windows map[winKey]*serverWin
	colls   map[collKey]*serverColl

	grpcSrv *grpc.Server
}

type winKey struct {
	comm uint64
	win  uint32
}

type collKey struct {
	comm uint64
	seq  uint64
}

type serverWin struct {
	memMu sync.Mutex
	data  []byte

	// passive-target lock: a small monitor instead of a sync.RWMutex so
	// acquisition can be owned by a remote origin across two RPCs.
	lockMu    sync.Mutex
	lockCond  *sync.Cond
	exclusive bool
	shared    int
	holders   map[int32]bool // origin -> exclusive?
}

type serverColl struct {
	contrib [][]byte
	arrived int32
	done    chan struct{}
}

func newServer(self int32) *server {
	return &server{
		self:    self,
		logger:  log.WithComponent("grpcnet").With().Int32("unit", self).Logger(),
		windows: make(map[winKey]*serverWin),
		colls:   make(map[collKey]*serverColl),
	}
}

func (s *server) serve(listenAddr string) (string, error) {
	lis, err := net.Listen("tcp", listenAddr)
	if err != nil {
		return "", fmt.Errorf("grpcnet: listen %s: %w", listenAddr, err)
	}
	s.grpcSrv = grpc.NewServer(grpc.ForceServerCodec(gobCodec{}))
	s.grpcSrv.RegisterService(&fabricServiceDesc, s)
	go func() {
		if err := s.grpcSrv.Serve(lis); err != nil {
			s.logger.Error().Err(err).Msg("fabric server stopped")
		}
	}()
	return lis.Addr().String(), nil
}

func (s *server) stop() {
	if s.grpcSrv != nil {
		s.grpcSrv.GracefulStop()
	}
}

func (s *server) window(k winKey) (*serverWin, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := s.windows[k]
	if w == nil {
		return nil, fmt.Errorf("grpcnet: window %d/%d not registered on unit %d", k.comm, k.win, s.self)
	}
	return w, nil
}

func (s *server) createWindow(k winKey, size uint64) *serverWin {
	s.mu.Lock()
	defer s.mu.Unlock()
	w := &serverWin{data: make([]byte, size), holders: make(map[int32]bool)}
	w.lockCond = sync.NewCond(&w.lockMu)
	s.windows[k] = w
	return w
}

func (s *server) freeWindow(k winKey) {
	s.mu.Lock()
	delete(s.windows, k)
	s.mu.Unlock()
}

func (w *serverWin) slice(offset uint64, n int) ([]byte, error) {
	if offset+uint64(n) > uint64(len(w.data)) {
		return nil, fmt.Errorf("grpcnet: access [%d,%d) beyond window size %d", offset, offset+uint64(n), len(w.data))
	}
	return w.data[offset : offset+uint64(n)], nil
}

func (s *server) put(_ context.Context, in *putRequest) (*emptyResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	dst, err := w.slice(in.Offset, len(in.Data))
	if err != nil {
		return nil, err
	}
	w.memMu.Lock()
	copy(dst, in.Data)
	w.memMu.Unlock()
	return &emptyResponse{}, nil
}

func (s *server) get(_ context.Context, in *getRequest) (*getResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	src, err := w.slice(in.Offset, in.Length)
	if err != nil {
		return nil, err
	}
	out := make([]byte, in.Length)
	w.memMu.Lock()
	copy(out, src)
	w.memMu.Unlock()
	return &getResponse{Data: out}, nil
}

func (s *server) accumulate(_ context.Context, in *accumulateRequest) (*emptyResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	dst, err := w.slice(in.Offset, len(in.Data))
	if err != nil {
		return nil, err
	}
	elem := transport.Elem{Size: in.ElemSize, Float: in.Float, Signed: in.Signed}
	w.memMu.Lock()
	defer w.memMu.Unlock()
	if err := transport.Apply(transport.ReduceOp(in.Op), in.Data, dst, elem); err != nil {
		return nil, err
	}
	return &emptyResponse{}, nil
}

func (s *server) fetchOp(_ context.Context, in *fetchOpRequest) (*fetchOpResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	dst, err := w.slice(in.Offset, in.ElemSize)
	if err != nil {
		return nil, err
	}
	elem := transport.Elem{Size: in.ElemSize, Float: in.Float, Signed: in.Signed}
	prior := make([]byte, in.ElemSize)
	w.memMu.Lock()
	defer w.memMu.Unlock()
	copy(prior, dst)
	if err := transport.Apply(transport.ReduceOp(in.Op), in.Operand, dst, elem); err != nil {
		return nil, err
	}
	return &fetchOpResponse{Prior: prior}, nil
}

func (s *server) compareSwap(_ context.Context, in *compareSwapRequest) (*compareSwapResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	dst, err := w.slice(in.Offset, len(in.Expect))
	if err != nil {
		return nil, err
	}
	prior := make([]byte, len(in.Expect))
	w.memMu.Lock()
	defer w.memMu.Unlock()
	copy(prior, dst)
	equal := true
	for i := range dst {
		if dst[i] != in.Expect[i] {
			equal = false
			break
		}
	}
	if equal {
		copy(dst, in.Desired)
	}
	return &compareSwapResponse{Prior: prior}, nil
}

// lock blocks the RPC until the passive-target lock is granted. The
// origin owns the lock until its matching unlock RPC.
func (s *server) lock(ctx context.Context, in *lockRequest) (*emptyResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	if in.Exclusive {
		for w.exclusive || w.shared > 0 {
			w.lockCond.Wait()
		}
		w.exclusive = true
	} else {
		for w.exclusive {
			w.lockCond.Wait()
		}
		w.shared++
	}
	w.holders[in.Origin] = in.Exclusive
	return &emptyResponse{}, nil
}

func (s *server) unlock(_ context.Context, in *unlockRequest) (*emptyResponse, error) {
	w, err := s.window(winKey{in.Comm, in.Win})
	if err != nil {
		return nil, err
	}
	w.lockMu.Lock()
	defer w.lockMu.Unlock()
	exclusive, ok := w.holders[in.Origin]
	if !ok {
		return nil, fmt.Errorf("grpcnet: unlock from origin %d without a held lock", in.Origin)
	}
	delete(w.holders, in.Origin)
	if exclusive {
		w.exclusive = false
	} else {
		w.shared--
	}
	w.lockCond.Broadcast()
	return &emptyResponse{}, nil
}

// collExchange runs on a communicator's coordinator: every rank
// deposits its payload under (comm, seq) and the response carries the
// full contribution vector once the last rank has arrived.
func (s *server) collExchange(ctx context.Context, in *collExchangeRequest) (*collExchangeResponse, error) {
	k := collKey{in.Comm, in.Seq}
	s.mu.Lock()
	op := s.colls[k]
	if op == nil {
		op = &serverColl{contrib: make([][]byte, in.Size), done: make(chan struct{})}
		s.colls[k] = op
	}
	op.contrib[in.Rank] = in.Payload
	op.arrived++
	last := op.arrived == in.Size
	if last {
		close(op.done)
		delete(s.colls, k)
	}
	s.mu.Unlock()

	select {
	case <-op.done:
	case <-ctx.Done():
		return nil, fmt.Errorf("grpcnet: collective interrupted: %w", ctx.Err())
	}
	return &collExchangeResponse{Contrib: op.contrib}, nil
}

func (s *server) handleCreateWindow(_ context.Context, in *createWindowRequest) (*emptyResponse, error) {
	s.createWindow(winKey{in.Comm, in.Win}, in.Size)
	return &emptyResponse{}, nil
}

func (s *server) handleFreeWindow(_ context.Context, in *freeWindowRequest) (*emptyResponse, error) {
	s.freeWindow(winKey{in.Comm, in.Win})
	return &emptyResponse{}, nil
}

// Hand-registered service descriptor; every method is unary over the
// gob codec.
var fabricServiceDesc = grpc.ServiceDesc{
	ServiceName: "dartrt.Fabric",
	HandlerType: (*interface{})(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Put", Handler: unary(func(s *server, ctx context.Context, in *putRequest) (interface{}, error) { return s.put(ctx, in) })},
		{MethodName: "Get", Handler: unary(func(s *server, ctx context.Context, in *getRequest) (interface{}, error) { return s.get(ctx, in) })},
		{MethodName: "Accumulate", Handler: unary(func(s *server, ctx context.Context, in *accumulateRequest) (interface{}, error) {
			return s.accumulate(ctx, in)
		})},
		{MethodName: "FetchOp", Handler: unary(func(s *server, ctx context.Context, in *fetchOpRequest) (interface{}, error) { return s.fetchOp(ctx, in) })},
		{MethodName: "CompareSwap", Handler: unary(func(s *server, ctx context.Context, in *compareSwapRequest) (interface{}, error) {
			return s.compareSwap(ctx, in)
		})},
		{MethodName: "Lock", Handler: unary(func(s *server, ctx context.Context, in *lockRequest) (interface{}, error) { return s.lock(ctx, in) })},
		{MethodName: "Unlock", Handler: unary(func(s *server, ctx context.Context, in *unlockRequest) (interface{}, error) { return s.unlock(ctx, in) })},
		{MethodName: "CollExchange", Handler: unary(func(s *server, ctx context.Context, in *collExchangeRequest) (interface{}, error) {
			return s.collExchange(ctx, in)
		})},
		{MethodName: "CreateWindow", Handler: unary(func(s *server, ctx context.Context, in *createWindowRequest) (interface{}, error) {
			return s.handleCreateWindow(ctx, in)
		})},
		{MethodName: "FreeWindow", Handler: unary(func(s *server, ctx context.Context, in *freeWindowRequest) (interface{}, error) {
			return s.handleFreeWindow(ctx, in)
		})},
	},
}

// unary adapts a typed handler to grpc.MethodDesc's handler signature.
func unary[Req any](fn func(*server, context.Context, *Req) (interface{}, error)) func(interface{}, context.Context, func(interface{}) error, grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, _ grpc.UnaryServerInterceptor) (interface{}, error) {
		in := new(Req)
		if err := dec(in); err != nil {
			return nil, err
		}
		return fn(srv.(*server), ctx, in)
	}
}
