// Package amsgq implements the active-message queue: a one-sided RPC
// mechanism where the sender names a function and a payload and the
// receiver invokes the function during a processing pass. Three
// backends share one interface — dualwin (tailpos and ring in separate
// windows), singlewin (both behind one lock) and sopnop (double-
// buffered, no per-write lock).
//
// Function identity crosses the wire as a stable 64-bit id derived
// from the handler's registered name, resolved through each unit's
// registration table. Raw function addresses never travel, so no
// per-peer address offset table is needed; queue open verifies that
// every unit registered the same handler set and warns when the
// fingerprints diverge.
package amsgq

import (
	"context"
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/OneOfOne/xxhash"
	"github.com/rs/zerolog"

	"github.com/dash-project/dartrt/pkg/config"
	"github.com/dash-project/dartrt/pkg/dartcode"
	"github.com/dash-project/dartrt/pkg/log"
	"github.com/dash-project/dartrt/pkg/team"
)

// HeaderSize is the fixed wire header: 8-byte function id, 4-byte
// origin unit, 4-byte payload size, 8 bytes reserved. Payload follows
// immediately.
const HeaderSize = 24

// msgAlign keeps successive messages 8-byte aligned in the ring.
const msgAlign = 8

// Handler is a registered active-message function. It runs on the
// receiving unit during a processing pass with the sender's global
// unit id and the payload bytes.
type Handler func(origin int32, payload []byte)

// Registry maps stable function ids to handlers. Every unit must
// register the same handler names; ids are derived from the name so
// they agree without coordination.
type Registry struct {
	mu    sync.RWMutex
	byID  map[uint64]Handler
	names map[string]uint64
}

// NewRegistry creates an empty handler table.
func NewRegistry() *Registry {
	return &Registry{byID: make(map[uint64]Handler), names: make(map[string]uint64)}
}

// Register binds a handler under a stable name and returns its wire id.
// Re-registering a name replaces the handler but keeps the id.
func (r *Registry) Register(name string, h Handler) uint64 {
	id := xxhash.ChecksumString64(name)
	r.mu.Lock()
	r.byID[id] = h
	r.names[name] = id
	r.mu.Unlock()
	return id
}

// ID returns the wire id of a registered name.
func (r *Registry) ID(name string) (uint64, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	id, ok := r.names[name]
	return id, ok
}

// Lookup resolves a wire id, or nil for an unknown function.
func (r *Registry) Lookup(id uint64) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byID[id]
}

// Fingerprint hashes the sorted registered names; all units of a team
// should agree before exchanging messages.
func (r *Registry) Fingerprint() uint64 {
	r.mu.RLock()
	names := make([]string, 0, len(r.names))
	for n := range r.names {
		names = append(names, n)
	}
	r.mu.RUnlock()
	sort.Strings(names)
	h := xxhash.New64()
	for _, n := range names {
		h.WriteString(n)
		h.Write([]byte{0})
	}
	return h.Sum64()
}

// Queue is the backend interface: one instance per (team, queue).
type Queue interface {
	// TrySend enqueues a message for target (team-local id). A full
	// target queue returns dartcode.ErrAgain; the caller retries.
	TrySend(ctx context.Context, target int32, fnID uint64, payload []byte) error
	// Process drains and invokes pending messages. Returns immediately
	// without processing if another goroutine holds the processing
	// mutex.
	Process(ctx context.Context) error
	// ProcessBlocking drains pending sends, enters a barrier on the
	// queue's team and keeps processing until every unit has arrived,
	// then drains once more.
	ProcessBlocking(ctx context.Context) error
	// Close collectively destroys the queue. Undelivered messages are
	// discarded with a warning.
	Close(ctx context.Context) error
}

// New opens a queue of numMsgs messages of at most msgSize payload
// bytes each on t, using the backend selected by impl. Collective on t.
func New(impl config.AmsgqImpl, t *team.Team, reg *Registry, msgSize, numMsgs int) (Queue, error) {
	if msgSize <= 0 || numMsgs <= 0 {
		return nil, dartcode.New(dartcode.ErrInval, "amsgq: message size and count must be positive")
	}
	if err := verifyRegistry(t, reg); err != nil {
		return nil, err
	}
	switch impl {
	case config.AmsgqDualWin:
		return openDualWin(t, reg, msgSize, numMsgs)
	case config.AmsgqSingleWin:
		return openSingleWin(t, reg, msgSize, numMsgs)
	case config.AmsgqSopnop:
		return openSopnop(t, reg, msgSize, numMsgs)
	default:
		return nil, dartcode.New(dartcode.ErrInval, fmt.Sprintf("amsgq: unknown backend %q", impl))
	}
}

// verifyRegistry all-gathers the handler-table fingerprint. Divergence
// is a warning, not an error: a unit may legitimately never target the
// handlers it lacks.
func verifyRegistry(t *team.Team, reg *Registry) error {
	var mine [8]byte
	binary.LittleEndian.PutUint64(mine[:], reg.Fingerprint())
	all := make([]byte, 8*int(t.Size()))
	if err := t.Comm().Allgather(context.Background(), mine[:], all); err != nil {
		return fmt.Errorf("amsgq: fingerprint gather: %w", err)
	}
	logger := log.WithComponent("amsgq")
	for i := 0; i < int(t.Size()); i++ {
		if binary.LittleEndian.Uint64(all[i*8:]) != reg.Fingerprint() {
			logger.Warn().Int("local_id", i).Uint16("team", t.ID()).
				Msg("handler registries differ across units")
			break
		}
	}
	return nil
}

// slotSize returns the aligned ring footprint of one full message.
func slotSize(msgSize int) int {
	n := HeaderSize + msgSize
	return (n + msgAlign - 1) &^ (msgAlign - 1)
}

// packMessage writes a header+payload into an aligned scratch slice.
func packMessage(fnID uint64, origin int32, payload []byte) []byte {
	n := HeaderSize + len(payload)
	n = (n + msgAlign - 1) &^ (msgAlign - 1)
	buf := make([]byte, n)
	binary.LittleEndian.PutUint64(buf[0:8], fnID)
	binary.LittleEndian.PutUint32(buf[8:12], uint32(origin))
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	// bytes 16..24 reserved
	copy(buf[HeaderSize:], payload)
	return buf
}

// walkBuffer invokes every message in buf[0:limit] in ascending offset
// order, resolving function ids through reg.
func walkBuffer(buf []byte, limit int, reg *Registry, logger zerolog.Logger, backend string, processed func()) {
	off := 0
	for off+HeaderSize <= limit {
		fnID := binary.LittleEndian.Uint64(buf[off : off+8])
		origin := int32(binary.LittleEndian.Uint32(buf[off+8 : off+12]))
		size := int(binary.LittleEndian.Uint32(buf[off+12 : off+16]))
		msgEnd := off + HeaderSize + size
		if msgEnd > limit {
			logger.Error().Int("offset", off).Int("size", size).Msg("truncated message in ring")
			return
		}
		if h := reg.Lookup(fnID); h != nil {
			h(origin, buf[off+HeaderSize:msgEnd])
		} else {
			logger.Error().Uint64("fn", fnID).Int32("origin", origin).Msg("unknown active-message function")
		}
		if processed != nil {
			processed()
		}
		off = (msgEnd + msgAlign - 1) &^ (msgAlign - 1)
	}
}

// processUntil runs the blocking-process protocol shared by all
// backends: drain once, enter the team barrier in the background,
// keep draining until every unit has arrived, then drain once more.
func processUntil(ctx context.Context, q Queue, t *team.Team) error {
	if err := q.Process(ctx); err != nil {
		return err
	}
	done := make(chan error, 1)
	go func() {
		done <- t.Comm().Barrier(ctx)
	}()
	for {
		select {
		case err := <-done:
			if err != nil {
				return err
			}
			return q.Process(ctx)
		default:
		}
		if err := q.Process(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Microsecond):
		}
	}
}
