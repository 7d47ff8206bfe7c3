package mesh

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// DefaultReassemblyTimeout is how long a partial message may wait for its
// missing chunks before being discarded. Lossy radio links routinely leave
// transmissions incomplete; without the timeout, partial buffers would
// accumulate unbounded.
const DefaultReassemblyTimeout = 60 * time.Second

// tombstoneCapacity bounds the memory of recently-discarded message ids,
// so a chunk straggling in after its buffer timed out is recognized as an
// unmatched fragment rather than seeding a fresh buffer.
const tombstoneCapacity = 512

type chunkBuffer struct {
	total     uint16
	received  map[uint16][]byte
	firstSeen time.Time
}

// Reassembler rebuilds split payloads from chunk frames. It is shared
// between the radio read loop and the eviction sweep, so all state is
// mutex-guarded.
type Reassembler struct {
	mu        sync.Mutex
	buffers   map[uuid.UUID]*chunkBuffer
	discarded *lru.Cache[uuid.UUID, time.Time]
	timeout   time.Duration
	clock     clock.Clock
	logger    *slog.Logger
}

// NewReassembler builds a reassembler. A zero timeout selects the default;
// a nil clock selects the wall clock.
func NewReassembler(timeout time.Duration, clk clock.Clock, logger *slog.Logger) *Reassembler {
	if timeout <= 0 {
		timeout = DefaultReassemblyTimeout
	}
	if clk == nil {
		clk = clock.New()
	}
	if logger == nil {
		logger = slog.Default().With("component", "mesh-reassembler")
	}
	tombstones, _ := lru.New[uuid.UUID, time.Time](tombstoneCapacity)
	return &Reassembler{
		buffers:   make(map[uuid.UUID]*chunkBuffer),
		discarded: tombstones,
		timeout:   timeout,
		clock:     clk,
		logger:    logger,
	}
}

// Add feeds one chunk in. When the chunk completes its message the
// concatenated payload is returned; a nil payload with nil error means more
// chunks are pending. A chunk for a message already discarded by the sweep
// returns ErrUnmatchedFragment.
func (r *Reassembler) Add(f *Frame) ([]byte, error) {
	if f.ChunkCount == 0 {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: zero chunk count", errors.ErrMalformedEvent),
			"mesh.Reassembler", "Add", "chunk header check")
	}
	if f.ChunkIndex >= f.ChunkCount {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: chunk %d of %d", errors.ErrMalformedEvent, f.ChunkIndex, f.ChunkCount),
			"mesh.Reassembler", "Add", "chunk header check")
	}
	if f.ChunkCount == 1 {
		return f.Payload, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dead := r.discarded.Get(f.MessageID); dead {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: message %s timed out", errors.ErrUnmatchedFragment, f.MessageID),
			"mesh.Reassembler", "Add", "fragment match")
	}

	buf, ok := r.buffers[f.MessageID]
	if !ok {
		buf = &chunkBuffer{
			total:     f.ChunkCount,
			received:  make(map[uint16][]byte),
			firstSeen: r.clock.Now(),
		}
		r.buffers[f.MessageID] = buf
	}
	if f.ChunkCount != buf.total {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: chunk count %d disagrees with buffer total %d", errors.ErrMalformedEvent, f.ChunkCount, buf.total),
			"mesh.Reassembler", "Add", "chunk header check")
	}
	buf.received[f.ChunkIndex] = f.Payload

	if len(buf.received) < int(buf.total) {
		return nil, nil
	}

	delete(r.buffers, f.MessageID)
	var payload []byte
	for i := uint16(0); i < buf.total; i++ {
		payload = append(payload, buf.received[i]...)
	}
	return payload, nil
}

// Sweep discards buffers older than the timeout and returns how many were
// dropped. Discarded message ids are remembered so stragglers are rejected.
func (r *Reassembler) Sweep() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now()
	dropped := 0
	for id, buf := range r.buffers {
		if now.Sub(buf.firstSeen) < r.timeout {
			continue
		}
		delete(r.buffers, id)
		r.discarded.Add(id, now)
		dropped++
		r.logger.Info("discarding stale partial message",
			"message_id", id.String(),
			"received_chunks", len(buf.received),
			"total_chunks", buf.total,
			"age", now.Sub(buf.firstSeen).String())
	}
	return dropped
}

// Pending reports how many partial messages are buffered.
func (r *Reassembler) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.buffers)
}
