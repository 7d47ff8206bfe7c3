package mesh

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// sweepInterval is how often timed-out partial messages are evicted.
const sweepInterval = 10 * time.Second

// EventHandler receives each fully-decoded inbound event with the node
// that sent it.
type EventHandler func(src NodeID, event *cot.Event)

// BridgeDeps holds runtime dependencies for the mesh bridge.
type BridgeDeps struct {
	// Stream is the duplex byte stream to the radio device (serial or TCP)
	Stream io.ReadWriteCloser
	// Self is this node's mesh id, stamped on outbound frames
	Self NodeID
	// LocalUID is this device's CoT uid. Only its own events may ride the
	// compact native schemas; empty sends everything as XML
	LocalUID string
	// Handler receives decoded inbound events
	Handler EventHandler
	// ReassemblyTimeout overrides DefaultReassemblyTimeout when positive
	ReassemblyTimeout time.Duration
	// Clock is swappable for tests; nil selects the wall clock
	Clock clock.Clock
	Logger *slog.Logger
}

// Bridge moves CoT events across a framed radio link. Outbound, this
// node's own position and chat take the compact native schema when they
// fit; everything else has its XML document chunked into the envelope.
// Inbound frames are reassembled, translated and handed to the handler.
type Bridge struct {
	stream   io.ReadWriteCloser
	self     NodeID
	localUID string
	codec    *cot.Codec
	reasm    *Reassembler
	handler  EventHandler
	clock    clock.Clock
	logger   *slog.Logger

	writeMu  sync.Mutex
	running  atomic.Bool
	shutdown chan struct{}
	wg       sync.WaitGroup

	framesSent     atomic.Int64
	framesReceived atomic.Int64
	decodeErrors   atomic.Int64
}

// NewBridge builds a bridge over the given radio stream.
func NewBridge(deps BridgeDeps) (*Bridge, error) {
	if deps.Stream == nil {
		return nil, errors.WrapInvalid(
			errors.New("radio stream is required"),
			"mesh", "NewBridge", "stream check")
	}
	clk := deps.Clock
	if clk == nil {
		clk = clock.New()
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "mesh-bridge", "node", deps.Self.String())
	}
	return &Bridge{
		stream:   deps.Stream,
		self:     deps.Self,
		localUID: deps.LocalUID,
		codec:    cot.NewCodec(cot.Options{}),
		reasm:    NewReassembler(deps.ReassemblyTimeout, clk, logger),
		handler:  deps.Handler,
		clock:    clk,
		logger:   logger,
	}, nil
}

// Start launches the read loop and the eviction sweep. Idempotent.
func (b *Bridge) Start(ctx context.Context) error {
	if !b.running.CompareAndSwap(false, true) {
		return nil
	}
	b.shutdown = make(chan struct{})

	b.wg.Add(2)
	go func() {
		defer b.wg.Done()
		b.readLoop(ctx)
	}()
	go func() {
		defer b.wg.Done()
		b.sweepLoop(ctx)
	}()
	return nil
}

// Stop closes the radio stream and waits for the loops to drain.
func (b *Bridge) Stop(timeout time.Duration) error {
	if !b.running.CompareAndSwap(true, false) {
		return nil
	}
	close(b.shutdown)
	_ = b.stream.Close()

	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.WrapTransient(
			errors.New("bridge loops did not drain"),
			"mesh.Bridge", "Stop", "graceful shutdown")
	}
}

// SendEvent transmits one event to dst (or Broadcast). This node's own
// position and chat travel on the native schema when they fit; everything
// else is chunked XML so relayed events keep their uid.
func (b *Bridge) SendEvent(ctx context.Context, e *cot.Event, dst NodeID) error {
	if !b.running.Load() {
		return errors.WrapInvalid(errors.ErrNotStarted, "mesh.Bridge", "SendEvent", "lifecycle check")
	}

	msgType, payload, native := EventToNative(e, b.localUID)
	if !native {
		xmlDoc, err := b.codec.Encode(e)
		if err != nil {
			return err
		}
		msgType, payload = TypeCotXML, xmlDoc
	}

	frames, err := Split(msgType, b.self, dst, payload)
	if err != nil {
		return err
	}
	for _, f := range frames {
		select {
		case <-ctx.Done():
			return errors.WrapTransient(ctx.Err(), "mesh.Bridge", "SendEvent", "frame transmit")
		default:
		}
		if err := b.writeFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (b *Bridge) writeFrame(f *Frame) error {
	b.writeMu.Lock()
	defer b.writeMu.Unlock()
	if err := WriteFrame(b.stream, f); err != nil {
		return err
	}
	b.framesSent.Add(1)
	return nil
}

// sweepLoop periodically evicts timed-out partial messages so a sender
// that went out of range does not pin buffers forever.
func (b *Bridge) sweepLoop(ctx context.Context) {
	ticker := b.clock.Ticker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.shutdown:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if evicted := b.reasm.Sweep(); evicted > 0 {
				b.logger.Debug("evicted stale partial messages", "count", evicted)
			}
		}
	}
}

func (b *Bridge) readLoop(ctx context.Context) {
	for {
		frame, err := ReadFrame(b.stream)
		if err != nil {
			select {
			case <-b.shutdown:
			case <-ctx.Done():
			default:
				if err != io.EOF {
					b.logger.Warn("radio read failed", "error", err)
				}
			}
			return
		}
		b.framesReceived.Add(1)
		b.handleFrame(frame)
	}
}

// handleFrame processes one inbound frame. Decode failures drop the frame
// and never take the link down.
func (b *Bridge) handleFrame(f *Frame) {
	payload, err := b.reasm.Add(f)
	if err != nil {
		b.decodeErrors.Add(1)
		b.logger.Warn("dropping mesh fragment",
			"src", f.Src.String(), "message_id", f.MessageID.String(), "error", err)
		return
	}
	if payload == nil {
		return // partial message, more chunks pending
	}

	event, err := b.decodePayload(f.Type, f.Src, payload)
	if err != nil {
		b.decodeErrors.Add(1)
		b.logger.Warn("dropping undecodable mesh message",
			"src", f.Src.String(), "type", int(f.Type), "error", err)
		return
	}
	if b.handler != nil {
		b.handler(f.Src, event)
	}
}

func (b *Bridge) decodePayload(msgType MessageType, src NodeID, payload []byte) (*cot.Event, error) {
	switch msgType {
	case TypePosition:
		report, err := UnmarshalPosition(payload)
		if err != nil {
			return nil, err
		}
		return PositionToEvent(src, report), nil
	case TypeText:
		msg, err := UnmarshalText(payload)
		if err != nil {
			return nil, err
		}
		return TextToEvent(src, msg), nil
	case TypeCotXML:
		return b.codec.Decode(payload)
	default:
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrMalformedEvent, errors.New("unknown mesh message type")),
			"mesh.Bridge", "decodePayload", "message type check")
	}
}

// Stats reports cumulative frame counters.
func (b *Bridge) Stats() (sent, received, decodeErrors int64) {
	return b.framesSent.Load(), b.framesReceived.Load(), b.decodeErrors.Load()
}
