package transport

import (
	"context"
	"log/slog"
	"net"
	"sync/atomic"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// maxDatagram is the practical ceiling for a CoT datagram; events that do
// not fit must go over a stream transport instead.
const maxDatagram = 65507

// udpTransport carries one CoT event per datagram, the mesh-SA convention.
// A "connected" UDP socket gives us ICMP-driven errors on send and filters
// inbound traffic to the peer.
type udpTransport struct {
	conn   *net.UDPConn
	frames chan []byte
	logger *slog.Logger

	closed atomic.Bool
	done   chan struct{}

	datagramsRead atomic.Int64
	datagramsSent atomic.Int64
}

func openUDP(ctx context.Context, cfg Config) (Transport, error) {
	dialer := &net.Dialer{Timeout: cfg.dialTimeout()}
	conn, err := dialer.DialContext(ctx, "udp", cfg.Address())
	if err != nil {
		return nil, errors.WrapTransient(
			errors.Join(errors.ErrConnectionFailed, err),
			"transport", "Open", "dial "+cfg.Address())
	}
	udpConn, ok := conn.(*net.UDPConn)
	if !ok {
		_ = conn.Close()
		return nil, errors.WrapFatal(
			errors.New("dialer returned non-UDP connection"),
			"transport", "Open", "socket setup")
	}

	t := &udpTransport{
		conn:   udpConn,
		frames: make(chan []byte, 64),
		logger: slog.Default().With("component", "transport", "kind", "udp", "remote", cfg.Address()),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *udpTransport) readLoop() {
	defer close(t.frames)

	buf := make([]byte, maxDatagram)
	for {
		// Periodic deadline so shutdown is noticed without a packet arriving.
		_ = t.conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, err := t.conn.Read(buf)
		if err != nil {
			if netErr, ok := err.(net.Error); ok && netErr.Timeout() {
				select {
				case <-t.done:
					return
				default:
					continue
				}
			}
			if !t.closed.Load() {
				t.logger.Warn("datagram read failed", "error", err)
			}
			return
		}
		if n == 0 {
			continue
		}
		frame := make([]byte, n)
		copy(frame, buf[:n])
		t.datagramsRead.Add(1)
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
}

// Send transmits one frame as a single datagram.
func (t *udpTransport) Send(_ context.Context, frame []byte) error {
	if t.closed.Load() {
		return errors.WrapInvalid(errors.ErrConnectionClosed, "transport", "Send", "datagram write")
	}
	if len(frame) > maxDatagram {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "transport", "Send", "datagram size check")
	}
	if _, err := t.conn.Write(frame); err != nil {
		return errors.WrapTransient(
			errors.Join(errors.ErrSendFailed, err),
			"transport", "Send", "datagram write")
	}
	t.datagramsSent.Add(1)
	return nil
}

func (t *udpTransport) Frames() <-chan []byte { return t.frames }
func (t *udpTransport) Kind() Kind            { return KindUDP }

func (t *udpTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	return t.conn.Close()
}
