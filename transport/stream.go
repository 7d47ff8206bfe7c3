package transport

import (
	"bufio"
	"context"
	"crypto/tls"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/identity"
)

// streamTransport carries newline-delimited CoT frames over TCP or TLS.
// TAK servers treat the stream as a sequence of XML documents; we frame on
// the newline each document ends with.
type streamTransport struct {
	conn   net.Conn
	kind   Kind
	frames chan []byte
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	framesRead atomic.Int64
	framesSent atomic.Int64
}

func openStream(ctx context.Context, cfg Config, useTLS bool) (Transport, error) {
	dialer := &net.Dialer{Timeout: cfg.dialTimeout()}

	var conn net.Conn
	var err error
	if useTLS {
		tlsCfg, cfgErr := identity.ClientTLSConfig(cfg.TLS.ClientBundle, cfg.TLS.AllowSelfSigned, cfg.TLS.ExtraRootsPEM)
		if cfgErr != nil {
			return nil, cfgErr
		}
		tlsCfg.ServerName = cfg.Host
		if cfg.TLS.MinVersion != 0 {
			tlsCfg.MinVersion = cfg.TLS.MinVersion
		}
		conn, err = (&tls.Dialer{NetDialer: dialer, Config: tlsCfg}).DialContext(ctx, "tcp", cfg.Address())
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", cfg.Address())
	}
	if err != nil {
		return nil, errors.WrapTransient(
			errors.Join(errors.ErrConnectionFailed, err),
			"transport", "Open", "dial "+cfg.Address())
	}

	kind := KindTCP
	if useTLS {
		kind = KindTLS
	}
	t := &streamTransport{
		conn:   conn,
		kind:   kind,
		frames: make(chan []byte, 64),
		logger: slog.Default().With("component", "transport", "kind", string(kind), "remote", cfg.Address()),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *streamTransport) readLoop() {
	defer close(t.frames)

	scanner := bufio.NewScanner(t.conn)
	scanner.Buffer(make([]byte, 64*1024), MaxFrameSize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		frame := make([]byte, len(line))
		copy(frame, line)
		t.framesRead.Add(1)
		select {
		case t.frames <- frame:
		case <-t.done:
			return
		}
	}
	if err := scanner.Err(); err != nil && !t.closed.Load() {
		t.logger.Warn("read loop ended", "error", err, "frames_read", t.framesRead.Load())
	}
}

// Send writes one frame followed by the newline delimiter. Concurrent
// senders are serialized so frames never interleave on the wire.
func (t *streamTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return errors.WrapInvalid(errors.ErrConnectionClosed, "transport", "Send", "stream write")
	}
	if len(frame) > MaxFrameSize {
		return errors.WrapInvalid(errors.ErrFrameTooLarge, "transport", "Send", "frame size check")
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if deadline, ok := ctx.Deadline(); ok {
		_ = t.conn.SetWriteDeadline(deadline)
	} else {
		_ = t.conn.SetWriteDeadline(time.Now().Add(30 * time.Second))
	}

	if _, err := t.conn.Write(append(frame, '\n')); err != nil {
		return errors.WrapTransient(
			errors.Join(errors.ErrSendFailed, err),
			"transport", "Send", "stream write")
	}
	t.framesSent.Add(1)
	return nil
}

func (t *streamTransport) Frames() <-chan []byte { return t.frames }
func (t *streamTransport) Kind() Kind            { return t.kind }

func (t *streamTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)
	return t.conn.Close()
}
