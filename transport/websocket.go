package transport

import (
	"context"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/identity"
)

// wsTransport carries CoT documents as WebSocket text messages, one event
// per message. The message boundary is the frame boundary, so no newline
// delimiter is involved.
type wsTransport struct {
	conn   *websocket.Conn
	frames chan []byte
	logger *slog.Logger

	writeMu sync.Mutex
	closed  atomic.Bool
	done    chan struct{}

	messagesRead atomic.Int64
	messagesSent atomic.Int64
}

func openWebSocket(ctx context.Context, cfg Config) (Transport, error) {
	scheme := "ws"
	if cfg.Scheme == "wss" {
		scheme = "wss"
	}
	u := url.URL{Scheme: scheme, Host: cfg.Address(), Path: cfg.Path}

	dialer := websocket.Dialer{HandshakeTimeout: cfg.dialTimeout()}
	if scheme == "wss" {
		tlsCfg, err := identity.ClientTLSConfig(cfg.TLS.ClientBundle, cfg.TLS.AllowSelfSigned, cfg.TLS.ExtraRootsPEM)
		if err != nil {
			return nil, err
		}
		tlsCfg.ServerName = cfg.Host
		if cfg.TLS.MinVersion != 0 {
			tlsCfg.MinVersion = cfg.TLS.MinVersion
		}
		dialer.TLSClientConfig = tlsCfg
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			_ = resp.Body.Close()
		}
		return nil, errors.WrapTransient(
			errors.Join(errors.ErrConnectionFailed, err),
			"transport", "Open", "websocket dial "+u.String())
	}
	conn.SetReadLimit(MaxFrameSize)

	t := &wsTransport{
		conn:   conn,
		frames: make(chan []byte, 64),
		logger: slog.Default().With("component", "transport", "kind", "websocket", "remote", cfg.Address()),
		done:   make(chan struct{}),
	}
	go t.readLoop()
	return t, nil
}

func (t *wsTransport) readLoop() {
	defer close(t.frames)

	for {
		msgType, data, err := t.conn.ReadMessage()
		if err != nil {
			if !t.closed.Load() && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				t.logger.Warn("websocket read failed", "error", err)
			}
			return
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		if len(data) == 0 {
			continue
		}
		t.messagesRead.Add(1)
		select {
		case t.frames <- data:
		case <-t.done:
			return
		}
	}
}

// Send writes one frame as a single text message.
func (t *wsTransport) Send(ctx context.Context, frame []byte) error {
	if t.closed.Load() {
		return errors.WrapInvalid(errors.ErrConnectionClosed, "transport", "Send", "websocket write")
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
	if err := t.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		return errors.WrapTransient(
			errors.Join(errors.ErrSendFailed, err),
			"transport", "Send", "websocket write")
	}
	t.messagesSent.Add(1)
	return nil
}

func (t *wsTransport) Frames() <-chan []byte { return t.frames }
func (t *wsTransport) Kind() Kind            { return KindWebSocket }

func (t *wsTransport) Close() error {
	if !t.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(t.done)

	t.writeMu.Lock()
	_ = t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	t.writeMu.Unlock()

	return t.conn.Close()
}
