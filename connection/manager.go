// Package connection owns one live session per configured endpoint: the
// state machine around a transport, per-connection statistics, and the
// decode loop that turns inbound frames into events.
package connection

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/looplab/fsm"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/metric"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/transport"
)

// Connection states.
const (
	StateDisconnected = "disconnected"
	StateConnecting   = "connecting"
	StateConnected    = "connected"
	StateFailed       = "failed"
)

// State machine events.
const (
	eventConnect = "connect"
	eventReady   = "ready"
	eventClose   = "close"
	eventFail    = "fail"
)

// stateGauge maps states onto the metric encoding.
var stateGauge = map[string]int{
	StateDisconnected: 0,
	StateConnecting:   1,
	StateConnected:    2,
	StateFailed:       3,
}

// EventHandler receives each decoded inbound event with the connection it
// arrived on.
type EventHandler func(connectionID string, event *cot.Event)

// Status is the caller-visible connection snapshot.
type Status struct {
	State         string
	SentCount     int64
	ReceivedCount int64
	LastError     error
}

// Dialer opens transports; swappable for tests.
type Dialer func(ctx context.Context, cfg transport.Config) (transport.Transport, error)

// ManagerDeps holds runtime dependencies for a connection manager.
type ManagerDeps struct {
	// ID names this connection in logs, metrics and federation routing
	ID string
	// Endpoint is the transport to maintain
	Endpoint transport.Config
	// Handler receives decoded inbound events
	Handler EventHandler
	// Dialer overrides transport.Open; nil selects the real dialer
	Dialer Dialer
	// MetricsRegistry enables instrumentation; nil disables it
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// Manager drives one endpoint through
// disconnected -> connecting -> connected -> disconnected, with failed as
// the terminal state for unrecoverable transport errors. There is no
// automatic reconnect here; retry policy belongs to a caller-level
// supervisor so the UI can reflect true link health.
type Manager struct {
	id       string
	endpoint transport.Config
	handler  EventHandler
	dial     Dialer
	codec    *cot.Codec
	logger   *slog.Logger
	metrics  *metric.Metrics

	mu      sync.Mutex
	machine *fsm.FSM
	tr      transport.Transport
	readWG  sync.WaitGroup
	// epoch invalidates the read loop of a previous session so its exit
	// cannot fail the next one
	epoch atomic.Int64

	sentCount     atomic.Int64
	receivedCount atomic.Int64
	malformed     atomic.Int64

	lastErrMu sync.Mutex
	lastErr   error
}

// NewManager builds a manager for one endpoint.
func NewManager(deps ManagerDeps) (*Manager, error) {
	if deps.ID == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: connection id is required", errors.ErrInvalidConfig),
			"connection", "NewManager", "id check")
	}
	if err := deps.Endpoint.Validate(); err != nil {
		return nil, err
	}

	dial := deps.Dialer
	if dial == nil {
		dial = transport.Open
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection", "connection_id", deps.ID)
	}
	var metrics *metric.Metrics
	if deps.MetricsRegistry != nil {
		metrics = deps.MetricsRegistry.CoreMetrics()
	}

	m := &Manager{
		id:       deps.ID,
		endpoint: deps.Endpoint,
		handler:  deps.Handler,
		dial:     dial,
		codec:    cot.NewCodec(cot.Options{}),
		logger:   logger,
		metrics:  metrics,
	}
	m.machine = fsm.NewFSM(
		StateDisconnected,
		fsm.Events{
			{Name: eventConnect, Src: []string{StateDisconnected, StateFailed}, Dst: StateConnecting},
			{Name: eventReady, Src: []string{StateConnecting}, Dst: StateConnected},
			{Name: eventClose, Src: []string{StateConnecting, StateConnected, StateFailed}, Dst: StateDisconnected},
			{Name: eventFail, Src: []string{StateConnecting, StateConnected}, Dst: StateFailed},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				logger.Info("connection state change", "from", e.Src, "to", e.Dst)
				if metrics != nil {
					metrics.RecordConnectionState(deps.ID, stateGauge[e.Dst])
				}
			},
		},
	)
	return m, nil
}

// ID returns the connection identifier.
func (m *Manager) ID() string { return m.id }

// Connect dials the endpoint. Calling Connect on an already connected or
// connecting manager is a no-op; a Failed manager may be retried.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	switch m.machine.Current() {
	case StateConnecting, StateConnected:
		m.mu.Unlock()
		return nil
	}
	if err := m.machine.Event(ctx, eventConnect); err != nil {
		m.mu.Unlock()
		return errors.WrapInvalid(err, "connection.Manager", "Connect", "state transition")
	}
	m.mu.Unlock()

	tr, err := m.dial(ctx, m.endpoint)

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.machine.Current() != StateConnecting {
		// Disconnect raced the dial; release the transport.
		if tr != nil {
			_ = tr.Close()
		}
		return errors.WrapInvalid(errors.ErrConnectionClosed, "connection.Manager", "Connect", "session check")
	}
	if err != nil {
		m.setLastError(err)
		_ = m.machine.Event(ctx, eventFail)
		return err
	}

	m.tr = tr
	_ = m.machine.Event(ctx, eventReady)

	epoch := m.epoch.Add(1)
	m.readWG.Add(1)
	go func() {
		defer m.readWG.Done()
		m.readLoop(tr, epoch)
	}()
	return nil
}

// Disconnect releases the session. Idempotent: disconnecting a
// disconnected manager is a no-op.
func (m *Manager) Disconnect() error {
	m.mu.Lock()
	if m.machine.Current() == StateDisconnected {
		m.mu.Unlock()
		return nil
	}
	_ = m.machine.Event(context.Background(), eventClose)
	m.epoch.Add(1) // orphan the running read loop before the close wakes it
	tr := m.tr
	m.tr = nil
	m.mu.Unlock()

	if tr != nil {
		_ = tr.Close()
	}
	m.readWG.Wait()
	return nil
}

// SendCoT encodes and transmits one event. On a non-connected manager it
// returns ErrNotConnected without side effects.
func (m *Manager) SendCoT(ctx context.Context, e *cot.Event) error {
	m.mu.Lock()
	if m.machine.Current() != StateConnected || m.tr == nil {
		m.mu.Unlock()
		return errors.WrapInvalid(
			fmt.Errorf("%w: connection %s is %s", errors.ErrNotConnected, m.id, m.State()),
			"connection.Manager", "SendCoT", "state check")
	}
	tr := m.tr
	m.mu.Unlock()

	frame, err := m.codec.Encode(e)
	if err != nil {
		return err
	}
	if err := tr.Send(ctx, frame); err != nil {
		m.setLastError(err)
		if m.metrics != nil {
			m.metrics.RecordSendError(m.id)
		}
		return err
	}

	m.sentCount.Add(1)
	if m.metrics != nil {
		m.metrics.RecordEventSent(m.id)
	}
	return nil
}

// State returns the current state name.
func (m *Manager) State() string {
	return m.machine.Current()
}

// Connected reports whether the session is live.
func (m *Manager) Connected() bool {
	return m.State() == StateConnected
}

// Status returns the caller-visible snapshot.
func (m *Manager) Status() Status {
	m.lastErrMu.Lock()
	lastErr := m.lastErr
	m.lastErrMu.Unlock()
	return Status{
		State:         m.State(),
		SentCount:     m.sentCount.Load(),
		ReceivedCount: m.receivedCount.Load(),
		LastError:     lastErr,
	}
}

// readLoop decodes inbound frames until the transport dies. A malformed
// frame is counted and dropped; it never tears the session down. The frames
// channel closing means the peer or the transport went away, which fails
// the session unless a newer epoch already superseded this loop.
func (m *Manager) readLoop(tr transport.Transport, epoch int64) {
	for frame := range tr.Frames() {
		event, err := m.codec.Decode(frame)
		if err != nil {
			m.malformed.Add(1)
			if m.metrics != nil {
				m.metrics.RecordDecodeError(m.id)
			}
			m.logger.Warn("dropping malformed frame",
				"error", err, "frame_bytes", len(frame))
			continue
		}
		m.receivedCount.Add(1)
		if m.metrics != nil {
			m.metrics.RecordEventReceived(m.id, event.Category().String())
		}
		if m.handler != nil {
			m.handler(m.id, event)
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.epoch.Load() != epoch {
		return // session already replaced or deliberately closed
	}
	m.setLastError(errors.WrapTransient(errors.ErrConnectionClosed,
		"connection.Manager", "readLoop", "transport closed by peer"))
	_ = m.machine.Event(context.Background(), eventFail)
	m.tr = nil
}

func (m *Manager) setLastError(err error) {
	m.lastErrMu.Lock()
	m.lastErr = err
	m.lastErrMu.Unlock()
}
