package connection

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/mesh"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/metric"
)

// MeshDeps holds runtime dependencies for a mesh-backed connection.
type MeshDeps struct {
	// ID names this connection alongside the direct ones
	ID string
	// Stream is the duplex byte stream to the radio device
	Stream io.ReadWriteCloser
	// Self is this node's mesh id
	Self mesh.NodeID
	// LocalUID is this device's CoT uid, gating native-schema translation
	LocalUID string
	// Handler receives decoded inbound events
	Handler EventHandler
	// ReassemblyTimeout bounds how long partial mesh messages wait for
	// missing chunks; zero selects the bridge default
	ReassemblyTimeout time.Duration
	// MetricsRegistry enables instrumentation; nil disables it
	MetricsRegistry *metric.MetricsRegistry
	Logger          *slog.Logger
}

// MeshConnection presents a radio link with the same session surface as a
// direct server connection, so the federation router treats both alike.
// Outbound events go out as mesh broadcasts.
type MeshConnection struct {
	id      string
	bridge  *mesh.Bridge
	metrics *metric.Metrics
	logger  *slog.Logger

	connected atomic.Bool
	sentCount atomic.Int64
	recvCount atomic.Int64

	lastErr atomic.Value // stores error
}

// NewMeshConnection builds a mesh-backed connection.
func NewMeshConnection(deps MeshDeps) (*MeshConnection, error) {
	if deps.ID == "" {
		return nil, errors.WrapInvalid(
			errors.Join(errors.ErrInvalidConfig, errors.New("connection id is required")),
			"connection", "NewMeshConnection", "id check")
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default().With("component", "connection", "connection_id", deps.ID, "kind", "mesh")
	}

	c := &MeshConnection{id: deps.ID, logger: logger}
	if deps.MetricsRegistry != nil {
		c.metrics = deps.MetricsRegistry.CoreMetrics()
	}

	bridge, err := mesh.NewBridge(mesh.BridgeDeps{
		Stream:            deps.Stream,
		Self:              deps.Self,
		LocalUID:          deps.LocalUID,
		ReassemblyTimeout: deps.ReassemblyTimeout,
		Logger:            logger,
		Handler: func(src mesh.NodeID, event *cot.Event) {
			c.recvCount.Add(1)
			if c.metrics != nil {
				c.metrics.RecordEventReceived(c.id, event.Category().String())
			}
			if deps.Handler != nil {
				deps.Handler(c.id, event)
			}
		},
	})
	if err != nil {
		return nil, err
	}
	c.bridge = bridge
	return c, nil
}

// ID returns the connection identifier.
func (c *MeshConnection) ID() string { return c.id }

// Connect starts the radio bridge.
func (c *MeshConnection) Connect(ctx context.Context) error {
	if err := c.bridge.Start(ctx); err != nil {
		c.lastErr.Store(err)
		return err
	}
	c.connected.Store(true)
	if c.metrics != nil {
		c.metrics.RecordConnectionState(c.id, stateGauge[StateConnected])
	}
	return nil
}

// Disconnect stops the bridge; idempotent.
func (c *MeshConnection) Disconnect() error {
	if !c.connected.CompareAndSwap(true, false) {
		return nil
	}
	if c.metrics != nil {
		c.metrics.RecordConnectionState(c.id, stateGauge[StateDisconnected])
	}
	return c.bridge.Stop(5 * time.Second)
}

// SendCoT broadcasts one event over the mesh.
func (c *MeshConnection) SendCoT(ctx context.Context, e *cot.Event) error {
	if !c.connected.Load() {
		return errors.WrapInvalid(
			errors.Join(errors.ErrNotConnected, errors.New("mesh bridge not started")),
			"connection.MeshConnection", "SendCoT", "state check")
	}
	if err := c.bridge.SendEvent(ctx, e, mesh.Broadcast); err != nil {
		c.lastErr.Store(err)
		if c.metrics != nil {
			c.metrics.RecordSendError(c.id)
		}
		return err
	}
	c.sentCount.Add(1)
	if c.metrics != nil {
		c.metrics.RecordEventSent(c.id)
	}
	return nil
}

// State reports connected or disconnected; mesh links have no distinct
// connecting phase.
func (c *MeshConnection) State() string {
	if c.connected.Load() {
		return StateConnected
	}
	return StateDisconnected
}

// Connected reports whether the bridge is running.
func (c *MeshConnection) Connected() bool { return c.connected.Load() }

// Status returns the caller-visible snapshot.
func (c *MeshConnection) Status() Status {
	lastErr, _ := c.lastErr.Load().(error)
	return Status{
		State:         c.State(),
		SentCount:     c.sentCount.Load(),
		ReceivedCount: c.recvCount.Load(),
		LastError:     lastErr,
	}
}
