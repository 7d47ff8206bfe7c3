// Package main implements the entry point for the omniTAK client.
// omniTAK maintains Cursor-on-Target sessions against one or more TAK
// servers, bridges a mesh radio into the same event stream, and federates
// events between all of them under per-connection sharing policies.
package main

import (
	"context"
	"fmt"
	"hash/fnv"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/config"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/connection"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/federation"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/identity"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/mesh"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/metric"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/pkg/retry"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/transport"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "omnitak"

	meshConnectionID = "mesh"
)

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

func run() error {
	cliCfg := parseFlags()
	if err := validateFlags(cliCfg); err != nil {
		return fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil
	}
	if cliCfg.ShowHelp {
		printDetailedHelp()
		return nil
	}

	cfg, err := config.Load(cliCfg.ConfigPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger := setupLogger(
		firstNonEmpty(cliCfg.LogLevel, cfg.Logging.Level),
		firstNonEmpty(cliCfg.LogFormat, cfg.Logging.Format),
	)
	slog.SetDefault(logger)

	if cliCfg.Validate {
		slog.Info("Configuration is valid", "config_path", cliCfg.ConfigPath)
		return nil
	}

	slog.Info("Starting omniTAK",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"callsign", cfg.Callsign,
		"uid", cfg.UID)

	ctx := context.Background()
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	metricsRegistry := metric.NewMetricsRegistry()

	store, err := identity.NewFileStore(cfg.Identity.StoreDir, logger)
	if err != nil {
		return fmt.Errorf("open identity store: %w", err)
	}

	router, err := federation.NewRouter(federation.RouterDeps{
		CacheCapacity:   cfg.Federation.CacheCapacity,
		MetricsRegistry: metricsRegistry,
		Logger:          logger,
	})
	if err != nil {
		return fmt.Errorf("create federation router: %w", err)
	}

	managers, supervised, err := setupConnections(signalCtx, cfg, store, router, metricsRegistry, logger)
	if err != nil {
		return err
	}

	meshConn, err := setupMesh(cfg, router, metricsRegistry, logger)
	if err != nil {
		return err
	}

	return runUntilSignalled(signalCtx, cfg, cliCfg.ShutdownTimeout, runDeps{
		metricsRegistry: metricsRegistry,
		managers:        managers,
		supervised:      supervised,
		meshConn:        meshConn,
		logger:          logger,
	})
}

// setupConnections builds a manager per configured endpoint and registers
// each with the router under its sharing policy. Credential tags resolve
// through the identity store; a missing identity triggers enrollment when
// an enrollment endpoint is configured.
func setupConnections(
	ctx context.Context,
	cfg *config.Config,
	store *identity.FileStore,
	router *federation.Router,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) ([]*connection.Manager, []*connection.Supervisor, error) {
	managers := make([]*connection.Manager, 0, len(cfg.Connections))
	var supervisors []*connection.Supervisor

	for _, connCfg := range cfg.Connections {
		endpoint, err := buildEndpoint(ctx, cfg, connCfg, store, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("connection %q: %w", connCfg.ID, err)
		}

		m, err := connection.NewManager(connection.ManagerDeps{
			ID:              connCfg.ID,
			Endpoint:        endpoint,
			Handler:         router.Ingest,
			MetricsRegistry: metricsRegistry,
			Logger:          logger.With("connection_id", connCfg.ID),
		})
		if err != nil {
			return nil, nil, fmt.Errorf("connection %q: %w", connCfg.ID, err)
		}

		policy, err := connCfg.Policy.ToPolicy()
		if err != nil {
			return nil, nil, fmt.Errorf("connection %q: %w", connCfg.ID, err)
		}
		if err := router.AddConnection(m, policy); err != nil {
			return nil, nil, fmt.Errorf("connection %q: %w", connCfg.ID, err)
		}

		managers = append(managers, m)
		if connCfg.Supervised {
			supervisors = append(supervisors,
				connection.NewSupervisor(m, retry.Persistent(), logger.With("connection_id", connCfg.ID)))
		}
	}

	return managers, supervisors, nil
}

// buildEndpoint turns a connection's URL and trust settings into a dialable
// transport config, resolving (or enrolling) the client identity for mTLS
// endpoints.
func buildEndpoint(
	ctx context.Context,
	cfg *config.Config,
	connCfg config.Connection,
	store *identity.FileStore,
	logger *slog.Logger,
) (transport.Config, error) {
	endpoint, err := transport.ParseURL(connCfg.URL)
	if err != nil {
		return transport.Config{}, err
	}

	endpoint.TLS.AllowSelfSigned = connCfg.TrustAll
	if connCfg.CAFile != "" {
		roots, err := os.ReadFile(connCfg.CAFile)
		if err != nil {
			return transport.Config{}, fmt.Errorf("read CA file: %w", err)
		}
		endpoint.TLS.ExtraRootsPEM = roots
	}

	if connCfg.CredentialTag != "" {
		bundle, err := resolveOrEnroll(ctx, cfg, store, connCfg.CredentialTag, logger)
		if err != nil {
			return transport.Config{}, err
		}
		endpoint.TLS.ClientBundle = bundle
	}

	return endpoint, nil
}

// resolveOrEnroll looks the tag up in the store and falls back to
// certificate enrollment when the identity does not exist yet.
func resolveOrEnroll(
	ctx context.Context,
	cfg *config.Config,
	store *identity.FileStore,
	tag string,
	logger *slog.Logger,
) (*identity.Bundle, error) {
	bundle, err := store.ResolveIdentity(tag)
	if err == nil {
		return bundle, nil
	}
	if !errors.Is(err, errors.ErrIdentityNotFound) {
		return nil, err
	}
	if cfg.Enrollment.URL == "" {
		return nil, fmt.Errorf("credential tag %q not in store and no enrollment endpoint configured: %w", tag, err)
	}

	logger.Info("identity not in store, enrolling", "credential_tag", tag, "enrollment_url", cfg.Enrollment.URL)

	enroller, err := identity.NewEnroller(identity.EnrollmentConfig{
		BaseURL:   cfg.Enrollment.URL,
		Username:  cfg.Enrollment.Username,
		Password:  cfg.Enrollment.Password,
		ClientUID: cfg.UID,
		TrustAll:  cfg.Enrollment.TrustAll,
	}, store, logger)
	if err != nil {
		return nil, err
	}

	params, err := enroller.FetchParameters(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch CA parameters: %w", err)
	}
	return enroller.Enroll(ctx, params, tag)
}

// setupMesh dials the radio bridge and registers it with the router, or
// returns nil when the mesh link is disabled.
func setupMesh(
	cfg *config.Config,
	router *federation.Router,
	metricsRegistry *metric.MetricsRegistry,
	logger *slog.Logger,
) (*connection.MeshConnection, error) {
	if !cfg.Mesh.Enabled {
		return nil, nil
	}

	stream, err := net.Dial("tcp", cfg.Mesh.Device)
	if err != nil {
		return nil, fmt.Errorf("dial mesh device %s: %w", cfg.Mesh.Device, err)
	}

	meshConn, err := connection.NewMeshConnection(connection.MeshDeps{
		ID:                meshConnectionID,
		Stream:            stream,
		Self:              meshNodeID(cfg),
		LocalUID:          cfg.UID,
		Handler:           router.Ingest,
		ReassemblyTimeout: cfg.Mesh.ReassemblyTimeout.AsDuration(),
		MetricsRegistry:   metricsRegistry,
		Logger:            logger.With("connection_id", meshConnectionID),
	})
	if err != nil {
		_ = stream.Close()
		return nil, fmt.Errorf("create mesh connection: %w", err)
	}

	if err := router.AddConnection(meshConn, federation.DefaultPolicy()); err != nil {
		return nil, err
	}
	return meshConn, nil
}

// meshNodeID uses the configured node id, or derives a stable one from the
// device uid so restarts keep the same mesh address.
func meshNodeID(cfg *config.Config) mesh.NodeID {
	if cfg.Mesh.NodeID != 0 {
		return mesh.NodeID(cfg.Mesh.NodeID)
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(cfg.UID))
	return mesh.NodeID(h.Sum64())
}

type runDeps struct {
	metricsRegistry *metric.MetricsRegistry
	managers        []*connection.Manager
	supervised      []*connection.Supervisor
	meshConn        *connection.MeshConnection
	logger          *slog.Logger
}

// runUntilSignalled brings every link up, serves metrics, and blocks until
// the context is cancelled by a signal. Unsupervised connections get one
// connect attempt; supervised ones reconnect with backoff for the life of
// the process.
func runUntilSignalled(ctx context.Context, cfg *config.Config, shutdownTimeout time.Duration, deps runDeps) error {
	g, gctx := errgroup.WithContext(ctx)

	var metricServer *metric.Server
	if cfg.Metrics.Enabled {
		metricServer = metric.NewServer(cfg.Metrics.Port, cfg.Metrics.Path, deps.metricsRegistry)
		g.Go(metricServer.Start)
		g.Go(func() error {
			<-gctx.Done()
			return metricServer.Stop()
		})
		deps.logger.Info("metrics server enabled", "address", metricServer.Address())
	}

	supervisedIDs := make(map[string]bool, len(deps.supervised))
	for _, s := range deps.supervised {
		sup := s
		supervisedIDs[sup.ID()] = true
		g.Go(func() error { return sup.Run(gctx) })
	}

	for _, m := range deps.managers {
		if supervisedIDs[m.ID()] {
			continue
		}
		if err := m.Connect(gctx); err != nil {
			deps.logger.Warn("initial connect failed", "connection_id", m.ID(), "error", err)
		}
	}

	if deps.meshConn != nil {
		if err := deps.meshConn.Connect(gctx); err != nil {
			return fmt.Errorf("start mesh bridge: %w", err)
		}
	}

	deps.logger.Info("omniTAK started",
		"connections", len(deps.managers),
		"supervised", len(deps.supervised),
		"mesh", deps.meshConn != nil)

	<-gctx.Done()
	deps.logger.Info("Received shutdown signal")

	var runErr error
	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		for _, m := range deps.managers {
			if !supervisedIDs[m.ID()] {
				_ = m.Disconnect()
			}
		}
		if deps.meshConn != nil {
			_ = deps.meshConn.Disconnect()
		}
		runErr = g.Wait()
	}()

	select {
	case <-shutdownDone:
	case <-time.After(shutdownTimeout):
		deps.logger.Error("graceful shutdown timed out", "timeout", shutdownTimeout)
		return fmt.Errorf("graceful shutdown timed out after %s", shutdownTimeout)
	}

	if runErr != nil {
		return runErr
	}
	deps.logger.Info("omniTAK shutdown complete")
	return nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
