// Package transport provides the wire-level connections CoT messages move
// over: plain TCP, mutually-authenticated TLS, UDP datagrams, and WebSocket.
// A Transport carries opaque frames; CoT encoding and session policy live in
// the layers above.
package transport

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/identity"
)

// Kind identifies the wire protocol of a transport.
type Kind string

const (
	KindTCP       Kind = "tcp"
	KindTLS       Kind = "tls"
	KindUDP       Kind = "udp"
	KindWebSocket Kind = "websocket"
)

const (
	// DefaultDialTimeout bounds connection establishment
	DefaultDialTimeout = 10 * time.Second

	// MaxFrameSize caps a single inbound frame; anything larger is a
	// protocol violation or a memory attack
	MaxFrameSize = 2 * 1024 * 1024
)

// TLSOptions configures the TLS and WebSocket-secure transports.
type TLSOptions struct {
	// ClientBundle supplies the client certificate for mutual TLS; nil for
	// server-auth-only connections
	ClientBundle *identity.Bundle
	// AllowSelfSigned disables server chain validation
	AllowSelfSigned bool
	// ExtraRootsPEM adds PEM roots to the verification pool
	ExtraRootsPEM []byte
	// MinVersion overrides the TLS 1.2 floor when nonzero
	MinVersion uint16
}

// Config describes one endpoint to connect to.
type Config struct {
	Scheme      string
	Host        string
	Port        int
	Path        string // WebSocket resource path, e.g. /takproto/1
	TLS         TLSOptions
	DialTimeout time.Duration
}

// Validate checks the endpoint configuration.
func (c *Config) Validate() error {
	switch c.Scheme {
	case "tcp", "udp", "ssl", "tls", "ws", "wss":
	default:
		return errors.WrapInvalid(
			fmt.Errorf("%w: unsupported scheme %q", errors.ErrInvalidConfig, c.Scheme),
			"transport.Config", "Validate", "scheme check")
	}
	if c.Host == "" {
		return errors.WrapInvalid(
			fmt.Errorf("%w: host is required", errors.ErrInvalidConfig),
			"transport.Config", "Validate", "host check")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return errors.WrapInvalid(
			fmt.Errorf("%w: port %d out of range", errors.ErrInvalidConfig, c.Port),
			"transport.Config", "Validate", "port check")
	}
	return nil
}

// Kind maps the configured scheme onto a transport kind.
func (c *Config) Kind() Kind {
	switch c.Scheme {
	case "udp":
		return KindUDP
	case "ssl", "tls":
		return KindTLS
	case "ws", "wss":
		return KindWebSocket
	default:
		return KindTCP
	}
}

// Address returns the host:port dial target.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *Config) dialTimeout() time.Duration {
	if c.DialTimeout > 0 {
		return c.DialTimeout
	}
	return DefaultDialTimeout
}

// ParseURL turns an endpoint URL (tcp://host:8087, ssl://host:8089,
// wss://host/takproto/1) into a Config. Default ports: 8087 tcp/udp,
// 8089 ssl, 80/443 ws/wss.
func ParseURL(raw string) (Config, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return Config{}, errors.WrapInvalid(err, "transport", "ParseURL", "URL parse")
	}
	cfg := Config{Scheme: u.Scheme, Host: u.Hostname(), Path: u.Path}
	if portStr := u.Port(); portStr != "" {
		cfg.Port, err = strconv.Atoi(portStr)
		if err != nil {
			return Config{}, errors.WrapInvalid(err, "transport", "ParseURL", "port parse")
		}
	} else {
		switch u.Scheme {
		case "tcp", "udp":
			cfg.Port = 8087
		case "ssl", "tls":
			cfg.Port = 8089
		case "ws":
			cfg.Port = 80
		case "wss":
			cfg.Port = 443
		}
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Transport is one open connection carrying opaque frames. Send is safe for
// concurrent use; Frames is read by a single consumer and is closed when the
// connection dies. After Close, Send returns ErrConnectionClosed.
type Transport interface {
	// Send writes one frame, honoring ctx for cancellation
	Send(ctx context.Context, frame []byte) error
	// Frames yields inbound frames until the connection closes
	Frames() <-chan []byte
	// Kind reports the wire protocol
	Kind() Kind
	// Close tears the connection down; idempotent
	Close() error
}

// Open dials the endpoint described by cfg and returns a live transport.
func Open(ctx context.Context, cfg Config) (Transport, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	switch cfg.Kind() {
	case KindUDP:
		return openUDP(ctx, cfg)
	case KindWebSocket:
		return openWebSocket(ctx, cfg)
	case KindTLS:
		return openStream(ctx, cfg, true)
	default:
		return openStream(ctx, cfg, false)
	}
}
