package transport

import (
	"bufio"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

func TestParseURL(t *testing.T) {
	cases := []struct {
		raw  string
		want Config
	}{
		{"tcp://tak.example.com:8087", Config{Scheme: "tcp", Host: "tak.example.com", Port: 8087}},
		{"tcp://tak.example.com", Config{Scheme: "tcp", Host: "tak.example.com", Port: 8087}},
		{"ssl://tak.example.com", Config{Scheme: "ssl", Host: "tak.example.com", Port: 8089}},
		{"udp://239.2.3.1:6969", Config{Scheme: "udp", Host: "239.2.3.1", Port: 6969}},
		{"wss://tak.example.com/takproto/1", Config{Scheme: "wss", Host: "tak.example.com", Port: 443, Path: "/takproto/1"}},
	}
	for _, tc := range cases {
		t.Run(tc.raw, func(t *testing.T) {
			got, err := ParseURL(tc.raw)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	_, err := ParseURL("gopher://example.com:70")
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}

func TestConfigKind(t *testing.T) {
	assert.Equal(t, KindTCP, (&Config{Scheme: "tcp"}).Kind())
	assert.Equal(t, KindTLS, (&Config{Scheme: "ssl"}).Kind())
	assert.Equal(t, KindTLS, (&Config{Scheme: "tls"}).Kind())
	assert.Equal(t, KindUDP, (&Config{Scheme: "udp"}).Kind())
	assert.Equal(t, KindWebSocket, (&Config{Scheme: "wss"}).Kind())
}

// startEchoTCP accepts one connection and echoes newline-delimited frames.
func startEchoTCP(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		scanner := bufio.NewScanner(conn)
		for scanner.Scan() {
			_, _ = conn.Write(append(scanner.Bytes(), '\n'))
		}
	}()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestStreamTransportRoundTrip(t *testing.T) {
	port := startEchoTCP(t)

	tr, err := Open(context.Background(), Config{Scheme: "tcp", Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	assert.Equal(t, KindTCP, tr.Kind())

	frame := []byte(`<event uid="A" type="a-f-G"/>`)
	require.NoError(t, tr.Send(context.Background(), frame))

	select {
	case got := <-tr.Frames():
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echoed frame")
	}
}

func TestStreamTransportSendAfterClose(t *testing.T) {
	port := startEchoTCP(t)

	tr, err := Open(context.Background(), Config{Scheme: "tcp", Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close(), "close is idempotent")

	err = tr.Send(context.Background(), []byte("x"))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionClosed)
}

func TestStreamTransportFramesClosedOnPeerDisconnect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			_ = conn.Close()
		}
	}()
	defer func() { _ = ln.Close() }()

	tr, err := Open(context.Background(), Config{
		Scheme: "tcp", Host: "127.0.0.1", Port: ln.Addr().(*net.TCPAddr).Port,
	})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	select {
	case _, open := <-tr.Frames():
		assert.False(t, open, "frames channel closes when the peer hangs up")
	case <-time.After(2 * time.Second):
		t.Fatal("frames channel never closed")
	}
}

func TestStreamTransportRejectsOversizedFrame(t *testing.T) {
	port := startEchoTCP(t)

	tr, err := Open(context.Background(), Config{Scheme: "tcp", Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()

	err = tr.Send(context.Background(), make([]byte, MaxFrameSize+1))
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrFrameTooLarge)
}

func TestOpenDialFailureIsTransient(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	_, err := Open(ctx, Config{Scheme: "tcp", Host: "127.0.0.1", Port: 1, DialTimeout: 500 * time.Millisecond})
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrConnectionFailed)
	assert.True(t, errors.IsTransient(err))
}

func TestUDPTransportRoundTrip(t *testing.T) {
	server, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)
	defer func() { _ = server.Close() }()

	go func() {
		buf := make([]byte, 65536)
		for {
			n, addr, err := server.ReadFromUDP(buf)
			if err != nil {
				return
			}
			_, _ = server.WriteToUDP(buf[:n], addr)
		}
	}()

	tr, err := Open(context.Background(), Config{
		Scheme: "udp", Host: "127.0.0.1", Port: server.LocalAddr().(*net.UDPAddr).Port,
	})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	assert.Equal(t, KindUDP, tr.Kind())

	frame := []byte(`<event uid="B" type="a-f-G"/>`)
	require.NoError(t, tr.Send(context.Background(), frame))

	select {
	case got := <-tr.Frames():
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echoed datagram")
	}
}

func TestWebSocketTransportRoundTrip(t *testing.T) {
	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = conn.Close() }()
		for {
			msgType, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(msgType, data); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	hostPort := strings.TrimPrefix(server.URL, "http://")
	host, portStr, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	tr, err := Open(context.Background(), Config{Scheme: "ws", Host: host, Port: port, Path: "/takproto/1"})
	require.NoError(t, err)
	defer func() { _ = tr.Close() }()
	assert.Equal(t, KindWebSocket, tr.Kind())

	frame := []byte(`<event uid="C" type="b-t-f"/>`)
	require.NoError(t, tr.Send(context.Background(), frame))

	select {
	case got := <-tr.Frames():
		assert.Equal(t, frame, got)
	case <-time.After(2 * time.Second):
		t.Fatal("no echoed message")
	}
}
