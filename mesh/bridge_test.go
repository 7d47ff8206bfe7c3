package mesh

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

type eventCollector struct {
	mu     sync.Mutex
	events []*cot.Event
	srcs   []NodeID
	notify chan struct{}
}

func newEventCollector() *eventCollector {
	return &eventCollector{notify: make(chan struct{}, 16)}
}

func (c *eventCollector) handle(src NodeID, e *cot.Event) {
	c.mu.Lock()
	c.events = append(c.events, e)
	c.srcs = append(c.srcs, src)
	c.mu.Unlock()
	c.notify <- struct{}{}
}

func (c *eventCollector) wait(t *testing.T) (NodeID, *cot.Event) {
	t.Helper()
	select {
	case <-c.notify:
	case <-time.After(2 * time.Second):
		t.Fatal("no event delivered")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.srcs[len(c.srcs)-1], c.events[len(c.events)-1]
}

func startBridge(t *testing.T, self NodeID, localUID string, handler EventHandler) (*Bridge, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	b, err := NewBridge(BridgeDeps{Stream: local, Self: self, LocalUID: localUID, Handler: handler})
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))
	t.Cleanup(func() {
		_ = b.Stop(time.Second)
		_ = remote.Close()
	})
	return b, remote
}

func TestBridgeSendsNativePosition(t *testing.T) {
	b, remote := startBridge(t, NodeID(0x42), "ANDROID-1", nil)

	e := cot.NewPositionEvent("ANDROID-1", "HAWK21", "Cyan",
		cot.Point{Lat: 10, Lon: 20}, cot.Track{})

	done := make(chan error, 1)
	go func() { done <- b.SendEvent(context.Background(), e, Broadcast) }()

	frame, err := ReadFrame(remote)
	require.NoError(t, err)
	require.NoError(t, <-done)

	assert.Equal(t, TypePosition, frame.Type)
	assert.Equal(t, NodeID(0x42), frame.Src)
	assert.Equal(t, Broadcast, frame.Dst)
	assert.Equal(t, uint16(1), frame.ChunkCount)

	report, err := UnmarshalPosition(frame.Payload)
	require.NoError(t, err)
	assert.Equal(t, "HAWK21", report.Callsign)
}

// readWholeMessage drains frames off the remote end until the first
// message's chunk set is complete, returning the frames.
func readWholeMessage(t *testing.T, remote net.Conn) []*Frame {
	t.Helper()
	first, err := ReadFrame(remote)
	require.NoError(t, err)
	frames := []*Frame{first}
	for uint16(len(frames)) < first.ChunkCount {
		f, err := ReadFrame(remote)
		require.NoError(t, err)
		frames = append(frames, f)
	}
	return frames
}

// reassembleXML rebuilds the chunked payload and decodes it as CoT XML.
func reassembleXML(t *testing.T, frames []*Frame) *cot.Event {
	t.Helper()
	r := NewReassembler(0, nil, nil)
	var payload []byte
	for _, f := range frames {
		require.Equal(t, TypeCotXML, f.Type)
		var err error
		payload, err = r.Add(f)
		require.NoError(t, err)
	}
	require.NotNil(t, payload)
	decoded, err := cot.Decode(payload)
	require.NoError(t, err)
	return decoded
}

func TestBridgeChunksLargeXMLEvent(t *testing.T) {
	b, remote := startBridge(t, NodeID(1), "ANDROID-1", nil)

	// A hostile track with long remarks has no native schema and exceeds one
	// chunk as XML.
	e := &cot.Event{
		UID: "TGT-9", Type: "a-h-G-U-C", Time: cot.Now(), Start: cot.Now(),
		Stale: cot.At(time.Now().Add(time.Minute)),
		Point: cot.Point{Lat: 1, Lon: 2},
		Detail: &cot.Detail{Remarks: &cot.Remarks{
			Text: "observed armored column moving north along route sapphire, " +
				"estimated twelve vehicles with dismounted infantry in support, " +
				"recommend immediate overwatch tasking and route closure south of grid",
		}},
	}

	done := make(chan error, 1)
	go func() { done <- b.SendEvent(context.Background(), e, NodeID(7)) }()

	frames := readWholeMessage(t, remote)
	require.NoError(t, <-done)
	require.Greater(t, len(frames), 1, "large XML must be chunked")

	decoded := reassembleXML(t, frames)
	assert.Equal(t, "TGT-9", decoded.UID)
	assert.Equal(t, e.Detail.Remarks.Text, decoded.Detail.Remarks.Text)
}

func TestBridgeRelaysForeignTracksAsXML(t *testing.T) {
	b, remote := startBridge(t, NodeID(1), "ANDROID-SELF", nil)

	// Tracks picked up from the servers keep their own uid on the radio;
	// only this device's events may take the uid-less native schema.
	for _, uid := range []string{"ANDROID-AAA", "ANDROID-BBB"} {
		e := cot.NewPositionEvent(uid, "RAVEN", "Red", cot.Point{Lat: 3, Lon: 4}, cot.Track{})

		done := make(chan error, 1)
		go func() { done <- b.SendEvent(context.Background(), e, Broadcast) }()

		frames := readWholeMessage(t, remote)
		require.NoError(t, <-done)
		decoded := reassembleXML(t, frames)
		assert.Equal(t, uid, decoded.UID)
	}
}

func TestBridgeSendsOversizeChatAsXML(t *testing.T) {
	b, remote := startBridge(t, NodeID(1), "ANDROID-SELF", nil)

	long := "rally point bravo then hold for extraction, "
	for len(long) <= maxTextLen {
		long += long
	}
	e := cot.NewChatEvent("ANDROID-SELF", "HAWK21", cot.AllChatroomsUID,
		cot.AllChatroomsUID, long, nil)

	done := make(chan error, 1)
	go func() { done <- b.SendEvent(context.Background(), e, Broadcast) }()

	frames := readWholeMessage(t, remote)
	require.NoError(t, <-done)

	decoded := reassembleXML(t, frames)
	assert.Equal(t, long, decoded.Detail.Remarks.Text, "chat bodies are never truncated")
}

func TestBridgeDeliversInboundNativeText(t *testing.T) {
	collector := newEventCollector()
	_, remote := startBridge(t, NodeID(1), "ANDROID-1", collector.handle)

	frames, err := Split(TypeText, NodeID(0xAB), Broadcast, MarshalText(TextMessage{
		Callsign: "NODE-AB", Text: "in position",
	}))
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, frames[0]))

	src, event := collector.wait(t)
	assert.Equal(t, NodeID(0xAB), src)
	assert.Equal(t, cot.CategoryChat, event.Category())
	assert.Equal(t, "in position", event.Detail.Remarks.Text)
	assert.Equal(t, "MESH-00000000000000ab", event.Detail.Remarks.Source)
}

func TestBridgeDeliversReassembledXML(t *testing.T) {
	collector := newEventCollector()
	_, remote := startBridge(t, NodeID(1), "ANDROID-1", collector.handle)

	e := cot.NewPositionEvent("ANDROID-9", "RAVEN", "", cot.Point{Lat: 3, Lon: 4}, cot.Track{})
	doc, err := cot.Encode(e)
	require.NoError(t, err)

	frames, err := Split(TypeCotXML, NodeID(5), NodeID(1), doc)
	require.NoError(t, err)
	for _, f := range frames {
		require.NoError(t, WriteFrame(remote, f))
	}

	src, event := collector.wait(t)
	assert.Equal(t, NodeID(5), src)
	assert.Equal(t, "ANDROID-9", event.UID)
}

func TestBridgeSurvivesGarbagePayload(t *testing.T) {
	collector := newEventCollector()
	b, remote := startBridge(t, NodeID(1), "ANDROID-1", collector.handle)

	garbage, err := Split(TypeCotXML, NodeID(2), Broadcast, []byte("not xml at all"))
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, garbage[0]))

	// The bad message is dropped; the link keeps working.
	good, err := Split(TypeText, NodeID(2), Broadcast, MarshalText(TextMessage{Text: "still here"}))
	require.NoError(t, err)
	require.NoError(t, WriteFrame(remote, good[0]))

	_, event := collector.wait(t)
	assert.Equal(t, "still here", event.Detail.Remarks.Text)

	_, received, decodeErrs := b.Stats()
	assert.Equal(t, int64(2), received)
	assert.Equal(t, int64(1), decodeErrs)
}

func TestBridgeSendBeforeStart(t *testing.T) {
	local, _ := net.Pipe()
	b, err := NewBridge(BridgeDeps{Stream: local, Self: 1})
	require.NoError(t, err)

	err = b.SendEvent(context.Background(), &cot.Event{UID: "x", Type: "a-f-G"}, Broadcast)
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrNotStarted)
}

func TestNewBridgeRequiresStream(t *testing.T) {
	_, err := NewBridge(BridgeDeps{})
	require.Error(t, err)
	assert.True(t, errors.IsInvalid(err))
}
