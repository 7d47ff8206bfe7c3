package mesh

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

func TestFrameMarshalRoundTrip(t *testing.T) {
	f := &Frame{
		Type:       TypeCotXML,
		Src:        NodeID(0x1122334455667788),
		Dst:        Broadcast,
		MessageID:  uuid.New(),
		ChunkIndex: 2,
		ChunkCount: 3,
		Payload:    []byte("partial cot document"),
	}

	data, err := f.Marshal()
	require.NoError(t, err)

	got, err := UnmarshalFrame(data)
	require.NoError(t, err)
	assert.Equal(t, f, got)
}

func TestFrameMarshalRejectsOversizedPayload(t *testing.T) {
	f := &Frame{Type: TypeCotXML, ChunkCount: 1, Payload: make([]byte, MaxFramePayload+1)}
	_, err := f.Marshal()
	require.Error(t, err)
	assert.ErrorIs(t, err, errors.ErrPayloadTooLarge)
}

func TestUnmarshalFrameRejectsGarbage(t *testing.T) {
	cases := map[string][]byte{
		"too short": {frameMagic, frameVersion},
		"bad magic": append([]byte{0x00}, make([]byte, headerSize)...),
		"bad version": func() []byte {
			b := make([]byte, headerSize)
			b[0], b[1] = frameMagic, 99
			return b
		}(),
		"payload length mismatch": func() []byte {
			f := &Frame{Type: TypeText, ChunkCount: 1, Payload: []byte("hi")}
			b, _ := f.Marshal()
			return b[:len(b)-1]
		}(),
	}
	for name, data := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := UnmarshalFrame(data)
			require.Error(t, err)
			assert.True(t, errors.IsInvalid(err))
		})
	}
}

func TestWriteReadFrameStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		{Type: TypePosition, Src: 1, Dst: Broadcast, MessageID: uuid.New(), ChunkIndex: 0, ChunkCount: 1, Payload: []byte("a")},
		{Type: TypeText, Src: 2, Dst: 1, MessageID: uuid.New(), ChunkIndex: 0, ChunkCount: 1, Payload: []byte("bb")},
	}
	for _, f := range frames {
		require.NoError(t, WriteFrame(&buf, f))
	}
	for _, want := range frames {
		got, err := ReadFrame(&buf)
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
}

func TestNodeIDString(t *testing.T) {
	assert.Equal(t, "broadcast", Broadcast.String())
	assert.Equal(t, "00000000000000ff", NodeID(255).String())
}
