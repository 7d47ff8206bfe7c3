// Package mesh bridges CoT traffic onto a framed radio protocol. Payloads
// larger than the radio's single-packet budget are split into ordered chunks
// and reassembled on the far side; native compact schemas carry position and
// text traffic without the XML overhead.
package mesh

import (
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// NodeID identifies one radio node on the mesh.
type NodeID uint64

// Broadcast addresses every node in range.
const Broadcast NodeID = 0xFFFFFFFFFFFFFFFF

// String renders the node id in the canonical mesh form.
func (n NodeID) String() string {
	if n == Broadcast {
		return "broadcast"
	}
	return fmt.Sprintf("%016x", uint64(n))
}

// MessageType selects the payload schema of a frame.
type MessageType uint8

const (
	// TypePosition carries a compact native position report
	TypePosition MessageType = 1
	// TypeText carries a compact native text message
	TypeText MessageType = 2
	// TypeCotXML carries a CoT XML document verbatim, chunked when large
	TypeCotXML MessageType = 3
)

const (
	frameMagic   = 0xB5
	frameVersion = 1

	// headerSize is the fixed envelope ahead of the payload:
	// magic, version, type, flags, src, dst, messageID, chunkIndex,
	// chunkCount, payloadLen
	headerSize = 1 + 1 + 1 + 1 + 8 + 8 + 16 + 2 + 2 + 2

	// MaxFramePayload is the radio's hard per-packet payload ceiling
	MaxFramePayload = 233

	// ChunkBudget is the payload budget per chunk, leaving headroom under
	// MaxFramePayload for the envelope
	ChunkBudget = 200
)

// Frame is one mesh envelope. MessageID groups the chunks of a split
// payload; single-frame messages carry ChunkIndex 0, ChunkCount 1.
type Frame struct {
	Type       MessageType
	Src        NodeID
	Dst        NodeID
	MessageID  uuid.UUID
	ChunkIndex uint16
	ChunkCount uint16
	Payload    []byte
}

// Marshal encodes the frame into its wire envelope.
func (f *Frame) Marshal() ([]byte, error) {
	if len(f.Payload) > MaxFramePayload {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: payload %d exceeds %d", errors.ErrPayloadTooLarge, len(f.Payload), MaxFramePayload),
			"mesh.Frame", "Marshal", "payload size check")
	}
	buf := make([]byte, headerSize+len(f.Payload))
	buf[0] = frameMagic
	buf[1] = frameVersion
	buf[2] = byte(f.Type)
	buf[3] = 0 // flags, reserved
	binary.BigEndian.PutUint64(buf[4:], uint64(f.Src))
	binary.BigEndian.PutUint64(buf[12:], uint64(f.Dst))
	copy(buf[20:], f.MessageID[:])
	binary.BigEndian.PutUint16(buf[36:], f.ChunkIndex)
	binary.BigEndian.PutUint16(buf[38:], f.ChunkCount)
	binary.BigEndian.PutUint16(buf[40:], uint16(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return buf, nil
}

// UnmarshalFrame decodes one wire envelope.
func UnmarshalFrame(data []byte) (*Frame, error) {
	if len(data) < headerSize {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: frame of %d bytes shorter than header", errors.ErrMalformedEvent, len(data)),
			"mesh", "UnmarshalFrame", "header length check")
	}
	if data[0] != frameMagic {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: bad magic 0x%02x", errors.ErrMalformedEvent, data[0]),
			"mesh", "UnmarshalFrame", "magic check")
	}
	if data[1] != frameVersion {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: unsupported frame version %d", errors.ErrMalformedEvent, data[1]),
			"mesh", "UnmarshalFrame", "version check")
	}

	f := &Frame{
		Type:       MessageType(data[2]),
		Src:        NodeID(binary.BigEndian.Uint64(data[4:])),
		Dst:        NodeID(binary.BigEndian.Uint64(data[12:])),
		ChunkIndex: binary.BigEndian.Uint16(data[36:]),
		ChunkCount: binary.BigEndian.Uint16(data[38:]),
	}
	copy(f.MessageID[:], data[20:36])

	payloadLen := int(binary.BigEndian.Uint16(data[40:]))
	if len(data) != headerSize+payloadLen {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: declared payload %d, got %d bytes", errors.ErrMalformedEvent, payloadLen, len(data)-headerSize),
			"mesh", "UnmarshalFrame", "payload length check")
	}
	if payloadLen > 0 {
		f.Payload = make([]byte, payloadLen)
		copy(f.Payload, data[headerSize:])
	}
	return f, nil
}

// WriteFrame writes one length-prefixed frame to the radio stream.
func WriteFrame(w io.Writer, f *Frame) error {
	data, err := f.Marshal()
	if err != nil {
		return err
	}
	prefixed := make([]byte, 2+len(data))
	binary.BigEndian.PutUint16(prefixed, uint16(len(data)))
	copy(prefixed[2:], data)
	if _, err := w.Write(prefixed); err != nil {
		return errors.WrapTransient(
			errors.Join(errors.ErrSendFailed, err),
			"mesh", "WriteFrame", "stream write")
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from the radio stream.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [2]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint16(prefix[:])
	if int(length) > headerSize+MaxFramePayload {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: declared frame length %d", errors.ErrFrameTooLarge, length),
			"mesh", "ReadFrame", "length prefix check")
	}
	data := make([]byte, length)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return UnmarshalFrame(data)
}
