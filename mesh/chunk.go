package mesh

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// maxChunks bounds how far one message may be split; anything beyond this
// would occupy the radio for longer than a lossy link can deliver.
const maxChunks = 64

// Split breaks a payload into ordered chunk frames sharing one messageID.
// Payloads within the budget yield a single frame with ChunkCount 1.
func Split(msgType MessageType, src, dst NodeID, payload []byte) ([]*Frame, error) {
	if len(payload) == 0 {
		return nil, errors.WrapInvalid(
			errors.New("empty payload"),
			"mesh", "Split", "payload check")
	}

	count := (len(payload) + ChunkBudget - 1) / ChunkBudget
	if count > maxChunks {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %d bytes would need %d chunks", errors.ErrPayloadTooLarge, len(payload), count),
			"mesh", "Split", "chunk count check")
	}

	messageID := uuid.New()
	frames := make([]*Frame, 0, count)
	for i := 0; i < count; i++ {
		start := i * ChunkBudget
		end := start + ChunkBudget
		if end > len(payload) {
			end = len(payload)
		}
		frames = append(frames, &Frame{
			Type:       msgType,
			Src:        src,
			Dst:        dst,
			MessageID:  messageID,
			ChunkIndex: uint16(i),
			ChunkCount: uint16(count),
			Payload:    payload[start:end],
		})
	}
	return frames, nil
}
