package cot

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	// TypePLI is the friendly ground unit type used for position reports
	TypePLI = "a-f-G-U-C"
	// TypeGeoChat is the CoT type for GeoChat messages
	TypeGeoChat = "b-t-f"

	// DefaultStaleAfter is the validity window applied by the builders
	DefaultStaleAfter = 75 * time.Second

	// AllChatroomsUID is the well-known broadcast chat destination
	AllChatroomsUID = "All Chat Rooms"
)

// NewPositionEvent builds a Position/PLI event for the given entity: point
// plus track, callsign and team detail. The uid identifies the emitting
// entity, so successive calls with the same uid are revisions of one track.
func NewPositionEvent(uid, callsign, team string, p Point, track Track) *Event {
	now := Now()
	e := &Event{
		Version: "2.0",
		UID:     uid,
		Type:    TypePLI,
		Time:    now,
		Start:   now,
		Stale:   At(now.Add(DefaultStaleAfter)),
		How:     "m-g",
		Point:   p,
		Detail: &Detail{
			Contact: &Contact{Callsign: callsign},
			Track:   &track,
		},
	}
	if team != "" {
		e.Detail.Group = &Group{Name: team, Role: "Team Member"}
	}
	return e
}

// NewChatEvent builds a GeoChat event. The uid names this message instance,
// not the sender, so every message is its own logical observation. The
// sender leads the chat group; recipients follow in order.
func NewChatEvent(senderUID, senderCallsign, room, roomID, text string, recipients []string) *Event {
	now := Now()
	messageID := uuid.NewString()
	uids := append([]string{senderUID}, recipients...)
	return &Event{
		Version: "2.0",
		UID:     fmt.Sprintf("GeoChat.%s.%s.%s", senderUID, roomID, messageID),
		Type:    TypeGeoChat,
		Time:    now,
		Start:   now,
		Stale:   At(now.Add(DefaultStaleAfter)),
		How:     "h-g-i-g-o",
		Point:   Point{CE: UnknownSentinel, LE: UnknownSentinel},
		Detail: &Detail{
			Chat: &Chat{
				ID:             roomID,
				Chatroom:       room,
				SenderCallsign: senderCallsign,
				Group:          ChatGroup{ID: roomID, UIDs: uids},
			},
			Remarks: &Remarks{
				Source: senderUID,
				To:     roomID,
				Time:   now.UTC().Format(TimeFormat),
				Text:   text,
			},
		},
	}
}
