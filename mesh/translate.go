package mesh

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// Native schema limits. Callsigns and texts beyond these are truncated on
// encode; the radio budget is too small to carry more.
const (
	maxCallsignLen = 63
	maxTextLen     = 180
)

// PositionReport is the compact native position schema: fixed-point
// coordinates plus the track and status fields worth paying for on a
// 200-byte link.
type PositionReport struct {
	Lat      float64
	Lon      float64
	AltMSL   float64 // meters
	Course   float64 // degrees
	Speed    float64 // m/s
	Battery  int
	Callsign string
	Team     string
}

// TextMessage is the compact native chat schema.
type TextMessage struct {
	Callsign string
	Text     string
}

// MarshalPosition encodes a position report into the native schema:
// lat/lon as 1e-7-degree fixed point, altitude in millimeters, course in
// decidegrees, speed in deci-m/s.
func MarshalPosition(p PositionReport) []byte {
	callsign := truncate(p.Callsign, maxCallsignLen)
	team := truncate(p.Team, maxCallsignLen)

	buf := make([]byte, 0, 19+2+len(callsign)+len(team))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.Lat*1e7))))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.Lon*1e7))))
	buf = binary.BigEndian.AppendUint32(buf, uint32(int32(math.Round(p.AltMSL*1000))))
	buf = binary.BigEndian.AppendUint16(buf, uint16(math.Round(p.Course*10)))
	buf = binary.BigEndian.AppendUint16(buf, uint16(math.Round(p.Speed*10)))
	buf = append(buf, byte(clampByte(p.Battery)))
	buf = append(buf, byte(len(callsign)))
	buf = append(buf, callsign...)
	buf = append(buf, byte(len(team)))
	buf = append(buf, team...)
	return buf
}

// UnmarshalPosition decodes the native position schema.
func UnmarshalPosition(data []byte) (PositionReport, error) {
	const fixed = 4 + 4 + 4 + 2 + 2 + 1
	if len(data) < fixed+2 {
		return PositionReport{}, errors.WrapInvalid(
			fmt.Errorf("%w: position payload of %d bytes", errors.ErrMalformedEvent, len(data)),
			"mesh", "UnmarshalPosition", "payload length check")
	}
	p := PositionReport{
		Lat:     float64(int32(binary.BigEndian.Uint32(data[0:]))) / 1e7,
		Lon:     float64(int32(binary.BigEndian.Uint32(data[4:]))) / 1e7,
		AltMSL:  float64(int32(binary.BigEndian.Uint32(data[8:]))) / 1000,
		Course:  float64(binary.BigEndian.Uint16(data[12:])) / 10,
		Speed:   float64(binary.BigEndian.Uint16(data[14:])) / 10,
		Battery: int(data[16]),
	}
	rest := data[fixed:]
	callsign, rest, err := readString8(rest)
	if err != nil {
		return PositionReport{}, err
	}
	team, _, err := readString8(rest)
	if err != nil {
		return PositionReport{}, err
	}
	p.Callsign = callsign
	p.Team = team
	return p, nil
}

// MarshalText encodes a text message into the native schema.
func MarshalText(m TextMessage) []byte {
	callsign := truncate(m.Callsign, maxCallsignLen)
	text := truncate(m.Text, maxTextLen)

	buf := make([]byte, 0, 2+len(callsign)+len(text))
	buf = append(buf, byte(len(callsign)))
	buf = append(buf, callsign...)
	buf = append(buf, byte(len(text)))
	buf = append(buf, text...)
	return buf
}

// UnmarshalText decodes the native text schema.
func UnmarshalText(data []byte) (TextMessage, error) {
	callsign, rest, err := readString8(data)
	if err != nil {
		return TextMessage{}, err
	}
	text, _, err := readString8(rest)
	if err != nil {
		return TextMessage{}, err
	}
	return TextMessage{Callsign: callsign, Text: text}, nil
}

// NodeUID derives the deterministic CoT uid for a mesh node, so successive
// reports from one radio revise one track instead of spawning new ones.
func NodeUID(node NodeID) string {
	return fmt.Sprintf("MESH-%016x", uint64(node))
}

// PositionToEvent synthesizes a CoT position event from a native report.
func PositionToEvent(node NodeID, p PositionReport) *cot.Event {
	callsign := p.Callsign
	if callsign == "" {
		callsign = NodeUID(node)
	}
	e := cot.NewPositionEvent(NodeUID(node), callsign, p.Team,
		cot.Point{Lat: p.Lat, Lon: p.Lon, Hae: p.AltMSL, CE: cot.UnknownSentinel, LE: cot.UnknownSentinel},
		cot.Track{Course: p.Course, Speed: p.Speed})
	if p.Battery > 0 {
		e.Detail.Status = &cot.Status{Battery: p.Battery}
	}
	return e
}

// TextToEvent synthesizes a GeoChat event from a native text message,
// addressed to the broadcast chat room.
func TextToEvent(node NodeID, m TextMessage) *cot.Event {
	callsign := m.Callsign
	if callsign == "" {
		callsign = NodeUID(node)
	}
	return cot.NewChatEvent(NodeUID(node), callsign,
		cot.AllChatroomsUID, cot.AllChatroomsUID, m.Text, nil)
}

// EventToNative maps an outbound CoT event onto a native schema where the
// translation is lossless. The native schemas carry no uid: the receiver
// resynthesizes MESH-<src> from the frame header, so only this node's own
// PLI and chat (uid or chat sender matching localUID, fields within the
// schema limits) may ride them. Everything else — relayed tracks, oversize
// chat, other event types — reports ok=false and must travel as embedded
// XML to keep its identity intact.
func EventToNative(e *cot.Event, localUID string) (MessageType, []byte, bool) {
	if localUID == "" {
		return 0, nil, false
	}
	switch e.Category() {
	case cot.CategoryFriendly:
		if e.UID != localUID {
			return 0, nil, false
		}
		report := PositionReport{
			Lat:    e.Point.Lat,
			Lon:    e.Point.Lon,
			AltMSL: e.Point.Hae,
		}
		if e.Detail != nil {
			if e.Detail.Contact != nil {
				report.Callsign = e.Detail.Contact.Callsign
			}
			if e.Detail.Group != nil {
				report.Team = e.Detail.Group.Name
			}
			if e.Detail.Track != nil {
				report.Course = e.Detail.Track.Course
				report.Speed = e.Detail.Track.Speed
			}
			if e.Detail.Status != nil {
				report.Battery = e.Detail.Status.Battery
			}
		}
		if len(report.Callsign) > maxCallsignLen || len(report.Team) > maxCallsignLen {
			return 0, nil, false
		}
		return TypePosition, MarshalPosition(report), true
	case cot.CategoryChat:
		if e.Detail == nil || e.Detail.Remarks == nil || e.Detail.Remarks.Source != localUID {
			return 0, nil, false
		}
		msg := TextMessage{Text: e.Detail.Remarks.Text}
		if e.Detail.Chat != nil {
			msg.Callsign = e.Detail.Chat.SenderCallsign
		}
		if len(msg.Text) > maxTextLen || len(msg.Callsign) > maxCallsignLen {
			return 0, nil, false
		}
		return TypeText, MarshalText(msg), true
	default:
		return 0, nil, false
	}
}

func readString8(data []byte) (string, []byte, error) {
	if len(data) < 1 {
		return "", nil, errors.WrapInvalid(
			fmt.Errorf("%w: truncated string field", errors.ErrMalformedEvent),
			"mesh", "readString8", "length byte check")
	}
	n := int(data[0])
	if len(data) < 1+n {
		return "", nil, errors.WrapInvalid(
			fmt.Errorf("%w: string of %d bytes, %d available", errors.ErrMalformedEvent, n, len(data)-1),
			"mesh", "readString8", "string bounds check")
	}
	return string(data[1 : 1+n]), data[1+n:], nil
}

func truncate(s string, n int) string {
	if len(s) > n {
		return s[:n]
	}
	return s
}

func clampByte(v int) int {
	if v < 0 {
		return 0
	}
	if v > 255 {
		return 255
	}
	return v
}
