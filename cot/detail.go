package cot

import (
	"encoding/xml"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Detail is the open bag of optional structured fields carried by an event.
// Sub-elements the codec does not model are preserved verbatim in Unknown so
// an unmodified event re-encodes with them intact.
type Detail struct {
	Contact *Contact     `xml:"contact,omitempty"`
	Group   *Group       `xml:"__group,omitempty"`
	Track   *Track       `xml:"track,omitempty"`
	Remarks *Remarks     `xml:"remarks,omitempty"`
	Status  *Status      `xml:"status,omitempty"`
	Takv    *Takv        `xml:"takv,omitempty"`
	Chat    *Chat        `xml:"__chat,omitempty"`
	Unknown []RawElement `xml:",any"`
}

// IsEmpty reports whether the detail carries no fields at all.
func (d *Detail) IsEmpty() bool {
	return d == nil || (d.Contact == nil && d.Group == nil && d.Track == nil &&
		d.Remarks == nil && d.Status == nil && d.Takv == nil && d.Chat == nil &&
		len(d.Unknown) == 0)
}

// RawElement preserves an unmodeled detail sub-element: name, attributes and
// inner XML exactly as received.
type RawElement struct {
	XMLName xml.Name
	Attrs   []xml.Attr `xml:",any,attr"`
	Content string     `xml:",innerxml"`
}

// Contact carries the entity callsign and optional reachability endpoints.
type Contact struct {
	Callsign string `xml:"callsign,attr,omitempty"`
	Endpoint string `xml:"endpoint,attr,omitempty"`
	Phone    string `xml:"phone,attr,omitempty"`
}

// Group names the team the entity belongs to.
type Group struct {
	Name string `xml:"name,attr,omitempty"`
	Role string `xml:"role,attr,omitempty"`
}

// Track reports course over ground in degrees and speed in m/s.
type Track struct {
	Course float64 `xml:"course,attr"`
	Speed  float64 `xml:"speed,attr"`
}

// Remarks carries free text; GeoChat events put the message body here.
type Remarks struct {
	Source string `xml:"source,attr,omitempty"`
	To     string `xml:"to,attr,omitempty"`
	Time   string `xml:"time,attr,omitempty"`
	Text   string `xml:",chardata"`
}

// Status reports device battery percentage.
type Status struct {
	Battery int `xml:"battery,attr"`
}

// Takv identifies the emitting device and platform.
type Takv struct {
	Device   string `xml:"device,attr,omitempty"`
	Platform string `xml:"platform,attr,omitempty"`
	OS       string `xml:"os,attr,omitempty"`
	Version  string `xml:"version,attr,omitempty"`
}

// Chat is the GeoChat routing header: room identity plus the participant
// group carried in the nested chatgrp element.
type Chat struct {
	ID             string    `xml:"id,attr,omitempty"`
	Chatroom       string    `xml:"chatroom,attr,omitempty"`
	SenderCallsign string    `xml:"senderCallsign,attr,omitempty"`
	Group          ChatGroup `xml:"chatgrp"`
}

// ChatGroup lists chat participants as ordered uid0..uidN attributes;
// by convention uid0 is the sender and the remainder are recipients.
type ChatGroup struct {
	ID   string
	UIDs []string
}

// MarshalXML implements xml.Marshaler, emitting uid0..uidN attributes.
func (g ChatGroup) MarshalXML(e *xml.Encoder, start xml.StartElement) error {
	start.Attr = start.Attr[:0]
	if g.ID != "" {
		start.Attr = append(start.Attr, xml.Attr{Name: xml.Name{Local: "id"}, Value: g.ID})
	}
	for i, uid := range g.UIDs {
		start.Attr = append(start.Attr, xml.Attr{
			Name:  xml.Name{Local: fmt.Sprintf("uid%d", i)},
			Value: uid,
		})
	}
	if err := e.EncodeToken(start); err != nil {
		return err
	}
	return e.EncodeToken(start.End())
}

// UnmarshalXML implements xml.Unmarshaler, collecting uid0..uidN in index
// order regardless of attribute order on the wire.
func (g *ChatGroup) UnmarshalXML(d *xml.Decoder, start xml.StartElement) error {
	type indexedUID struct {
		index int
		uid   string
	}
	var uids []indexedUID
	for _, attr := range start.Attr {
		switch {
		case attr.Name.Local == "id":
			g.ID = attr.Value
		case strings.HasPrefix(attr.Name.Local, "uid"):
			idx, err := strconv.Atoi(attr.Name.Local[3:])
			if err != nil {
				continue // not a uidN attribute, ignore
			}
			uids = append(uids, indexedUID{index: idx, uid: attr.Value})
		}
	}
	sort.Slice(uids, func(i, j int) bool { return uids[i].index < uids[j].index })
	if len(uids) > 0 {
		g.UIDs = make([]string, 0, len(uids))
		for _, u := range uids {
			g.UIDs = append(g.UIDs, u.uid)
		}
	}
	return d.Skip()
}
