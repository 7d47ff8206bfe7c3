package cot

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"strconv"
	"time"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
)

// Header is prepended to every encoded event, matching what CoT servers emit.
const Header = `<?xml version="1.0" encoding="UTF-8" standalone="yes"?>`

// Options tunes codec behavior.
type Options struct {
	// UnknownSentinel substitutes for missing ce/le error terms. Zero means
	// use the package default; a sentinel, not zero, so absent error terms
	// never imply false precision.
	UnknownSentinel float64
}

// Codec encodes and decodes CoT events. The zero value is usable and
// equivalent to NewCodec(Options{}).
type Codec struct {
	opts Options
}

// NewCodec returns a codec with the given options.
func NewCodec(opts Options) *Codec {
	if opts.UnknownSentinel == 0 {
		opts.UnknownSentinel = UnknownSentinel
	}
	return &Codec{opts: opts}
}

var defaultCodec = NewCodec(Options{})

// Decode parses one CoT XML document with the default codec.
func Decode(data []byte) (*Event, error) { return defaultCodec.Decode(data) }

// Encode serializes an event with the default codec.
func Encode(e *Event) ([]byte, error) { return defaultCodec.Encode(e) }

// wireEvent mirrors the event element with string attributes so that
// presence can be distinguished from zero values during validation.
type wireEvent struct {
	XMLName xml.Name   `xml:"event"`
	Version string     `xml:"version,attr,omitempty"`
	UID     string     `xml:"uid,attr,omitempty"`
	Type    string     `xml:"type,attr,omitempty"`
	Time    string     `xml:"time,attr,omitempty"`
	Start   string     `xml:"start,attr,omitempty"`
	Stale   string     `xml:"stale,attr,omitempty"`
	How     string     `xml:"how,attr,omitempty"`
	Point   *wirePoint `xml:"point"`
	Detail  *Detail    `xml:"detail"`
}

type wirePoint struct {
	Lat string `xml:"lat,attr,omitempty"`
	Lon string `xml:"lon,attr,omitempty"`
	Hae string `xml:"hae,attr,omitempty"`
	CE  string `xml:"ce,attr,omitempty"`
	LE  string `xml:"le,attr,omitempty"`
}

// Decode parses one CoT XML document. Missing uid, type, time or point
// lat/lon make the document malformed: the error is invalid-classified and
// the caller is expected to drop the single message and continue.
func (c *Codec) Decode(data []byte) (*Event, error) {
	var we wireEvent
	if err := xml.Unmarshal(data, &we); err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: %v", errors.ErrMalformedEvent, err),
			"cot", "Decode", "XML parse")
	}

	if we.UID == "" || we.Type == "" || we.Time == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uid=%q missing required event attribute", errors.ErrMalformedEvent, we.UID),
			"cot", "Decode", "event attribute validation")
	}
	if we.Point == nil || we.Point.Lat == "" || we.Point.Lon == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uid=%q missing point lat/lon", errors.ErrMalformedEvent, we.UID),
			"cot", "Decode", "point validation")
	}

	evtTime, err := parseTime(we.Time)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uid=%q bad time %q", errors.ErrMalformedEvent, we.UID, we.Time),
			"cot", "Decode", "time parse")
	}
	// start and stale default to the event time when absent; only their
	// presence, not validity, is optional
	start := evtTime
	if we.Start != "" {
		if start, err = parseTime(we.Start); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: uid=%q bad start %q", errors.ErrMalformedEvent, we.UID, we.Start),
				"cot", "Decode", "start parse")
		}
	}
	stale := evtTime
	if we.Stale != "" {
		if stale, err = parseTime(we.Stale); err != nil {
			return nil, errors.WrapInvalid(
				fmt.Errorf("%w: uid=%q bad stale %q", errors.ErrMalformedEvent, we.UID, we.Stale),
				"cot", "Decode", "stale parse")
		}
	}

	point, err := c.decodePoint(we.Point)
	if err != nil {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uid=%q %v", errors.ErrMalformedEvent, we.UID, err),
			"cot", "Decode", "point parse")
	}

	return &Event{
		Version: we.Version,
		UID:     we.UID,
		Type:    we.Type,
		Time:    evtTime,
		Start:   start,
		Stale:   stale,
		How:     we.How,
		Point:   point,
		Detail:  we.Detail,
	}, nil
}

func (c *Codec) decodePoint(wp *wirePoint) (Point, error) {
	lat, err := strconv.ParseFloat(wp.Lat, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad lat %q", wp.Lat)
	}
	lon, err := strconv.ParseFloat(wp.Lon, 64)
	if err != nil {
		return Point{}, fmt.Errorf("bad lon %q", wp.Lon)
	}
	p := Point{Lat: lat, Lon: lon, CE: c.opts.UnknownSentinel, LE: c.opts.UnknownSentinel}
	if wp.Hae != "" {
		if p.Hae, err = strconv.ParseFloat(wp.Hae, 64); err != nil {
			return Point{}, fmt.Errorf("bad hae %q", wp.Hae)
		}
	}
	if wp.CE != "" {
		if p.CE, err = strconv.ParseFloat(wp.CE, 64); err != nil {
			return Point{}, fmt.Errorf("bad ce %q", wp.CE)
		}
	}
	if wp.LE != "" {
		if p.LE, err = strconv.ParseFloat(wp.LE, 64); err != nil {
			return Point{}, fmt.Errorf("bad le %q", wp.LE)
		}
	}
	return p, nil
}

// Encode serializes an event as one CoT XML document. Field order is
// deterministic so repeated encodes of the same event are byte-identical.
func (c *Codec) Encode(e *Event) ([]byte, error) {
	if e == nil {
		return nil, errors.WrapInvalid(errors.ErrMissingField, "cot", "Encode", "nil event")
	}
	if e.UID == "" || e.Type == "" {
		return nil, errors.WrapInvalid(
			fmt.Errorf("%w: uid and type are required", errors.ErrMissingField),
			"cot", "Encode", "event validation")
	}

	version := e.Version
	if version == "" {
		version = "2.0"
	}
	we := wireEvent{
		Version: version,
		UID:     e.UID,
		Type:    e.Type,
		Time:    e.Time.UTC().Format(TimeFormat),
		Start:   e.Start.UTC().Format(TimeFormat),
		Stale:   e.Stale.UTC().Format(TimeFormat),
		How:     e.How,
		Point: &wirePoint{
			Lat: formatCoord(e.Point.Lat),
			Lon: formatCoord(e.Point.Lon),
			Hae: formatCoord(e.Point.Hae),
			CE:  formatCoord(e.Point.CE),
			LE:  formatCoord(e.Point.LE),
		},
	}
	if !e.Detail.IsEmpty() {
		we.Detail = e.Detail
	}

	body, err := xml.Marshal(&we)
	if err != nil {
		return nil, errors.WrapInvalid(err, "cot", "Encode", "XML marshal")
	}

	var buf bytes.Buffer
	buf.Grow(len(Header) + len(body))
	buf.WriteString(Header)
	buf.Write(body)
	return buf.Bytes(), nil
}

func parseTime(s string) (Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return Time{}, err
	}
	return Time{t.UTC()}, nil
}

// formatCoord renders coordinates and error terms in plain decimal notation;
// CoT consumers do not accept exponent forms for point attributes.
func formatCoord(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
