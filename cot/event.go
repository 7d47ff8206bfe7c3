// Package cot implements the Cursor-on-Target XML event model: a tolerant
// decoder, a deterministic encoder, and builders for the Position (PLI) and
// GeoChat specializations.
//
// Decoding preserves detail sub-elements the codec does not model in an
// opaque passthrough bag, so re-encoding an unmodified event keeps them.
// A malformed document is a local, recoverable failure: callers drop the
// single message and keep processing.
package cot

import (
	"time"
)

// UnknownSentinel is the conventional CoT magnitude meaning "error term not
// known". Missing ce/le attributes decode to this value, never to zero, so
// absent data cannot imply false precision.
const UnknownSentinel = 9999999.0

// TimeFormat is the canonical CoT timestamp layout (UTC, millisecond
// precision, trailing Z).
const TimeFormat = "2006-01-02T15:04:05.999Z07:00"

// Time is a CoT timestamp. It marshals as UTC with millisecond precision.
type Time struct {
	time.Time
}

// Now returns the current time truncated to CoT wire precision.
func Now() Time {
	return Time{time.Now().UTC().Truncate(time.Millisecond)}
}

// At wraps a time.Time as a CoT timestamp at wire precision.
func At(t time.Time) Time {
	return Time{t.UTC().Truncate(time.Millisecond)}
}

// Point is the event location: WGS84 latitude/longitude in decimal degrees,
// height above ellipsoid in meters, and circular/linear error in meters.
type Point struct {
	Lat float64
	Lon float64
	Hae float64
	CE  float64
	LE  float64
}

// Event is the canonical CoT message unit. UID, Type and Time jointly
// identify a logical observation: two events with the same UID are revisions
// of the same entity or message, ordered by Time.
type Event struct {
	Version string
	UID     string
	Type    string
	Time    Time
	Start   Time
	Stale   Time
	How     string
	Point   Point
	Detail  *Detail
}

// IsStale reports whether the event's validity window has passed at now.
// Stale events are flagged, never dropped by the codec; staleness policy
// belongs to the caller.
func (e *Event) IsStale(now time.Time) bool {
	return now.After(e.Stale.Time)
}

// Affiliation is the track affiliation encoded in the second atom of the
// event type ("a-f-..." = friendly and so on).
type Affiliation int

const (
	// AffiliationNone applies to non-atom events (chat, shapes, tasking)
	AffiliationNone Affiliation = iota
	// AffiliationFriendly is the a-f-* prefix
	AffiliationFriendly
	// AffiliationHostile is the a-h-* prefix
	AffiliationHostile
	// AffiliationNeutral is the a-n-* prefix
	AffiliationNeutral
	// AffiliationUnknown is the a-u-* prefix (and unrecognized atoms)
	AffiliationUnknown
)

// String returns the affiliation name
func (a Affiliation) String() string {
	switch a {
	case AffiliationFriendly:
		return "friendly"
	case AffiliationHostile:
		return "hostile"
	case AffiliationNeutral:
		return "neutral"
	case AffiliationUnknown:
		return "unknown"
	default:
		return "none"
	}
}

// Affiliation classifies the event by its type prefix.
func (e *Event) Affiliation() Affiliation {
	if len(e.Type) < 3 || e.Type[0] != 'a' || e.Type[1] != '-' {
		return AffiliationNone
	}
	switch e.Type[2] {
	case 'f', 'a': // assumed friend folds into friendly
		return AffiliationFriendly
	case 'h', 'j', 'k', 's': // hostile/joker/faker/suspect
		return AffiliationHostile
	case 'n':
		return AffiliationNeutral
	default:
		return AffiliationUnknown
	}
}

// Category is the coarse data-type classification used by federation
// sharing policy.
type Category int

const (
	// CategoryOther covers event types with no dedicated category
	CategoryOther Category = iota
	// CategoryFriendly covers a-f-* and a-a-* atom events
	CategoryFriendly
	// CategoryHostile covers a-h-* (and suspect/joker/faker) atom events
	CategoryHostile
	// CategoryNeutral covers a-n-* atom events
	CategoryNeutral
	// CategoryUnknown covers a-u-* and unrecognized atom events
	CategoryUnknown
	// CategoryChat covers GeoChat (b-t-f*) events
	CategoryChat
	// CategoryWaypoint covers map point events (b-m-p*)
	CategoryWaypoint
)

// String returns the category name
func (c Category) String() string {
	switch c {
	case CategoryFriendly:
		return "friendly"
	case CategoryHostile:
		return "hostile"
	case CategoryNeutral:
		return "neutral"
	case CategoryUnknown:
		return "unknown"
	case CategoryChat:
		return "chat"
	case CategoryWaypoint:
		return "waypoint"
	default:
		return "other"
	}
}

// Category classifies the event's data type from its type prefix.
func (e *Event) Category() Category {
	switch {
	case hasPrefix(e.Type, "b-t-f"):
		return CategoryChat
	case hasPrefix(e.Type, "b-m-p"):
		return CategoryWaypoint
	}
	switch e.Affiliation() {
	case AffiliationFriendly:
		return CategoryFriendly
	case AffiliationHostile:
		return CategoryHostile
	case AffiliationNeutral:
		return CategoryNeutral
	case AffiliationUnknown:
		return CategoryUnknown
	default:
		return CategoryOther
	}
}

func hasPrefix(s, prefix string) bool {
	return len(s) >= len(prefix) && s[:len(prefix)] == prefix
}
