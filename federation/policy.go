// Package federation routes events between connections: per-connection
// sharing policy, uid-based deduplication, and re-broadcast with storm and
// loop protection.
package federation

import (
	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
)

// TypeSet selects event categories for a policy rule. The zero value
// matches nothing; AllTypes matches everything.
type TypeSet struct {
	all        bool
	categories map[cot.Category]bool
}

// AllTypes matches every event.
func AllTypes() TypeSet {
	return TypeSet{all: true}
}

// Types matches exactly the given categories.
func Types(categories ...cot.Category) TypeSet {
	set := TypeSet{categories: make(map[cot.Category]bool, len(categories))}
	for _, c := range categories {
		set.categories[c] = true
	}
	return set
}

// Matches reports whether the event's category is in the set.
func (s TypeSet) Matches(e *cot.Event) bool {
	if s.all {
		return true
	}
	return s.categories[e.Category()]
}

// All reports whether the set is the match-everything set.
func (s TypeSet) All() bool { return s.all }

// Policy is one connection's sharing configuration.
type Policy struct {
	// ReceiveTypes gates which inbound events this connection contributes
	// to the federation
	ReceiveTypes TypeSet
	// SendTypes gates which events are re-shared out through this connection
	SendTypes TypeSet
	// AutoShare enables re-broadcast of this connection's inbound events
	AutoShare bool
	// BlueTeamOnly restricts outbound sharing to friendly events regardless
	// of SendTypes
	BlueTeamOnly bool
	// Bidirectional is informational for the caller's UX; gating is done
	// purely via ReceiveTypes/SendTypes
	Bidirectional bool
}

// DefaultPolicy shares everything in both directions.
func DefaultPolicy() Policy {
	return Policy{
		ReceiveTypes:  AllTypes(),
		SendTypes:     AllTypes(),
		AutoShare:     true,
		Bidirectional: true,
	}
}
