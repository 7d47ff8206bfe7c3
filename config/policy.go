package config

import (
	"fmt"

	"github.com/engindearing-projects/omniTAK-mobile-sub001/cot"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/errors"
	"github.com/engindearing-projects/omniTAK-mobile-sub001/federation"
)

var categoryNames = map[string]cot.Category{
	"other":    cot.CategoryOther,
	"friendly": cot.CategoryFriendly,
	"hostile":  cot.CategoryHostile,
	"neutral":  cot.CategoryNeutral,
	"unknown":  cot.CategoryUnknown,
	"chat":     cot.CategoryChat,
	"waypoint": cot.CategoryWaypoint,
}

// ToPolicy converts the YAML policy form into a federation policy. Empty
// type lists mean "all", matching how operators read an unconfigured rule.
func (p PolicyConfig) ToPolicy() (federation.Policy, error) {
	policy := federation.DefaultPolicy()

	receive, err := parseTypeSet(p.ReceiveTypes)
	if err != nil {
		return federation.Policy{}, err
	}
	send, err := parseTypeSet(p.SendTypes)
	if err != nil {
		return federation.Policy{}, err
	}

	policy.ReceiveTypes = receive
	policy.SendTypes = send
	policy.BlueTeamOnly = p.BlueTeamOnly
	if p.AutoShare != nil {
		policy.AutoShare = *p.AutoShare
	}
	if p.Bidirectional != nil {
		policy.Bidirectional = *p.Bidirectional
	}
	return policy, nil
}

func parseTypeSet(names []string) (federation.TypeSet, error) {
	if len(names) == 0 {
		return federation.AllTypes(), nil
	}
	var categories []cot.Category
	for _, name := range names {
		if name == "all" {
			return federation.AllTypes(), nil
		}
		category, ok := categoryNames[name]
		if !ok {
			return federation.TypeSet{}, errors.WrapInvalid(
				fmt.Errorf("%w: unknown event category %q", errors.ErrInvalidConfig, name),
				"config", "parseTypeSet", "category name check")
		}
		categories = append(categories, category)
	}
	return federation.Types(categories...), nil
}
