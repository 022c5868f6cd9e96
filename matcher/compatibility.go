package matcher

import "github.com/ddr4869/organchain/registry"

// donateTo is the canonical table: donor group -> groups it may give to.
var donateTo = map[registry.BloodType][]registry.BloodType{
	registry.OMinus:  {registry.OMinus, registry.OPlus, registry.AMinus, registry.APlus, registry.BMinus, registry.BPlus, registry.ABMinus, registry.ABPlus},
	registry.OPlus:   {registry.OPlus, registry.APlus, registry.BPlus, registry.ABPlus},
	registry.AMinus:  {registry.AMinus, registry.APlus, registry.ABMinus, registry.ABPlus},
	registry.APlus:   {registry.APlus, registry.ABPlus},
	registry.BMinus:  {registry.BMinus, registry.BPlus, registry.ABMinus, registry.ABPlus},
	registry.BPlus:   {registry.BPlus, registry.ABPlus},
	registry.ABMinus: {registry.ABMinus, registry.ABPlus},
	registry.ABPlus:  {registry.ABPlus},
}

// receiveFrom is derived from donateTo, never written by hand.
var receiveFrom = transpose(donateTo)

func transpose(table map[registry.BloodType][]registry.BloodType) map[registry.BloodType][]registry.BloodType {
	out := make(map[registry.BloodType][]registry.BloodType, len(table))
	for _, donor := range registry.BloodTypes {
		for _, recipient := range table[donor] {
			out[recipient] = append(out[recipient], donor)
		}
	}
	return out
}

// CanDonate reports whether a donor of one group may give to a recipient of another.
func CanDonate(donor, recipient registry.BloodType) bool {
	for _, candidate := range donateTo[donor] {
		if candidate == recipient {
			return true
		}
	}
	return false
}

// Recipients lists the groups a donor may give to.
func Recipients(donor registry.BloodType) []registry.BloodType {
	return append([]registry.BloodType(nil), donateTo[donor]...)
}

// Donors lists the groups a recipient may receive from.
func Donors(recipient registry.BloodType) []registry.BloodType {
	return append([]registry.BloodType(nil), receiveFrom[recipient]...)
}
