package series

import (
	"fmt"

	"github.com/macadamian/dicommeta"
)

// UnitKind describes how a unit was cut from the archive.
type UnitKind int

const (
	// Whole is the entire archive.
	Whole UnitKind = iota
	// Primary holds every non-localizer instance of an archive split on localizers only.
	Primary
	// Localizer holds localizer-bearing instances.
	Localizer
	// Series holds the members of one series, less its localizers when those were split off.
	Series
)

func (k UnitKind) String() string {
	switch k {
	case Whole:
		return "whole"
	case Primary:
		return "primary"
	case Localizer:
		return "localizer"
	case Series:
		return "series"
	}
	return fmt.Sprintf("UnitKind(%d)", int(k))
}

// SplitOptions are the two independent split switches.
type SplitOptions struct {
	SplitOnSeriesUID bool
	SplitLocalizer   bool
}

// A Unit is one output partition. Each unit is validated and mapped on its own.
type Unit struct {
	Kind      UnitKind
	// Group is the source series. It is nil for Whole and Primary units and for Localizer units
	// cut across series.
	Group     *Group
	Instances []*dicommeta.Instance
}

func (u Unit) String() string {
	if u.Group != nil {
		return fmt.Sprintf("%s %s (%d instances)", u.Kind, u.Group.Key, len(u.Instances))
	}
	return fmt.Sprintf("%s (%d instances)", u.Kind, len(u.Instances))
}

// Split decides how many units the groups produce and what each contains. Every instance ends
// up in exactly one unit and no unit is empty. Units follow group order, and the non-localizer
// part of a group comes before its localizer part.
func Split(groups []*Group, opts SplitOptions) []Unit {
	var units []Unit
	emit := func(u Unit) {
		if len(u.Instances) > 0 {
			units = append(units, u)
		}
	}

	if !opts.SplitOnSeriesUID {
		var all, primary, localizers []*dicommeta.Instance
		for _, g := range groups {
			for i, inst := range g.Instances {
				all = append(all, inst)
				if g.IsLocalizer(i) {
					localizers = append(localizers, inst)
				} else {
					primary = append(primary, inst)
				}
			}
		}
		if opts.SplitLocalizer && len(localizers) > 0 {
			emit(Unit{Kind: Primary, Instances: primary})
			emit(Unit{Kind: Localizer, Instances: localizers})
			return units
		}
		emit(Unit{Kind: Whole, Instances: all})
		return units
	}

	for _, g := range groups {
		if !opts.SplitLocalizer || !g.Localizer {
			emit(Unit{Kind: Series, Group: g, Instances: g.Instances})
			continue
		}
		var rest, localizers []*dicommeta.Instance
		for i, inst := range g.Instances {
			if g.IsLocalizer(i) {
				localizers = append(localizers, inst)
			} else {
				rest = append(rest, inst)
			}
		}
		emit(Unit{Kind: Series, Group: g, Instances: rest})
		emit(Unit{Kind: Localizer, Group: g, Instances: localizers})
	}
	return units
}
