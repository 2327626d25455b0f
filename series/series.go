// Package series groups decoded instances by SeriesInstanceUID and partitions the groups into
// output units.
package series

import (
	"math"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"golang.org/x/text/cases"

	"github.com/macadamian/dicommeta"
)

// DefaultLocalizerTokens are the ImageType values marking scout and screen capture images.
var DefaultLocalizerTokens = []string{"LOCALIZER", "SCREEN SAVE"}

// Options control localizer detection.
type Options struct {
	// LocalizerTokens are matched case-insensitively against every ImageType value.
	// DefaultLocalizerTokens is used when empty.
	LocalizerTokens []string
	// ByOrientation also flags instances whose ImageOrientationPatient differs from the rest of
	// their series, when only a few distinct orientations are present.
	ByOrientation   bool
}

// A Group is the set of instances sharing one SeriesInstanceUID, in archive order.
type Group struct {
	// Key is the SeriesInstanceUID, or a generated placeholder for ungroupable instances.
	Key         string
	// Ungroupable is set for a singleton group built from an instance without SeriesInstanceUID.
	Ungroupable bool
	// Localizer is set when any member is localizer-bearing.
	Localizer   bool
	Instances   []*dicommeta.Instance

	localizer []bool
}

// IsLocalizer reports whether the i-th member is localizer-bearing.
func (g *Group) IsLocalizer(i int) bool {
	return g.localizer[i]
}

func (g *Group) add(inst *dicommeta.Instance, localizer bool) {
	g.Instances = append(g.Instances, inst)
	g.localizer = append(g.localizer, localizer)
	g.Localizer = g.Localizer || localizer
}

// GroupInstances partitions instances by exact SeriesInstanceUID. Groups are ordered by first appearance.
func GroupInstances(instances []*dicommeta.Instance, opts Options) []*Group {
	tokens := opts.LocalizerTokens
	if len(tokens) == 0 {
		tokens = DefaultLocalizerTokens
	}
	folder := cases.Fold()
	folded := make(map[string]bool, len(tokens))
	for _, t := range tokens {
		folded[folder.String(strings.TrimSpace(t))] = true
	}
	isLocalizer := func(inst *dicommeta.Instance) bool {
		for _, v := range inst.ImageType {
			if folded[folder.String(strings.TrimSpace(v))] {
				return true
			}
		}
		return false
	}

	var groups []*Group
	byUID := map[string]*Group{}
	for _, inst := range instances {
		if inst == nil {
			continue
		}

		uid := strings.TrimSpace(inst.SeriesInstanceUID)
		if uid == "" {
			g := &Group{
				Key:         "ungrouped-" + uuid.NewSHA1(uuid.NameSpaceOID, []byte(inst.Path)).String(),
				Ungroupable: true,
			}
			g.add(inst, isLocalizer(inst))
			groups = append(groups, g)
			continue
		}

		g, ok := byUID[uid]
		if !ok {
			g = &Group{Key: uid}
			byUID[uid] = g
			groups = append(groups, g)
		}
		g.add(inst, isLocalizer(inst))
	}

	if opts.ByOrientation {
		for _, g := range groups {
			markOrientation(g)
		}
	}
	return groups
}

const maxOrientationRatio = 0.20

// markOrientation flags the members whose orientation is not the series majority. It only
// applies when the series has more than one orientation and the number of distinct
// orientations is small relative to the series size.
func markOrientation(g *Group) {
	keys := make([]string, len(g.Instances))
	counts := map[string]int{}
	var order []string
	total := 0
	for i, inst := range g.Instances {
		iop := inst.Header.Numbers("ImageOrientationPatient")
		if len(iop) != 6 {
			continue
		}
		keys[i] = orientationKey(iop)
		if counts[keys[i]] == 0 {
			order = append(order, keys[i])
		}
		counts[keys[i]]++
		total++
	}

	if len(counts) < 2 || float64(len(counts))/float64(total) >= maxOrientationRatio {
		return
	}

	majority := order[0]
	for _, k := range order[1:] {
		if counts[k] > counts[majority] {
			majority = k
		}
	}
	for i, k := range keys {
		if k != "" && k != majority && !g.localizer[i] {
			g.localizer[i] = true
			g.Localizer = true
		}
	}
}

func orientationKey(iop []float64) string {
	var b strings.Builder
	for i, v := range iop {
		if i > 0 {
			b.WriteByte('\\')
		}
		r := math.Round(v*1000) / 1000
		if r == 0 {
			// folds -0 into 0
			r = 0
		}
		b.WriteString(strconv.FormatFloat(r, 'f', 3, 64))
	}
	return b.String()
}
