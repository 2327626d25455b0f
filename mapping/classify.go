package mapping

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/gobwas/glob"

	"github.com/macadamian/dicommeta"
)

// A Classification maps a classification key such as Measurement or Intent to its values.
type Classification map[string][]string

// A Classifier assigns a fixed classification to units whose SeriesDescription matches.
type Classifier struct {
	match func(string) bool
	value Classification
}

// NewClassifier compiles a match pattern and a classification string. A pattern written as
// /expr/ is a case insensitive regular expression, anything else a case insensitive glob.
// The classification string lists key:value pairs separated by commas. A value without a key
// belongs to the previous key, or to Custom when it comes first.
func NewClassifier(pattern, classification string) (Classifier, error) {
	var match func(string) bool
	if len(pattern) > 2 && strings.HasPrefix(pattern, "/") && strings.HasSuffix(pattern, "/") {
		re, err := regexp.Compile("(?i)" + pattern[1:len(pattern)-1])
		if err != nil {
			return Classifier{}, fmt.Errorf("invalid classification pattern %q: %w", pattern, err)
		}
		match = re.MatchString
	} else {
		g, err := glob.Compile(strings.ToLower(pattern))
		if err != nil {
			return Classifier{}, fmt.Errorf("invalid classification pattern %q: %w", pattern, err)
		}
		match = func(s string) bool { return g.Match(strings.ToLower(s)) }
	}
	return Classifier{match: match, value: ParseClassification(classification)}, nil
}

// ParseClassification reads a string such as "Measurement:T1, Intent:Structural,Localizer".
func ParseClassification(s string) Classification {
	out := Classification{}
	last := ""
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, value := last, part
		if k, v, ok := strings.Cut(part, ":"); ok {
			key, value = strings.TrimSpace(k), strings.TrimSpace(v)
			last = key
		}
		if key == "" {
			key = "Custom"
		}
		out[key] = append(out[key], value)
	}
	return out
}

// Classify picks the classification of a unit. The first classifier matching the
// SeriesDescription wins; without a match the classification is inferred from the imaging
// parameters. slices is the number of instances of the unit, 0 when unknown.
func Classify(h dicommeta.Header, classifiers []Classifier, slices int, uniqueOrientation bool) Classification {
	if desc, _ := h.String("SeriesDescription"); desc != "" {
		for _, c := range classifiers {
			if c.match(desc) {
				return c.value
			}
		}
	}
	return paramClassification(h, slices, uniqueOrientation)
}

// paramClassification infers the measurement from the repetition, echo and inversion times,
// contrast from the series description and a localizer intent from the geometry. Zero or absent
// times never match.
func paramClassification(h dicommeta.Header, slices int, uniqueOrientation bool) Classification {
	out := Classification{}
	tr, _ := h.Number("RepetitionTime")
	te, _ := h.Number("EchoTime")
	ti, _ := h.Number("InversionTime")

	switch {
	case te > 0 && te < 30 && tr > 0 && tr < 8000:
		out["Measurement"] = []string{"T1"}
	case te > 50 && tr > 2000 && ti == 0:
		out["Measurement"] = []string{"T2"}
	case te > 50 && tr > 8000 && ti > 1500 && ti < 3000:
		out["Measurement"] = []string{"FLAIR"}
	case te > 0 && te < 50 && tr > 1000:
		out["Measurement"] = []string{"PD"}
	}

	if desc, _ := h.String("SeriesDescription"); strings.Contains(strings.ToUpper(desc), "POST") {
		out["Custom"] = []string{"Contrast"}
	}
	if (slices > 0 && slices < 10) || uniqueOrientation {
		out["Intent"] = []string{"Localizer"}
	}
	return out
}

// UniqueOrientation reports whether every instance carrying an ImageOrientationPatient has a
// different one, as the slices of a multi-planar localizer do.
func UniqueOrientation(instances []*dicommeta.Instance) bool {
	seen := map[string]bool{}
	for _, inst := range instances {
		iop := inst.Header.Numbers("ImageOrientationPatient")
		if len(iop) == 0 {
			continue
		}
		key := fmt.Sprint(iop)
		if seen[key] {
			return false
		}
		seen[key] = true
	}
	return len(seen) > 1
}
