// Package mapping turns a validated header into the metadata updates of the file, acquisition
// and session containers.
package mapping

import (
	"strings"
	"time"

	"github.com/macadamian/dicommeta"
)

// ErrorTag is applied to the acquisition when the error report is not empty.
const ErrorTag = "error"

// Options for Map.
type Options struct {
	// FileName is the name of the unit archive, set as the file name.
	FileName string
	// Location timestamps are interpreted in. UTC when nil.
	Location *time.Location

	Classifiers       []Classifier
	// Slices is the number of instances of the unit, 0 when unknown.
	Slices            int
	UniqueOrientation bool
}

// An UpdateSet holds the updates for each container level plus the tags for the acquisition.
type UpdateSet struct {
	File        map[string]any `json:"file"`
	Acquisition map[string]any `json:"acquisition"`
	Session     map[string]any `json:"session"`
	Tags        []string       `json:"tags,omitempty"`
}

// Map applies the mapping table to a header. Missing sources leave their targets unset, so Map
// never fails.
func Map(h dicommeta.Header, report dicommeta.Report, opts Options) UpdateSet {
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}

	u := UpdateSet{
		File:        map[string]any{},
		Acquisition: map[string]any{},
		Session:     map[string]any{},
	}

	u.File["info"] = map[string]any{"header": map[string]any{"dicom": h.JSON()}}
	if opts.FileName != "" {
		u.File["name"] = opts.FileName
	}
	setString(u.File, "modality", h, "Modality")
	if c := Classify(h, opts.Classifiers, opts.Slices, opts.UniqueOrientation); len(c) > 0 {
		u.File["classification"] = c
	}

	setString(u.Acquisition, "instrument", h, "Manufacturer")
	setString(u.Acquisition, "label", h, "SeriesDescription")
	if ts, ok := acquisitionTime(h, loc); ok {
		u.Acquisition["timestamp"] = ts.Format(time.RFC3339)
	}

	if ts, ok := sessionTime(h, loc); ok {
		u.Session["timestamp"] = ts.Format(time.RFC3339)
	}
	if label := sessionLabel(h); label != "" {
		u.Session["label"] = label
	}
	setString(u.Session, "operator", h, "OperatorsName")
	if w, ok := h.Number("PatientWeight"); ok {
		u.Session["weight"] = w
	}
	if subject := subject(h); len(subject) > 0 {
		u.Session["subject"] = subject
	}

	if len(report) > 0 {
		u.Tags = []string{ErrorTag}
	}
	return u
}

func setString(m map[string]any, key string, h dicommeta.Header, kw string) {
	if v, ok := h.String(kw); ok && v != "" {
		m[key] = v
	}
}

// sessionLabel is the StudyID for GE and Philips scanners, which number their studies
// meaningfully, and the StudyInstanceUID otherwise.
func sessionLabel(h dicommeta.Header) string {
	manufacturer, _ := h.String("Manufacturer")
	if strings.Contains(manufacturer, "GE") || strings.Contains(manufacturer, "Philips") {
		if id, ok := h.String("StudyID"); ok {
			return id
		}
	}
	uid, _ := h.String("StudyInstanceUID")
	return uid
}

func subject(h dicommeta.Header) map[string]any {
	out := map[string]any{}

	if sex, ok := h.String("PatientSex"); ok {
		switch strings.ToUpper(sex) {
		case "M":
			out["sex"] = "male"
		case "F":
			out["sex"] = "female"
		}
	}
	if age, ok := h.String("PatientAge"); ok {
		if secs, ok := ParseAge(age); ok {
			out["age"] = secs
		}
	}
	if name, ok := h.String("PatientName"); ok {
		first, last := ParseName(name)
		if first != "" {
			out["firstname"] = first
		}
		if last != "" {
			out["lastname"] = last
		}
	}
	return out
}
