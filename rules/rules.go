// Package rules holds checks that look across all instances of a unit rather than at one
// header. Their records cannot be cleared by editing metadata, so they are never revalidated.
package rules

import (
	"fmt"
	"math"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/macadamian/dicommeta"
)

// Error types of the records produced here.
const (
	SliceIntervals = "slice_intervals"
	InstanceNumber = "instance_number"
	ImageCount     = "image_count"
	EmptyFile      = "empty_file"
	Undecodable    = "undecodable_file"
)

// MinSlices is the smallest sequence the slice interval check runs on.
const MinSlices = 10

// Options select the checks to run.
type Options struct {
	SliceIntervals  bool
	InstanceNumbers bool
	ImageCount      bool
}

// Check runs the selected checks over the instances of one unit.
func Check(instances []*dicommeta.Instance, opts Options) dicommeta.Report {
	report := dicommeta.Report{}
	if opts.SliceIntervals {
		for _, msg := range checkSliceIntervals(instances) {
			report = append(report, record(SliceIntervals, msg))
		}
	}
	if opts.InstanceNumbers {
		if msg, ok := checkInstanceNumbers(instances); ok {
			report = append(report, record(InstanceNumber, msg))
		}
	}
	if opts.ImageCount {
		if msg, ok := checkImageCount(instances); ok {
			report = append(report, record(ImageCount, msg))
		}
	}
	return report
}

// Members reports the archive members that did not decode. force tells whether decoding already
// ran without the DICOM signature requirement.
func Members(skipped []*dicommeta.DecodeError, force bool) dicommeta.Report {
	report := dicommeta.Report{}
	for _, de := range skipped {
		name := path.Base(de.Path)
		switch {
		case de.Reason == dicommeta.ReasonEmpty:
			report = append(report, record(EmptyFile, fmt.Sprintf("Dicom file is empty: %s", name)))
		case force:
			report = append(report, record(Undecodable,
				fmt.Sprintf("Decoding failed with force_dicom_read for file: %s", name)))
		case de.Reason == dicommeta.ReasonNotDICOM:
			report = append(report, record(Undecodable,
				fmt.Sprintf("Dicom signature not found in: %s. Try running with force_dicom_read", name)))
		default:
			report = append(report, record(Undecodable,
				fmt.Sprintf("Dicom file is malformed: %s. Try running with force_dicom_read", name)))
		}
	}
	return report
}

func record(typ, msg string) dicommeta.Record {
	return dicommeta.Record{
		ErrorType:    typ,
		ErrorMessage: msg,
		Item:         dicommeta.HeaderPath,
		Revalidate:   false,
	}
}

func isLocalizer(inst *dicommeta.Instance) bool {
	for _, v := range inst.ImageType {
		if strings.Contains(strings.ToUpper(v), "LOCALIZER") {
			return true
		}
	}
	return false
}

func checkSliceIntervals(instances []*dicommeta.Instance) []string {
	var names []string
	bySequence := map[string][]*dicommeta.Instance{}
	for _, inst := range instances {
		if inst == nil || len(inst.Header) == 0 {
			continue
		}
		name, _ := inst.Header.String("SequenceName")
		if _, ok := bySequence[name]; !ok {
			names = append(names, name)
		}
		bySequence[name] = append(bySequence[name], inst)
	}

	var msgs []string
	for _, name := range names {
		seq := bySequence[name]
		if len(seq) < MinSlices {
			continue
		}
		suffix := ""
		if name != "" {
			suffix = fmt.Sprintf(" (SequenceName is %s, in case there are multiple.)", name)
		}
		if msg, ok := sliceIntervals(seq, suffix); ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

func sliceIntervals(seq []*dicommeta.Instance, suffix string) (string, bool) {
	locations := sliceLocations(seq)
	if len(locations) < 2 {
		return "", false
	}
	sort.Float64s(locations)

	var intervals []float64
	for i := 1; i < len(locations); i++ {
		// near zero intervals come from duplicate images
		if d := locations[i] - locations[i-1]; d > 0.001 {
			intervals = append(intervals, d)
		}
	}

	mode, ok := mostFrequent(intervals, 3, 2, 1)
	if !ok || mode == 0 {
		return "Inconsistent slice intervals; no common interval found!", true
	}

	tolerance := 0.2 * mode
	var abnormal []float64
	for _, v := range intervals {
		if math.Abs(mode-v) <= tolerance {
			continue
		}
		r := round(v, 3)
		seen := false
		for _, a := range abnormal {
			seen = seen || a == r
		}
		if !seen {
			abnormal = append(abnormal, r)
		}
	}
	if len(abnormal) == 0 {
		return "", false
	}

	vals := make([]string, len(abnormal))
	for i, a := range abnormal {
		vals[i] = formatFloat(a)
	}
	return fmt.Sprintf("Inconsistent slice intervals. Majority are ~%smm but intervals include %s.%s",
		formatFloat(mode), strings.Join(vals, ", "), suffix), true
}

// sliceLocations prefers SliceLocation and falls back to projecting ImagePositionPatient onto
// the slice normal. Localizers are left out.
func sliceLocations(seq []*dicommeta.Instance) []float64 {
	var withLocation []*dicommeta.Instance
	for _, inst := range seq {
		if _, ok := inst.Header.Number("SliceLocation"); ok && len(inst.ImageType) > 0 {
			withLocation = append(withLocation, inst)
		}
	}
	if len(withLocation) > 1 {
		var locs []float64
		for _, inst := range withLocation {
			if !isLocalizer(inst) {
				loc, _ := inst.Header.Number("SliceLocation")
				locs = append(locs, loc)
			}
		}
		return locs
	}

	var positioned []*dicommeta.Instance
	for _, inst := range seq {
		if len(inst.Header.Numbers("ImageOrientationPatient")) == 6 &&
			len(inst.Header.Numbers("ImagePositionPatient")) == 3 &&
			len(inst.ImageType) > 0 && !isLocalizer(inst) {
			positioned = append(positioned, inst)
		}
	}
	if len(positioned) < 2 {
		return nil
	}

	iop := positioned[0].Header.Numbers("ImageOrientationPatient")
	normal := cross(iop[3:6], iop[0:3])
	locs := make([]float64, len(positioned))
	for i, inst := range positioned {
		ipp := inst.Header.Numbers("ImagePositionPatient")
		locs[i] = normal[0]*ipp[0] + normal[1]*ipp[1] + normal[2]*ipp[2]
	}
	return locs
}

func cross(a, b []float64) [3]float64 {
	return [3]float64{
		a[1]*b[2] - a[2]*b[1],
		a[2]*b[0] - a[0]*b[2],
		a[0]*b[1] - a[1]*b[0],
	}
}

// mostFrequent returns the value found in more than half of values, trying each rounding
// precision in turn. Ties go to the value seen first.
func mostFrequent(values []float64, precisions ...int) (float64, bool) {
	if len(values) == 0 {
		return 0, false
	}
	for _, p := range precisions {
		counts := map[float64]int{}
		var order []float64
		for _, v := range values {
			r := round(v, p)
			if counts[r] == 0 {
				order = append(order, r)
			}
			counts[r]++
		}
		best := order[0]
		for _, r := range order[1:] {
			if counts[r] > counts[best] {
				best = r
			}
		}
		if float64(counts[best]) > float64(len(values))/2 {
			return best, true
		}
	}
	return 0, false
}

func round(v float64, digits int) float64 {
	p := math.Pow(10, float64(digits))
	return math.Round(v*p) / p
}

func formatFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', -1, 64)
	if !strings.ContainsRune(s, '.') {
		s += ".0"
	}
	return s
}

func checkInstanceNumbers(instances []*dicommeta.Instance) (string, bool) {
	seen := map[float64]int{}
	for _, inst := range instances {
		if inst == nil {
			continue
		}
		if n, ok := inst.Header.Number("InstanceNumber"); ok {
			seen[n]++
		}
	}

	var dups []float64
	for n, c := range seen {
		if c > 1 {
			dups = append(dups, n)
		}
	}
	if len(dups) == 0 {
		return "", false
	}
	sort.Float64s(dups)

	vals := make([]string, len(dups))
	for i, d := range dups {
		vals[i] = strconv.FormatFloat(d, 'f', -1, 64)
	}
	return fmt.Sprintf("InstanceNumber is duplicated for values: %s", strings.Join(vals, ", ")), true
}

// expectedImages lists the header fields that announce the size of a series, by precedence.
var expectedImages = []string{"ImagesInAcquisition", "NumberOfSeriesRelatedInstances", "NumberOfSlices"}

// checkImageCount compares the count announced by the first instance with the instances found.
// A missing or zero announcement is not an error.
func checkImageCount(instances []*dicommeta.Instance) (string, bool) {
	if len(instances) == 0 || instances[0] == nil {
		return "", false
	}
	h := instances[0].Header
	for _, kw := range expectedImages {
		if _, present := h[kw]; !present {
			continue
		}
		n, _ := h.Number(kw)
		if n == 0 || int(n) == len(instances) {
			return "", false
		}
		return fmt.Sprintf("Expected %s DICOM files, found %d", strconv.FormatFloat(n, 'f', -1, 64), len(instances)), true
	}
	return "", false
}
