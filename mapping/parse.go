package mapping

import (
	"strconv"
	"strings"
	"time"

	"github.com/macadamian/dicommeta"
)

const daySeconds = 24 * 60 * 60

const yearSeconds = 365.25 * daySeconds

var ageUnits = map[byte]float64{
	'Y': yearSeconds,
	'M': 30 * daySeconds,
	'W': 7 * daySeconds,
	'D': daySeconds,
}

// ParseAge converts a DICOM age string such as "045Y", "10W" or "3D" into seconds. A bare
// number counts years. Ages that do not parse or are not positive are rejected.
func ParseAge(s string) (int64, bool) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, false
	}

	unit := yearSeconds
	if u, ok := ageUnits[s[len(s)-1]]; ok {
		unit = u
		s = s[:len(s)-1]
	}
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return 0, false
	}
	return int64(float64(n) * unit), true
}

// ParseName splits a person name "Family^Given^Middle^Prefix^Suffix" into first and last name.
// When only one of the two components is set and it holds exactly two words, those are taken
// as first and last name.
func ParseName(pn string) (first, last string) {
	if i := strings.IndexByte(pn, '='); i >= 0 {
		pn = pn[:i]
	}
	parts := strings.Split(pn, "^")
	family := strings.TrimSpace(parts[0])
	given := ""
	if len(parts) > 1 {
		given = strings.TrimSpace(parts[1])
	}

	switch {
	case family != "" && given != "":
		return given, family
	case given != "":
		if w := strings.Fields(given); len(w) == 2 {
			return w[0], w[1]
		}
		return given, ""
	case family != "":
		if w := strings.Fields(family); len(w) == 2 {
			return w[0], w[1]
		}
		return "", family
	}
	return "", ""
}

// dateTime combines a DICOM date ("YYYYMMDD") and time ("HHMMSS.FFFFFF", trailing parts
// optional). A missing time is midnight.
func dateTime(date, tm string, loc *time.Location) (time.Time, bool) {
	date = strings.TrimSpace(date)
	if len(date) != 8 {
		return time.Time{}, false
	}
	d, err := time.ParseInLocation("20060102", date, loc)
	if err != nil {
		return time.Time{}, false
	}

	tm = strings.TrimSpace(tm)
	if i := strings.IndexByte(tm, '.'); i >= 0 {
		tm = tm[:i]
	}
	var hms [3]int
	for i := 0; i < 3 && len(tm) >= 2*(i+1); i++ {
		n, err := strconv.Atoi(tm[2*i : 2*i+2])
		if err != nil {
			return d, true
		}
		hms[i] = n
	}
	if hms[0] > 23 || hms[1] > 59 || hms[2] > 60 {
		return d, true
	}
	return time.Date(d.Year(), d.Month(), d.Day(), hms[0], hms[1], hms[2], 0, loc), true
}

// fromDateTime reads a DT value, ignoring any UTC offset suffix.
func fromDateTime(h dicommeta.Header, kw string, loc *time.Location) (time.Time, bool) {
	dt, ok := h.String(kw)
	if !ok || len(dt) < 8 {
		return time.Time{}, false
	}
	if i := strings.IndexAny(dt, "+-"); i >= 8 {
		dt = dt[:i]
	}
	return dateTime(dt[:8], dt[8:], loc)
}

func fromPair(h dicommeta.Header, prefix string, loc *time.Location) (time.Time, bool) {
	date, ok := h.String(prefix + "Date")
	if !ok {
		return time.Time{}, false
	}
	tm, _ := h.String(prefix + "Time")
	return dateTime(date, tm, loc)
}

func acquisitionTime(h dicommeta.Header, loc *time.Location) (time.Time, bool) {
	if t, ok := fromDateTime(h, "AcquisitionDateTime", loc); ok {
		return t, true
	}
	for _, prefix := range []string{"Acquisition", "Series", "Content", "Study"} {
		if t, ok := fromPair(h, prefix, loc); ok {
			return t, true
		}
	}
	return time.Time{}, false
}

func sessionTime(h dicommeta.Header, loc *time.Location) (time.Time, bool) {
	if t, ok := fromDateTime(h, "StudyDateTime", loc); ok {
		return t, true
	}
	if t, ok := fromPair(h, "Study", loc); ok {
		return t, true
	}
	return fromPair(h, "Acquisition", loc)
}
