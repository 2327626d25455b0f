package dicommeta

import (
	"sort"
	"strings"
)

// HeaderPath is the location of decoded header tags on a platform file container.
const HeaderPath = "info.header.dicom"

// Kind identifies which member of a Value is populated.
type Kind int

const (
	KindString Kind = iota
	KindStrings
	KindNumber
	KindNumbers
	KindDate
	KindSequence
)

// A Value is one decoded header attribute. Binary attributes never produce a Value, they are
// dropped by the decoder.
type Value struct {
	Kind  Kind
	// Str holds KindString and KindDate values. Dates keep their DICOM "YYYYMMDD" text.
	Str   string
	// Strs holds KindStrings values in the order they were encoded.
	Strs  []string
	// Num holds KindNumber values.
	Num   float64
	// Nums holds KindNumbers values.
	Nums  []float64
	// Items holds KindSequence values, merged over all sequence items.
	Items Header
}

// Interface returns the JSON-shaped form of the value: string, float64 or int64, []any or
// map[string]any.
func (v Value) Interface() any {
	switch v.Kind {
	case KindString, KindDate:
		return v.Str
	case KindStrings:
		out := make([]any, len(v.Strs))
		for i, s := range v.Strs {
			out[i] = s
		}
		return out
	case KindNumber:
		return number(v.Num)
	case KindNumbers:
		out := make([]any, len(v.Nums))
		for i, n := range v.Nums {
			out[i] = number(n)
		}
		return out
	case KindSequence:
		return v.Items.JSON()
	}
	return nil
}

func number(f float64) any {
	if f == float64(int64(f)) && f < 1e15 && f > -1e15 {
		return int64(f)
	}
	return f
}

// A Header maps DICOM keywords (e.g. "SeriesInstanceUID") to decoded values.
type Header map[string]Value

// Keywords returns the header keywords in sorted order.
func (h Header) Keywords() []string {
	kws := make([]string, 0, len(h))
	for kw := range h {
		kws = append(kws, kw)
	}
	sort.Strings(kws)
	return kws
}

// JSON returns the header as a plain JSON-shaped document.
func (h Header) JSON() map[string]any {
	out := make(map[string]any, len(h))
	for kw, v := range h {
		out[kw] = v.Interface()
	}
	return out
}

// String returns the keyword's value as a single string. Multi-valued attributes are joined
// with a backslash, the DICOM value delimiter.
func (h Header) String(kw string) (string, bool) {
	v, ok := h[kw]
	if !ok {
		return "", false
	}
	switch v.Kind {
	case KindString, KindDate:
		return v.Str, v.Str != ""
	case KindStrings:
		return strings.Join(v.Strs, "\\"), len(v.Strs) > 0
	}
	return "", false
}

// Strings returns the keyword's value as an ordered list of strings.
func (h Header) Strings(kw string) []string {
	v, ok := h[kw]
	if !ok {
		return nil
	}
	switch v.Kind {
	case KindStrings:
		return v.Strs
	case KindString, KindDate:
		return []string{v.Str}
	}
	return nil
}

// Number returns the first numeric value of the keyword.
func (h Header) Number(kw string) (float64, bool) {
	v, ok := h[kw]
	if !ok {
		return 0, false
	}
	switch v.Kind {
	case KindNumber:
		return v.Num, true
	case KindNumbers:
		if len(v.Nums) > 0 {
			return v.Nums[0], true
		}
	}
	return 0, false
}

// Numbers returns all numeric values of the keyword.
func (h Header) Numbers(kw string) []float64 {
	v, ok := h[kw]
	if !ok {
		return nil
	}
	switch v.Kind {
	case KindNumber:
		return []float64{v.Num}
	case KindNumbers:
		return v.Nums
	}
	return nil
}

// Status records how an instance was decoded.
type Status int

const (
	StatusOK Status = iota
	// StatusForced means the conformance check was skipped and the instance was read tag by tag.
	StatusForced
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusForced:
		return "forced"
	default:
		return "failed"
	}
}

// An Instance is one decoded file of an archive.
type Instance struct {
	// Path of the file within the archive.
	Path              string
	// Size of the encoded file in bytes.
	Size              int64
	Header            Header
	SeriesInstanceUID string
	ImageType         []string
	Status            Status
	// Warnings lists what force reading worked around: the strict decoding failure and the
	// dropped tags.
	Warnings          []string
}

// A Record describes one validation failure. Records are only built by the validators and
// never change once created.
type Record struct {
	ErrorMessage string `json:"error_message"`
	ErrorType    string `json:"error_type"`
	ErrorValue   any    `json:"error_value"`
	// Item is the dotted path of the offending field, rooted at HeaderPath.
	Item         string `json:"item"`
	Revalidate   bool   `json:"revalidate"`
	// Schema is the template fragment that was violated.
	Schema       any    `json:"schema,omitempty"`
}

// A Report is the ordered sequence of records produced for one header.
type Report []Record

// A TagDef describes a DICOM attribute in the data dictionary with its plain text keyword,
// value representation and multiplicity.
type TagDef struct {
	// The keyword is a plain text keyword for this tag that is guaranteed to be unique
	Keyword string
	// The VR (Value Representation) defines the encoding of the value. See
	// http://dicom.nema.org/medical/dicom/current/output/html/part05.html#sect_7.5
	VR      string
	// The VM (Value Multiplicity) defines the range of the number of values for this tag.
	VM      string
}

// Multi reports whether the attribute may carry more than one value.
func (d TagDef) Multi() bool {
	return d.VM != "" && d.VM != "1"
}
