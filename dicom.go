package dicommeta

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

// Reasons reported by DecodeError.
const (
	ReasonEmpty     = "empty"
	ReasonNotDICOM  = "not-dicom"
	ReasonMalformed = "malformed"
)

// DecodeError reports an instance that could not be decoded. It only affects that instance.
type DecodeError struct {
	Path   string
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Path, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// DecodeOptions control how strictly instances are read.
type DecodeOptions struct {
	// Force skips the file-meta conformance check and reads whatever tags can be decoded.
	Force bool
}

// Decode reads the header of one DICOM instance. Pixel, overlay and curve data, binary values,
// the file-meta group and private tags are left out of the resulting header.
//
// Without Force the data must start with the 128 byte preamble and the "DICM" magic word. With
// Force a stream without preamble is read as implicit VR little endian, a file whose meta header
// names an unusable transfer syntax is read as explicit VR little endian, and a stream that fails
// part way keeps the tags decoded before the failure. Tags that cannot be converted are omitted
// and listed in Instance.Warnings.
func Decode(path string, data []byte, opts DecodeOptions) (*Instance, error) {
	if len(data) == 0 {
		return nil, &DecodeError{Path: path, Reason: ReasonEmpty}
	}

	inst := &Instance{Path: path, Size: int64(len(data)), Status: StatusOK}

	var elems []*dicom.Element
	switch {
	case hasPreamble(data):
		strict, err := parseStrict(data)
		if err == nil {
			elems = strict
			break
		}
		err.Path = path
		if !opts.Force {
			return nil, err
		}
		if err.Reason == ReasonNotDICOM {
			// file meta is unusable, everything after the magic word is read as explicit VR
			// little endian
			elems, inst.Warnings = parseTolerant(data[preambleLen:], true, false)
		} else {
			elems, inst.Warnings = parseTolerant(data, false, false)
		}
		inst.Warnings = append([]string{err.Error()}, inst.Warnings...)
		inst.Status = StatusForced
	case opts.Force:
		elems, inst.Warnings = parseTolerant(data, true, true)
		inst.Status = StatusForced
	default:
		return nil, &DecodeError{Path: path, Reason: ReasonNotDICOM}
	}

	h, warnings := buildHeader(elems, false)
	inst.Warnings = append(inst.Warnings, warnings...)
	if len(h) == 0 {
		return nil, &DecodeError{Path: path, Reason: ReasonNotDICOM, Err: errors.New("no header tags decoded")}
	}

	inst.Header = h
	inst.SeriesInstanceUID, _ = h.String("SeriesInstanceUID")
	inst.ImageType = h.Strings("ImageType")
	return inst, nil
}

const preambleLen = 132

func hasPreamble(data []byte) bool {
	return len(data) >= preambleLen && string(data[128:preambleLen]) == "DICM"
}

// parseStrict reads a conformant file element by element. Any element that cannot be read in
// full fails the file. A panic before the first data set element means the file meta cannot
// drive the parser, e.g. an unknown transfer syntax.
func parseStrict(data []byte) (elems []*dicom.Element, derr *DecodeError) {
	defer func() {
		if r := recover(); r != nil {
			reason := ReasonMalformed
			if len(elems) == 0 {
				reason = ReasonNotDICOM
			}
			derr = &DecodeError{Reason: reason, Err: fmt.Errorf("parser failed after %d elements: %v", len(elems), r)}
			elems = nil
		}
	}()

	p, err := dicom.NewParser(bytes.NewReader(data), int64(len(data)), nil, dicom.SkipPixelData())
	if err != nil {
		return nil, &DecodeError{Reason: ReasonNotDICOM, Err: err}
	}
	for {
		e, err := p.Next()
		if errors.Is(err, dicom.ErrorEndOfDICOM) {
			return elems, nil
		}
		if err != nil {
			// io.EOF here is a value running past the end of the file
			return nil, &DecodeError{Reason: ReasonMalformed, Err: fmt.Errorf("element %d: %w", len(elems)+1, err)}
		}
		elems = append(elems, e)
	}
}

// parseTolerant reads elements one at a time and stops at the first element the parser rejects.
// With skipMeta the stream has no file meta header and is read as little endian with the given
// VR encoding.
func parseTolerant(data []byte, skipMeta, implicit bool) (elems []*dicom.Element, warnings []string) {
	defer func() {
		// malformed streams can panic inside the parser
		if r := recover(); r != nil {
			warnings = append(warnings, fmt.Sprintf("decoding stopped after %d elements: %v", len(elems), r))
		}
	}()

	opts := []dicom.ParseOption{dicom.SkipPixelData()}
	if skipMeta {
		opts = append(opts, dicom.SkipMetadataReadOnNewParserInit())
	}

	p, err := dicom.NewParser(bytes.NewReader(data), int64(len(data)), nil, opts...)
	if err != nil {
		return nil, []string{fmt.Sprintf("cannot start parser: %v", err)}
	}
	if skipMeta {
		p.SetTransferSyntax(binary.LittleEndian, implicit)
	}

	for {
		e, err := p.Next()
		if err != nil {
			if !errors.Is(err, dicom.ErrorEndOfDICOM) {
				warnings = append(warnings, fmt.Sprintf("decoding stopped after %d elements: %v", len(elems), err))
			}
			return elems, warnings
		}
		elems = append(elems, e)
	}
}

// buildHeader converts elements into a header. Inside sequences UIDs are dropped and later
// items overwrite earlier ones.
func buildHeader(elems []*dicom.Element, nested bool) (Header, []string) {
	h := Header{}
	var warnings []string

	for _, e := range elems {
		if e == nil || e.Value == nil || excluded(e.Tag) {
			continue
		}

		info, err := tag.Find(e.Tag)
		if err != nil || info.Name == "" {
			// Private or unknown to the dictionary
			continue
		}
		def := TagDef{Keyword: info.Name, VR: e.RawValueRepresentation, VM: info.VM}
		if def.VR == "" {
			def.VR = info.VR
		}
		if nested && def.VR == "UI" {
			continue
		}

		v, ok, err := convert(e, def)
		if err != nil {
			warnings = append(warnings, fmt.Sprintf("%s %s: %v", e.Tag.String(), def.Keyword, err))
			continue
		}
		if ok {
			h[def.Keyword] = v
		}
	}

	return h, warnings
}

func excluded(t tag.Tag) bool {
	switch {
	case t.Group == 0x0002:
		return true
	case t.Group%2 == 1:
		return true
	case t.Group&0xFF00 == 0x6000, t.Group&0xFF00 == 0x5000:
		return true
	case t == tag.PixelData:
		return true
	}
	return false
}

var binaryVRs = map[string]bool{"OB": true, "OW": true, "OF": true, "OD": true, "OL": true, "OV": true, "UN": true}

// convert turns one element into a Value. ok is false when the element carries nothing worth
// keeping (binary or empty).
func convert(e *dicom.Element, def TagDef) (Value, bool, error) {
	if binaryVRs[def.VR] {
		return Value{}, false, nil
	}

	switch e.Value.ValueType() {
	case dicom.Strings:
		raw, _ := e.Value.GetValue().([]string)
		return convertStrings(raw, def)
	case dicom.Ints:
		raw, _ := e.Value.GetValue().([]int)
		nums := make([]float64, len(raw))
		for i, n := range raw {
			nums[i] = float64(n)
		}
		return numbers(nums, def)
	case dicom.Floats:
		raw, _ := e.Value.GetValue().([]float64)
		return numbers(raw, def)
	case dicom.Sequences:
		items, _ := e.Value.GetValue().([]*dicom.SequenceItemValue)
		merged := Header{}
		for _, item := range items {
			sub, _ := item.GetValue().([]*dicom.Element)
			h, _ := buildHeader(sub, true)
			for kw, v := range h {
				merged[kw] = v
			}
		}
		if len(merged) == 0 {
			return Value{}, false, nil
		}
		return Value{Kind: KindSequence, Items: merged}, true, nil
	}

	return Value{}, false, nil
}

func convertStrings(raw []string, def TagDef) (Value, bool, error) {
	strs := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = Sanitize(s); s != "" {
			strs = append(strs, s)
		}
	}
	if len(strs) == 0 {
		return Value{}, false, nil
	}

	switch def.VR {
	case "IS", "DS":
		nums := make([]float64, len(strs))
		for i, s := range strs {
			f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
			if err != nil {
				return Value{}, false, fmt.Errorf("invalid %s value %q", def.VR, s)
			}
			nums[i] = f
		}
		return numbers(nums, def)
	case "DA":
		if len(strs) == 1 && !def.Multi() {
			return Value{Kind: KindDate, Str: strs[0]}, true, nil
		}
	}

	if len(strs) == 1 && !def.Multi() {
		return Value{Kind: KindString, Str: strs[0]}, true, nil
	}
	return Value{Kind: KindStrings, Strs: strs}, true, nil
}

func numbers(nums []float64, def TagDef) (Value, bool, error) {
	if len(nums) == 0 {
		return Value{}, false, nil
	}
	if len(nums) == 1 && !def.Multi() {
		return Value{Kind: KindNumber, Num: nums[0]}, true, nil
	}
	return Value{Kind: KindNumbers, Nums: nums}, true, nil
}

// LookupKeyword returns the dictionary entry for a DICOM keyword.
func LookupKeyword(kw string) (TagDef, error) {
	info, err := tag.FindByName(kw)
	if err != nil {
		return TagDef{}, fmt.Errorf("unknown DICOM keyword %q: %w", kw, err)
	}
	return TagDef{Keyword: info.Name, VR: info.VR, VM: info.VM}, nil
}
