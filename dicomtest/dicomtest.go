// Package dicomtest builds small DICOM files for tests.
package dicomtest

import (
	"bytes"
	"encoding/binary"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom"
	"github.com/suyashkumar/dicom/pkg/tag"
)

const (
	ExplicitVRLittleEndian = "1.2.840.10008.1.2.1"
	CTImageStorage         = "1.2.840.10008.5.1.4.1.1.2"
	RawDataStorage         = "1.2.840.10008.5.1.4.1.1.66"
)

// Attrs maps DICOM keywords to values. Values may be a string, []string, int, []int, or an
// Attrs which is written as a one-item sequence.
type Attrs map[string]any

// File encodes attrs as a conformant explicit VR little endian file with preamble and file meta.
func File(t testing.TB, attrs Attrs) []byte {
	t.Helper()

	sopClass := CTImageStorage
	if v, ok := attrs["SOPClassUID"].(string); ok {
		sopClass = v
	}
	elems := []*dicom.Element{
		element(t, tag.MediaStorageSOPClassUID, []string{sopClass}),
		element(t, tag.MediaStorageSOPInstanceUID, []string{"1.2.826.0.1.3680043.2.1125.1"}),
		element(t, tag.TransferSyntaxUID, []string{ExplicitVRLittleEndian}),
	}
	elems = append(elems, Elements(t, attrs)...)

	var buf bytes.Buffer
	require.NoError(t, dicom.Write(&buf, dicom.Dataset{Elements: elems}))
	return buf.Bytes()
}

// Elements converts attrs into data set elements sorted by tag.
func Elements(t testing.TB, attrs Attrs) []*dicom.Element {
	t.Helper()

	out := make([]*dicom.Element, 0, len(attrs))
	for kw, v := range attrs {
		info, err := tag.FindByName(kw)
		require.NoError(t, err, kw)
		out = append(out, element(t, info.Tag, value(t, v)))
	}
	sort.Slice(out, func(i, j int) bool { return less(out[i].Tag, out[j].Tag) })
	return out
}

func value(t testing.TB, v any) any {
	switch v := v.(type) {
	case string:
		return []string{v}
	case int:
		return []int{v}
	case Attrs:
		return [][]*dicom.Element{Elements(t, v)}
	}
	return v
}

func element(t testing.TB, tg tag.Tag, v any) *dicom.Element {
	t.Helper()
	e, err := dicom.NewElement(tg, v)
	require.NoError(t, err, tg.String())
	return e
}

func less(a, b tag.Tag) bool {
	if a.Group != b.Group {
		return a.Group < b.Group
	}
	return a.Element < b.Element
}

// Implicit encodes text attributes as a bare implicit VR little endian data set, without
// preamble or file meta. Such streams only decode in force mode.
func Implicit(t testing.TB, attrs map[string]string) []byte {
	t.Helper()

	type raw struct {
		tag tag.Tag
		val string
	}
	elems := make([]raw, 0, len(attrs))
	for kw, v := range attrs {
		info, err := tag.FindByName(kw)
		require.NoError(t, err, kw)
		if len(v)%2 == 1 {
			if info.VR == "UI" {
				v += "\x00"
			} else {
				v += " "
			}
		}
		elems = append(elems, raw{tag: info.Tag, val: v})
	}
	sort.Slice(elems, func(i, j int) bool { return less(elems[i].tag, elems[j].tag) })

	var buf bytes.Buffer
	for _, e := range elems {
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.tag.Group))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, e.tag.Element))
		require.NoError(t, binary.Write(&buf, binary.LittleEndian, uint32(len(e.val))))
		buf.WriteString(e.val)
	}
	return buf.Bytes()
}
