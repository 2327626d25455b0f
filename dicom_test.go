package dicommeta

import (
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suyashkumar/dicom/pkg/tag"

	"github.com/macadamian/dicommeta/dicomtest"
)

func TestDecode(t *testing.T) {
	data := dicomtest.File(t, dicomtest.Attrs{
		"Modality":             "CT",
		"SeriesInstanceUID":    "1.2.3.4",
		"ImageType":            []string{"ORIGINAL", "PRIMARY", "AXIAL"},
		"SeriesNumber":         "3",
		"PatientWeight":        "70.5",
		"StudyDate":            "20200102",
		"PatientName":          "Doe^John",
		"Rows":                 512,
		"ImagePositionPatient": []string{"-125", "-125.5", "10"},
		"AnatomicRegionSequence": dicomtest.Attrs{
			"CodeValue":   "T-D3000",
			"CodeMeaning": "Chest",
		},
	})

	inst, err := Decode("a/1.dcm", data, DecodeOptions{})
	require.NoError(t, err)

	assert.Equal(t, StatusOK, inst.Status)
	assert.Equal(t, "a/1.dcm", inst.Path)
	assert.Equal(t, int64(len(data)), inst.Size)
	assert.Equal(t, "1.2.3.4", inst.SeriesInstanceUID)
	assert.Equal(t, []string{"ORIGINAL", "PRIMARY", "AXIAL"}, inst.ImageType)
	assert.Empty(t, inst.Warnings)

	h := inst.Header
	assert.Equal(t, Value{Kind: KindString, Str: "CT"}, h["Modality"])
	assert.Equal(t, Value{Kind: KindNumber, Num: 3}, h["SeriesNumber"])
	assert.Equal(t, Value{Kind: KindNumber, Num: 70.5}, h["PatientWeight"])
	assert.Equal(t, Value{Kind: KindDate, Str: "20200102"}, h["StudyDate"])
	assert.Equal(t, Value{Kind: KindString, Str: "Doe^John"}, h["PatientName"])
	assert.Equal(t, Value{Kind: KindNumber, Num: 512}, h["Rows"])
	assert.Equal(t, []float64{-125, -125.5, 10}, h.Numbers("ImagePositionPatient"))

	seq := h["AnatomicRegionSequence"]
	require.Equal(t, KindSequence, seq.Kind)
	assert.Equal(t, map[string]any{"CodeValue": "T-D3000", "CodeMeaning": "Chest"}, seq.Items.JSON())

	for _, kw := range h.Keywords() {
		assert.NotEqual(t, "TransferSyntaxUID", kw)
		assert.NotEqual(t, "MediaStorageSOPClassUID", kw)
	}
}

func TestDecodeSingleValuedImageTypeStaysList(t *testing.T) {
	data := dicomtest.File(t, dicomtest.Attrs{
		"Modality":  "OT",
		"ImageType": "SCREEN SAVE",
	})

	inst, err := Decode("ss.dcm", data, DecodeOptions{})
	require.NoError(t, err)
	assert.Equal(t, []any{"SCREEN SAVE"}, inst.Header.JSON()["ImageType"])
}

func TestDecodeFailures(t *testing.T) {
	tests := []struct {
		name   string
		data   []byte
		opts   DecodeOptions
		reason string
	}{
		{name: "empty", data: nil, reason: ReasonEmpty},
		{name: "text file", data: []byte("hello world"), reason: ReasonNotDICOM},
		{name: "no preamble", data: dicomtest.Implicit(t, map[string]string{"Modality": "CT"}), reason: ReasonNotDICOM},
		{name: "forced garbage", data: []byte("SPAM"), opts: DecodeOptions{Force: true}, reason: ReasonNotDICOM},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			inst, err := Decode(tt.name, tt.data, tt.opts)
			require.Error(t, err)
			assert.Nil(t, inst)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			assert.Equal(t, tt.reason, de.Reason)
			assert.Equal(t, tt.name, de.Path)
		})
	}
}

func TestDecodeForceWithoutFileMeta(t *testing.T) {
	data := dicomtest.Implicit(t, map[string]string{
		"Modality":          "MR",
		"SeriesInstanceUID": "1.2.3",
		"ImageType":         `ORIGINAL\PRIMARY`,
		"SeriesDescription": "T1 AX",
	})

	inst, err := Decode("raw.dcm", data, DecodeOptions{Force: true})
	require.NoError(t, err)

	assert.Equal(t, StatusForced, inst.Status)
	assert.Equal(t, "1.2.3", inst.SeriesInstanceUID)
	assert.Equal(t, []string{"ORIGINAL", "PRIMARY"}, inst.ImageType)
	mod, ok := inst.Header.String("Modality")
	assert.True(t, ok)
	assert.Equal(t, "MR", mod)
	desc, _ := inst.Header.String("SeriesDescription")
	assert.Equal(t, "T1 AX", desc)
}

func TestDecodeTruncated(t *testing.T) {
	data := dicomtest.File(t, dicomtest.Attrs{"Modality": "CT", "SeriesInstanceUID": "9.9"})
	// PatientName, explicit VR PN, declares 0xFF bytes that never follow
	data = append(data, 0x10, 0x00, 0x10, 0x00, 'P', 'N', 0xFF, 0x00)

	_, err := Decode("bad.dcm", data, DecodeOptions{})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ReasonMalformed, de.Reason)

	inst, err := Decode("bad.dcm", data, DecodeOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusForced, inst.Status)
	assert.Equal(t, "9.9", inst.SeriesInstanceUID)
	assert.NotEmpty(t, inst.Warnings, "the dropped element is reported")
	_, ok := inst.Header["PatientName"]
	assert.False(t, ok)
}

func TestDecodeUnknownTransferSyntax(t *testing.T) {
	data := dicomtest.File(t, dicomtest.Attrs{"Modality": "CT", "SeriesInstanceUID": "4.4"})
	data = bytes.Replace(data, []byte(dicomtest.ExplicitVRLittleEndian), []byte("9.9.9.9.9.9.9.9.9.9"), 1)

	_, err := Decode("odd.dcm", data, DecodeOptions{})
	var de *DecodeError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, ReasonNotDICOM, de.Reason)
	assert.Equal(t, "odd.dcm", de.Path)

	inst, err := Decode("odd.dcm", data, DecodeOptions{Force: true})
	require.NoError(t, err)
	assert.Equal(t, StatusForced, inst.Status)
	assert.Equal(t, "4.4", inst.SeriesInstanceUID)
	assert.NotEmpty(t, inst.Warnings)
}

func TestExcluded(t *testing.T) {
	assert.True(t, excluded(tag.TransferSyntaxUID))
	assert.True(t, excluded(tag.PixelData))
	assert.True(t, excluded(tag.Tag{Group: 0x6000, Element: 0x3000}))
	assert.True(t, excluded(tag.Tag{Group: 0x5002, Element: 0x3000}))
	assert.True(t, excluded(tag.Tag{Group: 0x0029, Element: 0x1010}))
	assert.False(t, excluded(tag.Modality))
	assert.False(t, excluded(tag.ImageType))
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "Mller", Sanitize("Müller"))
	assert.Equal(t, "T1 AX", Sanitize(" T1 AX\x00"))
	assert.Equal(t, "", Sanitize("?"))
	assert.Equal(t, "a b", Sanitize("a\x07 b"))
}

func TestConvertRejectsBadNumbers(t *testing.T) {
	_, _, err := convertStrings([]string{"12a"}, TagDef{Keyword: "SliceThickness", VR: "DS", VM: "1"})
	assert.Error(t, err)

	v, ok, err := convertStrings([]string{"", " "}, TagDef{Keyword: "StudyID", VR: "SH", VM: "1"})
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, Value{}, v)
}

func TestValueInterface(t *testing.T) {
	assert.Equal(t, int64(3), Value{Kind: KindNumber, Num: 3}.Interface())
	assert.Equal(t, 2.5, Value{Kind: KindNumber, Num: 2.5}.Interface())
	assert.Equal(t, []any{int64(1), 1.5}, Value{Kind: KindNumbers, Nums: []float64{1, 1.5}}.Interface())

	h := Header{"ImageType": {Kind: KindStrings, Strs: []string{"A", "B"}}}
	s, ok := h.String("ImageType")
	assert.True(t, ok)
	assert.Equal(t, `A\B`, s)
}
