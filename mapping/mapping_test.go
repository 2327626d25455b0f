package mapping

import (
	"encoding/json"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/macadamian/dicommeta"
)

func str(s string) dicommeta.Value { return dicommeta.Value{Kind: dicommeta.KindString, Str: s} }

func date(s string) dicommeta.Value { return dicommeta.Value{Kind: dicommeta.KindDate, Str: s} }

func header() dicommeta.Header {
	return dicommeta.Header{
		"Modality":          str("MR"),
		"Manufacturer":      str("SIEMENS"),
		"SeriesDescription": str("T1 MPRAGE"),
		"StudyInstanceUID":  str("1.2.840.1"),
		"StudyID":           str("42"),
		"StudyDate":         date("20200102"),
		"StudyTime":         str("081500"),
		"AcquisitionDate":   date("20200102"),
		"AcquisitionTime":   str("091011.123456"),
		"OperatorsName":     str("Tech^Ann"),
		"PatientWeight":     {Kind: dicommeta.KindNumber, Num: 70.5},
		"PatientAge":        str("045Y"),
		"PatientSex":        str("F"),
		"PatientName":       str("Doe^Jane"),
		"ImageType":         {Kind: dicommeta.KindStrings, Strs: []string{"ORIGINAL", "PRIMARY"}},
	}
}

func TestMap(t *testing.T) {
	h := header()
	u := Map(h, nil, Options{FileName: "exam_MR-1-T1_MPRAGE.dicom.zip"})

	assert.Equal(t, "exam_MR-1-T1_MPRAGE.dicom.zip", u.File["name"])
	assert.Equal(t, "MR", u.File["modality"])
	assert.Equal(t, map[string]any{"header": map[string]any{"dicom": h.JSON()}}, u.File["info"])

	assert.Equal(t, map[string]any{
		"instrument": "SIEMENS",
		"label":      "T1 MPRAGE",
		"timestamp":  "2020-01-02T09:10:11Z",
	}, u.Acquisition)

	assert.Equal(t, map[string]any{
		"timestamp": "2020-01-02T08:15:00Z",
		"label":     "1.2.840.1",
		"operator":  "Tech^Ann",
		"weight":    70.5,
		"subject": map[string]any{
			"sex":       "female",
			"age":       int64(45 * 365.25 * 86400),
			"firstname": "Jane",
			"lastname":  "Doe",
		},
	}, u.Session)

	assert.Empty(t, u.Tags)
}

func TestMapTagsErrors(t *testing.T) {
	u := Map(header(), dicommeta.Report{{ErrorType: "enum"}}, Options{})
	assert.Equal(t, []string{ErrorTag}, u.Tags)

	u = Map(header(), dicommeta.Report{}, Options{})
	assert.Nil(t, u.Tags)
}

func TestMapEmptyHeader(t *testing.T) {
	u := Map(dicommeta.Header{}, nil, Options{})
	assert.Empty(t, u.Acquisition)
	assert.Empty(t, u.Session)
	assert.Len(t, u.File, 1)
}

func TestMapSessionLabel(t *testing.T) {
	h := header()
	h["Manufacturer"] = str("GE MEDICAL SYSTEMS")
	assert.Equal(t, "42", Map(h, nil, Options{}).Session["label"])

	h["Manufacturer"] = str("Philips Healthcare")
	assert.Equal(t, "42", Map(h, nil, Options{}).Session["label"])

	delete(h, "StudyID")
	assert.Equal(t, "1.2.840.1", Map(h, nil, Options{}).Session["label"])
}

func TestMapTimestampFallbacks(t *testing.T) {
	h := dicommeta.Header{
		"SeriesDate":  date("20191231"),
		"ContentDate": date("20180101"),
		"ContentTime": str("120000"),
	}
	u := Map(h, nil, Options{})
	assert.Equal(t, "2019-12-31T00:00:00Z", u.Acquisition["timestamp"])
	assert.NotContains(t, u.Session, "timestamp")

	h = dicommeta.Header{"AcquisitionDateTime": str("20210304050607.000000+0100")}
	u = Map(h, nil, Options{})
	assert.Equal(t, "2021-03-04T05:06:07Z", u.Acquisition["timestamp"])

	h = dicommeta.Header{"AcquisitionDate": date("20200615"), "AcquisitionTime": str("1030")}
	u = Map(h, nil, Options{})
	assert.Equal(t, "2020-06-15T10:30:00Z", u.Session["timestamp"])
}

func TestMapTimezone(t *testing.T) {
	loc, err := time.LoadLocation("America/Toronto")
	require.NoError(t, err)

	u := Map(header(), nil, Options{Location: loc})
	assert.Equal(t, "2020-01-02T08:15:00-05:00", u.Session["timestamp"])
}

func TestMapIsDeterministic(t *testing.T) {
	first, err := json.Marshal(Map(header(), dicommeta.Report{{ErrorType: "enum"}}, Options{FileName: "a.zip"}))
	require.NoError(t, err)
	for i := 0; i < 10; i++ {
		again, err := json.Marshal(Map(header(), dicommeta.Report{{ErrorType: "enum"}}, Options{FileName: "a.zip"}))
		require.NoError(t, err)
		assert.Equal(t, string(first), string(again))
	}
}

func TestParseAge(t *testing.T) {
	tests := []struct {
		in   string
		secs int64
		ok   bool
	}{
		{"045Y", int64(45 * yearSeconds), true},
		{"10W", 10 * 7 * daySeconds, true},
		{"003M", 3 * 30 * daySeconds, true},
		{"2D", 2 * daySeconds, true},
		{"30", int64(30 * yearSeconds), true},
		{"000Y", 0, false},
		{"", 0, false},
		{"abcY", 0, false},
	}
	for _, tt := range tests {
		secs, ok := ParseAge(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.secs, secs, tt.in)
	}
}

func TestParseName(t *testing.T) {
	tests := []struct {
		in          string
		first, last string
	}{
		{"Doe^Jane", "Jane", "Doe"},
		{"Doe^Jane^Q^Dr", "Jane", "Doe"},
		{"Jane Doe", "Jane", "Doe"},
		{"^Jane Doe", "Jane", "Doe"},
		{"Doe", "", "Doe"},
		{"^Jane", "Jane", ""},
		{"Mary Ann Doe", "", "Mary Ann Doe"},
		{"Yamada^Tarou=山田^太郎", "Tarou", "Yamada"},
		{"", "", ""},
	}
	for _, tt := range tests {
		first, last := ParseName(tt.in)
		assert.Equal(t, tt.first, first, tt.in)
		assert.Equal(t, tt.last, last, tt.in)
	}
}

func TestClassifyFromParameters(t *testing.T) {
	num := func(f float64) dicommeta.Value { return dicommeta.Value{Kind: dicommeta.KindNumber, Num: f} }
	mr := func(tr, te, ti float64) dicommeta.Header {
		h := dicommeta.Header{"RepetitionTime": num(tr), "EchoTime": num(te)}
		if ti != 0 {
			h["InversionTime"] = num(ti)
		}
		return h
	}

	tests := []struct {
		name string
		h    dicommeta.Header
		want Classification
	}{
		{"T1", mr(500, 10, 0), Classification{"Measurement": {"T1"}}},
		{"T2", mr(4000, 90, 0), Classification{"Measurement": {"T2"}}},
		{"FLAIR", mr(9000, 120, 2500), Classification{"Measurement": {"FLAIR"}}},
		{"PD", mr(3000, 35, 0), Classification{"Measurement": {"PD"}}},
		{"unknown", mr(0, 0, 0), Classification{}},
		{"contrast", dicommeta.Header{"SeriesDescription": str("t1 post gd")}, Classification{"Custom": {"Contrast"}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.h, nil, 0, false))
		})
	}

	assert.Equal(t, Classification{"Intent": {"Localizer"}}, Classify(dicommeta.Header{}, nil, 3, false))
	assert.Equal(t, Classification{"Intent": {"Localizer"}}, Classify(dicommeta.Header{}, nil, 120, true))
	assert.Empty(t, Classify(dicommeta.Header{}, nil, 120, false))
}

func TestClassifyCustom(t *testing.T) {
	byGlob, err := NewClassifier("*mprage*", "Measurement:T1, Intent:Structural,Localizer")
	require.NoError(t, err)
	byRegexp, err := NewClassifier("/^dti/", "Diffusion")
	require.NoError(t, err)
	classifiers := []Classifier{byGlob, byRegexp}

	assert.Equal(t, Classification{"Measurement": {"T1"}, "Intent": {"Structural", "Localizer"}},
		Classify(header(), classifiers, 200, false))
	assert.Equal(t, Classification{"Custom": {"Diffusion"}},
		Classify(dicommeta.Header{"SeriesDescription": str("DTI 64dir")}, classifiers, 200, false))

	// no match falls through to the imaging parameters
	assert.Equal(t, Classification{"Intent": {"Localizer"}},
		Classify(dicommeta.Header{"SeriesDescription": str("scout")}, classifiers, 3, false))

	_, err = NewClassifier("/(/", "T1")
	assert.Error(t, err)
}

func TestMapClassification(t *testing.T) {
	u := Map(header(), nil, Options{Slices: 3})
	assert.Equal(t, Classification{"Intent": {"Localizer"}}, u.File["classification"])

	u = Map(header(), nil, Options{Slices: 176})
	assert.NotContains(t, u.File, "classification")
}

func TestUniqueOrientation(t *testing.T) {
	iop := func(v ...float64) *dicommeta.Instance {
		return &dicommeta.Instance{Header: dicommeta.Header{
			"ImageOrientationPatient": {Kind: dicommeta.KindNumbers, Nums: v},
		}}
	}
	axial, sagittal, coronal := iop(1, 0, 0, 0, 1, 0), iop(0, 1, 0, 0, 0, -1), iop(1, 0, 0, 0, 0, -1)

	assert.True(t, UniqueOrientation([]*dicommeta.Instance{axial, sagittal, coronal}))
	assert.False(t, UniqueOrientation([]*dicommeta.Instance{axial, sagittal, iop(1, 0, 0, 0, 1, 0)}))
	assert.False(t, UniqueOrientation([]*dicommeta.Instance{axial}))
	assert.False(t, UniqueOrientation([]*dicommeta.Instance{{Header: dicommeta.Header{}}}))
}
