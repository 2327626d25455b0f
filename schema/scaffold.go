package schema

import (
	"fmt"

	"github.com/macadamian/dicommeta"
)

// DraftURI identifies the meta-schema templates are written against.
const DraftURI = "http://json-schema.org/draft-07/schema#"

var numericVRs = map[string]bool{
	"IS": true, "DS": true, "US": true, "UL": true, "SS": true, "SL": true,
	"FL": true, "FD": true, "UV": true, "SV": true,
}

// Scaffold builds a starter template requiring the given keywords, each typed from its entry
// in the DICOM data dictionary.
func Scaffold(keywords []string) (map[string]any, error) {
	props := make(map[string]any, len(keywords))
	required := make([]any, 0, len(keywords))

	for _, kw := range keywords {
		def, err := dicommeta.LookupKeyword(kw)
		if err != nil {
			return nil, err
		}
		if _, dup := props[def.Keyword]; dup {
			continue
		}
		props[def.Keyword] = propertySchema(def)
		required = append(required, def.Keyword)
	}
	if len(props) == 0 {
		return nil, fmt.Errorf("no keywords given")
	}

	return map[string]any{
		"$schema":    DraftURI,
		"type":       "object",
		"properties": props,
		"required":   required,
	}, nil
}

func propertySchema(def dicommeta.TagDef) map[string]any {
	var item map[string]any
	switch {
	case def.VR == "SQ":
		return map[string]any{"type": "object"}
	case numericVRs[def.VR]:
		item = map[string]any{"type": "number"}
	default:
		item = map[string]any{"type": "string"}
	}

	if def.Multi() {
		return map[string]any{"type": "array", "items": item}
	}
	return item
}
