// Package schema validates decoded DICOM headers against a JSON Schema (Draft 7) template and
// turns each failure into an error record.
//
// The template is checked against the Draft 7 meta-schema, then compiled into one strategy per
// supported keyword. Messages follow the wording of the Draft 7 reference validator, with
// values rendered as Python literals.
package schema

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/macadamian/dicommeta"
)

// TemplateError reports a template that is not valid JSON Schema or uses a keyword this
// validator cannot evaluate. It is fatal for the run.
type TemplateError struct {
	// Pointer locates the offending fragment, "#" for the template root.
	Pointer string
	Err     error
}

func (e *TemplateError) Error() string {
	if e.Pointer != "" {
		return fmt.Sprintf("invalid template at %s: %v", e.Pointer, e.Err)
	}
	return fmt.Sprintf("invalid template: %v", e.Err)
}

func (e *TemplateError) Unwrap() error { return e.Err }

// A Template is a compiled validation template. It is read-only and safe for concurrent use.
type Template struct {
	root *node
}

const templateURL = "mem://template.json"

// Compile parses and checks a template document.
func Compile(data []byte) (*Template, error) {
	doc, err := parseDocument(data)
	if err != nil {
		return nil, &TemplateError{Err: fmt.Errorf("failed to parse JSON: %w", err)}
	}
	if _, ok := doc.(*Object); !ok {
		return nil, &TemplateError{Pointer: "#", Err: errors.New("template must be a JSON object")}
	}

	if err := metaValidate(data); err != nil {
		return nil, &TemplateError{Err: err}
	}

	root, err := compileNode(doc, "#")
	if err != nil {
		return nil, err
	}
	return &Template{root: root}, nil
}

func metaValidate(data []byte) error {
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("failed to parse JSON: %w", err)
	}

	c := jsonschema.NewCompiler()
	c.DefaultDraft(jsonschema.Draft7)
	if err := c.AddResource(templateURL, doc); err != nil {
		return fmt.Errorf("failed to load template: %w", err)
	}
	if _, err := c.Compile(templateURL); err != nil {
		return fmt.Errorf("not a valid Draft 7 schema: %w", err)
	}
	return nil
}

// Validate checks a header and returns its error report, empty when the header conforms.
func (t *Template) Validate(h dicommeta.Header) dicommeta.Report {
	return t.ValidateDocument(h.JSON())
}

// ValidateDocument checks a JSON-shaped document.
func (t *Template) ValidateDocument(doc map[string]any) dicommeta.Report {
	var s state
	t.root.validate(&s, doc, nil)
	return s.report()
}

type failure struct {
	keyword  string
	message  string
	path     []any
	instance any
	// schema is the subschema holding the keyword, nil for boolean schemas.
	schema   *Object
	value    any
}

type state struct {
	failures []failure
}

func (s *state) fail(r *rule, inst any, path []any, format string, args ...any) {
	s.failures = append(s.failures, failure{
		keyword:  r.keyword,
		message:  fmt.Sprintf(format, args...),
		path:     path,
		instance: inst,
		schema:   r.schema,
		value:    r.value,
	})
}

// report orders the failures by the first appearance of their keyword, then by item.
func (s *state) report() dicommeta.Report {
	if len(s.failures) == 0 {
		return dicommeta.Report{}
	}

	rank := map[string]int{}
	out := make(dicommeta.Report, len(s.failures))
	for i, f := range s.failures {
		if _, ok := rank[f.keyword]; !ok {
			rank[f.keyword] = len(rank)
		}
		out[i] = f.record()
	}

	idx := make([]int, len(out))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		fa, fb := s.failures[idx[a]], s.failures[idx[b]]
		if rank[fa.keyword] != rank[fb.keyword] {
			return rank[fa.keyword] < rank[fb.keyword]
		}
		return out[idx[a]].Item < out[idx[b]].Item
	})

	sorted := make(dicommeta.Report, len(out))
	for i, j := range idx {
		sorted[i] = out[j]
	}
	return sorted
}

func (f failure) record() dicommeta.Record {
	r := dicommeta.Record{
		ErrorType:    f.keyword,
		ErrorMessage: f.message,
		Item:         dicommeta.HeaderPath,
		Revalidate:   true,
	}

	if len(f.path) == 0 {
		r.Schema = map[string]any{f.keyword: plain(f.value)}
		return r
	}

	parts := make([]string, 0, len(f.path)+1)
	parts = append(parts, dicommeta.HeaderPath)
	for _, p := range f.path {
		parts = append(parts, fmt.Sprint(p))
	}
	r.Item = strings.Join(parts, ".")
	r.ErrorValue = plain(f.instance)
	if f.schema != nil {
		r.Schema = plain(f.schema)
	} else {
		r.Schema = plain(f.value)
	}
	return r
}

func appendPath(path []any, elem any) []any {
	out := make([]any, len(path), len(path)+1)
	copy(out, path)
	return append(out, elem)
}
