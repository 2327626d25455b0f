package schema

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"
)

type checkFunc func(s *state, r *rule, inst any, path []any)

type rule struct {
	keyword string
	value   any
	schema  *Object
	check   checkFunc
}

type node struct {
	// boolean schemas
	always *bool
	rules  []rule
}

func (n *node) validate(s *state, inst any, path []any) {
	if n.always != nil {
		if !*n.always {
			s.failures = append(s.failures, failure{
				keyword:  "false",
				message:  fmt.Sprintf("False schema does not allow %s", repr(inst)),
				path:     path,
				instance: inst,
				value:    false,
			})
		}
		return
	}
	for i := range n.rules {
		r := &n.rules[i]
		r.check(s, r, inst, path)
	}
}

func (n *node) valid(inst any) bool {
	var s state
	n.validate(&s, inst, nil)
	return len(s.failures) == 0
}

// Keywords that carry no assertion of their own.
var annotations = map[string]bool{
	"$schema": true, "$id": true, "$comment": true, "title": true, "description": true,
	"default": true, "examples": true, "format": true, "definitions": true,
	"readOnly": true, "writeOnly": true, "contentMediaType": true, "contentEncoding": true,
	// consumed by "if" and "items"
	"then": true, "else": true, "additionalItems": true,
}

func compileNode(v any, ptr string) (*node, error) {
	switch v := v.(type) {
	case bool:
		return &node{always: &v}, nil
	case *Object:
		n := &node{}
		for _, kw := range v.Keys {
			if annotations[kw] {
				continue
			}
			check, err := compileKeyword(kw, v, v.Values[kw], ptr+"/"+kw)
			if err != nil {
				return nil, err
			}
			if check != nil {
				n.rules = append(n.rules, rule{keyword: kw, value: v.Values[kw], schema: v, check: check})
			}
		}
		return n, nil
	}
	return nil, &TemplateError{Pointer: ptr, Err: fmt.Errorf("schema must be an object or a boolean, got %s", repr(v))}
}

// compileKeyword returns the strategy for one keyword. A nil check with a nil error means the
// keyword is not an assertion and is skipped.
func compileKeyword(kw string, parent *Object, v any, ptr string) (checkFunc, error) {
	bad := func(format string, args ...any) error {
		return &TemplateError{Pointer: ptr, Err: fmt.Errorf(format, args...)}
	}

	switch kw {
	case "$ref":
		return nil, bad("$ref is not supported, inline the referenced schema")

	case "type":
		var types []string
		switch t := v.(type) {
		case string:
			types = []string{t}
		case []any:
			for _, e := range t {
				s, ok := e.(string)
				if !ok {
					return nil, bad("type names must be strings")
				}
				types = append(types, s)
			}
		default:
			return nil, bad("type must be a string or an array")
		}
		for _, t := range types {
			if !knownType[t] {
				return nil, bad("unknown type %q", t)
			}
		}
		return func(s *state, r *rule, inst any, path []any) {
			for _, t := range types {
				if hasType(t, inst) {
					return
				}
			}
			names := make([]string, len(types))
			for i, t := range types {
				names[i] = repr(t)
			}
			s.fail(r, inst, path, "%s is not of type %s", repr(inst), strings.Join(names, ", "))
		}, nil

	case "enum":
		values, ok := v.([]any)
		if !ok {
			return nil, bad("enum must be an array")
		}
		return func(s *state, r *rule, inst any, path []any) {
			for _, e := range values {
				if equal(inst, e) {
					return
				}
			}
			s.fail(r, inst, path, "%s is not one of %s", repr(inst), repr(values))
		}, nil

	case "const":
		return func(s *state, r *rule, inst any, path []any) {
			if !equal(inst, v) {
				s.fail(r, inst, path, "%s was expected", repr(v))
			}
		}, nil

	case "required":
		names, err := stringList(v)
		if err != nil {
			return nil, bad("required: %v", err)
		}
		return func(s *state, r *rule, inst any, path []any) {
			_, props, ok := entries(inst)
			if !ok {
				return
			}
			for _, name := range names {
				if _, ok := props[name]; !ok {
					s.fail(r, inst, path, "%s is a required property", repr(name))
				}
			}
		}, nil

	case "dependencies":
		return compileDependencies(v, ptr)

	case "properties":
		props, ok := v.(*Object)
		if !ok {
			return nil, bad("properties must be an object")
		}
		children := make(map[string]*node, len(props.Keys))
		for _, k := range props.Keys {
			child, err := compileNode(props.Values[k], ptr+"/"+k)
			if err != nil {
				return nil, err
			}
			children[k] = child
		}
		return func(s *state, r *rule, inst any, path []any) {
			_, vals, ok := entries(inst)
			if !ok {
				return
			}
			for _, k := range props.Keys {
				if iv, ok := vals[k]; ok {
					children[k].validate(s, iv, appendPath(path, k))
				}
			}
		}, nil

	case "patternProperties":
		pats, err := compilePatterns(v, ptr)
		if err != nil {
			return nil, err
		}
		return func(s *state, r *rule, inst any, path []any) {
			keys, vals, ok := entries(inst)
			if !ok {
				return
			}
			for _, p := range pats {
				for _, k := range keys {
					if p.re.MatchString(k) {
						p.node.validate(s, vals[k], appendPath(path, k))
					}
				}
			}
		}, nil

	case "additionalProperties":
		return compileAdditionalProperties(parent, v, ptr)

	case "items":
		return compileItems(parent, v, ptr)

	case "contains":
		child, err := compileNode(v, ptr)
		if err != nil {
			return nil, err
		}
		return func(s *state, r *rule, inst any, path []any) {
			arr, ok := inst.([]any)
			if !ok {
				return
			}
			for _, e := range arr {
				if child.valid(e) {
					return
				}
			}
			s.fail(r, inst, path, "None of %s are valid under the given schema", repr(inst))
		}, nil

	case "propertyNames":
		child, err := compileNode(v, ptr)
		if err != nil {
			return nil, err
		}
		return func(s *state, r *rule, inst any, path []any) {
			keys, _, ok := entries(inst)
			if !ok {
				return
			}
			for _, k := range keys {
				child.validate(s, k, path)
			}
		}, nil

	case "anyOf", "oneOf", "allOf":
		branches, err := compileBranches(v, ptr)
		if err != nil {
			return nil, err
		}
		switch kw {
		case "allOf":
			return func(s *state, r *rule, inst any, path []any) {
				for _, b := range branches {
					b.validate(s, inst, path)
				}
			}, nil
		case "anyOf":
			return func(s *state, r *rule, inst any, path []any) {
				for _, b := range branches {
					if b.valid(inst) {
						return
					}
				}
				s.fail(r, inst, path, "%s is not valid under any of the given schemas", repr(inst))
			}, nil
		}
		raw := v.([]any)
		return func(s *state, r *rule, inst any, path []any) {
			var matched []string
			for i, b := range branches {
				if b.valid(inst) {
					matched = append(matched, repr(raw[i]))
				}
			}
			switch {
			case len(matched) == 0:
				s.fail(r, inst, path, "%s is not valid under any of the given schemas", repr(inst))
			case len(matched) > 1:
				s.fail(r, inst, path, "%s is valid under each of %s", repr(inst), strings.Join(matched, ", "))
			}
		}, nil

	case "not":
		child, err := compileNode(v, ptr)
		if err != nil {
			return nil, err
		}
		return func(s *state, r *rule, inst any, path []any) {
			if child.valid(inst) {
				s.fail(r, inst, path, "%s is not allowed for %s", repr(v), repr(inst))
			}
		}, nil

	case "if":
		cond, err := compileNode(v, ptr)
		if err != nil {
			return nil, err
		}
		var then, els *node
		if tv, ok := parent.Get("then"); ok {
			if then, err = compileNode(tv, strings.TrimSuffix(ptr, "/if")+"/then"); err != nil {
				return nil, err
			}
		}
		if ev, ok := parent.Get("else"); ok {
			if els, err = compileNode(ev, strings.TrimSuffix(ptr, "/if")+"/else"); err != nil {
				return nil, err
			}
		}
		return func(s *state, r *rule, inst any, path []any) {
			if cond.valid(inst) {
				if then != nil {
					then.validate(s, inst, path)
				}
			} else if els != nil {
				els.validate(s, inst, path)
			}
		}, nil

	case "pattern":
		src, ok := v.(string)
		if !ok {
			return nil, bad("pattern must be a string")
		}
		re, err := regexp.Compile(src)
		if err != nil {
			return nil, bad("pattern %q: %v", src, err)
		}
		return func(s *state, r *rule, inst any, path []any) {
			if str, ok := inst.(string); ok && !re.MatchString(str) {
				s.fail(r, inst, path, "%s does not match %s", repr(str), repr(src))
			}
		}, nil

	case "minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum":
		limit, ok := toFloat(v)
		if !ok {
			return nil, bad("%s must be a number", kw)
		}
		return func(s *state, r *rule, inst any, path []any) {
			f, ok := toFloat(inst)
			if !ok {
				return
			}
			switch {
			case kw == "minimum" && f < limit:
				s.fail(r, inst, path, "%s is less than the minimum of %s", repr(inst), repr(v))
			case kw == "exclusiveMinimum" && f <= limit:
				s.fail(r, inst, path, "%s is less than or equal to the minimum of %s", repr(inst), repr(v))
			case kw == "maximum" && f > limit:
				s.fail(r, inst, path, "%s is greater than the maximum of %s", repr(inst), repr(v))
			case kw == "exclusiveMaximum" && f >= limit:
				s.fail(r, inst, path, "%s is greater than or equal to the maximum of %s", repr(inst), repr(v))
			}
		}, nil

	case "multipleOf":
		div, ok := toFloat(v)
		if !ok || div <= 0 {
			return nil, bad("multipleOf must be a positive number")
		}
		return func(s *state, r *rule, inst any, path []any) {
			f, ok := toFloat(inst)
			if !ok {
				return
			}
			if q := f / div; q != math.Trunc(q) {
				s.fail(r, inst, path, "%s is not a multiple of %s", repr(inst), repr(v))
			}
		}, nil

	case "minLength", "maxLength", "minItems", "maxItems", "minProperties", "maxProperties":
		limit, err := count(v)
		if err != nil {
			return nil, bad("%s: %v", kw, err)
		}
		return compileSize(kw, limit), nil

	case "uniqueItems":
		on, ok := v.(bool)
		if !ok {
			return nil, bad("uniqueItems must be a boolean")
		}
		if !on {
			return nil, nil
		}
		return func(s *state, r *rule, inst any, path []any) {
			arr, ok := inst.([]any)
			if !ok {
				return
			}
			for i := range arr {
				for j := i + 1; j < len(arr); j++ {
					if equal(arr[i], arr[j]) {
						s.fail(r, inst, path, "%s has non-unique elements", repr(inst))
						return
					}
				}
			}
		}, nil
	}

	// Unknown keys are annotations.
	return nil, nil
}

func compileSize(kw string, limit int) checkFunc {
	return func(s *state, r *rule, inst any, path []any) {
		var n int
		switch kw {
		case "minLength", "maxLength":
			str, ok := inst.(string)
			if !ok {
				return
			}
			n = utf8.RuneCountInString(str)
		case "minItems", "maxItems":
			arr, ok := inst.([]any)
			if !ok {
				return
			}
			n = len(arr)
		default:
			keys, _, ok := entries(inst)
			if !ok {
				return
			}
			n = len(keys)
		}

		switch {
		case kw == "minProperties" && n < limit:
			s.fail(r, inst, path, "%s does not have enough properties", repr(inst))
		case kw == "maxProperties" && n > limit:
			s.fail(r, inst, path, "%s has too many properties", repr(inst))
		case strings.HasPrefix(kw, "min") && kw != "minProperties" && n < limit:
			s.fail(r, inst, path, "%s is too short", repr(inst))
		case strings.HasPrefix(kw, "max") && kw != "maxProperties" && n > limit:
			s.fail(r, inst, path, "%s is too long", repr(inst))
		}
	}
}

func compileDependencies(v any, ptr string) (checkFunc, error) {
	deps, ok := v.(*Object)
	if !ok {
		return nil, &TemplateError{Pointer: ptr, Err: errors.New("dependencies must be an object")}
	}

	props := map[string][]string{}
	schemas := map[string]*node{}
	for _, k := range deps.Keys {
		if arr, ok := deps.Values[k].([]any); ok {
			names, err := stringList(arr)
			if err != nil {
				return nil, &TemplateError{Pointer: ptr + "/" + k, Err: err}
			}
			props[k] = names
			continue
		}
		child, err := compileNode(deps.Values[k], ptr+"/"+k)
		if err != nil {
			return nil, err
		}
		schemas[k] = child
	}

	return func(s *state, r *rule, inst any, path []any) {
		_, vals, ok := entries(inst)
		if !ok {
			return
		}
		for _, k := range deps.Keys {
			if _, present := vals[k]; !present {
				continue
			}
			if child, ok := schemas[k]; ok {
				child.validate(s, inst, path)
				continue
			}
			for _, dep := range props[k] {
				if _, ok := vals[dep]; !ok {
					s.fail(r, inst, path, "%s is a dependency of %s", repr(dep), repr(k))
				}
			}
		}
	}, nil
}

type pattern struct {
	src  string
	re   *regexp.Regexp
	node *node
}

func compilePatterns(v any, ptr string) ([]pattern, error) {
	obj, ok := v.(*Object)
	if !ok {
		return nil, &TemplateError{Pointer: ptr, Err: errors.New("patternProperties must be an object")}
	}
	pats := make([]pattern, 0, len(obj.Keys))
	for _, k := range obj.Keys {
		re, err := regexp.Compile(k)
		if err != nil {
			return nil, &TemplateError{Pointer: ptr + "/" + k, Err: fmt.Errorf("pattern %q: %w", k, err)}
		}
		child, err := compileNode(obj.Values[k], ptr+"/"+k)
		if err != nil {
			return nil, err
		}
		pats = append(pats, pattern{src: k, re: re, node: child})
	}
	return pats, nil
}

func compileAdditionalProperties(parent *Object, v any, ptr string) (checkFunc, error) {
	child, err := compileNode(v, ptr)
	if err != nil {
		return nil, err
	}

	declared := map[string]bool{}
	if p, ok := parent.Get("properties"); ok {
		if obj, ok := p.(*Object); ok {
			for _, k := range obj.Keys {
				declared[k] = true
			}
		}
	}
	var pats []pattern
	if p, ok := parent.Get("patternProperties"); ok {
		if pats, err = compilePatterns(p, strings.TrimSuffix(ptr, "/additionalProperties")+"/patternProperties"); err != nil {
			return nil, err
		}
	}

	return func(s *state, r *rule, inst any, path []any) {
		keys, vals, ok := entries(inst)
		if !ok {
			return
		}
		var extras []string
	next:
		for _, k := range keys {
			if declared[k] {
				continue
			}
			for _, p := range pats {
				if p.re.MatchString(k) {
					continue next
				}
			}
			extras = append(extras, k)
		}
		if len(extras) == 0 {
			return
		}

		if child.always != nil && !*child.always {
			sort.Strings(extras)
			names := make([]string, len(extras))
			for i, e := range extras {
				names[i] = repr(e)
			}
			verb := "was"
			if len(extras) > 1 {
				verb = "were"
			}
			s.fail(r, inst, path, "Additional properties are not allowed (%s %s unexpected)", strings.Join(names, ", "), verb)
			return
		}
		for _, k := range extras {
			child.validate(s, vals[k], appendPath(path, k))
		}
	}, nil
}

func compileItems(parent *Object, v any, ptr string) (checkFunc, error) {
	if tuple, ok := v.([]any); ok {
		nodes, err := compileBranches(tuple, ptr)
		if err != nil {
			return nil, err
		}
		var extra *node
		if av, ok := parent.Get("additionalItems"); ok {
			if extra, err = compileNode(av, strings.TrimSuffix(ptr, "/items")+"/additionalItems"); err != nil {
				return nil, err
			}
		}
		return func(s *state, r *rule, inst any, path []any) {
			arr, ok := inst.([]any)
			if !ok {
				return
			}
			for i, e := range arr {
				switch {
				case i < len(nodes):
					nodes[i].validate(s, e, appendPath(path, i))
				case extra != nil && extra.always != nil && !*extra.always:
					rest := arr[len(nodes):]
					verb := "was"
					if len(rest) > 1 {
						verb = "were"
					}
					names := make([]string, len(rest))
					for j, x := range rest {
						names[j] = repr(x)
					}
					s.failures = append(s.failures, failure{
						keyword:  "additionalItems",
						message:  fmt.Sprintf("Additional items are not allowed (%s %s unexpected)", strings.Join(names, ", "), verb),
						path:     path,
						instance: inst,
						schema:   parent,
						value:    false,
					})
					return
				case extra != nil:
					extra.validate(s, e, appendPath(path, i))
				}
			}
		}, nil
	}

	child, err := compileNode(v, ptr)
	if err != nil {
		return nil, err
	}
	return func(s *state, r *rule, inst any, path []any) {
		arr, ok := inst.([]any)
		if !ok {
			return
		}
		for i, e := range arr {
			child.validate(s, e, appendPath(path, i))
		}
	}, nil
}

func compileBranches(v any, ptr string) ([]*node, error) {
	arr, ok := v.([]any)
	if !ok || len(arr) == 0 {
		return nil, &TemplateError{Pointer: ptr, Err: errors.New("must be a non-empty array of schemas")}
	}
	nodes := make([]*node, len(arr))
	for i, e := range arr {
		n, err := compileNode(e, fmt.Sprintf("%s/%d", ptr, i))
		if err != nil {
			return nil, err
		}
		nodes[i] = n
	}
	return nodes, nil
}

var knownType = map[string]bool{
	"object": true, "array": true, "string": true, "number": true,
	"integer": true, "boolean": true, "null": true,
}

func hasType(t string, inst any) bool {
	switch t {
	case "object":
		_, _, ok := entries(inst)
		return ok
	case "array":
		_, ok := inst.([]any)
		return ok
	case "string":
		_, ok := inst.(string)
		return ok
	case "number":
		_, ok := toFloat(inst)
		return ok
	case "integer":
		_, ok := toFloat(inst)
		return ok && isInteger(inst)
	case "boolean":
		_, ok := inst.(bool)
		return ok
	case "null":
		return inst == nil
	}
	return false
}

func stringList(v any) ([]string, error) {
	arr, ok := v.([]any)
	if !ok {
		return nil, errors.New("must be an array of strings")
	}
	out := make([]string, len(arr))
	for i, e := range arr {
		s, ok := e.(string)
		if !ok {
			return nil, errors.New("must be an array of strings")
		}
		out[i] = s
	}
	return out, nil
}

func count(v any) (int, error) {
	n, ok := v.(json.Number)
	if !ok {
		return 0, errors.New("must be a non-negative integer")
	}
	i, err := n.Int64()
	if err != nil || i < 0 {
		return 0, errors.New("must be a non-negative integer")
	}
	return int(i), nil
}
