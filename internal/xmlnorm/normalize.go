// Package xmlnorm turns an arbitrary XML document into nested Go values
// without a schema. The ticketing backend answers with differently shaped
// documents per call and per outcome, so callers inspect the normalized
// tree instead of unmarshalling into fixed structs.
//
// Coercion rule:
//   - an element without child elements becomes its trimmed text (string)
//   - an element with child elements becomes map[string]any keyed by child tag
//   - a child tag that repeats becomes []any in document order
//   - attributes are stored under AttrKey as map[string]any; a childless
//     element with attributes becomes a map holding AttrKey and TextKey
package xmlnorm

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

const (
	AttrKey = "@attributes"
	TextKey = "#text"
)

// ParseError reports a malformed document.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("xmlnorm: malformed document: %v", e.Err)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

// Document is the normalized root element.
type Document struct {
	Name  string
	Value any
}

// Root returns the root value as a map. A childless root yields an empty map.
func (d *Document) Root() map[string]any {
	if m, ok := d.Value.(map[string]any); ok {
		return m
	}
	return map[string]any{}
}

type element struct {
	name     string
	attrs    map[string]any
	children map[string]any
	text     strings.Builder
	hasChild bool
}

func (e *element) add(name string, v any) {
	if e.children == nil {
		e.children = make(map[string]any)
	}
	e.hasChild = true
	cur, exists := e.children[name]
	if !exists {
		e.children[name] = v
		return
	}
	// element values are strings or maps, so a slice always means a repeated tag
	if list, ok := cur.([]any); ok {
		e.children[name] = append(list, v)
		return
	}
	e.children[name] = []any{cur, v}
}

func (e *element) value() any {
	text := strings.TrimSpace(e.text.String())
	if !e.hasChild {
		if len(e.attrs) == 0 {
			return text
		}
		return map[string]any{AttrKey: e.attrs, TextKey: text}
	}
	if len(e.attrs) > 0 {
		e.children[AttrKey] = e.attrs
	}
	return e.children
}

// Normalize parses data and applies the coercion rule from the package doc.
func Normalize(data []byte) (*Document, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.CharsetReader = func(_ string, input io.Reader) (io.Reader, error) {
		return input, nil
	}

	var (
		stack []*element
		doc   *Document
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &ParseError{Err: err}
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if doc != nil {
				return nil, &ParseError{Err: errors.New("content after root element")}
			}
			el := &element{name: t.Name.Local}
			if len(t.Attr) > 0 {
				el.attrs = make(map[string]any, len(t.Attr))
				for _, a := range t.Attr {
					el.attrs[a.Name.Local] = a.Value
				}
			}
			stack = append(stack, el)
		case xml.CharData:
			if len(stack) > 0 {
				stack[len(stack)-1].text.Write(t)
			}
		case xml.EndElement:
			el := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			if len(stack) == 0 {
				doc = &Document{Name: el.name, Value: el.value()}
				continue
			}
			stack[len(stack)-1].add(el.name, el.value())
		}
	}

	if doc == nil {
		return nil, &ParseError{Err: errors.New("no root element")}
	}
	return doc, nil
}

// Map returns v as a map when it is one.
func Map(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// List returns v as a slice: repeated elements as-is, a single element wrapped, nil for nil.
func List(v any) []any {
	switch t := v.(type) {
	case nil:
		return nil
	case []any:
		return t
	default:
		return []any{t}
	}
}

// Text returns the scalar text of v. Maps yield their TextKey, lists their first item.
func Text(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		if s, ok := t[TextKey].(string); ok {
			return s
		}
	case []any:
		if len(t) > 0 {
			return Text(t[0])
		}
	}
	return ""
}

// Bool interprets backend boolean-like values: "1", "true", "yes" are true.
func Bool(v any) bool {
	switch strings.ToLower(strings.TrimSpace(Text(v))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// Lookup walks nested maps by key path. Lists are entered at their first item.
func Lookup(v any, path ...string) (any, bool) {
	cur := v
	for _, key := range path {
		if l, ok := cur.([]any); ok {
			if len(l) == 0 {
				return nil, false
			}
			cur = l[0]
		}
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		next, ok := m[key]
		if !ok {
			return nil, false
		}
		cur = next
	}
	return cur, true
}
