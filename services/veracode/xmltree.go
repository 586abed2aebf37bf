package veracode

import (
	"bytes"
	"encoding/xml"
	"errors"
	"io"
	"strings"

	"golang.org/x/net/html/charset"
)

// Element is a namespace-free view of one XML element. Tag and attribute names
// are reduced to their local part.
type Element struct {
	Tag      string
	Attrs    map[string]string
	Children []*Element
}

// ParseXML decodes data into an Element tree rooted at the document element.
func ParseXML(data []byte) (*Element, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.Strict = true
	dec.CharsetReader = charset.NewReaderLabel

	var (
		root  *Element
		stack []*Element
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, &DataError{Err: err}
		}
		switch t := tok.(type) {
		case xml.StartElement:
			el := &Element{Tag: t.Name.Local, Attrs: make(map[string]string, len(t.Attr))}
			for _, a := range t.Attr {
				if a.Name.Space == "xmlns" || a.Name.Local == "xmlns" {
					continue
				}
				el.Attrs[a.Name.Local] = a.Value
			}
			if len(stack) > 0 {
				parent := stack[len(stack)-1]
				parent.Children = append(parent.Children, el)
			} else if root == nil {
				root = el
			}
			stack = append(stack, el)
		case xml.EndElement:
			if len(stack) > 0 {
				stack = stack[:len(stack)-1]
			}
		}
	}
	if root == nil {
		return nil, &DataError{Err: errors.New("empty document")}
	}
	return root, nil
}

// Attr returns the attribute value and whether it was present.
func (e *Element) Attr(name string) (string, bool) {
	if e == nil {
		return "", false
	}
	v, ok := e.Attrs[name]
	return v, ok
}

// RequireAttr returns the attribute value or a DataError naming the element.
func (e *Element) RequireAttr(name string) (string, error) {
	v, ok := e.Attr(name)
	if !ok {
		return "", missingAttr(e.Tag, name)
	}
	return v, nil
}

// FindAll returns every descendant reached by the slash separated child path,
// in document order.
func (e *Element) FindAll(path string) []*Element {
	if e == nil {
		return nil
	}
	current := []*Element{e}
	for _, step := range strings.Split(strings.Trim(path, "/"), "/") {
		if step == "" {
			continue
		}
		var next []*Element
		for _, el := range current {
			for _, child := range el.Children {
				if child.Tag == step {
					next = append(next, child)
				}
			}
		}
		if len(next) == 0 {
			return nil
		}
		current = next
	}
	return current
}

// Find returns the first element matching path, or nil.
func (e *Element) Find(path string) *Element {
	matches := e.FindAll(path)
	if len(matches) == 0 {
		return nil
	}
	return matches[0]
}
