package xmlnorm

import (
	"bytes"
	"encoding/xml"
	"sort"
)

// Attr is a single element attribute. Space is the resolved namespace URI
// ("" for an unprefixed attribute); the domain never puts reserved
// attributes (message-id, version, ...) in a namespace, so Space is
// carried for completeness but ignored by the canonical serializer.
type Attr struct {
	Space string
	Local string
	Value string
}

// Element is the tree node xmlnorm operates on in place of a full DOM.
// encoding/xml has no tree type of its own; this is the minimal one the
// repair/heal/canonicalize phases need.
type Element struct {
	Space    string // resolved namespace URI, "" if none
	Local    string
	Prefix   string // arrival prefix bound to Space at this point in the source
	Attrs    []Attr
	Children []*Element
	Text     string // leaf text content; only meaningful when Children is empty
}

// Attr returns the value of a named, unprefixed attribute.
func (e *Element) Attr(name string) (string, bool) {
	for _, a := range e.Attrs {
		if a.Local == name {
			return a.Value, true
		}
	}
	return "", false
}

// SetAttr sets an unprefixed attribute, overwriting any existing value.
func (e *Element) SetAttr(name, value string) {
	for i := range e.Attrs {
		if e.Attrs[i].Local == name {
			e.Attrs[i].Value = value
			return
		}
	}
	e.Attrs = append(e.Attrs, Attr{Local: name, Value: value})
}

// clone returns a new element carrying only e's tag identity (Space,
// Local, Prefix); attributes, children and text are not copied. Used when
// building a fresh healed root that keeps the original tag identity.
func (e *Element) clone() *Element {
	c := &Element{Space: e.Space, Local: e.Local, Prefix: e.Prefix}
	return c
}

// nsScope is the cumulative prefix->URI map in effect at a point in the
// source document.
type nsScope map[string]string

func mergeScope(parent nsScope, decls map[string]string) nsScope {
	out := make(nsScope, len(parent)+len(decls))
	for k, v := range parent {
		out[k] = v
	}
	for k, v := range decls {
		out[k] = v
	}
	return out
}

// arrivalPrefix finds the prefix the source document used to reach uri at
// the given scope, preferring the default ("") binding over an explicit one.
func arrivalPrefix(scope nsScope, uri string) string {
	if uri == "" {
		return ""
	}
	if bound, ok := scope[""]; ok && bound == uri {
		return ""
	}
	best := ""
	found := false
	for prefix, bound := range scope {
		if bound != uri || prefix == "" {
			continue
		}
		if !found || prefix < best {
			best = prefix
			found = true
		}
	}
	return best
}

// nsDeclsFromAttrs splits xmlns/xmlns:* declarations out of a raw attribute
// list, returning the declarations as prefix->uri and the remaining
// content attributes.
func nsDeclsFromAttrs(attrs []xml.Attr) (decls map[string]string, rest []xml.Attr) {
	decls = map[string]string{}
	for _, a := range attrs {
		switch {
		case a.Name.Space == "xmlns":
			decls[a.Name.Local] = a.Value
		case a.Name.Space == "" && a.Name.Local == "xmlns":
			decls[""] = a.Value
		default:
			rest = append(rest, a)
		}
	}
	return decls, rest
}

// newTolerantDecoder returns a decoder configured for the fault-tolerant
// first pass of Phase A: it accepts malformed entities and unbalanced HTML-
// style tags rather than failing outright.
func newTolerantDecoder(raw []byte) *xml.Decoder {
	dec := xml.NewDecoder(bytes.NewReader(raw))
	dec.Strict = false
	dec.AutoClose = xml.HTMLAutoClose
	dec.Entity = xml.HTMLEntity
	return dec
}

// tolerantParse builds the first complete top-level element subtree found
// in raw, discarding comments, processing instructions and directives
// along the way. Only the first top-level element is retained; anything
// after it is ignored, which is the well-formedness property a
// verifying strict parse checks next. A non-nil error means the element
// returned (if any) never saw a matching end tag, so the caller should
// fall back to the recovery parser.
func tolerantParse(raw []byte) (*Element, error) {
	dec := newTolerantDecoder(raw)
	scope := nsScope{}
	for {
		tok, err := dec.Token()
		if err != nil {
			return nil, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			return buildElement(dec, t.Copy(), scope)
		case xml.Comment, xml.ProcInst, xml.Directive, xml.CharData:
			continue
		}
	}
}

func buildElement(dec *xml.Decoder, start xml.StartElement, parentScope nsScope) (*Element, error) {
	decls, rest := nsDeclsFromAttrs(start.Attr)
	scope := mergeScope(parentScope, decls)

	el := &Element{
		Space:  start.Name.Space,
		Local:  start.Name.Local,
		Prefix: arrivalPrefix(scope, start.Name.Space),
	}
	for _, a := range rest {
		el.Attrs = append(el.Attrs, Attr{Space: a.Name.Space, Local: a.Name.Local, Value: a.Value})
	}

	for {
		tok, err := dec.Token()
		if err != nil {
			return el, err
		}
		switch t := tok.(type) {
		case xml.StartElement:
			child, cerr := buildElement(dec, t.Copy(), scope)
			if child != nil {
				el.Children = append(el.Children, child)
			}
			if cerr != nil {
				return el, cerr
			}
		case xml.EndElement:
			return el, nil
		case xml.CharData:
			el.Text += string(t)
		case xml.Comment, xml.ProcInst, xml.Directive:
			// discarded per Phase A
		}
	}
}

// verifyStrict re-parses a plain (non-canonical) serialization of el with
// a strict decoder, confirming the tree tolerantParse produced is itself
// well-formed. It is the "strict XML parser" verification step of Phase A.
func verifyStrict(el *Element) bool {
	buf := serializePlain(el)
	dec := xml.NewDecoder(bytes.NewReader(buf))
	dec.Strict = true
	for {
		_, err := dec.Token()
		if err != nil {
			return err.Error() == "EOF"
		}
	}
}

// serializePlain renders el without namespace rewriting or attribute
// sorting; used only to drive the strict-parser verification pass.
func serializePlain(el *Element) []byte {
	var buf bytes.Buffer
	writePlain(&buf, el)
	return buf.Bytes()
}

func writePlain(buf *bytes.Buffer, el *Element) {
	tag := el.Local
	if el.Prefix != "" {
		tag = el.Prefix + ":" + el.Local
	}
	buf.WriteByte('<')
	buf.WriteString(tag)
	for _, a := range el.Attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.Local)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(a.Value))
		buf.WriteByte('"')
	}
	if len(el.Children) == 0 && el.Text == "" {
		buf.WriteString("/>")
		return
	}
	buf.WriteByte('>')
	if el.Text != "" {
		xml.EscapeText(buf, []byte(el.Text))
	}
	for _, c := range el.Children {
		writePlain(buf, c)
	}
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteByte('>')
}

// sortAttributesRecursively reorders every element's attributes by
// ascending byte-wise comparison of their serialized name.
func sortAttributesRecursively(el *Element) {
	sort.Slice(el.Attrs, func(i, j int) bool {
		return el.Attrs[i].Local < el.Attrs[j].Local
	})
	for _, c := range el.Children {
		sortAttributesRecursively(c)
	}
}
