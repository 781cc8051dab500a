package xmlnorm

import (
	"strconv"
	"strings"
)

// recoveryParse is the secondary recovery parser Phase A falls back to
// when the fault-tolerant tokenizer cannot produce (and a strict reparse
// cannot verify) a complete top-level element. It scans the raw bytes by
// hand, tolerating unterminated tags, unescaped bytes and missing closing
// quotes, and auto-closes every still-open element once it runs out of
// input — the Go analogue of a recover=True DOM parser. It returns false
// only when no element start tag could be found anywhere in raw.
func recoveryParse(raw []byte) (*Element, bool) {
	s := &recoveryScanner{src: raw}
	s.skipToFirstTag()
	if s.pos >= len(s.src) {
		return nil, false
	}
	root := s.parseElement()
	if root == nil {
		return nil, false
	}
	return root, true
}

type recoveryScanner struct {
	src []byte
	pos int
}

func (s *recoveryScanner) eof() bool { return s.pos >= len(s.src) }

func (s *recoveryScanner) peek() byte {
	if s.eof() {
		return 0
	}
	return s.src[s.pos]
}

// skipToFirstTag advances past leading text and non-element markup
// (comments, processing instructions, doctype) until it finds the start
// of an element tag or runs out of input.
func (s *recoveryScanner) skipToFirstTag() {
	for !s.eof() {
		if s.peek() != '<' {
			s.pos++
			continue
		}
		if s.skipNonElementMarkup() {
			continue
		}
		if s.startsTagName(s.pos + 1) {
			return
		}
		s.pos++
	}
}

func (s *recoveryScanner) startsTagName(i int) bool {
	if i >= len(s.src) {
		return false
	}
	c := s.src[i]
	return c == '_' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

// skipNonElementMarkup consumes a comment, PI or doctype/directive
// starting at s.pos if present, returning true if it consumed anything.
func (s *recoveryScanner) skipNonElementMarkup() bool {
	rest := s.src[s.pos:]
	switch {
	case strings.HasPrefix(string(rest), "<!--"):
		end := strings.Index(string(rest), "-->")
		if end < 0 {
			s.pos = len(s.src)
		} else {
			s.pos += end + len("-->")
		}
		return true
	case strings.HasPrefix(string(rest), "<?"):
		end := strings.Index(string(rest), "?>")
		if end < 0 {
			s.pos = len(s.src)
		} else {
			s.pos += end + len("?>")
		}
		return true
	case strings.HasPrefix(string(rest), "<!"):
		end := strings.IndexByte(string(rest), '>')
		if end < 0 {
			s.pos = len(s.src)
		} else {
			s.pos += end + 1
		}
		return true
	}
	return false
}

func isNameByte(c byte) bool {
	return c == '_' || c == '-' || c == '.' || c == ':' ||
		(c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z') || (c >= '0' && c <= '9')
}

// parseElement parses one element (and its subtree) starting at a '<'
// that begins a start tag. Returns nil only if the tag name itself is
// unreadable (should not happen given skipToFirstTag's check).
func (s *recoveryScanner) parseElement() *Element {
	s.pos++ // consume '<'
	nameStart := s.pos
	for !s.eof() && isNameByte(s.peek()) {
		s.pos++
	}
	if s.pos == nameStart {
		return nil
	}
	name := string(s.src[nameStart:s.pos])
	el := splitTagName(name)

	attrs, selfClosed, ok := s.parseAttrs()
	el.Attrs = attrs
	if !ok {
		// ran out of input before '>' — nothing more to read, auto-close.
		return el
	}
	if selfClosed {
		return el
	}

	var text strings.Builder
	for {
		if s.eof() {
			// auto-close: EOF reached with this element still open.
			el.Text = text.String()
			return el
		}
		if s.peek() != '<' {
			text.WriteByte(s.peek())
			s.pos++
			continue
		}
		if s.skipNonElementMarkup() {
			continue
		}
		if s.matchEndTag(name) {
			el.Text = text.String()
			return el
		}
		if s.startsTagName(s.pos + 1) {
			el.Text = text.String()
			text.Reset()
			child := s.parseElement()
			if child != nil {
				el.Children = append(el.Children, child)
			}
			if s.eof() {
				return el
			}
			continue
		}
		// stray '<' that doesn't open a real tag or match our end tag;
		// treat as literal text and move on.
		text.WriteByte(s.peek())
		s.pos++
	}
}

// matchEndTag consumes "</name ... >" at s.pos if name matches (case-
// sensitive), returning true and advancing past it. If the closing '>'
// never arrives before EOF, it still consumes what's there and reports a
// match — a dangling "</name" fragment closes the element, it just can't
// be followed by anything else. An end tag cut short by EOF ("</na" for
// "</name") likewise closes the element and is consumed.
func (s *recoveryScanner) matchEndTag(name string) bool {
	rest := s.src[s.pos:]
	prefix := "</" + name
	if !strings.HasPrefix(string(rest), prefix) {
		if len(rest) >= 2 && strings.HasPrefix(prefix, string(rest)) {
			s.pos = len(s.src)
			return true
		}
		return false
	}
	after := s.pos + len(prefix)
	for after < len(s.src) && s.src[after] != '>' {
		after++
	}
	if after >= len(s.src) {
		s.pos = len(s.src)
		return true
	}
	s.pos = after + 1
	return true
}

// parseAttrs parses `name="value"` / `name='value'` / bare `name` pairs up
// to the closing '>' or "/>". ok is false only if EOF arrived before the
// tag ever closed.
func (s *recoveryScanner) parseAttrs() (attrs []Attr, selfClosed bool, ok bool) {
	for {
		s.skipSpace()
		if s.eof() {
			return attrs, false, false
		}
		if s.peek() == '/' {
			s.pos++
			if !s.eof() && s.peek() == '>' {
				s.pos++
				return attrs, true, true
			}
			continue
		}
		if s.peek() == '>' {
			s.pos++
			return attrs, false, true
		}
		nameStart := s.pos
		for !s.eof() && isNameByte(s.peek()) {
			s.pos++
		}
		if s.pos == nameStart {
			// unexpected byte inside a tag; skip it rather than loop forever.
			s.pos++
			continue
		}
		attrName := string(s.src[nameStart:s.pos])
		s.skipSpace()
		value := ""
		if !s.eof() && s.peek() == '=' {
			s.pos++
			s.skipSpace()
			value = s.parseAttrValue()
		}
		attrs = append(attrs, Attr{Local: attrName, Value: unescapeEntities(value)})
	}
}

func (s *recoveryScanner) parseAttrValue() string {
	if s.eof() {
		return ""
	}
	quote := s.peek()
	if quote == '"' || quote == '\'' {
		s.pos++
		start := s.pos
		for !s.eof() && s.peek() != quote {
			s.pos++
		}
		val := string(s.src[start:s.pos])
		if !s.eof() {
			s.pos++
		}
		return val
	}
	start := s.pos
	for !s.eof() && s.peek() != ' ' && s.peek() != '\t' && s.peek() != '\n' && s.peek() != '>' && s.peek() != '/' {
		s.pos++
	}
	return string(s.src[start:s.pos])
}

func (s *recoveryScanner) skipSpace() {
	for !s.eof() {
		switch s.peek() {
		case ' ', '\t', '\n', '\r':
			s.pos++
		default:
			return
		}
	}
}

func splitTagName(name string) *Element {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return &Element{Prefix: name[:i], Local: name[i+1:]}
	}
	return &Element{Local: name}
}

var entityReplacer = map[string]string{
	"lt": "<", "gt": ">", "amp": "&", "quot": `"`, "apos": "'",
}

// unescapeEntities decodes the standard XML entities plus numeric
// character references, leaving anything it doesn't recognize untouched
// rather than failing — the recovery parser is tolerant by design.
func unescapeEntities(s string) string {
	if !strings.ContainsRune(s, '&') {
		return s
	}
	var out strings.Builder
	for i := 0; i < len(s); i++ {
		if s[i] != '&' {
			out.WriteByte(s[i])
			continue
		}
		end := strings.IndexByte(s[i:], ';')
		if end < 0 || end > 10 {
			out.WriteByte(s[i])
			continue
		}
		ent := s[i+1 : i+end]
		if repl, ok := entityReplacer[ent]; ok {
			out.WriteString(repl)
			i += end
			continue
		}
		if strings.HasPrefix(ent, "#x") || strings.HasPrefix(ent, "#X") {
			if n, err := strconv.ParseInt(ent[2:], 16, 32); err == nil {
				out.WriteRune(rune(n))
				i += end
				continue
			}
		} else if strings.HasPrefix(ent, "#") {
			if n, err := strconv.ParseInt(ent[1:], 10, 32); err == nil {
				out.WriteRune(rune(n))
				i += end
				continue
			}
		}
		out.WriteByte(s[i])
	}
	return out.String()
}
