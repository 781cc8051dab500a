package xmlnorm

// ExtractMessageID pulls the message-id attribute out of already-canonical
// (or otherwise well-formed) bytes without running the full repair/heal
// round trip, mirroring pipeline.py's module-level extract_message_id.
// It returns ok=false if the bytes don't parse or carry no message-id.
func ExtractMessageID(raw []byte) (id string, ok bool) {
	return ExtractAttribute(raw, "message-id")
}

// ExtractAttribute pulls a single root attribute out of raw XML bytes,
// used to read correlation fields (message-id, in-reply-to) off
// already-canonical messages cheaply.
func ExtractAttribute(raw []byte, name string) (value string, ok bool) {
	root, err := tolerantParse(raw)
	if err != nil || root == nil {
		return "", false
	}
	return root.Attr(name)
}

// RootLocalName returns the local (unprefixed) tag name of raw's root
// element, or "" if raw does not parse.
func RootLocalName(raw []byte) string {
	root, err := tolerantParse(raw)
	if err != nil || root == nil {
		return ""
	}
	return root.Local
}
