package xmlnorm

import "time"

// reservedChildElements are element local names Phase B always lets
// through regardless of schema, because they carry pipeline-internal
// bookkeeping rather than domain payload.
var reservedChildElements = map[string]bool{
	"huh":        true,
	"message-id": true,
	"timestamp":  true,
}

// reservedAttrs are root attributes schema-guided healing preserves even
// though they are not themselves part of a schema's element vocabulary.
var reservedAttrs = map[string]bool{
	"message-id":  true,
	"timestamp":   true,
	"in-reply-to": true,
	"version":     true,
	"task-id":     true,
}

// addHuh appends a <huh severity="..." at="..."> diagnostic child carrying
// message, timestamped with an RFC3339 UTC instant (ISO-8601 compatible,
// per spec.md §4.1 Phase B).
func addHuh(root *Element, severity, message string, now time.Time) {
	root.Children = append(root.Children, &Element{
		Local: "huh",
		Attrs: []Attr{
			{Local: "severity", Value: severity},
			{Local: "at", Value: now.UTC().Format(time.RFC3339)},
		},
		Text: message,
	})
}
