package xmlnorm

import (
	"bytes"
	"context"
	"encoding/xml"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/swarm-mesh/xmlbus/coreengine/observability"
)

var pipelineTracer = otel.Tracer("github.com/swarm-mesh/xmlbus/coreengine/xmlnorm")

// Pipeline implements the four-phase normalization pipeline of spec.md
// §4.1: repair, heal & validate, correlation injection, canonicalize.
type Pipeline struct {
	catalog *SchemaCatalog
	logger  Logger
	now     func() time.Time
}

// NewPipeline builds a Pipeline backed by a SchemaCatalog loaded from
// schemaDirs. Pass a nil logger to use the default standard-library logger.
func NewPipeline(schemaDirs []string, logger Logger) *Pipeline {
	if logger == nil {
		logger = NewDefaultLogger()
	}
	return &Pipeline{
		catalog: NewCatalog(schemaDirs, logger),
		logger:  logger,
		now:     time.Now,
	}
}

// Catalog exposes the pipeline's schema catalog, e.g. for wiring a Watcher.
func (p *Pipeline) Catalog() *SchemaCatalog { return p.catalog }

// Process runs all four phases over raw and returns the canonical bytes
// plus the root element's local name and version attribute (empty string
// if absent), for callers that need to route on them without reparsing.
// overrides are applied during Phase C (correlation injection): a nil map
// entry value means "remove if present", a non-nil value means "set". ctx
// carries tracing context only; Process does no I/O and never blocks on it.
func (p *Pipeline) Process(ctx context.Context, raw []byte, overrides map[string]*string) (canonical []byte, rootLocal string, version string, err error) {
	_, span := pipelineTracer.Start(ctx, "xmlnorm.Process")
	defer span.End()

	start := time.Now()

	repaired, err := p.repair(raw)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		observability.RecordPipelineProcess("unknown", "unrepairable", int(time.Since(start).Milliseconds()))
		return nil, "", "", &UnrepairableError{Cause: err}
	}

	valid, tentative := p.catalog.Validate(repaired)
	healed := p.healAndValidate(repaired, valid, tentative)
	p.ensureCoreFields(healed)
	p.applyOverrides(healed, overrides)

	canonical = p.canonicalize(healed)
	v, _ := healed.Attr("version")

	status := "healed"
	if valid {
		status = "passthrough"
	}
	span.SetAttributes(
		attribute.String("xmlbus.root", healed.Local),
		attribute.String("xmlbus.status", status),
	)
	observability.RecordPipelineProcess(healed.Local, status, int(time.Since(start).Milliseconds()))
	return canonical, healed.Local, v, nil
}

// repair implements Phase A: fault-tolerant tokenize, strict verify,
// recovery-parser fallback.
func (p *Pipeline) repair(raw []byte) (*Element, error) {
	el, err := tolerantParse(raw)
	if err == nil && verifyStrict(el) {
		return el, nil
	}

	recovered, ok := recoveryParse(raw)
	if !ok {
		if err == nil {
			err = errUnverifiable
		}
		return nil, err
	}
	return recovered, nil
}

// healAndValidate implements Phase B, given the validity/tentative-schema
// result Process already computed via catalog.Validate. If some loaded
// schema accepts root unchanged, root is returned as-is. Otherwise a fresh
// tree carrying the same root tag is built, prepending a "repaired" huh
// diagnostic, and populated either by schema-guided whitelisting (a
// tentative schema exists) or aggressive healing (no schema loaded at all).
// A root that already carries a huh diagnostic and has no schema to be
// checked against was healed by an earlier pass and is returned as-is, so
// reprocessing the pipeline's own output yields identical bytes.
func (p *Pipeline) healAndValidate(root *Element, valid bool, tentative *Schema) *Element {
	if valid {
		return root
	}
	if tentative == nil {
		for _, c := range root.Children {
			if c.Local == "huh" {
				return root
			}
		}
	}

	healed := root.clone()
	addHuh(healed, "warning", "message was repaired by the pipeline", p.now())

	if tentative != nil {
		observability.RecordPipelineHealing(root.Local, "schema_guided")
		p.schemaGuidedHeal(root, healed, tentative)
	} else {
		observability.RecordPipelineHealing(root.Local, "aggressive")
		p.aggressiveHeal(root, healed)
	}
	return healed
}

// schemaGuidedHeal keeps any child whose local name is in the tentative
// schema's vocabulary (or is a reserved pipeline element), dropping and
// flagging everything else, and re-admits reserved root attributes.
func (p *Pipeline) schemaGuidedHeal(src, dst *Element, schema *Schema) {
	for _, child := range src.Children {
		if reservedChildElements[child.Local] || schema.AllowedElements[child.Local] {
			dst.Children = append(dst.Children, child)
			continue
		}
		addHuh(dst, "warning", "removed unrecognized element <"+child.Local+">", p.now())
	}
	for _, a := range src.Attrs {
		if reservedAttrs[a.Local] {
			dst.Attrs = append(dst.Attrs, a)
		}
	}
}

// aggressiveHeal keeps every child and attribute verbatim: with no schema
// loaded at all, the pipeline has no vocabulary to filter against. The
// healed root gains the prepended huh diagnostic and (via ensureCoreFields)
// the core fields; the source root's own text content is not carried over.
func (p *Pipeline) aggressiveHeal(src, dst *Element) {
	dst.Children = append(dst.Children, src.Children...)
	dst.Attrs = append(dst.Attrs, src.Attrs...)
}

// ensureCoreFields implements the unconditional half of Phase B: every
// processed message's root carries a message-id and an RFC3339 UTC
// timestamp, healed or not.
func (p *Pipeline) ensureCoreFields(root *Element) {
	if _, ok := root.Attr("message-id"); !ok {
		root.SetAttr("message-id", uuid.New().String())
	}
	if _, ok := root.Attr("timestamp"); !ok {
		root.SetAttr("timestamp", p.now().UTC().Format(time.RFC3339))
	}
}

// applyOverrides implements Phase C: correlation injection. A nil value
// for a key removes that attribute if present; a non-nil value sets it,
// overwriting any existing value — this is the only point in the pipeline
// allowed to overwrite message-id.
func (p *Pipeline) applyOverrides(root *Element, overrides map[string]*string) {
	for k, v := range overrides {
		if v == nil {
			removeAttr(root, k)
			continue
		}
		root.SetAttr(k, *v)
	}
}

func removeAttr(el *Element, name string) {
	out := el.Attrs[:0]
	for _, a := range el.Attrs {
		if a.Local != name {
			out = append(out, a)
		}
	}
	el.Attrs = out
}

// canonicalize implements Phase D: namespace-prefix rewrite against the
// canonical table, byte-wise attribute sort, and a fixed C14N-style
// serialization with no XML declaration, no pretty-printing, no comments,
// and exactly one trailing newline.
func (p *Pipeline) canonicalize(root *Element) []byte {
	rewriteNamespaces(root)
	sortAttributesRecursively(root)

	decls := map[string]string{}
	collectNamespaceDecls(root, decls)

	var buf bytes.Buffer
	writeCanonical(&buf, root, decls)
	buf.WriteByte('\n')
	return buf.Bytes()
}

func writeCanonical(buf *bytes.Buffer, el *Element, rootDecls map[string]string) {
	tag := tagString(el)
	attrs := make([]canonicalAttr, 0, len(el.Attrs)+len(rootDecls))
	for _, a := range el.Attrs {
		attrs = append(attrs, canonicalAttr{name: a.Local, value: a.Value})
	}
	for prefix, uri := range rootDecls {
		name := "xmlns"
		if prefix != "" {
			name = "xmlns:" + prefix
		}
		attrs = append(attrs, canonicalAttr{name: name, value: uri})
	}
	sort.Slice(attrs, func(i, j int) bool { return attrs[i].name < attrs[j].name })

	buf.WriteByte('<')
	buf.WriteString(tag)
	for _, a := range attrs {
		buf.WriteByte(' ')
		buf.WriteString(a.name)
		buf.WriteString(`="`)
		xml.EscapeText(buf, []byte(a.value))
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
		writeCanonical(buf, c, nil)
	}
	buf.WriteString("</")
	buf.WriteString(tag)
	buf.WriteByte('>')
}

type canonicalAttr struct {
	name  string
	value string
}

func tagString(el *Element) string {
	if el.Space == "" || el.Prefix == "" {
		return el.Local
	}
	return el.Prefix + ":" + el.Local
}
