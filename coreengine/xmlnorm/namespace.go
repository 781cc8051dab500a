package xmlnorm

// CanonicalNS is the fixed prefix->URI table every canonicalized message is
// rewritten against (spec.md §3 "Canonical namespace table").
var CanonicalNS = map[string]string{
	"cad":   "https://swarm/cad/v4",
	"mbd":   "https://swarm/mbd/v1",
	"log":   "https://swarm/log/v1",
	"swarm": "https://swarm/core/v1",
}

var reverseCanonicalNS = buildReverseNS(CanonicalNS)

func buildReverseNS(table map[string]string) map[string]string {
	out := make(map[string]string, len(table))
	for prefix, uri := range table {
		out[uri] = prefix
	}
	return out
}

// canonicalPrefixFor returns the canonical prefix bound to uri, if any.
func canonicalPrefixFor(uri string) (string, bool) {
	p, ok := reverseCanonicalNS[uri]
	return p, ok
}

// rewriteNamespaces retags every element in the tree whose namespace URI
// is one of the canonical ones with its canonical prefix, fixing the
// no-op bug in the original implementation (which only rewrote the nsmap
// without ever touching the element's own tag). Elements whose URI is not
// in the canonical table keep whatever prefix they arrived with.
func rewriteNamespaces(el *Element) {
	if prefix, ok := canonicalPrefixFor(el.Space); ok {
		el.Prefix = prefix
	}
	for _, c := range el.Children {
		rewriteNamespaces(c)
	}
}

// collectNamespaceDecls gathers every (prefix, uri) pair in use anywhere
// in the tree, to be declared once on the canonicalized root.
func collectNamespaceDecls(el *Element, out map[string]string) {
	if el.Space != "" {
		out[el.Prefix] = el.Space
	}
	for _, c := range el.Children {
		collectNamespaceDecls(c, out)
	}
}
