package xmlnorm

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeXSD(t *testing.T, dir, name, targetNS string, elements ...string) string {
	t.Helper()
	var els string
	for _, e := range elements {
		els += `<xsd:element name="` + e + `"/>`
	}
	content := `<xsd:schema xmlns:xsd="http://www.w3.org/2001/XMLSchema" targetNamespace="` + targetNS + `">` + els + `</xsd:schema>`
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadSchema_ExtractsTargetNamespaceAndElements(t *testing.T) {
	dir := t.TempDir()
	path := writeXSD(t, dir, "cad.xsd", "https://swarm/cad/v4", "part", "assembly")

	schema, err := loadSchema(path)
	require.NoError(t, err)
	assert.Equal(t, "https://swarm/cad/v4", schema.TargetNamespace)
	assert.True(t, schema.AllowedElements["part"])
	assert.True(t, schema.AllowedElements["assembly"])
	assert.False(t, schema.AllowedElements["unknown"])
}

func TestNewCatalog_DiscoversSchemasRecursively(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "nested")
	require.NoError(t, os.MkdirAll(sub, 0o755))
	writeXSD(t, dir, "cad.xsd", "https://swarm/cad/v4", "part")
	writeXSD(t, sub, "mbd.xsd", "https://swarm/mbd/v1", "geom")

	catalog := NewCatalog([]string{dir}, NoopLogger())
	keys := catalog.List()
	assert.ElementsMatch(t, []string{"https://swarm/cad/v4", "https://swarm/mbd/v1"}, keys)
}

func TestSchemaCatalog_ValidatePicksDeterministicTentative(t *testing.T) {
	catalog := &SchemaCatalog{schemas: map[string]*Schema{}, logger: NoopLogger()}
	catalog.schemas["https://a"] = &Schema{Key: "https://a", AllowedElements: map[string]bool{}}
	catalog.schemas["https://z"] = &Schema{Key: "https://z", AllowedElements: map[string]bool{}}

	valid, tentative := catalog.Validate(&Element{Local: "root", Children: []*Element{{Local: "nope"}}})
	assert.False(t, valid)
	require.NotNil(t, tentative)
	assert.Equal(t, "https://z", tentative.Key)
}

func TestSchemaCatalog_ValidateSucceedsWhenOneMatches(t *testing.T) {
	catalog := &SchemaCatalog{schemas: map[string]*Schema{}, logger: NoopLogger()}
	catalog.schemas["https://a"] = &Schema{Key: "https://a", AllowedElements: map[string]bool{"part": true}}

	valid, schema := catalog.Validate(&Element{Local: "root", Children: []*Element{{Local: "part"}}})
	assert.True(t, valid)
	assert.Equal(t, "https://a", schema.Key)
}
