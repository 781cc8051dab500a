package config

// =============================================================================
// PIPELINE CONFIGURATION
// =============================================================================

// PipelineConfig controls the normalization pipeline's schema discovery and
// hot-reload behavior (spec.md §4.1, §6 "Schema files").
type PipelineConfig struct {
	// SchemaPaths are directories recursively searched for *.xsd files.
	SchemaPaths []string `json:"schema_paths"`

	// WatchSchemas enables the fsnotify-based hot reload of SchemaPaths.
	WatchSchemas bool `json:"watch_schemas"`
}

// DefaultPipelineConfig returns the pipeline defaults: no schema paths,
// hot reload off.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		SchemaPaths:  nil,
		WatchSchemas: false,
	}
}
