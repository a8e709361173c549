package api

// ExportMetadataV1 defines the key-value metadata written into the footer
// of every exported Parquet file so a file can be traced back to the run
// and the ruleset that produced it.
type ExportMetadataV1 struct {
	RunID        string // unique identifier of the exporter run
	Version      string // running version of this program
	RulesVersion string // version of the normalization ruleset
	WindowStart  string // start of the exported window (RFC3339)
	WindowEnd    string // end of the exported window (RFC3339)
}

// Map returns the metadata as Parquet key-value pairs.
func (m ExportMetadataV1) Map() map[string]string {
	return map[string]string{
		"opencost.exporter.run_id":        m.RunID,
		"opencost.exporter.version":       m.Version,
		"opencost.exporter.rules_version": m.RulesVersion,
		"opencost.exporter.window_start":  m.WindowStart,
		"opencost.exporter.window_end":    m.WindowEnd,
	}
}
