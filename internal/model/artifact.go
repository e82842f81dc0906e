package model

// OutputArtifact is one file written by the summary emitter.
type OutputArtifact struct {
	Name      string    `json:"name"`
	Path      string    `json:"path"`
	Format    string    `json:"format"` // "csv", "json"
	Tag       string    `json:"tag"`
	Partition Partition `json:"partition"`
	Bytes     int64     `json:"bytes"`
	SHA256    string    `json:"sha256"`
	Rotated   string    `json:"rotated,omitempty"` // backup path when a previous artifact was kept
	RemoteURI string    `json:"remote_uri,omitempty"`
}
