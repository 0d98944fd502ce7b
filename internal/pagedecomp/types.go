package pagedecomp

// Kind identifies the artifact shape the decomposer dispatches on.
type Kind string

const (
	KindPDF         Kind = "pdf"
	KindTIFF        Kind = "tiff"
	KindImageBundle Kind = "image_bundle"
	KindArchive     Kind = "archive"
)

// Page is one decomposed page of a version's artifact, identified by its
// image hash for cross-version analysis-result dedup.
type Page struct {
	Number    int    `json:"page_number"`
	ImageHash string `json:"image_hash"`

	// Quality is populated for kinds where a text layer is available
	// to sample (PDF); nil otherwise. Decompose returns it with the page;
	// Worker does not store it and the analysis dispatcher does not read it.
	Quality *PageQuality `json:"quality,omitempty"`
}

// ChildArtifact is a sub-document recovered from unpacking an archive
// (a zip, or the parts of one RFC 5322 email). ExpandArchive only returns
// children; it does not store them or enqueue them as versions.
type ChildArtifact struct {
	Name string
	Data []byte
}
