package catalog

import "time"

// Document is the logical identity of a retrieved thing, keyed by
// (source, canonical URL).
type Document struct {
	ID           string
	Source       string
	CanonicalURL string
	Title        string
	FirstSeen    time.Time
	LastSeen     time.Time
}

// Version is an immutable snapshot of a document's bytes.
type Version struct {
	ID                  string
	DocumentID          string
	ContentHash         string
	ContentHashBLAKE3   string
	FileSize            int64
	MimeType            string
	AcquiredAt          time.Time
	SourceURL           string
	OriginalFilename    string
	ServerDate          *time.Time
	PageCount           int
	ArchiveSnapshotID   *string
	EarliestArchivedAt  *time.Time
	Status              string
}

// Version.Status values.
const (
	VersionStatusPending = "pending"
	VersionStatusStored  = "stored"
	VersionStatusFailed  = "failed"
)

// Page is one subdivision of a version for paginated artifacts.
type Page struct {
	ID         string
	DocumentID string
	VersionID  string
	PageNumber int
	ImageHash  string
}

// AnalysisResult is one (page-or-document, analysis_type, backend, model)
// outcome row.
type AnalysisResult struct {
	ID                string
	PageID            *string
	DocumentID        string
	VersionID         string
	AnalysisType      string
	Backend           string
	Model             string
	ResultText        string
	Confidence        *float64
	ProcessingTimeMS  int64
	Status            string
	Error             string
	CreatedAt         time.Time
	Metadata          string // opaque JSON
}

// AnalysisResult.Status values.
const (
	AnalysisStatusPending  = "pending"
	AnalysisStatusComplete = "complete"
	AnalysisStatusFailed   = "failed"
)

// ArchiveSnapshot is a record from an external web archive.
type ArchiveSnapshot struct {
	ID            string
	VersionID     string
	Service       string
	OriginalURL   string
	ArchiveURL    string
	CapturedAt    time.Time
	HTTPStatus    int
	MimeType      string
	ContentLength int64
	Digest        string
	Metadata      string
}

// ArchiveCheck is a per-(version, service) memo of the last archive query.
type ArchiveCheck struct {
	ID        string
	VersionID string
	Service   string
	CheckedAt time.Time
	Outcome   string
}

// ArchiveCheck.Outcome values.
const (
	ArchiveOutcomeVerified    = "verified"
	ArchiveOutcomeNewVersions = "new_versions"
	ArchiveOutcomeNoSnapshots = "no_snapshots"
	ArchiveOutcomeError       = "error"
)

// ScrapeState is per-source crawl state: frontier, visited set, cursor.
type ScrapeState struct {
	Source          string
	FrontierJSON    string
	VisitedJSON     string
	PaginationToken string
	LastError       string
	LastSuccessAt   *time.Time
	PolitenessJSON  string
	StatsJSON       string
	// DegradedAt is non-nil once the source has been marked AuthOrBlocked;
	// discovery.Engine.RunOnce refuses to drain the frontier for a source
	// with a non-nil DegradedAt, and ClaimFetchJob/ClaimAnalysisJob refuse
	// to dispatch jobs belonging to it, until an operator clears it.
	DegradedAt *time.Time
}

// ServiceStatus is a liveness/counters row for one long-running worker.
type ServiceStatus struct {
	ServiceType    string
	Host           string
	State          string
	CurrentSource  string
	StartedAt      time.Time
	LastHeartbeat  time.Time
	CountersJSON   string
	LastError      string
	ErrorCount     int
}

// ServiceStatus.State values.
const (
	ServiceStateStarting = "starting"
	ServiceStateRunning  = "running"
	ServiceStateIdle     = "idle"
	ServiceStateError    = "error"
	ServiceStateStopped  = "stopped"
)

// FetchJob is a pending or in-flight document fetch.
type FetchJob struct {
	ID            string
	Source        string
	URL           string
	ExpectedMime  string
	Status        string
	LeaseOwner    string
	LeaseExpires  *time.Time
	Attempts      int
	MaxAttempts   int
	CreatedAt     time.Time
	CompletedAt   *time.Time
	Error         string
}

// AnalysisJob is a pending or in-flight analysis run.
type AnalysisJob struct {
	ID           string
	PageID       *string
	DocumentID   string
	VersionID    string
	AnalysisType string
	Backend      string
	Model        string
	Status       string
	LeaseOwner   string
	LeaseExpires *time.Time
	Attempts     int
	MaxAttempts  int
	CreatedAt    time.Time
	CompletedAt  *time.Time
	Error        string
}

// Job status values, shared by FetchJob and AnalysisJob.
const (
	JobStatusPending    = "pending"
	JobStatusProcessing = "processing"
	JobStatusCompleted  = "completed"
	JobStatusFailed     = "failed"
	JobStatusPoison     = "poison"
)
