package store

import "time"

// Status is the document lifecycle state.
type Status string

const (
	StatusUploading     Status = "UPLOADING"
	StatusProcessing    Status = "PROCESSING"
	StatusUploadingToKB Status = "UPLOADING_TO_KB"
	StatusParsingKB     Status = "PARSING_KB"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusKBParseFailed Status = "KB_PARSE_FAILED"
)

// Terminal reports whether the status is an end state of the machine.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusKBParseFailed
}

// Retryable reports whether Retry may re-enter the machine from this status.
func (s Status) Retryable() bool {
	return s == StatusFailed || s == StatusKBParseFailed
}

// Kind is the logical document kind driving conversion strategy selection.
type Kind string

const (
	KindPDF      Kind = "pdf"
	KindExcel    Kind = "excel"
	KindWord     Kind = "word"
	KindImage    Kind = "image"
	KindHTML     Kind = "html"
	KindMarkdown Kind = "markdown"
)

// Progress floors per status. Finer-grained values may be emitted within a
// phase; writes never lower progress except forced resets.
const (
	ProgressUploading     = 0
	ProgressProcessing    = 10
	ProgressConverted     = 50
	ProgressUploadingToKB = 60
	ProgressParsingKB     = 80
	ProgressCompleted     = 100
)

// Document is one ingested file moving through the pipeline.
type Document struct {
	ID                  string
	ProjectID           string
	Name                string // display name, label-prefixed when labeled
	StoredName          string // "<hex>_<safe-name>.<ext>" under uploads/
	Kind                Kind
	Label               string
	SizeBytes           int64
	UploadedBy          string
	Status              Status
	Progress            int
	ProcessedFilePath   string
	RagDocumentID       string
	ErrorMessage        string
	CreatedAt           time.Time
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
}

// Project groups documents and owns the knowledge-base dataset binding.
type Project struct {
	ID                string
	Name              string
	Owner             string
	FolderUUID        string
	DatasetID         string
	KnowledgeBaseName string
	ReportPath        string
	ReportStatus      string
	ReportGeneratedAt *time.Time
	CreatedAt         time.Time
}

// DocumentPatch carries the optional field writes of a document update. Nil
// pointers leave fields untouched. A pointer to the zero value clears the
// field. Progress application is monotonic unless ForceProgress is set
// (Retry and Rebuild resets).
type DocumentPatch struct {
	Status              *Status
	Progress            *int
	ForceProgress       bool
	ErrorMessage        *string
	ProcessedFilePath   *string
	RagDocumentID       *string
	ProcessingStartedAt *time.Time
	ProcessedAt         *time.Time
}

// apply mutates d in place per patch semantics. Shared by the memory store;
// the Redis store evaluates the same rules server-side.
func (p DocumentPatch) apply(d *Document) {
	if p.Status != nil {
		d.Status = *p.Status
	}
	if p.Progress != nil {
		if p.ForceProgress || *p.Progress > d.Progress {
			d.Progress = *p.Progress
		}
	}
	if p.ErrorMessage != nil {
		d.ErrorMessage = *p.ErrorMessage
	}
	if p.ProcessedFilePath != nil {
		d.ProcessedFilePath = *p.ProcessedFilePath
	}
	if p.RagDocumentID != nil {
		d.RagDocumentID = *p.RagDocumentID
	}
	if p.ProcessingStartedAt != nil {
		if p.ProcessingStartedAt.IsZero() {
			d.ProcessingStartedAt = nil
		} else {
			t := *p.ProcessingStartedAt
			d.ProcessingStartedAt = &t
		}
	}
	if p.ProcessedAt != nil {
		if p.ProcessedAt.IsZero() {
			d.ProcessedAt = nil
		} else {
			t := *p.ProcessedAt
			d.ProcessedAt = &t
		}
	}
}

// StatusPtr, IntPtr and StrPtr build patch fields inline.
func StatusPtr(s Status) *Status { return &s }

func IntPtr(v int) *int { return &v }

func StrPtr(s string) *string { return &s }

func TimePtr(t time.Time) *time.Time { return &t }
