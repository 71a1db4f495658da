package models

import "time"

// ExtractionStatus tracks content extraction for a File node.
type ExtractionStatus string

const (
	ExtractionPending    ExtractionStatus = "pending"
	ExtractionProcessing ExtractionStatus = "processing"
	ExtractionCompleted  ExtractionStatus = "completed"
	ExtractionFailed     ExtractionStatus = "failed"
)

// FileNode is a file reported by a provider.
type FileNode struct {
	ID               string           `json:"id"`
	OrgID            string           `json:"org_id"`
	SourceID         string           `json:"source_id"`
	Path             string           `json:"path"`
	MimeType         string           `json:"mime_type,omitempty"`
	ExtractedText    string           `json:"extracted_text"`
	ContentMetadata  map[string]any   `json:"content_metadata"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	ExtractionError  string           `json:"extraction_error,omitempty"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

// FolderNode is a folder reported by a provider. Identity is
// (OrgID, SourceID, Path); deletion is a flag, never row removal.
type FolderNode struct {
	ID        string    `json:"id"`
	OrgID     string    `json:"org_id"`
	SourceID  string    `json:"source_id"`
	Path      string    `json:"path"`
	Name      string    `json:"name"`
	Current   bool      `json:"current"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ActionStatus is the outcome recorded on a provenance entry.
type ActionStatus string

const (
	ActionCompleted ActionStatus = "completed"
	ActionFailed    ActionStatus = "failed"
)

// Action is an immutable audit entry for one agent-initiated mutation.
type Action struct {
	ID           string         `json:"id"`
	CommitID     string         `json:"commit_id"`
	ActionType   string         `json:"action_type"`
	Tool         string         `json:"tool"`
	EntityType   string         `json:"entity_type"`
	EntityID     string         `json:"entity_id"`
	Inputs       map[string]any `json:"inputs"`
	Outputs      map[string]any `json:"outputs"`
	Status       ActionStatus   `json:"status"`
	ErrorMessage string         `json:"error_message,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}

// Content is normalized extractor output. Text and Metadata are never nil
// once returned by the extractor.
type Content struct {
	Text     string         `json:"text"`
	Metadata map[string]any `json:"metadata"`
}
