// ABOUTME: Record and Attachment types for the canonical store
// ABOUTME: Defines the durable data model and list filtering options

package canonical

import (
	"time"
)

// ContentType constants for records.
const (
	ContentTypeText = "text"     // inline text content
	ContentTypeFile = "file_ref" // content is a path to an attachment
)

// Record is the atomic unit of stored content. Once created, its ID and
// CreatedAt never change; edits bump Version, deletion sets a tombstone.
type Record struct {
	ID          string
	UnitID      string
	Version     int64
	Content     string
	ContentType string // "text" or "file_ref"
	Source      string
	Tags        []string
	CreatedAt   time.Time
	UpdatedAt   time.Time // zero until first edit
	Deleted     bool
}

// Preview returns the first n runes of content for listings.
func (r *Record) Preview(n int) string {
	runes := []rune(r.Content)
	if len(runes) <= n {
		return r.Content
	}
	return string(runes[:n]) + "..."
}

// Attachment is binary content associated with a record. Owned attachments
// live under the unit's attachments directory and share the record's
// lifetime; unowned attachments reference an external path.
type Attachment struct {
	ID        string
	RecordID  string
	FileName  string
	Path      string
	Owned     bool
	SizeBytes int64
	CreatedAt time.Time
}

// Version is one historical state of a record, retained when the unit's
// history policy is "full".
type Version struct {
	RecordID  string
	Version   int64
	Content   string
	WrittenAt time.Time
}

// Meta carries caller-supplied provenance for a Put.
type Meta struct {
	ContentType string // defaults to "text"
	Source      string
	Tags        []string
}

// ListFilter controls List output. The zero value lists the first
// DefaultListLimit live records in insertion order.
type ListFilter struct {
	Limit          int
	Offset         int
	NewestFirst    bool
	IncludeDeleted bool
	ContentType    string // filter by content type when set
}

// DefaultListLimit caps unbounded list calls.
const DefaultListLimit = 100

// MaxListLimit is the hard ceiling for a single list page.
const MaxListLimit = 1000
