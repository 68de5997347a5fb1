// ABOUTME: Typed request and response shapes for the tool surface
// ABOUTME: JSON-tagged structs returned to MCP clients

package server

import (
	"time"

	"github.com/knowbase/kbm/internal/canonical"
)

// RecordView is the wire shape of a record.
type RecordView struct {
	ID          string    `json:"id"`
	UnitID      string    `json:"unit_id"`
	Version     int64     `json:"version"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Source      string    `json:"source,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
}

func toRecordView(rec *canonical.Record) RecordView {
	return RecordView{
		ID:          rec.ID,
		UnitID:      rec.UnitID,
		Version:     rec.Version,
		Content:     rec.Content,
		ContentType: rec.ContentType,
		Source:      rec.Source,
		Tags:        rec.Tags,
		CreatedAt:   rec.CreatedAt,
		UpdatedAt:   rec.UpdatedAt,
	}
}

// InsertResponse acknowledges a stored record.
type InsertResponse struct {
	RecordID string `json:"record_id"`
	UnitID   string `json:"unit_id"`
}

// InsertFileResponse acknowledges a stored file-backed record.
type InsertFileResponse struct {
	RecordID string `json:"record_id"`
	UnitID   string `json:"unit_id"`
	Path     string `json:"path"`
}

// EditResponse reports the new version after an edit.
type EditResponse struct {
	RecordID string `json:"record_id"`
	UnitID   string `json:"unit_id"`
	Version  int64  `json:"version"`
}

// DeleteResponse reports whether a live record was tombstoned.
type DeleteResponse struct {
	RecordID string `json:"record_id"`
	UnitID   string `json:"unit_id"`
	Deleted  bool   `json:"deleted"`
}

// GetResponse returns one record.
type GetResponse struct {
	Record RecordView `json:"record"`
}

// ListResponse enumerates records in one unit.
type ListResponse struct {
	UnitID  string       `json:"unit_id"`
	Records []RecordView `json:"records"`
}

// QueryHit is one search result with its source attribution.
type QueryHit struct {
	Ref      string     `json:"ref"` // "<unit_id>:<record_id>"
	UnitID   string     `json:"unit_id"`
	RecordID string     `json:"record_id"`
	Score    float64    `json:"score"`
	Snippet  string     `json:"snippet,omitempty"`
	Record   RecordView `json:"record"`
}

// QueryResponse carries search results. PartialFailures names units that
// could not answer; their absence from Results is not silent.
type QueryResponse struct {
	Query           string            `json:"query"`
	Hits            []QueryHit        `json:"hits"`
	PartialFailures map[string]string `json:"partial_failures,omitempty"`
}

// UnitStatus is one unit's entry in an info response.
type UnitStatus struct {
	Records int               `json:"records,omitempty"`
	Primary string            `json:"primary_engine,omitempty"`
	Engines map[string]string `json:"engines,omitempty"`
	Error   string            `json:"error,omitempty"`
}

// InfoResponse reports status for every readable unit.
type InfoResponse struct {
	View  string                `json:"view"`
	Units map[string]UnitStatus `json:"units"`
}
