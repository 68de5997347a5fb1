// ABOUTME: Portable snapshot export of a unit's canonical store
// ABOUTME: Writes records.jsonl plus copies of owned attachment files

package canonical

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// exportRecord is the wire shape of one line in records.jsonl.
type exportRecord struct {
	ID          string    `json:"id"`
	UnitID      string    `json:"unit_id"`
	Version     int64     `json:"version"`
	Content     string    `json:"content"`
	ContentType string    `json:"content_type"`
	Source      string    `json:"source,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at,omitzero"`
	Deleted     bool      `json:"deleted,omitempty"`
}

// Export writes a self-contained snapshot of the store under destDir:
// a records.jsonl with every record including tombstones, and an
// attachments/ directory holding copies of all owned attachment files.
// The snapshot depends only on canonical state, never on derived indexes.
func (s *Store) Export(ctx context.Context, destDir string) error {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating export directory: %w", err)
	}

	f, err := os.Create(filepath.Join(destDir, "records.jsonl"))
	if err != nil {
		return fmt.Errorf("creating records.jsonl: %w", err)
	}
	defer f.Close()

	enc := json.NewEncoder(f)

	// Tombstones are part of the canonical state and travel with it.
	rows, err := s.List(ctx, ListFilter{Limit: MaxListLimit, IncludeDeleted: true})
	if err != nil {
		return err
	}
	offset := 0
	for len(rows) > 0 {
		for _, rec := range rows {
			if err := enc.Encode(exportRecord{
				ID:          rec.ID,
				UnitID:      rec.UnitID,
				Version:     rec.Version,
				Content:     rec.Content,
				ContentType: rec.ContentType,
				Source:      rec.Source,
				Tags:        rec.Tags,
				CreatedAt:   rec.CreatedAt,
				UpdatedAt:   rec.UpdatedAt,
				Deleted:     rec.Deleted,
			}); err != nil {
				return fmt.Errorf("encoding record %s: %w", rec.ID, err)
			}
		}
		offset += len(rows)
		rows, err = s.List(ctx, ListFilter{Limit: MaxListLimit, Offset: offset, IncludeDeleted: true})
		if err != nil {
			return err
		}
	}

	if err := f.Sync(); err != nil {
		return fmt.Errorf("syncing records.jsonl: %w", err)
	}

	return s.exportAttachments(ctx, filepath.Join(destDir, "attachments"))
}

// exportAttachments copies every owned attachment file into destDir.
func (s *Store) exportAttachments(ctx context.Context, destDir string) error {
	rows, err := s.db.QueryContext(ctx, `SELECT path FROM attachments WHERE owned = 1`)
	if err != nil {
		return fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return fmt.Errorf("scanning attachment path: %w", err)
		}
		paths = append(paths, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterating attachment paths: %w", err)
	}
	if len(paths) == 0 {
		return nil
	}

	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return fmt.Errorf("creating attachments export directory: %w", err)
	}
	for _, p := range paths {
		if err := copyFile(p, filepath.Join(destDir, filepath.Base(p))); err != nil {
			return fmt.Errorf("copying attachment %s: %w", p, err)
		}
	}
	return nil
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
