// ABOUTME: File ingestion and attachment handling for the canonical store
// ABOUTME: Content-deduplicated owned attachments plus external file references

package canonical

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/knowbase/kbm/internal/errs"
)

// PutFile persists a file-backed record and returns (record id, resolved path).
//
// If contentB64 is non-empty it is base64-encoded file data; filePath is then
// just the file name, and the bytes are written content-deduplicated under
// the attachments directory (an owned attachment). Otherwise filePath must be
// an absolute path to an existing local file, which is referenced in place
// (an unowned attachment).
func (s *Store) PutFile(ctx context.Context, filePath, contentB64 string) (string, string, error) {
	if filePath == "" {
		return "", "", errs.Validation("file_path must not be empty")
	}

	var resolved string
	var owned bool
	var size int64

	if contentB64 != "" {
		data, err := base64.StdEncoding.DecodeString(contentB64)
		if err != nil {
			return "", "", errs.Validation("content is not valid base64: %v", err)
		}
		resolved, err = s.saveAttachment(filepath.Base(filePath), data)
		if err != nil {
			return "", "", err
		}
		owned = true
		size = int64(len(data))
	} else {
		if !filepath.IsAbs(filePath) {
			return "", "", errs.Validation("expected absolute path, got %q", filePath)
		}
		info, err := os.Stat(filePath)
		if err != nil {
			return "", "", errs.Validation("file not found: %s", filePath)
		}
		if info.IsDir() {
			return "", "", errs.Validation("expected a file, got directory: %s", filePath)
		}
		resolved = filePath
		size = info.Size()
	}

	source := filePath
	if owned {
		source = "upload:" + filepath.Base(filePath)
	}

	id, err := s.Put(ctx, resolved, Meta{ContentType: ContentTypeFile, Source: source})
	if err != nil {
		return "", "", err
	}

	if err := s.insertAttachment(ctx, id, resolved, owned, size); err != nil {
		return "", "", err
	}

	return id, resolved, nil
}

// saveAttachment writes data under the attachments directory, deduplicated
// by content hash. Re-uploading identical bytes reuses the existing file.
func (s *Store) saveAttachment(name string, data []byte) (string, error) {
	if s.attDir == "" {
		return "", fmt.Errorf("attachments directory not configured")
	}
	if err := os.MkdirAll(s.attDir, 0o755); err != nil {
		return "", fmt.Errorf("creating attachments directory: %w", err)
	}

	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])[:16]
	dest := filepath.Join(s.attDir, hash+"-"+name)

	if _, err := os.Stat(dest); os.IsNotExist(err) {
		if err := os.WriteFile(dest, data, 0o644); err != nil {
			return "", fmt.Errorf("writing attachment: %w", err)
		}
		s.logger.Debug("saved attachment", "path", dest, "bytes", len(data))
	} else {
		s.logger.Debug("attachment already exists", "path", dest)
	}

	return dest, nil
}

// insertAttachment records an attachment row for a file-backed record.
func (s *Store) insertAttachment(ctx context.Context, recordID, path string, owned bool, size int64) error {
	ownedInt := 0
	if owned {
		ownedInt = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO attachments (id, record_id, file_name, path, owned, size_bytes, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`, uuid.New().String(), recordID, filepath.Base(path), path, ownedInt, size,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("inserting attachment: %w", err)
	}
	return nil
}

// Attachments returns all attachments for a record.
func (s *Store) Attachments(ctx context.Context, recordID string) ([]*Attachment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, record_id, file_name, path, owned, size_bytes, created_at
		FROM attachments
		WHERE record_id = ?
		ORDER BY created_at ASC
	`, recordID)
	if err != nil {
		return nil, fmt.Errorf("querying attachments: %w", err)
	}
	defer rows.Close()

	var atts []*Attachment
	for rows.Next() {
		var a Attachment
		var owned int
		var size int64
		var createdAt string
		if err := rows.Scan(&a.ID, &a.RecordID, &a.FileName, &a.Path, &owned, &size, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning attachment row: %w", err)
		}
		a.Owned = owned != 0
		a.SizeBytes = size
		a.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt)
		if err != nil {
			return nil, fmt.Errorf("parsing created_at: %w", err)
		}
		atts = append(atts, &a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating attachment rows: %w", err)
	}
	return atts, nil
}
