// ABOUTME: Markdown mirror engine writing records as .md files with YAML frontmatter
// ABOUTME: Human-browsable secondary index; query is a case-insensitive substring scan

package markdown

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/knowbase/kbm/internal/canonical"
	"github.com/knowbase/kbm/internal/engine"
	"github.com/knowbase/kbm/internal/errs"
)

// Name is the engine identifier used in unit configuration.
const Name = "markdown"

// frontmatter is the YAML header of each mirrored file.
type frontmatter struct {
	ID          string    `yaml:"id"`
	Unit        string    `yaml:"unit"`
	Version     int64     `yaml:"version"`
	ContentType string    `yaml:"content_type"`
	Source      string    `yaml:"source,omitempty"`
	Tags        []string  `yaml:"tags,omitempty"`
	CreatedAt   time.Time `yaml:"created_at"`
}

// Engine mirrors records into a directory of markdown files, one per
// record, named by record id. The directory is disposable; rebuild
// rewrites it from canonical data.
type Engine struct {
	dir    string
	logger *slog.Logger
}

var _ engine.Engine = (*Engine)(nil)

// Open prepares a markdown mirror rooted at dir.
func Open(dir string, logger *slog.Logger) (*Engine, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating mirror directory: %w", err)
	}
	return &Engine{dir: dir, logger: logger.With("component", "markdown")}, nil
}

func (e *Engine) Name() string { return Name }

func (e *Engine) path(recordID string) string {
	return filepath.Join(e.dir, recordID+".md")
}

// Index writes (or rewrites) the record's mirror file.
func (e *Engine) Index(ctx context.Context, rec *canonical.Record) error {
	fm, err := yaml.Marshal(frontmatter{
		ID:          rec.ID,
		Unit:        rec.UnitID,
		Version:     rec.Version,
		ContentType: rec.ContentType,
		Source:      rec.Source,
		Tags:        rec.Tags,
		CreatedAt:   rec.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("encoding frontmatter: %w", err)
	}

	var b strings.Builder
	b.WriteString("---\n")
	b.Write(fm)
	b.WriteString("---\n\n")
	b.WriteString(engine.IndexableText(rec))
	b.WriteString("\n")

	if err := os.WriteFile(e.path(rec.ID), []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("writing mirror file: %w", err)
	}
	return nil
}

// Remove deletes the record's mirror file. Unknown ids are a no-op.
func (e *Engine) Remove(ctx context.Context, recordID string) error {
	if err := os.Remove(e.path(recordID)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing mirror file: %w", err)
	}
	return nil
}

// Query scans every mirror file for a case-insensitive substring match
// in the body. Frontmatter is not searched.
func (e *Engine) Query(ctx context.Context, text, mode string, topK int) ([]engine.Hit, error) {
	if mode != engine.ModeDefault && mode != engine.ModeNaive {
		return nil, errs.Validation("markdown engine does not support mode %q", mode)
	}
	needle := strings.ToLower(strings.TrimSpace(text))
	if needle == "" {
		return nil, nil
	}
	if topK <= 0 {
		topK = 10
	}

	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return nil, fmt.Errorf("reading mirror directory: %w", err)
	}

	var hits []engine.Hit
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".md") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(e.dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("reading mirror file: %w", err)
		}
		body := stripFrontmatter(string(data))
		if strings.Contains(strings.ToLower(body), needle) {
			hits = append(hits, engine.Hit{
				RecordID: strings.TrimSuffix(entry.Name(), ".md"),
				Score:    1,
				Snippet:  firstLine(body),
			})
			if len(hits) == topK {
				break
			}
		}
	}
	return hits, nil
}

// Rebuild wipes the mirror directory and rewrites it from the scan feed.
func (e *Engine) Rebuild(ctx context.Context, scan engine.ScanFunc) error {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return fmt.Errorf("reading mirror directory: %w", err)
	}
	for _, entry := range entries {
		if strings.HasSuffix(entry.Name(), ".md") {
			if err := os.Remove(filepath.Join(e.dir, entry.Name())); err != nil {
				return fmt.Errorf("clearing mirror file: %w", err)
			}
		}
	}

	n := 0
	err = scan(ctx, func(rec *canonical.Record) error {
		n++
		return e.Index(ctx, rec)
	})
	if err != nil {
		return err
	}

	e.logger.Info("markdown mirror rebuilt", "records", n)
	return nil
}

// Count returns the number of mirrored files.
func (e *Engine) Count(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(e.dir)
	if err != nil {
		return 0, fmt.Errorf("reading mirror directory: %w", err)
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".md") {
			n++
		}
	}
	return n, nil
}

func (e *Engine) Close() error { return nil }

// stripFrontmatter returns the body after the closing --- delimiter.
func stripFrontmatter(s string) string {
	if !strings.HasPrefix(s, "---\n") {
		return s
	}
	rest := s[4:]
	end := strings.Index(rest, "\n---\n")
	if end < 0 {
		return s
	}
	return strings.TrimSpace(rest[end+5:])
}

func firstLine(body string) string {
	if i := strings.IndexByte(body, '\n'); i >= 0 {
		return body[:i]
	}
	return body
}
