// ABOUTME: Extraction of indexable text from canonical records
// ABOUTME: Inline text passes through; file-backed records are read and de-markdowned

package engine

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"

	"github.com/knowbase/kbm/internal/canonical"
)

// maxExtractBytes caps how much of a file-backed record gets indexed.
const maxExtractBytes = 1 << 20

// IndexableText returns the text an engine should index for a record.
// Inline records index their content directly. File-backed records index
// the file's contents when it is readable text, with markdown rendered
// down to plain text; binary or unreadable files fall back to the file name.
func IndexableText(rec *canonical.Record) string {
	if rec.ContentType != canonical.ContentTypeFile {
		return rec.Content
	}

	data, err := os.ReadFile(rec.Content)
	if err != nil {
		return filepath.Base(rec.Content)
	}
	if len(data) > maxExtractBytes {
		data = data[:maxExtractBytes]
	}
	if !utf8.Valid(data) {
		return filepath.Base(rec.Content)
	}

	if strings.EqualFold(filepath.Ext(rec.Content), ".md") {
		return markdownToText(data)
	}
	return string(data)
}

// markdownToText flattens markdown to the plain text an index can rank.
func markdownToText(src []byte) string {
	md := goldmark.New()
	doc := md.Parser().Parse(text.NewReader(src))

	var buf bytes.Buffer
	_ = ast.Walk(doc, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch t := n.(type) {
		case *ast.Text:
			buf.Write(t.Segment.Value(src))
			if t.SoftLineBreak() || t.HardLineBreak() {
				buf.WriteByte('\n')
			}
		case *ast.AutoLink:
			buf.Write(t.URL(src))
		case *ast.CodeBlock:
			writeLines(&buf, src, t)
		case *ast.FencedCodeBlock:
			writeLines(&buf, src, t)
		case *ast.Heading, *ast.Paragraph, *ast.ListItem:
			if buf.Len() > 0 {
				buf.WriteByte('\n')
			}
		}
		return ast.WalkContinue, nil
	})

	return strings.TrimSpace(buf.String())
}

func writeLines(buf *bytes.Buffer, src []byte, n ast.Node) {
	lines := n.Lines()
	for i := 0; i < lines.Len(); i++ {
		seg := lines.At(i)
		buf.Write(seg.Value(src))
	}
}
