package report

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/klauspost/compress/zstd"

	"github.com/MikeSquared-Agency/amqpdiff/internal/diff"
)

// ErrSummarizationUnavailable means the narrative could not be produced. The
// structured document is still delivered.
var ErrSummarizationUnavailable = errors.New("summarization unavailable")

// Summarizer turns a finished document into prose.
type Summarizer interface {
	Summarize(ctx context.Context, doc *Document) (string, error)
}

type Emitter struct {
	summarizer Summarizer
	logger     *slog.Logger
}

// NewEmitter returns an emitter. A nil summarizer skips the narrative.
func NewEmitter(summarizer Summarizer, logger *slog.Logger) *Emitter {
	if logger == nil {
		logger = slog.Default()
	}
	return &Emitter{summarizer: summarizer, logger: logger}
}

// Emit builds the document for r and, when a summarizer is configured,
// attaches its narrative. Summarizer failures are recorded on the document
// and never fail the call.
func (e *Emitter) Emit(ctx context.Context, r *diff.Report, runID string) *Document {
	doc := Build(r)
	doc.RunID = runID
	if e.summarizer == nil {
		return doc
	}

	text, err := e.summarizer.Summarize(ctx, doc)
	if err == nil && strings.TrimSpace(text) == "" {
		err = errors.New("empty narrative")
	}
	if err != nil {
		if !errors.Is(err, ErrSummarizationUnavailable) {
			err = fmt.Errorf("%w: %v", ErrSummarizationUnavailable, err)
		}
		e.logger.Warn("narrative summary failed", "run_id", runID, "error", err)
		doc.NarrativeStatus = NarrativeUnavailable
		doc.NarrativeError = err.Error()
		return doc
	}
	doc.Narrative = strings.TrimSpace(text)
	doc.NarrativeStatus = NarrativeOK
	return doc
}

// Write serializes doc as indented JSON.
func Write(w io.Writer, doc *Document) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("encode report: %w", err)
	}
	return nil
}

// WriteFile writes doc to path, zstd-compressed when path ends in .zst.
func WriteFile(path string, doc *Document) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create report: %w", err)
	}
	defer func() {
		if cerr := f.Close(); err == nil && cerr != nil {
			err = fmt.Errorf("close report: %w", cerr)
		}
	}()

	if !strings.HasSuffix(path, ".zst") {
		return Write(f, doc)
	}
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return fmt.Errorf("zstd writer: %w", err)
	}
	if err := Write(enc, doc); err != nil {
		enc.Close()
		return err
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	return nil
}

// Read decodes a document written by Write or WriteFile.
func Read(r io.Reader) (*Document, error) {
	var doc Document
	if err := json.NewDecoder(r).Decode(&doc); err != nil {
		return nil, fmt.Errorf("decode report: %w", err)
	}
	return &doc, nil
}

// ReadFile reads a document, transparently decompressing .zst archives.
func ReadFile(path string) (*Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open report: %w", err)
	}
	defer f.Close()
	if !strings.HasSuffix(path, ".zst") {
		return Read(f)
	}
	dec, err := zstd.NewReader(f)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer dec.Close()
	return Read(dec)
}
