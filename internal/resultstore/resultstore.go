// Package resultstore persists benchmark runs. A run archive is a zstd
// stream of CBOR documents: one run-info header, zero or more sample
// batches, one summary footer. CBOR uses Core Deterministic Encoding
// (RFC 8949 §4.2) so the same logical run always produces identical
// bytes before compression.
package resultstore

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/klauspost/compress/zstd"

	"github.com/benchpulse/benchpulse/internal/session"
	"github.com/benchpulse/benchpulse/internal/sysinfo"
	"github.com/benchpulse/benchpulse/internal/telemetry"
)

// Document kinds in stream order.
const (
	KindRunInfo = "run_info"
	KindBatch   = "batch"
	KindSummary = "summary"
)

// FileExtension is the suffix of run archive files.
const FileExtension = ".bpr"

// Document is one element of a run archive stream. Exactly one payload
// field is set, selected by Kind.
type Document struct {
	Kind      string `cbor:"kind"`
	WrittenAt int64  `cbor:"written_at"`

	RunInfo *sysinfo.RunInfo   `cbor:"run_info,omitempty"`
	Records []telemetry.Record `cbor:"records,omitempty"`
	Summary *session.Summary   `cbor:"summary,omitempty"`
}

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("resultstore: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{}.DecMode()
	if err != nil {
		panic("resultstore: CBOR decoder initialization failed: " + err.Error())
	}
}

// Writer streams one run archive to disk. It implements the session
// result sink. Safe for concurrent use, though the orchestrator calls
// it from a single goroutine.
type Writer struct {
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	file    *os.File
	zw      *zstd.Encoder
	enc     *cbor.Encoder
	path    string
	records int
	closed  bool
}

// NewWriter creates the archive file under dir, named by the current
// time. The directory is created if missing.
func NewWriter(dir string, logger *slog.Logger) (*Writer, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create result dir: %w", err)
	}

	now := time.Now()
	path := filepath.Join(dir, "run-"+now.UTC().Format("20060102-150405")+FileExtension)
	file, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("create result file: %w", err)
	}

	zw, err := zstd.NewWriter(file, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}

	return &Writer{
		logger: logger.With("component", "resultstore"),
		now:    time.Now,
		file:   file,
		zw:     zw,
		enc:    encMode.NewEncoder(zw),
		path:   path,
	}, nil
}

// Path returns the archive file path.
func (w *Writer) Path() string {
	return w.path
}

// RecordCount returns the number of sample records written so far.
func (w *Writer) RecordCount() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.records
}

// WriteRunInfo writes the header document.
func (w *Writer) WriteRunInfo(info sysinfo.RunInfo) error {
	return w.write(Document{
		Kind:    KindRunInfo,
		RunInfo: &info,
	})
}

// WriteBatch appends one batch document.
func (w *Writer) WriteBatch(records []telemetry.Record) error {
	if len(records) == 0 {
		return nil
	}
	if err := w.write(Document{
		Kind:    KindBatch,
		Records: records,
	}); err != nil {
		return err
	}

	w.mu.Lock()
	w.records += len(records)
	w.mu.Unlock()
	return nil
}

// Finalize writes the footer document and flushes the compressor so
// the archive is complete on disk even before Close.
func (w *Writer) Finalize(summary session.Summary) error {
	if err := w.write(Document{
		Kind:    KindSummary,
		Summary: &summary,
	}); err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	if err := w.zw.Flush(); err != nil {
		return fmt.Errorf("flush archive: %w", err)
	}
	w.logger.Info("run archive finalized", "path", w.path, "records", w.records)
	return nil
}

// Close terminates the zstd stream and the file. Idempotent.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true

	zerr := w.zw.Close()
	ferr := w.file.Close()
	if zerr != nil {
		return fmt.Errorf("close archive stream: %w", zerr)
	}
	if ferr != nil {
		return fmt.Errorf("close archive file: %w", ferr)
	}
	return nil
}

func (w *Writer) write(doc Document) error {
	doc.WrittenAt = w.now().UnixMilli()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return fmt.Errorf("resultstore: archive already closed")
	}
	if err := w.enc.Encode(doc); err != nil {
		return fmt.Errorf("encode %s document: %w", doc.Kind, err)
	}
	return nil
}

// Read decodes an entire run archive. Used by tests and offline
// tooling.
func Read(path string) ([]Document, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	defer file.Close()

	zr, err := zstd.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("zstd reader: %w", err)
	}
	defer zr.Close()

	var docs []Document
	dec := decMode.NewDecoder(zr)
	for {
		var doc Document
		if err := dec.Decode(&doc); err != nil {
			if errors.Is(err, io.EOF) {
				return docs, nil
			}
			return nil, fmt.Errorf("decode document %d: %w", len(docs), err)
		}
		docs = append(docs, doc)
	}
}
