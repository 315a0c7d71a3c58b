package torrent

import (
	"fmt"
	"os"
	"path/filepath"
)

// FileWriter is the external file-assembly collaborator named in spec
// §6 ("Output"), implemented only to the interface boundary the
// controller needs: given a verified piece's bytes and the file
// layout derived at metainfo-load time, write each overlapping byte
// range into the right output file, creating directories as needed.
type FileWriter struct {
	outputDir string
	meta      *Metainfo
	handles   map[string]*os.File
}

// NewFileWriter prepares (but does not yet open) the output layout
// under outputDir.
func NewFileWriter(outputDir string, meta *Metainfo) *FileWriter {
	return &FileWriter{outputDir: outputDir, meta: meta, handles: make(map[string]*os.File)}
}

// Open creates (and truncates to final size) every output file.
func (w *FileWriter) Open() error {
	for _, fe := range w.meta.Files {
		full := filepath.Join(w.outputDir, fe.Path)
		if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
			return fmt.Errorf("creating directory for %s: %w", full, err)
		}

		f, err := os.OpenFile(full, os.O_RDWR|os.O_CREATE, 0o644)
		if err != nil {
			return fmt.Errorf("opening %s: %w", full, err)
		}
		if err := f.Truncate(fe.Length); err != nil {
			f.Close()
			return fmt.Errorf("truncating %s: %w", full, err)
		}
		w.handles[fe.Path] = f
	}
	return nil
}

// Close closes every open output file.
func (w *FileWriter) Close() error {
	var firstErr error
	for _, f := range w.handles {
		if err := f.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// WritePiece splits a verified piece's bytes across every file range
// it overlaps and writes each range at the matching file-relative
// offset.
func (w *FileWriter) WritePiece(index int, data []byte) error {
	pieceStart := int64(index) * w.meta.PieceLength
	pieceEnd := pieceStart + int64(len(data))

	for _, fe := range w.meta.Files {
		fileStart := fe.Offset
		fileEnd := fe.Offset + fe.Length

		start := maxInt64(pieceStart, fileStart)
		end := minInt64(pieceEnd, fileEnd)
		if start >= end {
			continue
		}

		chunk := data[start-pieceStart : end-pieceStart]

		f, ok := w.handles[fe.Path]
		if !ok {
			return fmt.Errorf("file %s was never opened", fe.Path)
		}
		if _, err := f.WriteAt(chunk, start-fileStart); err != nil {
			return fmt.Errorf("writing %s: %w", fe.Path, err)
		}
	}

	return nil
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func minInt64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
