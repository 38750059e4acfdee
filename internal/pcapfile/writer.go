// Package pcapfile persists truncated capture records as libpcap files
// in the agent's working directory.
package pcapfile

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"BoxCap/BoxCap-Go-Agent/internal/frame"
	"BoxCap/BoxCap-Go-Agent/internal/logger"
)

// TimestampLayout produces fixed-width, zero-padded filenames so that
// lexicographic order equals chronological order.
const TimestampLayout = "2006-01-02_15-04-05"

// Extension is the capture file suffix.
const Extension = ".pcap"

// Writer flushes batches of finished records into timestamped PCAP
// files in Dir.
type Writer struct {
	Dir     string
	SnapLen uint32

	log *logger.Logger
}

// NewWriter creates a writer for the given working directory.
func NewWriter(dir string, snapLen uint32) *Writer {
	return &Writer{Dir: dir, SnapLen: snapLen, log: logger.GetLogger()}
}

// Filename returns the capture filename for the given instant in UTC.
func Filename(t time.Time) string {
	return t.UTC().Format(TimestampLayout) + Extension
}

// Flush writes records as a single PCAP file named after now and
// returns its path. With no records it does nothing and returns an
// empty path. On any write error the file is removed again so the
// caller can retain the records for a later flush.
func (w *Writer) Flush(records [][]byte, variant frame.Variant, linkType uint32, now time.Time) (string, error) {
	if len(records) == 0 {
		return "", nil
	}
	if err := os.MkdirAll(w.Dir, 0755); err != nil {
		return "", fmt.Errorf("creating working directory: %w", err)
	}

	var buf bytes.Buffer
	if !startsWithGlobalHeader(records[0]) {
		buf.Write(globalHeader(variant, w.SnapLen, linkType))
	} else {
		w.log.Warn("First pending record carries its own global header, writing it through")
	}
	total := 0
	for _, rec := range records {
		buf.Write(rec)
		total += len(rec)
	}

	path := filepath.Join(w.Dir, Filename(now))
	if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
		// Never leave a half-written capture behind; the records stay
		// pending with the caller.
		os.Remove(path)
		return "", fmt.Errorf("writing capture file: %w", err)
	}
	w.log.Debug("Flushed %d records (%d bytes) to %s", len(records), total, path)
	return path, nil
}

// globalHeader synthesizes the 24-byte little-endian file header for
// the session's detected variant.
func globalHeader(variant frame.Variant, snapLen, linkType uint32) []byte {
	b := make([]byte, frame.GlobalHeaderSize)
	magic := frame.MagicStandard
	if variant != frame.VariantStandard {
		// Both extended layouts are stored in the canonical
		// little-endian modified format.
		magic = frame.MagicModified
	}
	binary.LittleEndian.PutUint32(b[0:4], magic)
	binary.LittleEndian.PutUint16(b[4:6], 2)
	binary.LittleEndian.PutUint16(b[6:8], 4)
	// thiszone and sigfigs stay zero.
	binary.LittleEndian.PutUint32(b[16:20], snapLen)
	binary.LittleEndian.PutUint32(b[20:24], linkType)
	return b
}

func startsWithGlobalHeader(rec []byte) bool {
	if len(rec) < 4 {
		return false
	}
	switch binary.LittleEndian.Uint32(rec[0:4]) {
	case frame.MagicStandard, frame.MagicModified, frame.MagicModifiedBE:
		return true
	}
	return false
}
