package filestore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"iter"

	"github.com/klauspost/compress/gzip"

	"meshtrust/pkg/envelope"
)

// MaxFrameSize bounds a single record so a corrupt header cannot force a
// huge allocation.
const MaxFrameSize = 16 << 20

// FrameWriter writes gzip-compressed records, each a 4-byte big-endian
// length followed by its CBOR encoding.
type FrameWriter struct {
	gz      *gzip.Writer
	records int
	bytes   int64
}

func NewFrameWriter(w io.Writer) *FrameWriter {
	return &FrameWriter{gz: gzip.NewWriter(w)}
}

func (f *FrameWriter) Write(v any) error {
	payload, err := envelope.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("record of %d bytes exceeds frame limit", len(payload))
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := f.gz.Write(header[:]); err != nil {
		return err
	}
	if _, err := f.gz.Write(payload); err != nil {
		return err
	}
	f.records++
	f.bytes += int64(len(header) + len(payload))
	return nil
}

// Records is the number of records written so far.
func (f *FrameWriter) Records() int { return f.records }

// Bytes is the uncompressed size written so far.
func (f *FrameWriter) Bytes() int64 { return f.bytes }

func (f *FrameWriter) Close() error {
	return f.gz.Close()
}

// ReadFrames decodes records from a stream produced by FrameWriter. The
// sequence ends after the first error.
func ReadFrames[T any](r io.Reader) iter.Seq2[T, error] {
	return func(yield func(T, error) bool) {
		var zero T
		gz, err := gzip.NewReader(r)
		if err != nil {
			yield(zero, fmt.Errorf("open gzip stream: %w", err))
			return
		}
		defer gz.Close()
		var header [4]byte
		for {
			if _, err := io.ReadFull(gz, header[:]); err != nil {
				if errors.Is(err, io.EOF) {
					return
				}
				yield(zero, fmt.Errorf("read frame header: %w", err))
				return
			}
			size := binary.BigEndian.Uint32(header[:])
			if size > MaxFrameSize {
				yield(zero, fmt.Errorf("frame of %d bytes exceeds limit", size))
				return
			}
			payload := make([]byte, size)
			if _, err := io.ReadFull(gz, payload); err != nil {
				yield(zero, fmt.Errorf("read frame: %w", err))
				return
			}
			var rec T
			if err := envelope.Unmarshal(payload, &rec); err != nil {
				yield(zero, fmt.Errorf("decode frame: %w", err))
				return
			}
			if !yield(rec, nil) {
				return
			}
		}
	}
}
