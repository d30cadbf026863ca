// Package recorder stores acquisition batches in .qrec files so that a live
// session can be replayed later. A file is a magic string, a CBOR header and
// a sequence of optionally compressed CBOR frames closed by a trailer that
// carries the frame count and a BLAKE3 digest of every frame payload.
package recorder

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/zeebo/blake3"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// Extension is the file extension of recordings.
const Extension = ".qrec"

// FormatVersion is the current header version.
const FormatVersion = 1

var magic = []byte("QREC\x00\x01")

const (
	kindFrame   byte = 'F'
	kindTrailer byte = 'T'
)

// maxPayload guards against corrupt length fields.
const maxPayload = 1 << 30

// ErrClosed is returned by Record after Close.
var ErrClosed = errors.New("recorder is closed")

// Recorder appends batches to a recording.
type Recorder struct {
	mu     sync.Mutex
	file   *os.File
	w      *bufio.Writer
	tag    CompressionTag
	hasher *blake3.Hasher
	frames uint64
	closed bool
}

// Create starts a new recording at path, truncating any existing file.
func Create(path string, tag CompressionTag, source string) (*Recorder, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create recording: %w", err)
	}
	r := &Recorder{file: f, w: bufio.NewWriter(f), tag: tag, hasher: blake3.New()}

	hdr, err := encMode.Marshal(Header{
		Version:     FormatVersion,
		CreatedNs:   time.Now().UnixNano(),
		Source:      source,
		Compression: tag,
	})
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to encode header: %w", err)
	}
	if _, err := r.w.Write(magic); err != nil {
		f.Close()
		return nil, err
	}
	if err := writeBlock(r.w, hdr); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	return r, nil
}

func writeBlock(w *bufio.Writer, data []byte) error {
	var lenBuf [4]byte
	binary.LittleEndian.PutUint32(lenBuf[:], uint32(len(data)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// Record appends one batch.
func (r *Recorder) Record(b *timetag.Batch) error {
	raw, err := encMode.Marshal(frameFromBatch(b))
	if err != nil {
		return fmt.Errorf("failed to encode frame: %w", err)
	}
	stored, tag, err := compress(raw, r.tag)
	if err != nil {
		return fmt.Errorf("failed to compress frame: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}

	var hdr [6]byte
	hdr[0] = kindFrame
	hdr[1] = byte(tag)
	binary.LittleEndian.PutUint32(hdr[2:], uint32(len(raw)))
	if _, err := r.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	if err := writeBlock(r.w, stored); err != nil {
		return fmt.Errorf("failed to write frame: %w", err)
	}
	r.hasher.Write(raw)
	r.frames++
	return nil
}

// Frames is the number of batches recorded so far.
func (r *Recorder) Frames() uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.frames
}

// Close writes the trailer and closes the file.
func (r *Recorder) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var trailer [9]byte
	trailer[0] = kindTrailer
	binary.LittleEndian.PutUint64(trailer[1:], r.frames)
	_, err := r.w.Write(trailer[:])
	if err == nil {
		_, err = r.w.Write(r.hasher.Sum(nil))
	}
	if err == nil {
		err = r.w.Flush()
	}
	return errors.Join(err, r.file.Close())
}
