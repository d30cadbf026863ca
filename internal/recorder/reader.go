package recorder

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"

	"github.com/banshee-data/coincidence.report/internal/monitoring"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

var (
	// ErrNotRecording is returned for files without the .qrec magic.
	ErrNotRecording = errors.New("not a recording")
	// ErrCorrupt is returned when the trailer does not match the frames.
	ErrCorrupt = errors.New("recording is corrupt")
)

// Reader iterates over the batches of a recording.
type Reader struct {
	file   *os.File
	r      *bufio.Reader
	header Header
	hasher *blake3.Hasher
	frames uint64
	// Verified is set once a matching trailer has been read.
	Verified bool
	done     bool
}

// Open reads the header of the recording at path.
func Open(path string) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open recording: %w", err)
	}
	rd := &Reader{file: f, r: bufio.NewReader(f), hasher: blake3.New()}

	got := make([]byte, len(magic))
	if _, err := io.ReadFull(rd.r, got); err != nil || !bytes.Equal(got, magic) {
		f.Close()
		return nil, fmt.Errorf("%w: %s", ErrNotRecording, path)
	}
	hdr, err := readBlock(rd.r)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to read header: %w", err)
	}
	if err := decMode.Unmarshal(hdr, &rd.header); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to decode header: %w", err)
	}
	if rd.header.Version > FormatVersion {
		f.Close()
		return nil, fmt.Errorf("unsupported recording version %d", rd.header.Version)
	}
	return rd, nil
}

func readBlock(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.LittleEndian.Uint32(lenBuf[:])
	if n > maxPayload {
		return nil, fmt.Errorf("%w: block of %d bytes", ErrCorrupt, n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Header returns the recording header.
func (rd *Reader) Header() Header { return rd.header }

// Next returns the next batch, or io.EOF after the last one. A recording
// cut short without a trailer ends with io.EOF and Verified left false.
func (rd *Reader) Next() (*timetag.Batch, error) {
	if rd.done {
		return nil, io.EOF
	}
	kind, err := rd.r.ReadByte()
	if errors.Is(err, io.EOF) {
		rd.done = true
		monitoring.Logf("[Recorder] recording has no trailer after %d frames", rd.frames)
		return nil, io.EOF
	}
	if err != nil {
		return nil, err
	}

	switch kind {
	case kindTrailer:
		rd.done = true
		return nil, rd.readTrailer()
	case kindFrame:
	default:
		return nil, fmt.Errorf("%w: unknown block kind %q", ErrCorrupt, kind)
	}

	var hdr [5]byte
	if _, err := io.ReadFull(rd.r, hdr[:]); err != nil {
		return nil, fmt.Errorf("failed to read frame header: %w", err)
	}
	tag := CompressionTag(hdr[0])
	rawSize := int(binary.LittleEndian.Uint32(hdr[1:]))
	if rawSize > maxPayload {
		return nil, fmt.Errorf("%w: frame of %d bytes", ErrCorrupt, rawSize)
	}
	stored, err := readBlock(rd.r)
	if err != nil {
		return nil, fmt.Errorf("failed to read frame %d: %w", rd.frames, err)
	}
	raw, err := decompress(stored, tag, rawSize)
	if err != nil {
		return nil, fmt.Errorf("frame %d: %w", rd.frames, err)
	}
	var f frame
	if err := decMode.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("failed to decode frame %d: %w", rd.frames, err)
	}
	rd.hasher.Write(raw)
	rd.frames++
	return f.batch(), nil
}

func (rd *Reader) readTrailer() error {
	var countBuf [8]byte
	if _, err := io.ReadFull(rd.r, countBuf[:]); err != nil {
		return fmt.Errorf("failed to read trailer: %w", err)
	}
	digest := make([]byte, 32)
	if _, err := io.ReadFull(rd.r, digest); err != nil {
		return fmt.Errorf("failed to read trailer: %w", err)
	}
	if count := binary.LittleEndian.Uint64(countBuf[:]); count != rd.frames {
		return fmt.Errorf("%w: trailer lists %d frames, read %d", ErrCorrupt, count, rd.frames)
	}
	if !bytes.Equal(digest, rd.hasher.Sum(nil)) {
		return fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	rd.Verified = true
	return io.EOF
}

// Close closes the underlying file.
func (rd *Reader) Close() error { return rd.file.Close() }

// ReadAll loads every batch of the recording at path.
func ReadAll(path string) ([]*timetag.Batch, error) {
	rd, err := Open(path)
	if err != nil {
		return nil, err
	}
	defer rd.Close()

	var out []*timetag.Batch
	for {
		b, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, b)
	}
}
