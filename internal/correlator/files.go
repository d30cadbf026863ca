package correlator

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

// quTAG binary recordings start with a fixed header followed by 10-byte
// records: int64 little-endian timestamp then uint16 little-endian channel.
const (
	binHeaderSize = 40
	binRecordSize = 10
)

var binMagic = []byte("QUTAG-BIN-TIMESTAMPS")

// ReadFile implements Service.
func (n *Native) ReadFile(path string, bucketSeconds float64) (*timetag.Batch, error) {
	if bucketSeconds <= 0 {
		bucketSeconds = DefaultBucketSeconds
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open timestamp file: %w", err)
	}
	defer f.Close()

	var events []timetag.Event
	switch strings.ToLower(filepath.Ext(path)) {
	case ".bin":
		events, err = ReadBinary(f)
	case ".csv", ".txt":
		events, err = ReadText(f)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, filepath.Ext(path))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	batch := BatchFromEvents(events, bucketSeconds)
	return batch.WithMetadata(map[string]any{
		timetag.MetaSource:        path,
		timetag.MetaBucketSeconds: bucketSeconds,
	}), nil
}

// BatchFromEvents groups events by channel, rebases every timestamp to the
// earliest event and sets the duration to the event span rounded up to a
// whole bucket (at least one bucket).
func BatchFromEvents(events []timetag.Event, bucketSeconds float64) *timetag.Batch {
	singles := map[int][]int64{}
	if len(events) == 0 {
		return timetag.NewBatch(singles, bucketSeconds, time.Time{}, nil)
	}
	first, last := events[0].TimestampPs, events[0].TimestampPs
	for _, ev := range events {
		first = min(first, ev.TimestampPs)
		last = max(last, ev.TimestampPs)
	}
	for _, ev := range events {
		singles[ev.Channel] = append(singles[ev.Channel], ev.TimestampPs-first)
	}
	for _, ts := range singles {
		slices.Sort(ts)
	}
	span := float64(last-first) / timetag.PsPerSecond
	buckets := math.Ceil(span/bucketSeconds - 1e-12)
	if buckets < 1 {
		buckets = 1
	}
	return timetag.NewBatch(singles, buckets*bucketSeconds, time.Time{}, nil)
}

// ReadBinary parses a quTAG binary stream.
func ReadBinary(r io.Reader) ([]timetag.Event, error) {
	br := bufio.NewReaderSize(r, 64*1024)
	header := make([]byte, binHeaderSize)
	if _, err := io.ReadFull(br, header); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read header: %w", err)
	}

	var events []timetag.Event
	rec := make([]byte, binRecordSize)
	for {
		_, err := io.ReadFull(br, rec)
		if errors.Is(err, io.EOF) {
			return events, nil
		}
		if err != nil {
			return nil, fmt.Errorf("truncated record %d: %w", len(events), err)
		}
		events = append(events, timetag.Event{
			TimestampPs: int64(binary.LittleEndian.Uint64(rec[0:8])),
			Channel:     int(binary.LittleEndian.Uint16(rec[8:10])),
		})
	}
}

// WriteBinary writes events in the quTAG binary layout.
func WriteBinary(w io.Writer, events []timetag.Event) error {
	bw := bufio.NewWriter(w)
	header := make([]byte, binHeaderSize)
	copy(header, binMagic)
	if _, err := bw.Write(header); err != nil {
		return err
	}
	rec := make([]byte, binRecordSize)
	for _, ev := range events {
		if ev.Channel < 0 || ev.Channel > math.MaxUint16 {
			return fmt.Errorf("channel %d out of range", ev.Channel)
		}
		binary.LittleEndian.PutUint64(rec[0:8], uint64(ev.TimestampPs))
		binary.LittleEndian.PutUint16(rec[8:10], uint16(ev.Channel))
		if _, err := bw.Write(rec); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ReadText parses "timestamp;channel" or "timestamp,channel" rows. Blank
// lines, '#' comments and header rows before the first data row are skipped.
func ReadText(r io.Reader) ([]timetag.Event, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	var events []timetag.Event
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" || strings.HasPrefix(text, "#") {
			continue
		}
		fields := strings.FieldsFunc(text, func(r rune) bool {
			return r == ';' || r == ',' || r == '\t'
		})
		ev, err := parseTextRow(fields)
		if err != nil {
			if len(events) == 0 {
				continue
			}
			return nil, fmt.Errorf("line %d: %w", line, err)
		}
		events = append(events, ev)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return events, nil
}

func parseTextRow(fields []string) (timetag.Event, error) {
	if len(fields) < 2 {
		return timetag.Event{}, fmt.Errorf("expected 2 columns, got %d", len(fields))
	}
	ts, err := strconv.ParseInt(strings.TrimSpace(fields[0]), 10, 64)
	if err != nil {
		return timetag.Event{}, fmt.Errorf("bad timestamp %q", fields[0])
	}
	ch, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return timetag.Event{}, fmt.Errorf("bad channel %q", fields[1])
	}
	return timetag.Event{TimestampPs: ts, Channel: ch}, nil
}

// WriteText writes events as "timestamp;channel" rows.
func WriteText(w io.Writer, events []timetag.Event) error {
	bw := bufio.NewWriter(w)
	for _, ev := range events {
		if _, err := fmt.Fprintf(bw, "%d;%d\n", ev.TimestampPs, ev.Channel); err != nil {
			return err
		}
	}
	return bw.Flush()
}
