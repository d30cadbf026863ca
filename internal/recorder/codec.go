package recorder

import (
	"reflect"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/banshee-data/coincidence.report/internal/timetag"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic("recorder: CBOR encoder initialization failed: " + err.Error())
	}
	decMode, err = cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		panic("recorder: CBOR decoder initialization failed: " + err.Error())
	}
}

// Header is written once at the start of a recording.
type Header struct {
	Version     int            `cbor:"version"`
	CreatedNs   int64          `cbor:"created_ns"`
	Source      string         `cbor:"source"`
	Compression CompressionTag `cbor:"compression"`
	Labels      map[string]any `cbor:"labels,omitempty"`
}

// frame is the on-disk form of one batch.
type frame struct {
	Singles     map[int][]int64 `cbor:"singles"`
	DurationSec float64         `cbor:"duration_sec"`
	StartedNs   int64           `cbor:"started_ns,omitempty"`
	Metadata    map[string]any  `cbor:"metadata,omitempty"`
}

func frameFromBatch(b *timetag.Batch) frame {
	f := frame{
		Singles:     b.Singles(),
		DurationSec: b.DurationSec(),
		Metadata:    b.Metadata(),
	}
	if t := b.StartedAt(); !t.IsZero() {
		f.StartedNs = t.UnixNano()
	}
	return f
}

func (f frame) batch() *timetag.Batch {
	var started time.Time
	if f.StartedNs != 0 {
		started = time.Unix(0, f.StartedNs).UTC()
	}
	return timetag.NewBatch(f.Singles, f.DurationSec, started, f.Metadata)
}
