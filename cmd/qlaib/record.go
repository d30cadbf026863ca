package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/banshee-data/coincidence.report/internal/acquisition"
	"github.com/banshee-data/coincidence.report/internal/config"
	"github.com/banshee-data/coincidence.report/internal/correlator"
	"github.com/banshee-data/coincidence.report/internal/qutag"
	"github.com/banshee-data/coincidence.report/internal/recorder"
	"github.com/banshee-data/coincidence.report/internal/timetag"
)

func runRecord(ctx context.Context, args []string, stdout io.Writer) error {
	fs := newFlagSet("record", "[flags] <output.bin|output.csv|output"+recorder.Extension+">", stdout)
	f := addRunFlags(fs)
	duration := fs.Duration("duration", 10*time.Second, "raw recording length")
	format := fs.String("format", "", "raw file format: binary or ascii (default from the output extension)")
	batches := fs.Int("batches", 10, "exposures written to a "+recorder.Extension+" recording")
	compression := fs.String("compression", config.EmptyRunConfig().GetCompression(), "frame compression of a recording: none, lz4 or zstd")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := f.resolve()
	if err != nil {
		return err
	}
	override(fs, "compression", &cfg.Compression, *compression)
	out := fs.Arg(0)
	if out == "" {
		out = cfg.GetRecordPath()
	}
	if out == "" {
		return errors.New("record needs an output path")
	}

	svc := correlator.NewNative()
	backend, source, err := openBackend(cfg, svc)
	if err != nil {
		return err
	}
	defer closeBackend(backend)

	if strings.EqualFold(filepath.Ext(out), recorder.Extension) {
		tag, err := recorder.ParseCompressionTag(cfg.GetCompression())
		if err != nil {
			return err
		}
		n, err := recordBatches(ctx, backend, cfg.GetExposure(), out, tag, source, *batches)
		if err != nil {
			return err
		}
		fmt.Fprintf(stdout, "wrote %d batches to %s\n", n, out)
		return nil
	}

	ff, err := rawFormat(*format, out)
	if err != nil {
		return err
	}
	if hw, ok := backend.(*acquisition.HardwareBackend); ok {
		if err := hw.RecordRaw(ctx, out, *duration, ff); err != nil {
			return fmt.Errorf("failed to record raw timestamps: %w", err)
		}
		fmt.Fprintf(stdout, "recorded %s of raw timestamps to %s\n", *duration, out)
		return nil
	}

	// Other sources capture one exposure of the requested length and write
	// it in the same layout as the device.
	batch, err := backend.Capture(ctx, *duration)
	if err != nil {
		return fmt.Errorf("failed to capture: %w", err)
	}
	if err := writeEvents(out, ff, batch); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %d events to %s\n", batch.TotalEvents(), out)
	return nil
}

func rawFormat(name, out string) (qutag.FileFormat, error) {
	if name == "" {
		name = strings.TrimPrefix(filepath.Ext(out), ".")
	}
	ff, err := qutag.ParseFileFormat(name)
	if err != nil {
		return qutag.FormatNone, err
	}
	if ff == qutag.FormatNone {
		return qutag.FormatNone, fmt.Errorf("cannot infer a raw file format for %s, use --format", out)
	}
	return ff, nil
}

// recordBatches captures n exposures from backend into a recording at
// path. A replayed source may run out first.
func recordBatches(ctx context.Context, backend acquisition.Backend, exposure time.Duration, path string, tag recorder.CompressionTag, source string, n int) (uint64, error) {
	rec, err := recorder.Create(path, tag, source)
	if err != nil {
		return 0, err
	}
	for batch, err := range acquisition.Stream(ctx, backend, exposure) {
		if errors.Is(err, acquisition.ErrReplayExhausted) {
			break
		}
		if err != nil {
			_ = rec.Close()
			return rec.Frames(), err
		}
		if err := rec.Record(batch); err != nil {
			_ = rec.Close()
			return rec.Frames(), err
		}
		if int(rec.Frames()) >= n {
			break
		}
	}
	frames := rec.Frames()
	if err := rec.Close(); err != nil {
		return frames, fmt.Errorf("failed to finish recording: %w", err)
	}
	return frames, ctx.Err()
}

func writeEvents(path string, ff qutag.FileFormat, batch *timetag.Batch) error {
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", path, err)
	}
	events := batch.Flatten()
	if ff == qutag.FormatBinary {
		err = correlator.WriteBinary(file, events)
	} else {
		err = correlator.WriteText(file, events)
	}
	if err != nil {
		_ = file.Close()
		return fmt.Errorf("failed to write %s: %w", path, err)
	}
	return file.Close()
}
